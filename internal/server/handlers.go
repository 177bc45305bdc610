package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/foliosync/internal/domain"
)

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps a classified error to an HTTP status
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindAuth:
		status = http.StatusUnauthorized
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindNetwork:
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleGetPortfolio returns the current portfolio snapshot
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Syncer.Snapshot()
	if snap.Portfolio == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no portfolio loaded"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Portfolio)
}

// handleGetMetrics returns the derived portfolio metrics
func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Syncer.Snapshot()
	if snap.Portfolio == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no portfolio loaded"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Portfolio.Metrics)
}

// handleListHoldings returns all holdings including optimistic rows
func (s *Server) handleListHoldings(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Syncer.Snapshot()
	s.writeJSON(w, http.StatusOK, snap.Holdings)
}

// handleListTransactions returns the transaction history
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Syncer.Snapshot()
	s.writeJSON(w, http.StatusOK, snap.Transactions)
}

// holdingRequest is the mutation payload for holdings
type holdingRequest struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	AssetType string  `json:"asset_type"`
	Sector    string  `json:"sector"`
	Shares    float64 `json:"shares"`
	CostBasis float64 `json:"cost_basis"`
}

func (req *holdingRequest) validate() string {
	if req.Symbol == "" {
		return "symbol is required"
	}
	if req.Shares <= 0 {
		return "shares must be positive"
	}
	if req.CostBasis < 0 {
		return "cost_basis must not be negative"
	}
	return ""
}

// handleAddHolding creates a holding through the synchronizer
func (s *Server) handleAddHolding(w http.ResponseWriter, r *http.Request) {
	var req holdingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	h, err := s.session.Syncer.AddHolding(r.Context(), domain.Holding{
		Symbol:    req.Symbol,
		Name:      req.Name,
		AssetType: req.AssetType,
		Sector:    req.Sector,
		Shares:    req.Shares,
		CostBasis: req.CostBasis,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, h)
}

// handleUpdateHolding mutates a holding through the synchronizer
func (s *Server) handleUpdateHolding(w http.ResponseWriter, r *http.Request) {
	var req holdingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	h, err := s.session.Syncer.UpdateHolding(r.Context(), domain.Holding{
		ID:        chi.URLParam(r, "holdingID"),
		Symbol:    req.Symbol,
		Name:      req.Name,
		AssetType: req.AssetType,
		Sector:    req.Sector,
		Shares:    req.Shares,
		CostBasis: req.CostBasis,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

// handleRemoveHolding deletes a holding through the synchronizer
func (s *Server) handleRemoveHolding(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Syncer.RemoveHolding(r.Context(), chi.URLParam(r, "holdingID")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleSyncStatus reports the session state, queue depth and stream link
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	svc := s.session.Syncer
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":            string(svc.State()),
		"offline":          svc.Offline(),
		"owner_id":         svc.OwnerID(),
		"pending":          len(svc.PendingOperations()),
		"stream_connected": s.stream != nil && s.stream.IsConnected(),
	})
}

// handleListPending returns the queued operations in replay order
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Syncer.PendingOperations())
}

// handleGetPending returns one queued operation by id
func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	op, ok := s.session.Syncer.PendingOperation(chi.URLParam(r, "opID"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such pending operation"})
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

// handleFlush triggers a queue drain. Returns immediately; drain progress is
// observable via /sync/status and the event stream.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	// The request context ends when the handler returns; the drain must not.
	go s.session.Syncer.Drain(context.Background())
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}
