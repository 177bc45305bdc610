// Package syncer orchestrates the offline-resilient synchronization between
// the local cache, the pending-operation queue and the remote store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/foliosync/internal/cache"
	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/internal/events"
	"github.com/aristath/foliosync/internal/gateway"
	"github.com/aristath/foliosync/internal/market"
	"github.com/aristath/foliosync/internal/notify"
	"github.com/aristath/foliosync/internal/pending"
	"github.com/aristath/foliosync/pkg/logger"
)

// State is the synchronizer session state.
type State string

const (
	StateInit          State = "INIT"
	StateLoading       State = "LOADING"
	StateLoaded        State = "LOADED"
	StateOfflineCached State = "OFFLINE_CACHED"
	StateError         State = "ERROR"
)

// Dedupe keys for user-facing notices.
const (
	offlineNoticeKey = "offline-mode"
	authNoticeKey    = "auth-required"
)

// Service is the synchronizer. All mutations flow through it: applied
// optimistically to the cached snapshot first, then attempted against the
// gateway, queued for replay when the gateway is unreachable.
type Service struct {
	mu       sync.Mutex
	state    State
	offline  bool
	draining bool
	ownerID  string
	snapshot domain.CacheSnapshot

	// gen increments on every Load. Results of gateway calls started under
	// an older generation are discarded, never applied.
	gen int

	// inflight tracks optimistic operation ids whose gateway call has not
	// resolved yet. Until it does, the optimistic value outranks any
	// remote read of the same entity. inflightDeletes does the same for
	// removals, keyed by entity id, so a remote echo cannot resurrect a
	// row mid-delete.
	inflight        map[string]bool
	inflightDeletes map[string]bool

	// Quotes are refetched only when the holdings symbol set changes.
	lastSymbols []string
	lastQuotes  map[string]market.Quote

	gw       gateway.Gateway
	cache    *cache.Store
	queue    *pending.Queue
	market   market.Provider
	notifier notify.Notifier
	bus      *events.Bus
	log      zerolog.Logger
}

// New creates a synchronizer.
func New(gw gateway.Gateway, store *cache.Store, queue *pending.Queue, provider market.Provider, notifier notify.Notifier, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		state:           StateInit,
		inflight:        make(map[string]bool),
		inflightDeletes: make(map[string]bool),
		gw:              gw,
		cache:           store,
		queue:           queue,
		market:          provider,
		notifier:        notifier,
		bus:             bus,
		log:             logger.Component(log, "syncer"),
	}
}

// State returns the current session state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Offline reports whether the session is in the offline sub-state.
func (s *Service) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// NeedsReconnect reports whether the session is waiting on connectivity:
// the offline sub-state, or a load that failed outright and needs a retry
// once the remote answers again.
func (s *Service) NeedsReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline || s.state == StateError
}

// OwnerID returns the owner the session is bound to.
func (s *Service) OwnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID
}

// Snapshot returns a deep copy of the current working snapshot.
func (s *Service) Snapshot() domain.CacheSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// PendingOperations lists the queued mutations in replay order.
func (s *Service) PendingOperations() []domain.PendingOperation {
	return s.queue.List()
}

// PendingOperation returns one queued mutation by operation id.
func (s *Service) PendingOperation(opID string) (domain.PendingOperation, bool) {
	return s.queue.Find(opID)
}

// Load initializes the session for an owner: lookup-or-create the portfolio,
// read holdings and transactions, overwrite the cache with the fresh
// snapshot. A transient read failure falls back to a cached snapshot from a
// prior session when one exists.
func (s *Service) Load(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	s.state = StateLoading
	s.ownerID = ownerID
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.log.Info().Str("owner_id", ownerID).Msg("Loading portfolio")

	p, err := s.gw.GetPortfolio(ctx, ownerID)
	if errors.Is(err, domain.ErrNotFound) {
		p, err = s.gw.CreatePortfolio(ctx, domain.Portfolio{
			OwnerID: ownerID,
			Name:    "My Portfolio",
		})
	}
	if err != nil {
		return s.loadFallback(gen, ownerID, err)
	}

	holdings, err := s.gw.ListHoldings(ctx, p.ID)
	if err != nil {
		return s.loadFallback(gen, ownerID, err)
	}
	transactions, err := s.gw.ListTransactions(ctx, p.ID)
	if err != nil {
		return s.loadFallback(gen, ownerID, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// A newer Load superseded this one; discard the result.
		s.mu.Unlock()
		return nil
	}
	s.markQueuedLocked(holdings)
	s.snapshot = domain.CacheSnapshot{
		Portfolio:    &p,
		Holdings:     holdings,
		Transactions: transactions,
	}
	s.persistLocked()
	s.state = StateLoaded
	s.offline = false
	s.mu.Unlock()

	s.bus.Emit(events.SnapshotRefreshed, "syncer", map[string]interface{}{
		"owner_id": ownerID,
		"source":   "remote",
	})
	s.RecomputeMetrics(ctx)

	s.log.Info().
		Str("owner_id", ownerID).
		Int("holdings", len(holdings)).
		Int("transactions", len(transactions)).
		Msg("Portfolio loaded from remote")

	return nil
}

// loadFallback handles a failed initial read: cached snapshot if the failure
// is transient and a snapshot exists, terminal error state otherwise.
func (s *Service) loadFallback(gen int, ownerID string, cause error) error {
	if domain.Retryable(cause) {
		if snap, ok := s.cache.Get(ownerID); ok && snap.Portfolio != nil {
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return nil
			}
			s.snapshot = snap
			s.state = StateOfflineCached
			s.offline = true
			s.mu.Unlock()

			s.notifier.Notify("Offline mode: showing cached data", notify.SeverityInfo, offlineNoticeKey)
			s.bus.Emit(events.SnapshotRefreshed, "syncer", map[string]interface{}{
				"owner_id": ownerID,
				"source":   "cache",
			})

			s.log.Warn().Err(cause).Str("owner_id", ownerID).Msg("Remote read failed, serving cached snapshot")
			return nil
		}
	}

	s.mu.Lock()
	if s.gen == gen {
		s.state = StateError
	}
	s.mu.Unlock()

	if domain.KindOf(cause) == domain.KindAuth {
		s.notifier.Notify("Re-authentication required", notify.SeverityError, authNoticeKey)
	}

	s.log.Error().Err(cause).Str("owner_id", ownerID).Msg("Load failed with no cached snapshot")
	return fmt.Errorf("load portfolio for %s: %w", ownerID, cause)
}

// AddHolding creates a holding: optimistic insert into the snapshot, then a
// gateway insert. Transient failures queue the create for replay; validation
// and auth failures roll the optimistic row back.
func (s *Service) AddHolding(ctx context.Context, h domain.Holding) (domain.Holding, error) {
	s.mu.Lock()
	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return domain.Holding{}, err
	}
	gen := s.gen
	now := time.Now()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.PortfolioID = s.snapshot.Portfolio.ID
	h.CreatedAt = now
	h.UpdatedAt = now

	opID := uuid.NewString()
	optimistic := h
	optimistic.Sync = domain.Optimistic(opID)
	s.snapshot.Holdings = append(s.snapshot.Holdings, optimistic)
	s.inflight[opID] = true
	s.persistLocked()
	s.mu.Unlock()
	defer s.clearInflight(opID)

	confirmed, err := s.gw.InsertHolding(ctx, h)
	if err == nil {
		s.recordTransaction(ctx, h, domain.TransactionBuy)
		confirmed.Sync = domain.Confirmed()
		s.applyConfirmed(gen, confirmed)
		s.RecomputeMetrics(ctx)
		return confirmed, nil
	}

	if domain.Retryable(err) {
		s.queue.Enqueue(domain.PendingOperation{
			ID:         opID,
			Type:       domain.OpCreateHolding,
			Holding:    h,
			EnqueuedAt: now,
		})
		s.markOffline()
		s.log.Warn().Err(err).Str("holding_id", h.ID).Msg("Insert queued for replay")
		return optimistic, nil
	}

	// Non-retryable: roll the optimistic row back and surface the error.
	s.mu.Lock()
	if s.gen == gen {
		s.removeHoldingLocked(h.ID)
		s.persistLocked()
	}
	s.mu.Unlock()

	s.log.Error().Err(err).Str("holding_id", h.ID).Msg("Insert rejected, rolled back")
	return domain.Holding{}, err
}

// UpdateHolding mutates an existing holding with the same optimistic /
// queue / rollback flow as AddHolding. A conflict (the row vanished
// remotely) rolls back and schedules a fresh read.
func (s *Service) UpdateHolding(ctx context.Context, h domain.Holding) (domain.Holding, error) {
	s.mu.Lock()
	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return domain.Holding{}, err
	}
	gen := s.gen
	prev, idx := s.findHoldingLocked(h.ID)
	if idx < 0 {
		s.mu.Unlock()
		return domain.Holding{}, fmt.Errorf("holding %s not found", h.ID)
	}

	now := time.Now()
	h.PortfolioID = prev.PortfolioID
	h.CreatedAt = prev.CreatedAt
	h.UpdatedAt = now

	opID := uuid.NewString()
	optimistic := h
	optimistic.Sync = domain.Optimistic(opID)
	s.snapshot.Holdings[idx] = optimistic
	s.inflight[opID] = true
	s.persistLocked()
	s.mu.Unlock()
	defer s.clearInflight(opID)

	confirmed, err := s.gw.UpdateHolding(ctx, h)
	if err == nil {
		confirmed.Sync = domain.Confirmed()
		s.applyConfirmed(gen, confirmed)
		s.RecomputeMetrics(ctx)
		return confirmed, nil
	}

	if domain.Retryable(err) {
		s.queue.Enqueue(domain.PendingOperation{
			ID:         opID,
			Type:       domain.OpUpdateHolding,
			Holding:    h,
			EnqueuedAt: now,
		})
		s.markOffline()
		s.log.Warn().Err(err).Str("holding_id", h.ID).Msg("Update queued for replay")
		return optimistic, nil
	}

	s.mu.Lock()
	if s.gen == gen {
		if _, i := s.findHoldingLocked(h.ID); i >= 0 {
			s.snapshot.Holdings[i] = prev
		}
		s.persistLocked()
	}
	s.mu.Unlock()

	if domain.KindOf(err) == domain.KindConflict {
		// The row no longer exists remotely; resync instead of guessing.
		go s.RefreshFromRemote(context.WithoutCancel(ctx))
	}

	s.log.Error().Err(err).Str("holding_id", h.ID).Msg("Update rejected, rolled back")
	return domain.Holding{}, err
}

// RemoveHolding deletes a holding. The optimistic removal happens first;
// deleting a row that is already gone remotely counts as success.
func (s *Service) RemoveHolding(ctx context.Context, holdingID string) error {
	s.mu.Lock()
	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	gen := s.gen
	prev, idx := s.findHoldingLocked(holdingID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("holding %s not found", holdingID)
	}
	s.removeHoldingLocked(holdingID)
	s.inflightDeletes[holdingID] = true
	s.persistLocked()
	s.mu.Unlock()
	defer s.clearInflightDelete(holdingID)

	err := s.gw.DeleteHolding(ctx, prev.PortfolioID, holdingID)
	if err == nil || domain.KindOf(err) == domain.KindConflict {
		// The delete is final. Any earlier queued create or update for this
		// entity must not replay, or it would resurrect the row.
		if cancelled := s.queue.RemoveForEntity(holdingID); cancelled > 0 {
			s.log.Info().Str("holding_id", holdingID).Int("cancelled", cancelled).Msg("Superseded queued operations cancelled by delete")
		}
		s.recordTransaction(ctx, prev, domain.TransactionSell)
		s.bus.Emit(events.HoldingChanged, "syncer", map[string]interface{}{
			"holding_id": holdingID,
			"change":     "deleted",
		})
		s.RecomputeMetrics(ctx)
		return nil
	}

	if domain.Retryable(err) {
		s.queue.Enqueue(domain.PendingOperation{
			ID:         uuid.NewString(),
			Type:       domain.OpDeleteHolding,
			Holding:    prev,
			EnqueuedAt: time.Now(),
		})
		s.markOffline()
		s.log.Warn().Err(err).Str("holding_id", holdingID).Msg("Delete queued for replay")
		return nil
	}

	// Non-retryable: restore the holding.
	s.mu.Lock()
	if s.gen == gen {
		s.snapshot.Holdings = append(s.snapshot.Holdings, prev)
		s.persistLocked()
	}
	s.mu.Unlock()

	s.log.Error().Err(err).Str("holding_id", holdingID).Msg("Delete rejected, rolled back")
	return err
}

// mutableLocked checks that the session accepts mutations.
func (s *Service) mutableLocked() error {
	if s.state != StateLoaded && s.state != StateOfflineCached {
		return fmt.Errorf("session not ready for mutations (state %s)", s.state)
	}
	if s.snapshot.Portfolio == nil {
		return fmt.Errorf("no portfolio loaded")
	}
	return nil
}

// markOffline flips the session into the offline sub-state and raises the
// deduped offline notice. The optimistic value stays in place.
func (s *Service) markOffline() {
	s.mu.Lock()
	s.offline = true
	if s.state == StateLoaded {
		s.state = StateOfflineCached
	}
	s.mu.Unlock()

	s.notifier.Notify("Offline mode: changes will sync when connection returns", notify.SeverityInfo, offlineNoticeKey)
}

// applyConfirmed replaces the optimistic row with the canonical server row,
// unless the session moved to another owner in the meantime.
func (s *Service) applyConfirmed(gen int, confirmed domain.Holding) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if _, idx := s.findHoldingLocked(confirmed.ID); idx >= 0 {
		s.snapshot.Holdings[idx] = confirmed
	} else {
		s.snapshot.Holdings = append(s.snapshot.Holdings, confirmed)
	}
	s.persistLocked()
	s.mu.Unlock()

	s.bus.Emit(events.HoldingChanged, "syncer", map[string]interface{}{
		"holding_id": confirmed.ID,
		"symbol":     confirmed.Symbol,
		"change":     "confirmed",
	})
}

// recordTransaction appends an immutable buy/sell record. Best effort: a
// failed insert is logged, never queued, because transactions are derived
// bookkeeping of an already-confirmed holding change.
func (s *Service) recordTransaction(ctx context.Context, h domain.Holding, txType domain.TransactionType) {
	tx := domain.Transaction{
		ID:          uuid.NewString(),
		PortfolioID: h.PortfolioID,
		Symbol:      h.Symbol,
		Type:        txType,
		Shares:      h.Shares,
		Price:       h.CostBasis,
		Total:       h.TotalCost(),
		ExecutedAt:  time.Now(),
	}

	confirmed, err := s.gw.InsertTransaction(ctx, tx)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", h.Symbol).Msg("Transaction record not persisted")
		return
	}

	s.mu.Lock()
	s.snapshot.Transactions = append([]domain.Transaction{confirmed}, s.snapshot.Transactions...)
	s.persistLocked()
	s.mu.Unlock()
}

// clearInflight releases an in-flight operation id once its gateway call has
// resolved. If the call failed transiently the operation is already in the
// queue by the time this runs, so the entity stays protected.
func (s *Service) clearInflight(opID string) {
	s.mu.Lock()
	delete(s.inflight, opID)
	s.mu.Unlock()
}

func (s *Service) clearInflightDelete(holdingID string) {
	s.mu.Lock()
	delete(s.inflightDeletes, holdingID)
	s.mu.Unlock()
}

func (s *Service) findHoldingLocked(id string) (domain.Holding, int) {
	for i, h := range s.snapshot.Holdings {
		if h.ID == id {
			return h, i
		}
	}
	return domain.Holding{}, -1
}

func (s *Service) removeHoldingLocked(id string) {
	for i, h := range s.snapshot.Holdings {
		if h.ID == id {
			s.snapshot.Holdings = append(s.snapshot.Holdings[:i], s.snapshot.Holdings[i+1:]...)
			return
		}
	}
}

// markQueuedLocked re-applies the optimistic flag to freshly-read holdings
// that still have a queued operation, preserving the invariant that a
// flagged holding always has a corresponding pending operation.
func (s *Service) markQueuedLocked(holdings []domain.Holding) {
	ops := s.queue.List()
	if len(ops) == 0 {
		for i := range holdings {
			holdings[i].Sync = domain.Confirmed()
		}
		return
	}

	opByEntity := make(map[string]string, len(ops))
	for _, op := range ops {
		// Later ops win so the flag tracks the most recent queued mutation.
		opByEntity[op.EntityID()] = op.ID
	}

	for i := range holdings {
		if opID, ok := opByEntity[holdings[i].ID]; ok {
			holdings[i].Sync = domain.Optimistic(opID)
		} else {
			holdings[i].Sync = domain.Confirmed()
		}
	}
}

// persistLocked writes the working snapshot through to the cache store.
// Best effort by contract.
func (s *Service) persistLocked() {
	if s.ownerID == "" {
		return
	}
	if err := s.cache.Set(s.ownerID, s.snapshot); err != nil {
		s.log.Warn().Err(err).Msg("Snapshot persistence failed")
	}
}
