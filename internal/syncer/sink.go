package syncer

import (
	"context"

	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/internal/events"
)

// The methods below are the realtime reconciliation entry points. Incoming
// collection reads apply last-write-wins, except that rows with a queued
// local mutation keep their optimistic value until the queue drains.

// ReconcileHoldings replaces the holdings collection with a fresh remote
// read. Reads for a portfolio other than the loaded one are discarded.
func (s *Service) ReconcileHoldings(ctx context.Context, portfolioID string, holdings []domain.Holding) bool {
	s.mu.Lock()
	if s.snapshot.Portfolio == nil || s.snapshot.Portfolio.ID != portfolioID {
		s.mu.Unlock()
		return false
	}
	s.markQueuedLocked(holdings)
	queued, deletes := s.queuedEntities()
	protected := func(h domain.Holding) bool {
		return h.Sync.Queued() && (queued[h.ID] || s.inflight[h.Sync.PendingOpID])
	}

	merged := make([]domain.Holding, 0, len(holdings))
	for _, remote := range holdings {
		if deletes[remote.ID] || s.inflightDeletes[remote.ID] {
			// A delete for this row is queued or still on the wire; the
			// echo must not resurrect it.
			continue
		}
		if local, idx := s.findHoldingLocked(remote.ID); idx >= 0 && protected(local) {
			merged = append(merged, local)
		} else {
			merged = append(merged, remote)
		}
	}
	for _, local := range s.snapshot.Holdings {
		if !protected(local) {
			continue
		}
		found := false
		for _, m := range merged {
			if m.ID == local.ID {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, local)
		}
	}

	s.snapshot.Holdings = merged
	s.persistLocked()
	ownerID := s.ownerID
	s.mu.Unlock()

	s.bus.Emit(events.SnapshotRefreshed, "syncer", map[string]interface{}{
		"owner_id": ownerID,
		"source":   "realtime",
	})
	return true
}

// ReconcileTransactions replaces the transaction history. Transactions are
// append-only server-side, so a wholesale replace is safe.
func (s *Service) ReconcileTransactions(ctx context.Context, portfolioID string, transactions []domain.Transaction) bool {
	s.mu.Lock()
	if s.snapshot.Portfolio == nil || s.snapshot.Portfolio.ID != portfolioID {
		s.mu.Unlock()
		return false
	}
	s.snapshot.Transactions = transactions
	s.persistLocked()
	s.mu.Unlock()
	return true
}

// MetricsStale triggers a metrics recomputation.
func (s *Service) MetricsStale(ctx context.Context) {
	s.RecomputeMetrics(ctx)
}

// PortfolioID returns the loaded portfolio's ID, empty when none is loaded.
func (s *Service) PortfolioID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot.Portfolio == nil {
		return ""
	}
	return s.snapshot.Portfolio.ID
}
