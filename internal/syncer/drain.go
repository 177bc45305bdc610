package syncer

import (
	"context"

	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/internal/events"
	"github.com/aristath/foliosync/internal/market"
	"github.com/aristath/foliosync/internal/metrics"
	"github.com/aristath/foliosync/internal/notify"
	"github.com/aristath/foliosync/internal/pending"
	"github.com/aristath/foliosync/internal/utils"
)

// Drain replays the pending queue in order. A single drain runs at a time;
// concurrent calls return immediately without queueing a second pass.
//
// Per operation: success confirms the holding, a conflict drops the
// operation and schedules a resync, auth failures keep the operation for a
// later session, anything transient stays queued. After a drain that empties
// the queue the session refreshes from remote, clears the offline notice and
// recomputes metrics exactly once.
func (s *Service) Drain(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	gen := s.gen
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	if s.queue.Len() == 0 {
		return
	}

	defer utils.OperationTimer("queue_drain", s.log)()
	s.log.Info().Int("queued", s.queue.Len()).Msg("Draining pending operations")

	needResync := false
	remaining := s.queue.Drain(func(op domain.PendingOperation) pending.ApplyResult {
		err := s.applyOperation(ctx, gen, op)
		if err == nil {
			return pending.Applied
		}

		switch domain.KindOf(err) {
		case domain.KindConflict:
			// The target row changed or vanished remotely; the server copy
			// wins and the stale mutation is discarded.
			s.log.Warn().Err(err).Str("op_id", op.ID).Msg("Queued operation dropped on conflict")
			needResync = true
			return pending.Dropped
		case domain.KindValidation:
			s.log.Error().Err(err).Str("op_id", op.ID).Msg("Queued operation rejected")
			s.notifier.Notify("A queued change was rejected by the server", notify.SeverityError, "op-rejected-"+op.ID)
			return pending.Dropped
		case domain.KindAuth:
			// Fatal for this session; keep the operation so a re-authenticated
			// session can replay it.
			s.notifier.Notify("Re-authentication required", notify.SeverityError, authNoticeKey)
			return pending.Retry
		default:
			return pending.Retry
		}
	})

	s.bus.Emit(events.QueueDrained, "syncer", map[string]interface{}{
		"remaining": remaining,
	})

	if remaining == 0 {
		s.mu.Lock()
		current := s.gen == gen
		if current {
			s.offline = false
			s.state = StateLoaded
		}
		s.mu.Unlock()
		if !current {
			return
		}

		s.notifier.Clear(offlineNoticeKey)
		s.RefreshFromRemote(ctx)
		s.RecomputeMetrics(ctx)
		s.log.Info().Msg("Queue drained, session back online")
		return
	}

	if needResync {
		s.RefreshFromRemote(ctx)
	}
	s.log.Info().Int("remaining", remaining).Msg("Drain finished with operations still queued")
}

// applyOperation replays one queued mutation against the gateway.
func (s *Service) applyOperation(ctx context.Context, gen int, op domain.PendingOperation) error {
	switch op.Type {
	case domain.OpCreateHolding:
		confirmed, err := s.gw.InsertHolding(ctx, op.Holding)
		if err != nil {
			return err
		}
		s.recordTransaction(ctx, op.Holding, domain.TransactionBuy)
		confirmed.Sync = domain.Confirmed()
		s.applyConfirmed(gen, confirmed)
		return nil
	case domain.OpUpdateHolding:
		confirmed, err := s.gw.UpdateHolding(ctx, op.Holding)
		if err != nil {
			return err
		}
		confirmed.Sync = domain.Confirmed()
		s.applyConfirmed(gen, confirmed)
		return nil
	case domain.OpDeleteHolding:
		if err := s.gw.DeleteHolding(ctx, op.Holding.PortfolioID, op.Holding.ID); err != nil {
			return err
		}
		s.mu.Lock()
		if s.gen == gen {
			s.removeHoldingLocked(op.Holding.ID)
			s.persistLocked()
		}
		s.mu.Unlock()
		return nil
	default:
		s.log.Error().Str("op_type", string(op.Type)).Msg("Unknown operation type dropped")
		return nil
	}
}

// RefreshFromRemote re-reads holdings and transactions for the loaded
// portfolio and replaces the snapshot, preserving rows that still carry a
// queued mutation. Failures are logged, not surfaced: the cached snapshot
// stays authoritative until a read succeeds.
func (s *Service) RefreshFromRemote(ctx context.Context) {
	s.mu.Lock()
	if s.snapshot.Portfolio == nil {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	portfolioID := s.snapshot.Portfolio.ID
	ownerID := s.ownerID
	s.mu.Unlock()

	holdings, err := s.gw.ListHoldings(ctx, portfolioID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Remote refresh failed for holdings")
		return
	}
	transactions, err := s.gw.ListTransactions(ctx, portfolioID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Remote refresh failed for transactions")
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.markQueuedLocked(holdings)
	holdings = s.mergeOptimisticLocked(holdings)
	s.snapshot.Holdings = holdings
	s.snapshot.Transactions = transactions
	s.persistLocked()
	s.mu.Unlock()

	s.bus.Emit(events.SnapshotRefreshed, "syncer", map[string]interface{}{
		"owner_id": ownerID,
		"source":   "remote",
	})
}

// mergeOptimisticLocked carries locally-queued rows that the remote does not
// know about yet (pending creates) into a freshly-read holdings slice, and
// suppresses rows with a delete still on the wire. The queue and the
// in-flight sets, not the snapshot's flag, decide: a row whose operation was
// just dropped must not be resurrected.
func (s *Service) mergeOptimisticLocked(remote []domain.Holding) []domain.Holding {
	queued, deletes := s.queuedEntities()
	seen := make(map[string]bool, len(remote))
	merged := remote[:0]
	for _, h := range remote {
		if deletes[h.ID] || s.inflightDeletes[h.ID] {
			continue
		}
		seen[h.ID] = true
		merged = append(merged, h)
	}
	for _, h := range s.snapshot.Holdings {
		if h.Sync.Queued() && !seen[h.ID] && (queued[h.ID] || s.inflight[h.Sync.PendingOpID]) {
			merged = append(merged, h)
		}
	}
	return merged
}

// queuedEntities returns the set of entity ids with an operation still in
// the queue, plus the subset with a queued delete.
func (s *Service) queuedEntities() (all, deletes map[string]bool) {
	ops := s.queue.List()
	all = make(map[string]bool, len(ops))
	deletes = make(map[string]bool)
	for _, op := range ops {
		all[op.EntityID()] = true
		if op.Type == domain.OpDeleteHolding {
			deletes[op.EntityID()] = true
		} else {
			delete(deletes, op.EntityID())
		}
	}
	return all, deletes
}

// RecomputeMetrics derives portfolio metrics from the confirmed snapshot.
// Skipped while queued mutations are outstanding: metrics are never computed
// from state the server has not acknowledged. Quotes are refetched only when
// the symbol set changed since the last computation.
func (s *Service) RecomputeMetrics(ctx context.Context) {
	s.mu.Lock()
	if s.snapshot.Portfolio == nil {
		s.mu.Unlock()
		return
	}
	if s.queue.Len() > 0 {
		s.mu.Unlock()
		s.log.Debug().Msg("Metrics recompute skipped while operations are queued")
		return
	}
	gen := s.gen
	holdings := make([]domain.Holding, len(s.snapshot.Holdings))
	copy(holdings, s.snapshot.Holdings)
	transactions := make([]domain.Transaction, len(s.snapshot.Transactions))
	copy(transactions, s.snapshot.Transactions)
	s.mu.Unlock()

	var quotes map[string]market.Quote
	if len(holdings) > 0 {
		symbols := metrics.SymbolSet(holdings)
		quotes = s.quotesFor(ctx, symbols)
	}

	m := metrics.Compute(holdings, transactions, quotes)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.snapshot.Portfolio.Metrics = m
	for i := range s.snapshot.Holdings {
		if q, ok := quotes[s.snapshot.Holdings[i].Symbol]; ok {
			s.snapshot.Holdings[i].CurrentPrice = q.Price
		}
	}
	s.persistLocked()
	s.mu.Unlock()

	s.bus.Emit(events.MetricsUpdated, "syncer", map[string]interface{}{
		"total_value": m.TotalValue,
	})
}

// quotesFor returns market quotes for the symbol set, reusing the last fetch
// when the set is unchanged. A failed fetch falls back to cached quotes, or
// to the last-known holding prices when none exist.
func (s *Service) quotesFor(ctx context.Context, symbols []string) map[string]market.Quote {
	s.mu.Lock()
	cached := s.lastQuotes
	unchanged := equalSymbols(s.lastSymbols, symbols)
	s.mu.Unlock()

	if unchanged && cached != nil {
		return cached
	}

	quotes, err := s.market.FetchQuotes(ctx, symbols)
	if err != nil {
		s.log.Warn().Err(err).Msg("Quote fetch failed, using last-known prices")
		return cached
	}

	s.mu.Lock()
	s.lastSymbols = symbols
	s.lastQuotes = quotes
	s.mu.Unlock()
	return quotes
}

func equalSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
