// Package reconciler consumes realtime change notifications from the remote
// store and folds them back into the local session.
package reconciler

import (
	"context"
	"sort"
	"sync"

	"github.com/mitchellh/hashstructure"
	"github.com/rs/zerolog"

	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/internal/gateway"
	"github.com/aristath/foliosync/pkg/logger"
)

// Sink receives reconciled collections. The synchronizer implements it.
type Sink interface {
	ReconcileHoldings(ctx context.Context, portfolioID string, holdings []domain.Holding) bool
	ReconcileTransactions(ctx context.Context, portfolioID string, transactions []domain.Transaction) bool
	MetricsStale(ctx context.Context)
}

// Reconciler subscribes to holding and transaction change streams for the
// active portfolio. Change payloads are treated as hints only: every event
// triggers a full re-read of the affected collection, so a missed or
// malformed event can never leave the session permanently inconsistent.
type Reconciler struct {
	mu          sync.Mutex
	portfolioID string
	subs        []*gateway.Subscription
	cancel      context.CancelFunc
	fingerprint uint64

	gw   gateway.Gateway
	sink Sink
	log  zerolog.Logger
}

// New creates a reconciler. Call SetPortfolio to start consuming.
func New(gw gateway.Gateway, sink Sink, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		gw:   gw,
		sink: sink,
		log:  logger.Component(log, "reconciler"),
	}
}

// SetPortfolio switches the active subscriptions to a new portfolio. The
// previous portfolio's subscriptions are always cancelled first so events
// for a stale portfolio can never reach the sink.
func (r *Reconciler) SetPortfolio(ctx context.Context, portfolioID string) error {
	r.mu.Lock()
	r.closeLocked()
	r.portfolioID = portfolioID
	r.fingerprint = 0
	if portfolioID == "" {
		r.mu.Unlock()
		return nil
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	// Seed the fingerprint from the current positions so the first event
	// after (re)subscribe does not force a recompute when nothing changed.
	// Best effort: on a failed read the zero fingerprint makes the first
	// event recompute, which is safe.
	if holdings, err := r.gw.ListHoldings(ctx, portfolioID); err == nil {
		r.mu.Lock()
		r.fingerprint = positionFingerprint(holdings)
		r.mu.Unlock()
	}

	for _, table := range []string{gateway.TableHoldings, gateway.TableTransactions} {
		sub, err := r.gw.Subscribe(consumeCtx, table, portfolioID)
		if err != nil {
			r.Close()
			return err
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
		go r.consume(consumeCtx, table, portfolioID, sub)
	}

	r.log.Info().Str("portfolio_id", portfolioID).Msg("Realtime reconciliation active")
	return nil
}

// Close cancels all active subscriptions.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *Reconciler) closeLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	for _, sub := range r.subs {
		sub.Cancel()
	}
	r.subs = nil
}

func (r *Reconciler) consume(ctx context.Context, table, portfolioID string, sub *gateway.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			r.handleEvent(ctx, table, portfolioID, ev)
		}
	}
}

// handleEvent re-reads the changed collection and hands it to the sink. For
// holdings, metrics are recomputed only when the position fingerprint
// actually changed; echoes of our own writes are absorbed silently.
func (r *Reconciler) handleEvent(ctx context.Context, table, portfolioID string, ev gateway.ChangeEvent) {
	r.mu.Lock()
	stale := r.portfolioID != portfolioID
	r.mu.Unlock()
	if stale {
		return
	}

	r.log.Debug().Str("table", table).Str("event", string(ev.Type)).Msg("Change event received")

	switch table {
	case gateway.TableHoldings:
		holdings, err := r.gw.ListHoldings(ctx, portfolioID)
		if err != nil {
			r.log.Warn().Err(err).Msg("Holdings re-read failed after change event")
			return
		}
		if !r.sink.ReconcileHoldings(ctx, portfolioID, holdings) {
			return
		}
		fp := positionFingerprint(holdings)
		r.mu.Lock()
		changed := fp != r.fingerprint
		r.fingerprint = fp
		r.mu.Unlock()
		if changed {
			r.sink.MetricsStale(ctx)
		} else {
			r.log.Debug().Msg("Positions unchanged, metrics recompute skipped")
		}
	case gateway.TableTransactions:
		transactions, err := r.gw.ListTransactions(ctx, portfolioID)
		if err != nil {
			r.log.Warn().Err(err).Msg("Transactions re-read failed after change event")
			return
		}
		r.sink.ReconcileTransactions(ctx, portfolioID, transactions)
	}
}

type positionRow struct {
	ID     string
	Shares float64
	Price  float64
}

// positionFingerprint hashes the fields that feed the metrics computation.
func positionFingerprint(holdings []domain.Holding) uint64 {
	rows := make([]positionRow, 0, len(holdings))
	for _, h := range holdings {
		rows = append(rows, positionRow{ID: h.ID, Shares: h.Shares, Price: h.CurrentPrice})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	fp, err := hashstructure.Hash(rows, nil)
	if err != nil {
		return 0
	}
	return fp
}
