package syncer

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aristath/foliosync/internal/events"
	"github.com/aristath/foliosync/internal/reconciler"
	"github.com/aristath/foliosync/pkg/logger"
)

// SyncContext is the per-session aggregate: it owns the synchronizer and the
// realtime reconciler, reacts to connectivity changes, and tears everything
// down explicitly so nothing outlives the session.
type SyncContext struct {
	Syncer *Service

	rec    *reconciler.Reconciler
	bus    *events.Bus
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSyncContext wires a session. Connectivity events trigger a queue drain
// (back online) or a reload (first load never succeeded).
func NewSyncContext(svc *Service, rec *reconciler.Reconciler, bus *events.Bus, log zerolog.Logger) *SyncContext {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &SyncContext{
		Syncer: svc,
		rec:    rec,
		bus:    bus,
		log:    logger.Component(log, "sync_context"),
		ctx:    ctx,
		cancel: cancel,
	}
	bus.Subscribe(events.ConnectivityChanged, sc.onConnectivity)
	return sc
}

// Start loads the session for an owner and activates realtime
// reconciliation. A leftover queue from a previous session starts draining
// in the background.
func (sc *SyncContext) Start(ctx context.Context, ownerID string) error {
	if err := sc.Syncer.Load(ctx, ownerID); err != nil {
		return err
	}

	if pid := sc.Syncer.PortfolioID(); pid != "" {
		if err := sc.rec.SetPortfolio(sc.ctx, pid); err != nil {
			sc.log.Warn().Err(err).Msg("Realtime reconciliation unavailable")
		}
	}

	if len(sc.Syncer.PendingOperations()) > 0 && !sc.Syncer.Offline() {
		go sc.Syncer.Drain(sc.ctx)
	}
	return nil
}

// Close tears the session down: subscriptions cancelled, background work
// stopped. The pending queue stays persisted for the next session.
func (sc *SyncContext) Close() {
	sc.cancel()
	sc.rec.Close()
	sc.log.Info().Msg("Session closed")
}

func (sc *SyncContext) onConnectivity(ev *events.Event) {
	online, _ := ev.Data["online"].(bool)
	if !online {
		return
	}

	go func() {
		switch sc.Syncer.State() {
		case StateError:
			if owner := sc.Syncer.OwnerID(); owner != "" {
				if err := sc.Syncer.Load(sc.ctx, owner); err != nil {
					sc.log.Warn().Err(err).Msg("Reload on reconnect failed")
					return
				}
				if pid := sc.Syncer.PortfolioID(); pid != "" {
					if err := sc.rec.SetPortfolio(sc.ctx, pid); err != nil {
						sc.log.Warn().Err(err).Msg("Realtime reconciliation unavailable")
					}
				}
			}
		case StateLoaded, StateOfflineCached:
			sc.Syncer.Drain(sc.ctx)
		}
	}()
}
