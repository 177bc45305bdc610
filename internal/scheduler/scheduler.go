// Package scheduler runs the recurring background jobs: the connectivity
// probe that detects when the remote comes back, and nightly cache
// maintenance.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/foliosync/internal/database"
	"github.com/aristath/foliosync/internal/events"
	"github.com/aristath/foliosync/pkg/logger"
)

const probeTimeout = 5 * time.Second

// ConnectivityChecker reports whether the session is cut off from the
// remote. Both the offline sub-state and a failed load qualify: a session
// that never loaded needs the probe just as much as one that fell back to
// its cache.
type ConnectivityChecker interface {
	NeedsReconnect() bool
}

// Pinger is the slice of the gateway the probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron    *cron.Cron
	gw      Pinger
	db      *database.DB
	session ConnectivityChecker
	bus     *events.Bus
	log     zerolog.Logger

	mu      sync.Mutex
	started bool
	online  bool
}

// New creates a scheduler. Call Start to begin running jobs.
func New(gw Pinger, db *database.DB, session ConnectivityChecker, bus *events.Bus, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		gw:      gw,
		db:      db,
		session: session,
		bus:     bus,
		log:     logger.Component(log, "scheduler"),
		// Pessimistic start: the probe only runs while the session is
		// offline, and its first success must emit a transition.
		online: false,
	}
}

// Start registers and starts the recurring jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warn().Msg("Scheduler already started, ignoring")
		return nil
	}

	if _, err := s.cron.AddFunc("@every 30s", s.probeConnectivity); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 3 * * *", s.maintainCache); err != nil {
		return err
	}

	s.cron.Start()
	s.started = true
	s.log.Info().Msg("Scheduler started")
	return nil
}

// Stop stops the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.started = false
	s.log.Info().Msg("Scheduler stopped")
}

// probeConnectivity pings the remote while the session is cut off and emits
// a connectivity event on every transition. The realtime stream emits its
// own transitions; the probe covers sessions running without a stream.
func (s *Scheduler) probeConnectivity() {
	if !s.session.NeedsReconnect() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err := s.gw.Ping(ctx)
	online := err == nil

	s.mu.Lock()
	changed := online != s.online
	s.online = online
	s.mu.Unlock()

	if !changed {
		return
	}

	s.log.Info().Bool("online", online).Msg("Connectivity changed")
	s.bus.Emit(events.ConnectivityChanged, "scheduler", map[string]interface{}{
		"online": online,
		"source": "probe",
	})
}

// maintainCache runs the nightly housekeeping on the cache database:
// integrity check, WAL truncation, vacuum.
func (s *Scheduler) maintainCache() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.db.QuickCheck(ctx); err != nil {
		s.log.Error().Err(err).Msg("Cache integrity check failed")
		return
	}
	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}
	if err := s.db.Vacuum(); err != nil {
		s.log.Warn().Err(err).Msg("Vacuum failed")
	}
	s.log.Info().Msg("Cache maintenance completed")
}
