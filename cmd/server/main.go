// Package main is the entry point for the foliosync portfolio synchronization
// service. It keeps a local cache of a remote portfolio, queues mutations
// made while the remote is unreachable, and replays them when connectivity
// returns.
//
// Startup sequence:
// 1. Load configuration from environment variables
// 2. Initialize logging
// 3. Open the local cache database (snapshots + pending operation queue)
// 4. Wire the gateway, market client, synchronizer and reconciler
// 5. Load the owner's portfolio (cache fallback when the remote is down)
// 6. Start the realtime stream, scheduler and HTTP server
// 7. Wait for a shutdown signal and tear down gracefully
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/foliosync/internal/cache"
	"github.com/aristath/foliosync/internal/config"
	"github.com/aristath/foliosync/internal/database"
	"github.com/aristath/foliosync/internal/events"
	"github.com/aristath/foliosync/internal/gateway"
	"github.com/aristath/foliosync/internal/market"
	"github.com/aristath/foliosync/internal/notify"
	"github.com/aristath/foliosync/internal/pending"
	"github.com/aristath/foliosync/internal/reconciler"
	"github.com/aristath/foliosync/internal/scheduler"
	"github.com/aristath/foliosync/internal/server"
	"github.com/aristath/foliosync/internal/syncer"
	"github.com/aristath/foliosync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Config{Level: "info"})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("owner_id", cfg.OwnerID).Str("data_dir", cfg.DataDir).Msg("Starting foliosync")

	// Local cache database: snapshots and the pending operation queue.
	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Name:    "cache",
		Profile: database.ProfileCache,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	store, err := cache.NewStore(cacheDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache store")
	}
	queue := pending.NewQueue(store, log)

	bus := events.NewBus(log)
	notifier := notify.NewBusNotifier(bus, log)

	// Realtime stream is optional; without it the connectivity probe and
	// manual refreshes keep the session converging.
	var stream *gateway.StreamClient
	if cfg.StreamURL != "" {
		stream = gateway.NewStreamClient(cfg.StreamURL, bus, log)
		if err := stream.Start(); err != nil {
			log.Warn().Err(err).Msg("Realtime stream unavailable at startup, will keep reconnecting")
		}
	}

	gw := gateway.NewRESTGateway(gateway.RESTConfig{
		BaseURL: cfg.RemoteURL,
		APIKey:  cfg.RemoteKey,
		Timeout: cfg.HTTPTimout,
	}, log, stream)

	provider := market.NewClient(market.ClientConfig{
		BaseURL: cfg.MarketURL,
		APIKey:  cfg.MarketKey,
		Timeout: cfg.HTTPTimout,
	}, log)

	svc := syncer.New(gw, store, queue, provider, notifier, bus, log)
	rec := reconciler.New(gw, svc, log)
	session := syncer.NewSyncContext(svc, rec, bus, log)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := session.Start(startCtx, cfg.OwnerID); err != nil {
		cancelStart()
		log.Fatal().Err(err).Msg("Failed to start sync session")
	}
	cancelStart()

	sched := scheduler.New(gw, cacheDB, svc, bus, log)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	srv := server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Session: session,
		CacheDB: cacheDB,
		Bus:     bus,
		Stream:  stream,
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	sched.Stop()
	session.Close()
	if stream != nil {
		if err := stream.Stop(); err != nil {
			log.Warn().Err(err).Msg("Stream shutdown failed")
		}
	}

	log.Info().Msg("Shutdown complete")
}
