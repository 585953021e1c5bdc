// Command soulspotd runs the download orchestration engine: the HTTP API,
// the dispatch/enqueue/status-sync worker loops, the retry scheduler, and
// the retention pruning job, all sharing one sqlite-backed store.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/bozzfozz/soulspot/internal/breaker"
	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/downloader"
	"github.com/bozzfozz/soulspot/internal/engine"
	"github.com/bozzfozz/soulspot/internal/events"
	"github.com/bozzfozz/soulspot/internal/logging"
	"github.com/bozzfozz/soulspot/internal/orchestrator"
	"github.com/bozzfozz/soulspot/internal/storage"
	"github.com/bozzfozz/soulspot/internal/trackmeta"

	apitransport "github.com/bozzfozz/soulspot/internal/api"
)

func main() {
	env := config.LoadEnv()

	log, err := logging.New(os.Stdout, "logs")
	if err != nil {
		println("soulspotd: logger init failed:", err.Error())
		os.Exit(1)
	}

	db, err := gorm.Open(sqlite.Open(env.DatabasePath), &gorm.Config{})
	if err != nil {
		log.Error("soulspotd: open database failed", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(db)
	if err != nil {
		log.Error("soulspotd: migrate failed", "error", err)
		os.Exit(1)
	}

	settings := config.NewSettings(db)
	tracks := trackmeta.NewGormReader(db)
	bus := events.New()
	heartbeats := engine.NewHeartbeats()

	limiter := rate.NewLimiter(rate.Every(200*time.Millisecond), 4)
	dl := downloader.NewSlskdClient(env.DownloaderURL, env.DownloaderToken, limiter)

	cb := breaker.New(breaker.Config{
		MaxFailures: settings.BreakerFailureThreshold(),
		Timeout:     settings.BreakerRecovery(),
		OnStateChange: func(from, to breaker.State) {
			log.Warn("breaker: state change", "from", from.String(), "to", to.String())
		},
	})

	dispatcherWorker := engine.NewDispatcherWorker(store, settings, dl, cb, bus, tracks, heartbeats, log)
	enqueueWorker := engine.NewEnqueueWorker(store, settings, dl, cb, bus, heartbeats, log)
	statusSyncWorker := engine.NewStatusSyncWorker(store, settings, dl, cb, bus, heartbeats, log)
	retryScheduler := engine.NewRetryScheduler(store, settings, bus, heartbeats, log, dispatcherWorker.Nudge, enqueueWorker.Nudge)
	retentionJob := engine.NewRetentionJob(store, settings, log)

	orch := orchestrator.New(store, settings, dl, cb, bus, heartbeats, dispatcherWorker, enqueueWorker, env.DataDir, log)
	server := apitransport.NewServer(orch, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcherWorker.Run(ctx)
	go enqueueWorker.Run(ctx)
	go statusSyncWorker.Run(ctx)
	go retryScheduler.Run(ctx)

	if err := retentionJob.Start(); err != nil {
		log.Error("soulspotd: retention job start failed", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    env.BindAddress,
		Handler: server,
	}

	go func() {
		log.Info("soulspotd: listening", "addr", env.BindAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("soulspotd: http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("soulspotd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("soulspotd: http shutdown failed", "error", err)
	}

	retentionJob.Stop()
	bus.Close()
	cancel()
}
