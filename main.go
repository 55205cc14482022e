package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/marcus-crane/lightshow/clocksync"
	"github.com/marcus-crane/lightshow/config"
	"github.com/marcus-crane/lightshow/coordinator"
	"github.com/marcus-crane/lightshow/db"
	"github.com/marcus-crane/lightshow/engine"
	"github.com/marcus-crane/lightshow/events"
	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/migrations"
	"github.com/marcus-crane/lightshow/notify"
	"github.com/marcus-crane/lightshow/patterns"
	"github.com/marcus-crane/lightshow/show"
	"github.com/marcus-crane/lightshow/showfile"
	"github.com/marcus-crane/lightshow/utils"
)

const (
	recorderDepth   = 1024
	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		fmt.Println(err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Println(err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.GetLogLevel()})))

	if utils.EnvEnabled("RESET_DB") {
		if err := os.Remove(cfg.Storage.DbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Println(err)
			return 1
		}
	}

	registry := patterns.Builtins()
	file := showfile.Default()
	if cfg.Server.ShowFile != "" {
		if file, err = showfile.Load(cfg.Server.ShowFile); err != nil {
			slog.With(slog.String("path", cfg.Server.ShowFile), slog.String("error", err.Error())).Error("Failed to load show file")
			return 1
		}
	}
	if err := file.Validate(registry.Has); err != nil {
		slog.With(slog.String("error", err.Error())).Error("Show file is invalid")
		return 1
	}

	store, err := db.NewSqliteStore(cfg.Storage.DbPath)
	if err != nil {
		slog.With(slog.String("path", cfg.Storage.DbPath), slog.String("error", err.Error())).Error("Failed to open database")
		return 1
	}
	defer store.Close()
	if err := store.ApplyMigrations(migrations.GetMigrations()); err != nil {
		slog.With(slog.String("error", err.Error())).Error("Failed to apply migrations")
		return 1
	}

	verifier, err := newVerifier(cfg.Identity)
	if err != nil {
		slog.With(slog.String("error", err.Error())).Error("No identity authority configured")
		return 1
	}

	events.Init()
	collector := metrics.New(time.Now())
	recorder := db.NewRecorder(store, recorderDepth, collector.Store)

	opts := file.ShowOptions()
	opts.KnownPattern = registry.Has
	opts.Counters = collector.Show
	machine, err := show.New(opts)
	if err != nil {
		slog.With(slog.String("error", err.Error())).Error("Failed to build show")
		return 1
	}
	headroom := sequenceHeadroom(cfg.Storage.SnapshotInterval(), cfg.FrameInterval(), recorderDepth)
	if _, err := restoreShow(context.Background(), store, machine, file, headroom); err != nil {
		slog.With(slog.String("error", err.Error())).Error("Failed to restore show")
		return 1
	}

	e, err := engine.New(engine.Options{
		BandCount:      cfg.Analysis.BandCount,
		Interval:       cfg.FrameInterval(),
		ProbeInterval:  cfg.ClockSync.ProbeInterval(),
		SessionTimeout: cfg.ClockSync.SessionTimeout(),
		HelloTimeout:   cfg.Identity.VerifyTimeout(),
		Machine:        machine,
		Coordinator: coordinator.New(coordinator.Options{
			AutoPromote: cfg.Authority.AutoPromote,
			Verifier:    verifier,
			Counters:    collector.Authority,
		}),
		Clock: clocksync.New(clocksync.Options{
			Alpha:        cfg.ClockSync.Alpha,
			Divergence:   cfg.ClockSync.Divergence(),
			ProbeTimeout: cfg.ClockSync.ProbeTimeout(),
		}),
		Registry:   registry,
		Dispatcher: patterns.NewDispatcher(registry, patterns.Options{Interval: cfg.FrameInterval(), Counters: collector.Show}),
		Broadcast:  broadcastOptions(cfg.Broadcast),
		Recorder:   recorder,
		Notifier:   events.NewAnnouncer(events.Server, notify.New(cfg.Pushover.Token, cfg.Pushover.Recipient)),
		Metrics:    collector,
	})
	if err != nil {
		slog.With(slog.String("error", err.Error())).Error("Failed to build engine")
		return 1
	}

	jobScheduler, err := SetupInBackground(cfg, e, store)
	if err != nil {
		slog.With(slog.String("error", err.Error())).Error("Failed to schedule background jobs")
		return 1
	}
	jobScheduler.Start()

	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorderDone := make(chan struct{})
	go func() {
		recorder.Run(recorderCtx)
		close(recorderDone)
	}()

	runCtx, stopEngine := context.WithCancel(context.Background())
	engineErr := make(chan error, 1)
	go func() { engineErr <- e.Run(runCtx) }()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(cfg, e, collector, verifier),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	slog.With(slog.String("addr", cfg.Server.Addr), slog.String("show", file.Name)).Info("Lightshow is running")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	code := 0
	persist := true
	select {
	case <-c:
		fmt.Println("Gracefully shutting down...")
	case err := <-engineErr:
		if err != nil {
			slog.With(slog.String("error", err.Error())).Error("Show engine stopped")
			code = 1
			// a broken invariant means the in-memory state is not worth keeping
			persist = !engine.IsFatal(err)
		}
	case err := <-serverErr:
		slog.With(slog.String("error", err.Error())).Error("HTTP server failed")
		code = 1
	}

	stopEngine()
	if err := jobScheduler.Shutdown(); err != nil {
		slog.With(slog.String("error", err.Error())).Warn("Failed to stop background jobs")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		slog.With(slog.String("error", err.Error())).Warn("Broadcast clients did not drain in time")
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.With(slog.String("error", err.Error())).Warn("HTTP server did not shut down cleanly")
	}
	if persist {
		saveSnapshot(e.Machine(), store)
	}
	stopRecorder()
	<-recorderDone

	fmt.Println("Lightshow has successfully shut down.")
	return code
}
