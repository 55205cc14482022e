package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/marcus-crane/lightshow/config"
	"github.com/marcus-crane/lightshow/db"
	"github.com/marcus-crane/lightshow/engine"
	"github.com/marcus-crane/lightshow/show"
)

const snapshotTimeout = 5 * time.Second

// SetupInBackground schedules the session sweep and, unless background jobs
// are disabled, the periodic show snapshot. The sweep always runs since
// session timeouts depend on it.
func SetupInBackground(cfg config.Config, e *engine.Engine, store db.Store) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}

	if _, err := s.NewJob(
		gocron.DurationJob(cfg.ClockSync.ProbeInterval()),
		gocron.NewTask(e.Sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}

	if !cfg.Server.BackgroundJobsEnabled {
		slog.Info("Background jobs are disabled, show snapshots will not be saved")
		return s, nil
	}

	if _, err := s.NewJob(
		gocron.DurationJob(cfg.Storage.SnapshotInterval()),
		gocron.NewTask(saveSnapshot, e.Machine(), store),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}

	return s, nil
}

func saveSnapshot(machine *show.Machine, store db.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	state := machine.Snapshot()
	if err := store.SaveSnapshot(ctx, state); err != nil {
		slog.With(slog.Uint64("seq", state.Sequence), slog.String("error", err.Error())).Warn("Failed to save show snapshot")
		return err
	}
	slog.With(slog.Uint64("seq", state.Sequence)).Debug("Saved show snapshot")
	return nil
}
