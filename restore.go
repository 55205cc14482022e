package main

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/marcus-crane/lightshow/db"
	"github.com/marcus-crane/lightshow/scene"
	"github.com/marcus-crane/lightshow/show"
	"github.com/marcus-crane/lightshow/showfile"
)

// sequenceHeadroom bounds how far the previous run may have numbered past
// what it persisted: two snapshot intervals of ticks plus whatever the
// event recorder still had queued.
func sequenceHeadroom(snapshotEvery, frame time.Duration, backlog int) uint64 {
	if frame <= 0 {
		frame = time.Millisecond
	}
	return 2*uint64(snapshotEvery/frame) + uint64(max(backlog, 0))
}

// restoreShow resumes from the last saved snapshot so a redeploy keeps its
// timeline position. A snapshot taken against a different zone layout is
// ignored and the show starts fresh from the file. Either way numbering
// resumes headroom past the newest persisted sequence, since clients may
// have seen changes newer than the snapshot.
func restoreShow(ctx context.Context, store db.Store, machine *show.Machine, file showfile.File, headroom uint64) (bool, error) {
	high := recordedHighWater(ctx, store)

	state, err := store.LoadSnapshot(ctx)
	restored := false
	switch {
	case errors.Is(err, db.ErrNoSnapshot):
		slog.Info("No saved show snapshot, starting fresh")
	case err != nil:
		slog.With(slog.String("error", err.Error())).Warn("Failed to load show snapshot, starting fresh")
	default:
		high = max(high, state.Sequence)
		if sameZones(state.Zones, file.Zones) {
			restored = true
		} else {
			slog.With(slog.Uint64("seq", state.Sequence)).Info("Saved snapshot does not match the show file zones, starting fresh")
		}
	}

	if high == 0 {
		return false, nil
	}
	next := high + headroom

	if !restored {
		if err := machine.Resequence(next); err != nil {
			return false, err
		}
		slog.With(slog.Uint64("persisted_seq", high), slog.Uint64("seq", next)).Info("Continuing sequence from previous run")
		return false, nil
	}

	state.Sequence = next
	if err := machine.Restore(state); err != nil {
		return false, err
	}
	slog.With(
		slog.Uint64("persisted_seq", high),
		slog.Uint64("seq", next),
		slog.String("phase", string(state.Timeline.Phase)),
		slog.Duration("elapsed", state.Timeline.Elapsed),
	).Info("Restored show from snapshot")
	return true, nil
}

// recordedHighWater is the newest sequence in the event log, or zero.
func recordedHighWater(ctx context.Context, store db.Store) uint64 {
	latest, err := store.RecentEvents(ctx, 1)
	if err != nil {
		slog.With(slog.String("error", err.Error())).Warn("Failed to read the show event log")
		return 0
	}
	if len(latest) == 0 {
		return 0
	}
	return latest[0].Seq
}

func sameZones(a, b []scene.Zone) bool {
	return slices.EqualFunc(a, b, func(x, y scene.Zone) bool { return x.ID == y.ID })
}
