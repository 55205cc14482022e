package show

import (
	"errors"
	"fmt"
	"time"

	"github.com/marcus-crane/lightshow/audio"
	"github.com/marcus-crane/lightshow/scene"
	"github.com/marcus-crane/lightshow/timeline"
)

var (
	ErrUnknownPattern = errors.New("unknown pattern")
	ErrUnknownPreset  = errors.New("unknown preset")
	ErrUnknownZone    = errors.New("unknown zone")
	ErrInvalidCommand = errors.New("invalid show command")
)

type Source string

const (
	SourceAuthority Source = "authority"
	SourceTimeline  Source = "timeline"
	SourceAdmin     Source = "admin"
)

// Mutation is a single ordered change to ShowState. Only types in this
// package implement it.
type Mutation interface {
	Kind() string
	apply(tx *txn) (bool, error)
}

// configMutation marks changes to pattern, preset or effect configuration.
// Admin changes of this kind take precedence over an open cue window.
type configMutation interface {
	Mutation
	configures()
}

// txn is the working copy a mutation edits. Nothing is visible until the
// machine commits it, including changes to the clock and cue cursor, which
// are staged with onCommit.
type txn struct {
	m       *Machine
	now     time.Time
	state   State
	base    baseline
	commits []func()
}

func (tx *txn) onCommit(f func()) {
	tx.commits = append(tx.commits, f)
}

func (tx *txn) checkPattern(name string) error {
	if tx.m.opts.KnownPattern != nil && !tx.m.opts.KnownPattern(name) {
		return fmt.Errorf("%w: %q", ErrUnknownPattern, name)
	}
	return nil
}

func (tx *txn) setEffects(effects map[string]scene.Effect) error {
	if all, ok := effects[timeline.AllZones]; ok {
		for i := range tx.state.Zones {
			tx.state.Zones[i].Effect = all
		}
	}
	for id, e := range effects {
		if id == timeline.AllZones {
			continue
		}
		i := tx.state.zoneIndex(id)
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownZone, id)
		}
		tx.state.Zones[i].Effect = e
	}
	return nil
}

func (tx *txn) applyPreset(id string) error {
	p, ok := tx.m.presets[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPreset, id)
	}
	if p.Pattern != "" {
		if err := tx.checkPattern(p.Pattern); err != nil {
			return err
		}
		tx.state.ActivePattern = p.Pattern
	}
	tx.state.ActivePreset = p.ID
	return tx.setEffects(p.Effects)
}

type SetPattern struct {
	Pattern string `json:"pattern"`
}

func (SetPattern) configures() {}

func (SetPattern) Kind() string { return "set_pattern" }

func (c SetPattern) apply(tx *txn) (bool, error) {
	if err := tx.checkPattern(c.Pattern); err != nil {
		return false, err
	}
	if tx.state.ActivePattern == c.Pattern {
		return false, nil
	}
	tx.state.ActivePattern = c.Pattern
	return true, nil
}

type SetPreset struct {
	Preset string `json:"preset"`
}

func (SetPreset) configures() {}

func (SetPreset) Kind() string { return "set_preset" }

func (c SetPreset) apply(tx *txn) (bool, error) {
	return true, tx.applyPreset(c.Preset)
}

type SetEffect struct {
	Zone   string       `json:"zone"`
	Effect scene.Effect `json:"effect"`
}

func (SetEffect) configures() {}

func (SetEffect) Kind() string { return "set_effect" }

func (c SetEffect) apply(tx *txn) (bool, error) {
	if err := c.Effect.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return true, tx.setEffects(map[string]scene.Effect{c.Zone: c.Effect})
}

// AssignZonePattern pins a zone to a pattern. An empty pattern makes the
// zone follow the active pattern again.
type AssignZonePattern struct {
	Zone    string `json:"zone"`
	Pattern string `json:"pattern"`
}

func (AssignZonePattern) configures() {}

func (AssignZonePattern) Kind() string { return "assign_zone_pattern" }

func (c AssignZonePattern) apply(tx *txn) (bool, error) {
	i := tx.state.zoneIndex(c.Zone)
	if i < 0 {
		return false, fmt.Errorf("%w: %q", ErrUnknownZone, c.Zone)
	}
	if c.Pattern != "" {
		if err := tx.checkPattern(c.Pattern); err != nil {
			return false, err
		}
	}
	if tx.state.Zones[i].Pattern == c.Pattern {
		return false, nil
	}
	tx.state.Zones[i].Pattern = c.Pattern
	return true, nil
}

// SetActiveDJ records the session holding live authority. An empty id
// means nobody is live and the show freezes on its current configuration.
type SetActiveDJ struct {
	SessionID string `json:"session_id"`
}

func (SetActiveDJ) Kind() string { return "set_active_dj" }

func (c SetActiveDJ) apply(tx *txn) (bool, error) {
	if tx.state.ActiveDJ == c.SessionID {
		return false, nil
	}
	tx.state.ActiveDJ = c.SessionID
	return true, nil
}

// Tick applies the audio frame that drives this render cycle.
type Tick struct {
	Frame audio.Frame
}

func (Tick) Kind() string { return "tick" }

func (c Tick) apply(tx *txn) (bool, error) {
	tx.state.Tick++
	tx.state.Audio = c.Frame
	tx.state.Timeline.Elapsed = tx.m.clock.Elapsed(tx.now)
	return true, nil
}

type fireCue struct {
	cue timeline.Cue
}

func (fireCue) Kind() string { return "cue" }

func (c fireCue) apply(tx *txn) (bool, error) {
	if c.cue.Preset != "" {
		if err := tx.applyPreset(c.cue.Preset); err != nil {
			return false, err
		}
	}
	if c.cue.Pattern != "" {
		if err := tx.checkPattern(c.cue.Pattern); err != nil {
			return false, err
		}
		tx.state.ActivePattern = c.cue.Pattern
	}
	if err := tx.setEffects(c.cue.Effects); err != nil {
		return false, err
	}

	tx.state.Override = false
	tx.state.Timeline.LastCue = c.cue.ID
	tx.state.Timeline.Cue = tx.m.scheduler.Cursor()
	tx.state.Timeline.WindowUntil = 0
	if c.cue.Mode == timeline.OneShot && c.cue.Window > 0 {
		tx.state.Timeline.WindowUntil = c.cue.At + c.cue.Window
	} else {
		tx.base = baselineOf(tx.state)
	}
	return true, nil
}

// endWindow closes a one-shot window. While an admin override is in force
// the override wins and becomes the new baseline.
type endWindow struct{}

func (endWindow) Kind() string { return "cue_window_end" }

func (endWindow) apply(tx *txn) (bool, error) {
	tx.state.Timeline.WindowUntil = 0
	if tx.state.Override {
		tx.base = baselineOf(tx.state)
		return true, nil
	}
	tx.base.restore(&tx.state)
	return true, nil
}

type Start struct{}

func (Start) Kind() string { return "show_start" }

func (Start) apply(tx *txn) (bool, error) {
	start := baselineOf(tx.state)
	tx.onCommit(func() {
		tx.m.scheduler.Reset()
		tx.m.clock.Start(tx.now)
		tx.m.startBase = start
	})
	tx.state.Timeline = Cursor{Phase: PhaseRunning}
	return true, nil
}

type Pause struct{}

func (Pause) Kind() string { return "show_pause" }

func (Pause) apply(tx *txn) (bool, error) {
	if tx.state.Timeline.Phase != PhaseRunning {
		return false, nil
	}
	tx.state.Timeline.Phase = PhasePaused
	tx.state.Timeline.Elapsed = tx.m.clock.Elapsed(tx.now)
	tx.onCommit(func() { tx.m.clock.Pause(tx.now) })
	return true, nil
}

type Resume struct{}

func (Resume) Kind() string { return "show_resume" }

func (Resume) apply(tx *txn) (bool, error) {
	switch tx.state.Timeline.Phase {
	case PhaseRunning:
		return false, nil
	case PhaseStopped:
		return false, fmt.Errorf("%w: show is not started", ErrInvalidCommand)
	}
	tx.onCommit(func() { tx.m.clock.Resume(tx.now) })
	tx.state.Timeline.Phase = PhaseRunning
	return true, nil
}

// Stop ends the run. The stage keeps its current configuration.
type Stop struct{}

func (Stop) Kind() string { return "show_stop" }

func (Stop) apply(tx *txn) (bool, error) {
	if tx.state.Timeline.Phase == PhaseStopped {
		return false, nil
	}
	tx.onCommit(func() {
		tx.m.clock.Stop()
		tx.m.scheduler.Reset()
	})
	tx.state.Timeline = Cursor{Phase: PhaseStopped, LastCue: tx.state.Timeline.LastCue}
	tx.base = baselineOf(tx.state)
	return true, nil
}

// Seek moves the show clock and restores whichever sticky cue is in force
// at the new position.
type Seek struct {
	To time.Duration `json:"to"`
}

func (Seek) Kind() string { return "show_seek" }

func (c Seek) apply(tx *txn) (bool, error) {
	if c.To < 0 {
		return false, fmt.Errorf("%w: cannot seek to %s", ErrInvalidCommand, c.To)
	}
	if tx.state.Timeline.Phase == PhaseStopped {
		return false, fmt.Errorf("%w: show is not started", ErrInvalidCommand)
	}
	cursor, sticky, ok := tx.m.scheduler.Locate(c.To)
	if ok {
		if _, err := (fireCue{cue: sticky}).apply(tx); err != nil {
			return false, err
		}
	} else {
		tx.m.startBase.restore(&tx.state)
		tx.base = baselineOf(tx.state)
		tx.state.Override = false
		tx.state.Timeline.WindowUntil = 0
	}
	tx.onCommit(func() {
		tx.m.clock.Seek(tx.now, c.To)
		tx.m.scheduler.Seek(c.To)
	})
	tx.state.Timeline.Cue = cursor
	tx.state.Timeline.Elapsed = c.To
	return true, nil
}
