// Package show owns the single mutable ShowState. Every change goes through
// Machine, which stamps it with the next sequence number.
package show

import (
	"slices"
	"time"

	"github.com/marcus-crane/lightshow/audio"
	"github.com/marcus-crane/lightshow/scene"
)

type Phase string

const (
	PhaseStopped Phase = "stopped"
	PhaseRunning Phase = "running"
	PhasePaused  Phase = "paused"
)

type Cursor struct {
	Phase   Phase         `json:"phase" msgpack:"phase"`
	Elapsed time.Duration `json:"elapsed" msgpack:"elapsed"`
	Cue     int           `json:"cue" msgpack:"cue"`
	LastCue string        `json:"last_cue,omitempty" msgpack:"last_cue,omitempty"`
	// WindowUntil is non-zero while a one-shot cue is holding the stage
	WindowUntil time.Duration `json:"window_until,omitempty" msgpack:"window_until,omitempty"`
}

type State struct {
	Sequence      uint64       `json:"seq" msgpack:"seq"`
	Tick          uint64       `json:"tick" msgpack:"tick"`
	ActivePattern string       `json:"pattern" msgpack:"pattern"`
	ActivePreset  string       `json:"preset,omitempty" msgpack:"preset,omitempty"`
	Zones         []scene.Zone `json:"zones" msgpack:"zones"`
	ActiveDJ      string       `json:"active_dj,omitempty" msgpack:"active_dj,omitempty"`
	Timeline      Cursor       `json:"timeline" msgpack:"timeline"`
	// Override is set by an admin change and cleared by the next cue
	Override  bool        `json:"override" msgpack:"override"`
	Audio     audio.Frame `json:"audio" msgpack:"audio"`
	UpdatedAt time.Time   `json:"updated_at" msgpack:"updated_at"`
}

func (s State) Clone() State {
	s.Zones = slices.Clone(s.Zones)
	s.Audio.Bands = slices.Clone(s.Audio.Bands)
	return s
}

func (s State) zoneIndex(id string) int {
	return slices.IndexFunc(s.Zones, func(z scene.Zone) bool { return z.ID == id })
}

// PatternFor resolves the pattern a zone renders this tick.
func (s State) PatternFor(z scene.Zone) string {
	if z.Pattern != "" {
		return z.Pattern
	}
	return s.ActivePattern
}

// Preset bundles a pattern with per-zone effect overrides.
type Preset struct {
	ID      string                  `json:"id" yaml:"id"`
	Pattern string                  `json:"pattern" yaml:"pattern"`
	Effects map[string]scene.Effect `json:"effects,omitempty" yaml:"effects"`
}

// baseline is the configuration a one-shot cue reverts to when its window
// closes.
type baseline struct {
	pattern string
	preset  string
	zones   []scene.Zone
}

func baselineOf(s State) baseline {
	return baseline{pattern: s.ActivePattern, preset: s.ActivePreset, zones: slices.Clone(s.Zones)}
}

func (b baseline) restore(s *State) {
	s.ActivePattern = b.pattern
	s.ActivePreset = b.preset
	s.Zones = slices.Clone(b.zones)
}
