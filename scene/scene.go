// Package scene describes the configured zones and their effect settings.
package scene

import (
	"fmt"
	"time"
)

type Vec3 [3]float64

type Bounds struct {
	Min Vec3 `json:"min" yaml:"min" msgpack:"min"`
	Max Vec3 `json:"max" yaml:"max" msgpack:"max"`
}

func (b Bounds) Size() Vec3 {
	return Vec3{b.Max[0] - b.Min[0], b.Max[1] - b.Min[1], b.Max[2] - b.Min[2]}
}

// Lerp maps a unit coordinate into the bounds.
func (b Bounds) Lerp(u Vec3) Vec3 {
	s := b.Size()
	return Vec3{b.Min[0] + s[0]*u[0], b.Min[1] + s[1]*u[1], b.Min[2] + s[2]*u[2]}
}

// Effect is the per-zone effect configuration. Caps are hard limits applied
// after intensity scaling.
type Effect struct {
	Intensity     float64       `json:"intensity" yaml:"intensity" msgpack:"intensity"`
	MaxPrimitives int           `json:"max_primitives" yaml:"max_primitives" msgpack:"max_primitives"`
	MaxPerEffect  int           `json:"max_per_effect" yaml:"max_per_effect" msgpack:"max_per_effect"`
	BeatThreshold float64       `json:"beat_threshold" yaml:"beat_threshold" msgpack:"beat_threshold"`
	BeatCooldown  time.Duration `json:"beat_cooldown" yaml:"beat_cooldown" msgpack:"beat_cooldown"`
}

func DefaultEffect() Effect {
	return Effect{
		Intensity:     1,
		MaxPrimitives: 256,
		MaxPerEffect:  64,
		BeatThreshold: 0.3,
		BeatCooldown:  150 * time.Millisecond,
	}
}

func (e Effect) Validate() error {
	if e.Intensity < 0 || e.Intensity > 4 {
		return fmt.Errorf("intensity must be within [0, 4], got %v", e.Intensity)
	}
	if e.MaxPrimitives < 1 {
		return fmt.Errorf("max_primitives must be positive, got %d", e.MaxPrimitives)
	}
	if e.MaxPerEffect < 1 {
		return fmt.Errorf("max_per_effect must be positive, got %d", e.MaxPerEffect)
	}
	if e.BeatCooldown < 0 {
		return fmt.Errorf("beat_cooldown must not be negative")
	}
	return nil
}

// Zone is created from configuration only, never from audio events. An empty
// Pattern means the zone follows the show's active pattern.
type Zone struct {
	ID      string `json:"id" yaml:"id" msgpack:"id"`
	Bounds  Bounds `json:"bounds" yaml:"bounds" msgpack:"bounds"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern" msgpack:"pattern,omitempty"`
	Effect  Effect `json:"effect" yaml:"effect" msgpack:"effect"`
}
