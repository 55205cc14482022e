// Package audio holds the canonical audio-state frame shared by ingest,
// clock sync and pattern evaluation.
package audio

import (
	"slices"
	"time"
)

// Frame is a single analysis window from one DJ session. Frames are treated
// as immutable once built: NewFrame copies the band slice and callers must
// not write to Bands afterwards.
type Frame struct {
	SessionID string    `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Bands     []float64 `json:"bands" msgpack:"bands"`
	Amplitude float64   `json:"amplitude" msgpack:"amplitude"`
	BPM       float64   `json:"bpm" msgpack:"bpm"`
	Beat      bool      `json:"beat" msgpack:"beat"`
	Producer  time.Time `json:"producer_ts" msgpack:"producer_ts"`
	Corrected time.Time `json:"corrected_ts" msgpack:"corrected_ts"`
}

func NewFrame(sessionID string, bands []float64, amplitude, bpm float64, beat bool, producer, corrected time.Time) Frame {
	return Frame{
		SessionID: sessionID,
		Bands:     slices.Clone(bands),
		Amplitude: amplitude,
		BPM:       bpm,
		Beat:      beat,
		Producer:  producer,
		Corrected: corrected,
	}
}

// Idle is the neutral frame used when no session holds live authority.
func Idle(bandCount int) Frame {
	return Frame{Bands: make([]float64, bandCount)}
}

// Band returns band i or zero when out of range.
func (f Frame) Band(i int) float64 {
	if i < 0 || i >= len(f.Bands) {
		return 0
	}
	return f.Bands[i]
}

// Bass is the lowest band, used by beat-reactive patterns.
func (f Frame) Bass() float64 {
	return f.Band(0)
}

// WithBeat returns a copy of the frame with the beat flag replaced.
func (f Frame) WithBeat(beat bool) Frame {
	f.Beat = beat
	return f
}

func (f Frame) IsIdle() bool {
	return f.SessionID == ""
}
