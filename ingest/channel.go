// Package ingest validates and decodes per-DJ audio analysis streams into
// canonical frames, holding at most one undelivered frame per session.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/marcus-crane/lightshow/audio"
	"github.com/marcus-crane/lightshow/metrics"
)

var (
	ErrInvalidFrame = errors.New("invalid audio frame")
	ErrStaleFrame   = errors.New("stale audio frame")
)

const defaultMaxBPM = 400

// Corrector maps producer timestamps onto the server timeline.
type Corrector interface {
	Correct(sessionID string, producer, received time.Time) (time.Time, error)
}

type Options struct {
	BandCount int
	MaxBPM    float64
}

type Result int

const (
	Accepted Result = iota
	// Coalesced means the frame replaced one that had not been consumed yet
	Coalesced
)

// Channel is the inbound stream of one DJ session. Frames arriving faster
// than the tick loop consumes them are coalesced into a single pending slot
// rather than queued; a beat in any coalesced frame is carried forward.
type Channel struct {
	sessionID string
	opts      Options
	corrector Corrector
	counters  *metrics.IngestCounters

	mu           sync.Mutex
	lastAccepted time.Time
	pending      *audio.Frame
	latest       audio.Frame
	hasLatest    bool
}

func NewChannel(sessionID string, opts Options, corrector Corrector, counters *metrics.IngestCounters) *Channel {
	if opts.MaxBPM <= 0 {
		opts.MaxBPM = defaultMaxBPM
	}
	if counters == nil {
		counters = &metrics.IngestCounters{}
	}
	return &Channel{
		sessionID: sessionID,
		opts:      opts,
		corrector: corrector,
		counters:  counters,
	}
}

func (c *Channel) SessionID() string {
	return c.sessionID
}

// Accept validates a frame message received at the given server time. Invalid
// and stale frames are counted and rejected; the caller logs and moves on.
func (c *Channel) Accept(msg Inbound, received time.Time) (Result, error) {
	if err := c.validate(msg); err != nil {
		c.counters.Invalid()
		return Accepted, err
	}
	corrected, err := c.corrector.Correct(c.sessionID, msg.ProducerTime(), received)
	if err != nil {
		c.counters.Invalid()
		return Accepted, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastAccepted.IsZero() && !corrected.After(c.lastAccepted) {
		c.counters.Stale()
		return Accepted, fmt.Errorf("%w: %s is not after %s", ErrStaleFrame,
			corrected.Format(time.RFC3339Nano), c.lastAccepted.Format(time.RFC3339Nano))
	}
	c.lastAccepted = corrected

	frame := audio.NewFrame(c.sessionID, msg.Bands, *msg.Amplitude, msg.BPM, msg.Beat, msg.ProducerTime(), corrected)
	c.counters.Accepted()

	if c.pending != nil {
		frame = frame.WithBeat(frame.Beat || c.pending.Beat)
		c.pending = &frame
		c.counters.Coalesced()
		return Coalesced, nil
	}
	c.pending = &frame
	return Accepted, nil
}

// Take hands the tick loop the newest frame. fresh is false when nothing
// arrived since the previous Take; the returned frame is then the last one
// seen with its beat flag cleared so a beat is never replayed.
func (c *Channel) Take() (frame audio.Frame, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.latest = *c.pending
		c.hasLatest = true
		c.pending = nil
		return c.latest, true, true
	}
	if !c.hasLatest {
		return audio.Frame{}, false, false
	}
	return c.latest.WithBeat(false), false, true
}

// Latest peeks at the newest frame without consuming it.
func (c *Channel) Latest() (audio.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return *c.pending, true
	}
	return c.latest, c.hasLatest
}

func (c *Channel) validate(msg Inbound) error {
	if msg.Type != TypeFrame {
		return fmt.Errorf("%w: expected frame, got %q", ErrInvalidFrame, msg.Type)
	}
	if len(msg.Bands) != c.opts.BandCount {
		return fmt.Errorf("%w: expected %d bands, got %d", ErrInvalidFrame, c.opts.BandCount, len(msg.Bands))
	}
	for i, b := range msg.Bands {
		if !finite(b) || b < 0 {
			return fmt.Errorf("%w: band %d out of range: %v", ErrInvalidFrame, i, b)
		}
	}
	if msg.Amplitude == nil {
		return fmt.Errorf("%w: missing amplitude", ErrInvalidFrame)
	}
	if !finite(*msg.Amplitude) || *msg.Amplitude < 0 {
		return fmt.Errorf("%w: amplitude out of range: %v", ErrInvalidFrame, *msg.Amplitude)
	}
	if !finite(msg.BPM) || msg.BPM < 0 || msg.BPM > c.opts.MaxBPM {
		return fmt.Errorf("%w: bpm out of range: %v", ErrInvalidFrame, msg.BPM)
	}
	if msg.Timestamp <= 0 {
		return fmt.Errorf("%w: missing producer timestamp", ErrInvalidFrame)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
