// Package clocksync estimates the clock offset between each DJ producer and
// the server from periodic round-trip probes.
//
// The offset is producer clock minus server clock. A producer timestamp is
// corrected onto the server timeline by subtracting the smoothed offset.
package clocksync

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrClockDivergence = errors.New("clock offset diverged")
	ErrUnknownSession  = errors.New("unknown clock sync session")
	ErrUnknownProbe    = errors.New("unknown or expired probe")
)

const maxPendingProbes = 16

type Options struct {
	// Alpha is the EWMA weight of a new sample
	Alpha        float64
	Divergence   time.Duration
	ProbeTimeout time.Duration
	Now          func() time.Time
}

// Probe is an echo request sent to a producer.
type Probe struct {
	ID   uint64    `json:"id"`
	Sent time.Time `json:"sent"`
}

// Reply is the producer's answer to a Probe, carrying its own receive time.
type Reply struct {
	ID       uint64    `json:"id"`
	Received time.Time `json:"recv"`
}

type Stats struct {
	Offset   time.Duration `json:"offset"`
	RTT      time.Duration `json:"rtt"`
	Samples  int           `json:"samples"`
	Resyncs  int           `json:"resyncs"`
	Degraded bool          `json:"degraded"`
}

type estimator struct {
	offset     time.Duration
	lastSample time.Duration
	rtt        time.Duration
	samples    int
	resyncs    int
	seeded     bool
	degraded   bool
	lastReply  time.Time
	added      time.Time
	nextProbe  uint64
	pending    map[uint64]time.Time
}

type Engine struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*estimator
}

func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.25
	}
	return &Engine{
		opts:     opts,
		sessions: make(map[string]*estimator),
	}
}

func (e *Engine) Add(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sessionID] = &estimator{
		added:   e.opts.Now(),
		pending: make(map[uint64]time.Time),
	}
}

func (e *Engine) Remove(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// NextProbe allocates a probe for the session and remembers its send time.
// The send time used for RTT is the one recorded here, never the echo.
func (e *Engine) NextProbe(sessionID string) (Probe, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	est, ok := e.sessions[sessionID]
	if !ok {
		return Probe{}, ErrUnknownSession
	}
	est.nextProbe++
	now := e.opts.Now()
	if len(est.pending) >= maxPendingProbes {
		var oldestID uint64
		var oldest time.Time
		for id, sent := range est.pending {
			if oldest.IsZero() || sent.Before(oldest) {
				oldestID, oldest = id, sent
			}
		}
		delete(est.pending, oldestID)
	}
	est.pending[est.nextProbe] = now
	return Probe{ID: est.nextProbe, Sent: now}, nil
}

// Observe folds a probe reply into the session's estimate. A sample that
// jumps further than the divergence bound from the previous one is not
// applied: history is discarded and estimation restarts with the next sample.
func (e *Engine) Observe(sessionID string, reply Reply) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	est, ok := e.sessions[sessionID]
	if !ok {
		return Stats{}, ErrUnknownSession
	}
	sent, ok := est.pending[reply.ID]
	if !ok {
		return est.stats(), ErrUnknownProbe
	}
	delete(est.pending, reply.ID)

	now := e.opts.Now()
	rtt := now.Sub(sent)
	if rtt < 0 {
		rtt = 0
	}
	sample := reply.Received.Sub(sent.Add(rtt / 2))

	est.lastReply = now
	est.degraded = false
	est.rtt = rtt

	if est.samples > 0 && e.opts.Divergence > 0 && absDuration(sample-est.lastSample) > e.opts.Divergence {
		jump := sample - est.lastSample
		est.samples = 0
		est.resyncs++
		return est.stats(), fmt.Errorf("%w: jump of %s", ErrClockDivergence, jump)
	}

	if est.samples == 0 {
		est.offset = sample
	} else {
		a := e.opts.Alpha
		est.offset = time.Duration(a*float64(sample) + (1-a)*float64(est.offset))
	}
	est.seeded = true
	est.lastSample = sample
	est.samples++
	return est.stats(), nil
}

// Correct maps a producer timestamp onto the server timeline. Until the
// first probe reply arrives, the offset is provisionally seeded from the
// first frame assuming zero transit time.
func (e *Engine) Correct(sessionID string, producer, received time.Time) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	est, ok := e.sessions[sessionID]
	if !ok {
		return time.Time{}, ErrUnknownSession
	}
	if !est.seeded {
		est.offset = producer.Sub(received)
		est.seeded = true
	}
	return producer.Add(-est.offset), nil
}

// Sweep flags sessions that have had no probe reply within the probe
// timeout and expires stale outstanding probes. It returns the ids that
// became degraded on this sweep.
func (e *Engine) Sweep() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.opts.Now()
	var flagged []string
	for id, est := range e.sessions {
		for pid, sent := range est.pending {
			if now.Sub(sent) > e.opts.ProbeTimeout {
				delete(est.pending, pid)
			}
		}
		last := est.lastReply
		if last.IsZero() {
			last = est.added
		}
		if !est.degraded && now.Sub(last) > e.opts.ProbeTimeout {
			est.degraded = true
			flagged = append(flagged, id)
		}
	}
	return flagged
}

func (e *Engine) Degraded(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	est, ok := e.sessions[sessionID]
	return ok && est.degraded
}

func (e *Engine) Stats(sessionID string) (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	est, ok := e.sessions[sessionID]
	if !ok {
		return Stats{}, false
	}
	return est.stats(), true
}

func (est *estimator) stats() Stats {
	return Stats{
		Offset:   est.offset,
		RTT:      est.rtt,
		Samples:  est.samples,
		Resyncs:  est.resyncs,
		Degraded: est.degraded,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
