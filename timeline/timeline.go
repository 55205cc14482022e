// Package timeline schedules pre-programmed cues against show-relative time.
package timeline

import (
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/marcus-crane/lightshow/scene"
)

type Mode string

const (
	// OneShot cues fire at most once per show run and may hold for a window
	OneShot Mode = "one_shot"
	// Sticky cues stay the active configuration until superseded
	Sticky Mode = "sticky"
)

// AllZones targets every zone in Cue.Effects.
const AllZones = "*"

// Cue is loaded once and never mutated.
type Cue struct {
	ID      string                  `json:"id" yaml:"id"`
	At      time.Duration           `json:"at" yaml:"at"`
	Mode    Mode                    `json:"mode" yaml:"mode"`
	Window  time.Duration           `json:"window,omitempty" yaml:"window"`
	Pattern string                  `json:"pattern,omitempty" yaml:"pattern"`
	Preset  string                  `json:"preset,omitempty" yaml:"preset"`
	Effects map[string]scene.Effect `json:"effects,omitempty" yaml:"effects"`
}

// Scheduler yields due cues in order. It is restartable: the cursor is
// derived from show-relative elapsed time, so pausing or seeking never
// depends on wall-clock drift.
type Scheduler struct {
	mu    sync.Mutex
	cues  []Cue
	next  int
	fired map[int]bool
}

func New(cues []Cue) *Scheduler {
	sorted := make([]Cue, len(cues))
	copy(sorted, cues)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	return &Scheduler{cues: sorted, fired: make(map[int]bool)}
}

// Due lazily yields every cue whose offset has been reached. The cursor only
// moves past a cue once it has been handed to the consumer, so stopping the
// iteration early leaves the remaining cues due.
func (s *Scheduler) Due(elapsed time.Duration) iter.Seq[Cue] {
	return func(yield func(Cue) bool) {
		for {
			s.mu.Lock()
			if s.next >= len(s.cues) || s.cues[s.next].At > elapsed {
				s.mu.Unlock()
				return
			}
			idx := s.next
			cue := s.cues[idx]
			skip := cue.Mode == OneShot && s.fired[idx]
			if !skip && cue.Mode == OneShot {
				s.fired[idx] = true
			}
			s.next++
			s.mu.Unlock()

			if skip {
				continue
			}
			if !yield(cue) {
				return
			}
		}
	}
}

// Locate reports where the cursor would sit at elapsed and the sticky cue
// in force at that point, without moving anything.
func (s *Scheduler) Locate(elapsed time.Duration) (cursor int, sticky Cue, ok bool) {
	cursor = sort.Search(len(s.cues), func(i int) bool { return s.cues[i].At > elapsed })
	for i := cursor - 1; i >= 0; i-- {
		if s.cues[i].Mode == Sticky {
			return cursor, s.cues[i], true
		}
	}
	return cursor, Cue{}, false
}

// Seek repositions the cursor at elapsed and returns the sticky cue that is
// in force at that point, if any. One-shot cues already fired in this run
// stay fired.
func (s *Scheduler) Seek(elapsed time.Duration) (Cue, bool) {
	cursor, sticky, ok := s.Locate(elapsed)
	s.mu.Lock()
	s.next = cursor
	s.mu.Unlock()
	return sticky, ok
}

// Reset starts a new show run.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	s.fired = make(map[int]bool)
}

// Cursor is the index of the next cue that has not been reached.
func (s *Scheduler) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) Upcoming() (Cue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.cues) {
		return Cue{}, false
	}
	return s.cues[s.next], true
}

func (s *Scheduler) Len() int {
	return len(s.cues)
}

// Clock tracks show-relative elapsed time. Time only accumulates while the
// show is running.
type Clock struct {
	mu        sync.Mutex
	running   bool
	since     time.Time
	collected time.Duration
}

func (c *Clock) Start(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collected = 0
	c.since = now
	c.running = true
}

func (c *Clock) Pause(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.collected += now.Sub(c.since)
	c.running = false
}

func (c *Clock) Resume(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.since = now
	c.running = true
}

func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.collected = 0
}

func (c *Clock) Seek(now time.Time, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collected = elapsed
	c.since = now
}

func (c *Clock) Elapsed(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return c.collected
	}
	return c.collected + now.Sub(c.since)
}

func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
