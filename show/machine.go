package show

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/scene"
	"github.com/marcus-crane/lightshow/timeline"
)

// ErrSequenceViolation means the single-writer ordering guarantee broke.
// It is fatal.
var ErrSequenceViolation = errors.New("show sequence violation")

type Options struct {
	Zones   []scene.Zone
	Presets []Preset
	Cues    []timeline.Cue
	Pattern string
	Preset  string
	// KnownPattern rejects pattern ids nothing can render. Nil accepts all.
	KnownPattern func(string) bool
	Now          func() time.Time
	Counters     *metrics.ShowCounters
}

// Change is one committed mutation together with the state it produced.
type Change struct {
	Seq    uint64 `json:"seq"`
	Source Source `json:"source"`
	Kind   string `json:"kind"`
	State  State  `json:"state"`
}

type Machine struct {
	mu        sync.RWMutex
	opts      Options
	state     State
	emitted   uint64
	base      baseline
	startBase baseline
	presets   map[string]Preset
	clock     timeline.Clock
	scheduler *timeline.Scheduler
}

func New(opts Options) (*Machine, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Counters == nil {
		opts.Counters = &metrics.ShowCounters{}
	}
	m := &Machine{
		opts:      opts,
		presets:   make(map[string]Preset, len(opts.Presets)),
		scheduler: timeline.New(opts.Cues),
		state: State{
			ActivePattern: opts.Pattern,
			Zones:         slices.Clone(opts.Zones),
			Timeline:      Cursor{Phase: PhaseStopped},
			UpdatedAt:     opts.Now(),
		},
	}
	for _, p := range opts.Presets {
		m.presets[p.ID] = p
	}
	if opts.Preset != "" {
		tx := &txn{m: m, now: opts.Now(), state: m.state.Clone()}
		if err := tx.applyPreset(opts.Preset); err != nil {
			return nil, err
		}
		m.state = tx.state
	}
	m.base = baselineOf(m.state)
	m.startBase = m.base
	m.publishGauges()
	return m, nil
}

// Restore loads a persisted state before the machine emits anything. The
// sequence continues from the restored value. A show that was running comes
// back paused at its persisted position.
func (m *Machine) Restore(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Sequence < m.emitted {
		return fmt.Errorf("%w: restore to %d after emitting %d", ErrSequenceViolation, s.Sequence, m.emitted)
	}
	s = s.Clone()
	s.ActiveDJ = ""
	s.Audio.SessionID = ""
	s.Timeline.WindowUntil = 0
	if s.Timeline.Phase == PhaseRunning {
		s.Timeline.Phase = PhasePaused
	}
	if s.Timeline.Phase != PhaseStopped {
		m.clock.Start(m.opts.Now())
		m.clock.Pause(m.opts.Now())
		m.clock.Seek(m.opts.Now(), s.Timeline.Elapsed)
		m.scheduler.Seek(s.Timeline.Elapsed)
	}
	m.state = s
	m.emitted = s.Sequence
	m.base = baselineOf(s)
	m.startBase = m.base
	m.publishGauges()
	return nil
}

// Resequence moves the sequence forward without touching anything else, so
// the next change is numbered after seq.
func (m *Machine) Resequence(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq < m.emitted {
		return fmt.Errorf("%w: cannot resequence to %d after %d", ErrSequenceViolation, seq, m.emitted)
	}
	m.state.Sequence = seq
	m.emitted = seq
	return nil
}

// Apply is the single entry point for every ShowState mutation. ok is false
// when the mutation was valid but changed nothing, in which case no
// sequence number is consumed.
func (m *Machine) Apply(src Source, mut Mutation) (change Change, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutate(src, mut)
}

// Advance fires every cue that has come due and closes an expired one-shot
// window. It emits nothing while the show is not running.
func (m *Machine) Advance() ([]Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Timeline.Phase != PhaseRunning {
		return nil, nil
	}
	elapsed := m.clock.Elapsed(m.opts.Now())

	var changes []Change
	for cue := range m.scheduler.Due(elapsed) {
		c, ok, err := m.mutate(SourceTimeline, fireCue{cue: cue})
		if err != nil {
			if errors.Is(err, ErrSequenceViolation) {
				return changes, err
			}
			slog.With(slog.String("cue", cue.ID)).Warn("Skipping cue that failed to apply", slog.String("error", err.Error()))
			continue
		}
		if ok {
			m.opts.Counters.CueFired()
			changes = append(changes, c)
		}
	}

	if until := m.state.Timeline.WindowUntil; until > 0 && elapsed >= until {
		c, ok, err := m.mutate(SourceTimeline, endWindow{})
		if err != nil {
			return changes, err
		}
		if ok {
			changes = append(changes, c)
		}
	}
	return changes, nil
}

// mutate must be called with m.mu held.
func (m *Machine) mutate(src Source, mut Mutation) (Change, bool, error) {
	tx := &txn{m: m, now: m.opts.Now(), state: m.state.Clone(), base: m.base}
	changed, err := mut.apply(tx)
	if err != nil || !changed {
		return Change{}, false, err
	}

	if _, cfg := mut.(configMutation); cfg && src == SourceAdmin {
		tx.state.Override = true
		if tx.state.Timeline.WindowUntil == 0 {
			tx.base = baselineOf(tx.state)
		}
	}

	next := m.state.Sequence + 1
	if next <= m.emitted {
		return Change{}, false, fmt.Errorf("%w: next sequence %d does not follow %d", ErrSequenceViolation, next, m.emitted)
	}
	tx.state.Sequence = next
	tx.state.UpdatedAt = tx.now

	patternChanged := patternsDiffer(m.state, tx.state)
	m.state = tx.state
	m.base = tx.base
	m.emitted = next
	for _, f := range tx.commits {
		f()
	}

	m.opts.Counters.Mutated(next)
	if patternChanged {
		m.opts.Counters.PatternChanged()
	}
	if mut.Kind() == (Tick{}).Kind() {
		m.opts.Counters.Tick()
	} else {
		m.publishGauges()
		slog.Debug("Show state mutated",
			slog.Uint64("seq", next),
			slog.String("source", string(src)),
			slog.String("kind", mut.Kind()))
	}
	return Change{Seq: next, Source: src, Kind: mut.Kind(), State: m.state.Clone()}, true, nil
}

func (m *Machine) publishGauges() {
	m.opts.Counters.SetActive(m.state.ActivePattern, m.state.ActivePreset, m.state.ActiveDJ)
}

func patternsDiffer(a, b State) bool {
	if a.ActivePattern != b.ActivePattern || len(a.Zones) != len(b.Zones) {
		return true
	}
	for i := range a.Zones {
		if a.PatternFor(a.Zones[i]) != b.PatternFor(b.Zones[i]) {
			return true
		}
	}
	return false
}

// Snapshot returns a read-only copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

func (m *Machine) Sequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Sequence
}

func (m *Machine) Elapsed() time.Duration {
	return m.clock.Elapsed(m.opts.Now())
}

// UpcomingCue is the next cue the timeline will fire.
func (m *Machine) UpcomingCue() (timeline.Cue, bool) {
	return m.scheduler.Upcoming()
}

func (m *Machine) Presets() []Preset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Preset, 0, len(m.presets))
	for _, p := range m.presets {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Preset) int { return strings.Compare(a.ID, b.ID) })
	return out
}
