// Package engine runs the show: the fixed-cadence tick loop, DJ session
// links and admin commands. Every ShowState mutation and the publish that
// follows it happen under one lock, so clients see sequence numbers in the
// order they were stamped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus-crane/lightshow/audio"
	"github.com/marcus-crane/lightshow/broadcast"
	"github.com/marcus-crane/lightshow/clocksync"
	"github.com/marcus-crane/lightshow/coordinator"
	"github.com/marcus-crane/lightshow/db"
	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/notify"
	"github.com/marcus-crane/lightshow/patterns"
	"github.com/marcus-crane/lightshow/show"
)

// Message kinds on the broadcast channels.
const (
	KindState     = "state"
	KindRender    = "render"
	KindMeters    = "meters"
	KindPatterns  = "patterns"
	KindPresets   = "presets"
	KindSessions  = "sessions"
	KindAuthority = "authority"
	KindAck       = "ack"
)

const (
	alertTimeout      = 10 * time.Second
	defaultMeterEvery = 10
)

type Options struct {
	BandCount      int
	Interval       time.Duration
	ProbeInterval  time.Duration
	SessionTimeout time.Duration
	// HelloTimeout bounds the wait for a DJ's first message
	HelloTimeout time.Duration
	WriteTimeout time.Duration
	// MeterEvery is the number of ticks between admin meter updates
	MeterEvery int

	Machine     *show.Machine
	Coordinator *coordinator.Coordinator
	Clock       *clocksync.Engine
	Registry    *patterns.Registry
	Dispatcher  *patterns.Dispatcher
	// Broadcast configures the fanout. Its Snapshot is provided by the engine.
	Broadcast broadcast.Options
	Recorder  *db.Recorder
	Notifier  notify.Notifier
	Metrics   *metrics.Collector
	Now       func() time.Time
}

type Engine struct {
	opts     Options
	machine  *show.Machine
	coord    *coordinator.Coordinator
	clock    *clocksync.Engine
	registry *patterns.Registry
	render   *patterns.Dispatcher
	fanout   *broadcast.Fanout
	metrics  *metrics.Collector

	// mu is held for every mutation and its publish
	mu        sync.Mutex
	ticks     uint64
	consensus float64

	linksMu sync.RWMutex
	links   map[string]*link

	fatal    chan error
	alertsWG sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Machine == nil || opts.Coordinator == nil || opts.Clock == nil || opts.Registry == nil || opts.Dispatcher == nil {
		return nil, errors.New("engine requires a show machine, coordinator, clock sync, pattern registry and dispatcher")
	}
	if opts.BandCount < 1 {
		opts.BandCount = 5
	}
	if opts.Interval <= 0 {
		opts.Interval = 21 * time.Millisecond
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 10 * time.Second
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = 3 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.MeterEvery < 1 {
		opts.MeterEvery = defaultMeterEvery
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(time.Now())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		opts:     opts,
		machine:  opts.Machine,
		coord:    opts.Coordinator,
		clock:    opts.Clock,
		registry: opts.Registry,
		render:   opts.Dispatcher,
		metrics:  opts.Metrics,
		links:    make(map[string]*link),
		fatal:    make(chan error, 1),
	}
	bopts := opts.Broadcast
	bopts.Snapshot = e.snapshot
	if bopts.Counters == nil {
		bopts.Counters = opts.Metrics.Fanout
	}
	e.fanout = broadcast.New(bopts)
	opts.Metrics.ObserveSessions(e.sessionInfo)
	return e, nil
}

func (e *Engine) Fanout() *broadcast.Fanout {
	return e.fanout
}

func (e *Engine) Machine() *show.Machine {
	return e.machine
}

// IsFatal reports whether err means a core invariant broke.
func IsFatal(err error) bool {
	return errors.Is(err, show.ErrSequenceViolation) || errors.Is(err, coordinator.ErrAuthorityConflict)
}

// Run drives the tick loop until ctx ends or an invariant breaks, in which
// case the violation is returned.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	slog.With(slog.Duration("interval", e.opts.Interval)).Info("Starting show tick loop")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-e.fatal:
			return err
		case <-ticker.C:
			if err := e.Tick(); err != nil {
				if IsFatal(err) {
					e.fail(err)
					return err
				}
				slog.With(slog.String("error", err.Error())).Warn("Tick failed")
			}
		}
	}
}

// Tick runs one render cycle: authority, due cues, the audio frame and the
// render batch, in that order.
func (e *Engine) Tick() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	if err := e.syncAuthority(); err != nil {
		return err
	}
	frame := e.liveFrame()
	e.updateBPM(frame)

	changes, err := e.machine.Advance()
	for _, c := range changes {
		if perr := e.publishState(c); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}

	change, _, err := e.machine.Apply(show.SourceAuthority, show.Tick{Frame: frame})
	if err != nil {
		return err
	}
	batch := e.render.Render(change.State)
	err = e.fanout.Publish(broadcast.Message{Seq: change.Seq, Kind: KindRender, Payload: batch}, broadcast.ClassPlugin, broadcast.ClassBrowser)
	if err != nil {
		return err
	}

	e.ticks++
	if e.ticks%uint64(e.opts.MeterEvery) == 0 {
		e.publishMeters(change.State)
	}
	if time.Since(start) > e.opts.Interval {
		e.metrics.Show.TickOverrun()
	}
	return nil
}

// syncAuthority mirrors the coordinator's live session into ShowState.
// Must be called with e.mu held.
func (e *Engine) syncAuthority() error {
	id := ""
	if live, ok := e.coord.Live(); ok {
		id = live.ID
	}
	c, ok, err := e.machine.Apply(show.SourceAuthority, show.SetActiveDJ{SessionID: id})
	if err != nil || !ok {
		return err
	}
	return e.publishState(c)
}

// liveFrame takes the pending frame of the live session, or an idle frame
// when nobody is live.
func (e *Engine) liveFrame() audio.Frame {
	if live, ok := e.coord.Live(); ok {
		if l := e.link(live.ID); l != nil {
			if f, _, ok := l.channel.Take(); ok {
				return f
			}
		}
	}
	return audio.Idle(e.opts.BandCount)
}

func (e *Engine) updateBPM(frame audio.Frame) {
	e.metrics.Show.SetBPM(frame.BPM)

	e.linksMu.RLock()
	bpms := make([]float64, 0, len(e.links))
	for id, l := range e.links {
		if e.clock.Degraded(id) {
			continue
		}
		if f, ok := l.channel.Latest(); ok && f.BPM > 0 {
			bpms = append(bpms, f.BPM)
		}
	}
	e.linksMu.RUnlock()

	e.consensus = median(bpms)
	e.metrics.Show.SetConsensusBPM(e.consensus)
}

func (e *Engine) publishState(c show.Change) error {
	err := e.fanout.Publish(broadcast.Message{Seq: c.Seq, Kind: KindState, Payload: c.State, Essential: true})
	if err != nil {
		return err
	}
	if e.opts.Recorder != nil {
		e.opts.Recorder.Event(db.Event{
			Seq:       c.Seq,
			Kind:      c.Kind,
			Source:    string(c.Source),
			Detail:    describe(c.State),
			CreatedAt: c.State.UpdatedAt.UnixMilli(),
		})
	}
	return nil
}

func describe(s show.State) string {
	d := fmt.Sprintf("pattern=%s", s.ActivePattern)
	if s.ActivePreset != "" {
		d += " preset=" + s.ActivePreset
	}
	if s.ActiveDJ != "" {
		d += " dj=" + s.ActiveDJ
	}
	if s.Timeline.LastCue != "" {
		d += " cue=" + s.Timeline.LastCue
	}
	return d
}

func (e *Engine) publishMeters(s show.State) {
	m := Meters{
		Seq:          s.Sequence,
		Tick:         s.Tick,
		Phase:        s.Timeline.Phase,
		Elapsed:      s.Timeline.Elapsed,
		Bands:        s.Audio.Bands,
		Amplitude:    s.Audio.Amplitude,
		BPM:          s.Audio.BPM,
		ConsensusBPM: e.consensus,
		Beat:         s.Audio.Beat,
		ActiveDJ:     s.ActiveDJ,
		Sessions:     e.Sessions(),
		Clients: map[broadcast.Class]int{
			broadcast.ClassPlugin:  e.fanout.Count(broadcast.ClassPlugin),
			broadcast.ClassBrowser: e.fanout.Count(broadcast.ClassBrowser),
			broadcast.ClassAdmin:   e.fanout.Count(broadcast.ClassAdmin),
		},
	}
	if err := e.fanout.Publish(broadcast.Message{Kind: KindMeters, Payload: m}, broadcast.ClassAdmin); err != nil {
		slog.With(slog.String("error", err.Error())).Debug("Failed to publish meters")
	}
}

// snapshot is what a newly connected broadcast client receives first.
func (e *Engine) snapshot(class broadcast.Class) []broadcast.Message {
	st := e.machine.Snapshot()
	var msgs []broadcast.Message
	switch class {
	case broadcast.ClassPlugin:
		msgs = append(msgs, broadcast.Message{Kind: KindPatterns, Payload: e.registry.Descriptors(), Essential: true})
	case broadcast.ClassAdmin:
		msgs = append(msgs,
			broadcast.Message{Kind: KindPatterns, Payload: e.registry.Descriptors(), Essential: true},
			broadcast.Message{Kind: KindPresets, Payload: e.machine.Presets(), Essential: true},
			broadcast.Message{Kind: KindSessions, Payload: e.Sessions(), Essential: true},
		)
	}
	return append(msgs, broadcast.Message{Seq: st.Sequence, Kind: KindState, Payload: st, Essential: true})
}

// fail escalates a broken invariant to Run and the operator.
func (e *Engine) fail(err error) {
	slog.With(slog.String("error", err.Error())).Error("Core invariant violated")
	e.alert(notify.Alert{
		Title:    "Lightshow invariant violated",
		Message:  err.Error(),
		Priority: notify.PriorityHigh,
	})
	select {
	case e.fatal <- err:
	default:
	}
}

func (e *Engine) alert(a notify.Alert) {
	if a.At.IsZero() {
		a.At = e.opts.Now()
	}
	e.alertsWG.Add(1)
	go func() {
		defer e.alertsWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := e.opts.Notifier.Notify(ctx, a); err != nil {
			slog.With(slog.String("title", a.Title)).Warn("Failed to send operator alert", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown ends every DJ session, disconnects every broadcast client and
// waits for pending alerts.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.linksMu.RLock()
	for _, l := range e.links {
		l.cancel(ErrShuttingDown)
	}
	e.linksMu.RUnlock()
	err := e.fanout.Close(ctx)
	done := make(chan struct{})
	go func() {
		e.alertsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
