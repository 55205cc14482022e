package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/lightshow/auth"
	"github.com/marcus-crane/lightshow/broadcast"
	"github.com/marcus-crane/lightshow/clocksync"
	"github.com/marcus-crane/lightshow/coordinator"
	"github.com/marcus-crane/lightshow/db"
	"github.com/marcus-crane/lightshow/ingest"
	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/notify"
	"github.com/marcus-crane/lightshow/patterns"
	"github.com/marcus-crane/lightshow/show"
	"github.com/marcus-crane/lightshow/showfile"
)

const waitFor = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type tokens map[string]auth.Identity

func (t tokens) Verify(_ context.Context, token string) (auth.Identity, error) {
	id, ok := t[token]
	if !ok {
		return auth.Identity{}, fmt.Errorf("%w: unknown token", auth.ErrAuthFailure)
	}
	return id, nil
}

type alertLog struct {
	mu  sync.Mutex
	got []notify.Alert
}

func (a *alertLog) Notify(_ context.Context, alert notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, alert)
	return nil
}

func (a *alertLog) count(title string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, al := range a.got {
		if al.Title == title {
			n++
		}
	}
	return n
}

type captured struct {
	Seq     uint64          `json:"seq"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type captureSink struct {
	mu   sync.Mutex
	msgs []captured
}

func (s *captureSink) Write(_ context.Context, data []byte) error {
	var c captured
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, c)
	return nil
}

func (s *captureSink) Close(error) error { return nil }

func (s *captureSink) messages() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]captured(nil), s.msgs...)
}

func (s *captureSink) lastSeq() uint64 {
	var last uint64
	for _, m := range s.messages() {
		if m.Seq > last {
			last = m.Seq
		}
	}
	return last
}

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(error) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- data
}

// drop simulates the producer vanishing without a close handshake.
func (c *fakeConn) drop() {
	close(c.in)
}

func (c *fakeConn) expect(t *testing.T, typ string) ingest.Outbound {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-c.out:
			var msg ingest.Outbound
			require.NoError(t, json.Unmarshal(data, &msg))
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

type harness struct {
	e       *Engine
	clock   *fakeClock
	metrics *metrics.Collector
	alerts  *alertLog
	coord   *coordinator.Coordinator
	store   *db.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 21, 0, 0, 0, time.UTC)}
	collector := metrics.New(clock.now)
	alerts := &alertLog{}
	registry := patterns.Builtins()
	file := showfile.Default()
	file.Presets = []show.Preset{{ID: "drop", Pattern: "pulse"}}

	machine, err := show.New(show.Options{
		Zones:        file.Zones,
		Presets:      file.Presets,
		Pattern:      file.Pattern,
		KnownPattern: registry.Has,
		Now:          clock.Now,
		Counters:     collector.Show,
	})
	require.NoError(t, err)
	coord := coordinator.New(coordinator.Options{
		AutoPromote: true,
		Verifier: tokens{
			"token-a":     {Subject: "a", Name: "DJ A", Role: "dj"},
			"token-b":     {Subject: "b", Name: "DJ B", Role: "dj"},
			"token-c":     {Subject: "c", Name: "DJ C", Role: "dj"},
			"token-admin": {Subject: "ops", Name: "Ops", Role: "admin"},
		},
		Now:      clock.Now,
		Counters: collector.Authority,
	})
	store := db.NewMemoryStore()
	recorder := db.NewRecorder(store, 1024, collector.Store)

	e, err := New(Options{
		BandCount:      5,
		Interval:       21 * time.Millisecond,
		ProbeInterval:  time.Hour,
		SessionTimeout: 10 * time.Second,
		HelloTimeout:   200 * time.Millisecond,
		MeterEvery:     2,
		Machine:        machine,
		Coordinator:    coord,
		Clock: clocksync.New(clocksync.Options{
			Alpha:        0.25,
			Divergence:   500 * time.Millisecond,
			ProbeTimeout: 5 * time.Second,
			Now:          clock.Now,
		}),
		Registry:   registry,
		Dispatcher: patterns.NewDispatcher(registry, patterns.Options{Interval: 21 * time.Millisecond, Counters: collector.Show}),
		Recorder:   recorder,
		Notifier:   alerts,
		Metrics:    collector,
		Now:        clock.Now,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		recorder.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sctx, scancel := context.WithTimeout(context.Background(), waitFor)
		defer scancel()
		e.Shutdown(sctx)
	})
	return &harness{e: e, clock: clock, metrics: collector, alerts: alerts, coord: coord, store: store}
}

type dj struct {
	conn  *fakeConn
	id    string
	state string
	done  chan error
	ts    int64
}

func (h *harness) connect(t *testing.T, token, name string) *dj {
	t.Helper()
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- h.e.ServeDJ(context.Background(), conn) }()
	conn.send(t, ingest.Inbound{Type: ingest.TypeHello, Token: token, Name: name})
	w := conn.expect(t, ingest.TypeWelcome)
	return &dj{conn: conn, id: w.SessionID, state: w.State, done: done, ts: 1_700_000_000_000}
}

func (d *dj) frame(t *testing.T, h *harness, bpm float64, beat bool) {
	t.Helper()
	d.ts += 21
	amp := 0.6
	d.conn.send(t, ingest.Inbound{
		Type:      ingest.TypeFrame,
		Bands:     []float64{0.8, 0.5, 0.4, 0.2, 0.1},
		Amplitude: &amp,
		BPM:       bpm,
		Beat:      beat,
		Timestamp: d.ts,
	})
	require.Eventually(t, func() bool {
		l := h.e.link(d.id)
		if l == nil {
			return false
		}
		f, ok := l.channel.Latest()
		return ok && f.Producer.UnixMilli() == d.ts
	}, waitFor, time.Millisecond)
}

func (d *dj) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-d.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not end")
		return nil
	}
}

func TestHandoff_QueuedSessionTakesOverWithoutSequenceGap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	browser := &captureSink{}
	_, err := h.e.Fanout().Register("browser-1", broadcast.ClassBrowser, browser)
	require.NoError(t, err)

	a := h.connect(t, "token-a", "DJ A")
	b := h.connect(t, "token-b", "DJ B")
	assert.Equal(t, string(coordinator.StateLive), a.state)
	assert.Equal(t, string(coordinator.StateQueued), b.state)

	for i := 0; i < 5; i++ {
		a.frame(t, h, 124, i == 0)
		require.NoError(t, h.e.Tick())
	}
	st := h.e.Machine().Snapshot()
	assert.Equal(t, a.id, st.ActiveDJ)
	assert.Equal(t, a.id, st.Audio.SessionID)

	a.conn.drop()
	assert.ErrorIs(t, a.wait(t), io.EOF)

	// the handoff completed inside the disconnect, before any further tick
	live, ok := h.coord.Live()
	require.True(t, ok)
	assert.Equal(t, b.id, live.ID)
	assert.Equal(t, b.id, h.e.Machine().Snapshot().ActiveDJ)
	assert.Equal(t, string(coordinator.StateLive), b.conn.expect(t, ingest.TypeAuthority).State)

	for i := 0; i < 5; i++ {
		b.frame(t, h, 128, false)
		require.NoError(t, h.e.Tick())
	}
	assert.Equal(t, b.id, h.e.Machine().Snapshot().Audio.SessionID)

	want := h.e.Machine().Sequence()
	require.Eventually(t, func() bool { return browser.lastSeq() == want }, waitFor, time.Millisecond)
	var prev uint64
	for _, m := range browser.messages() {
		if m.Seq == 0 {
			continue
		}
		assert.Equal(t, prev+1, m.Seq, "sequence gap before %s", m.Kind)
		prev = m.Seq
	}
	assert.Eventually(t, func() bool { return h.alerts.count("Live authority handed off") == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, uint64(2), h.metrics.Snapshot(h.clock.Now()).Handoffs)
}

func TestServeDJ_RejectsBadCredential(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- h.e.ServeDJ(context.Background(), conn) }()
	conn.send(t, ingest.Inbound{Type: ingest.TypeHello, Token: "forged"})

	assert.Equal(t, "authentication failed", conn.expect(t, ingest.TypeError).Message)
	d := &dj{done: done}
	assert.ErrorIs(t, d.wait(t), auth.ErrAuthFailure)
	assert.Equal(t, uint64(1), h.metrics.Snapshot(h.clock.Now()).AuthFailures)
	assert.Empty(t, h.coord.Sessions())
}

func TestServeDJ_RequiresHelloFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	silent := &dj{conn: newFakeConn(), done: make(chan error, 1)}
	go func() { silent.done <- h.e.ServeDJ(context.Background(), silent.conn) }()
	assert.ErrorIs(t, silent.wait(t), ErrHandshake)

	amp := 0.5
	rude := &dj{conn: newFakeConn(), done: make(chan error, 1)}
	go func() { rude.done <- h.e.ServeDJ(context.Background(), rude.conn) }()
	rude.conn.send(t, ingest.Inbound{Type: ingest.TypeFrame, Bands: make([]float64, 5), Amplitude: &amp, Timestamp: 1})
	assert.ErrorIs(t, rude.wait(t), ErrHandshake)
}

func TestServeDJ_InvalidFramesAreDroppedNotFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.connect(t, "token-a", "DJ A")

	amp := 0.5
	a.conn.send(t, ingest.Inbound{Type: ingest.TypeFrame, Bands: []float64{1}, Amplitude: &amp, Timestamp: 5})
	a.conn.in <- []byte("{not json")
	require.Eventually(t, func() bool {
		return h.metrics.Snapshot(h.clock.Now()).FramesInvalid == 2
	}, waitFor, time.Millisecond)

	a.frame(t, h, 120, false)
	require.NoError(t, h.e.Tick())
	assert.Equal(t, 120.0, h.e.Machine().Snapshot().Audio.BPM)
}

func TestServeDJ_ProbeRepliesFeedClockSync(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.e.opts.ProbeInterval = 5 * time.Millisecond
	a := h.connect(t, "token-a", "DJ A")

	ping := a.conn.expect(t, ingest.TypePing)
	a.conn.send(t, ingest.Inbound{Type: ingest.TypePong, ProbeID: ping.ProbeID, Received: ping.Sent + 40})
	require.Eventually(t, func() bool {
		st, ok := h.e.clock.Stats(a.id)
		return ok && st.Samples == 1
	}, waitFor, time.Millisecond)
	st, _ := h.e.clock.Stats(a.id)
	assert.Equal(t, 40*time.Millisecond, st.Offset)
}

func TestSweep_EvictsSilentSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.connect(t, "token-a", "DJ A")
	b := h.connect(t, "token-b", "DJ B")

	h.clock.Advance(11 * time.Second)
	b.frame(t, h, 126, false)
	h.e.Sweep()

	assert.NoError(t, a.wait(t))
	live, ok := h.coord.Live()
	require.True(t, ok)
	assert.Equal(t, b.id, live.ID)
	assert.Equal(t, 1, h.coord.LiveCount())

	require.Eventually(t, func() bool {
		history, _ := h.store.SessionHistory(context.Background(), a.id)
		return len(history) > 0 && history[len(history)-1].Reason == "session timed out"
	}, waitFor, time.Millisecond)
}

func TestConsensusBPM_MedianOfSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for i, token := range []string{"token-a", "token-b", "token-c"} {
		d := h.connect(t, token, token)
		d.frame(t, h, []float64{120, 140, 128}[i], false)
	}
	require.NoError(t, h.e.Tick())
	assert.Equal(t, 128.0, h.e.ConsensusBPM())
	assert.Equal(t, 128.0, h.metrics.Snapshot(h.clock.Now()).ConsensusBPM)
}

func TestMedian(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, median(nil))
	assert.Equal(t, 128.0, median([]float64{128}))
	assert.Equal(t, 125.0, median([]float64{130, 120}))
	assert.Equal(t, 128.0, median([]float64{140, 120, 128}))
}

func TestRun_ReturnsFatalViolation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.e.fail(fmt.Errorf("%w: two live sessions", coordinator.ErrAuthorityConflict))

	err := h.e.Run(context.Background())
	assert.ErrorIs(t, err, coordinator.ErrAuthorityConflict)
	assert.True(t, IsFatal(err))
	assert.Eventually(t, func() bool { return h.alerts.count("Lightshow invariant violated") == 1 }, waitFor, time.Millisecond)
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	require.Eventually(t, func() bool { return h.e.Machine().Snapshot().Tick >= 3 }, waitFor, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.False(t, IsFatal(io.EOF))
}

func TestReconnectingBrowserGetsCurrentState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, h.e.Tick())
	}
	current := h.e.Machine().Sequence()

	browser := &captureSink{}
	_, err := h.e.Fanout().Register("browser-late", broadcast.ClassBrowser, browser)
	require.NoError(t, err)
	require.NoError(t, h.e.Tick())

	require.Eventually(t, func() bool { return browser.lastSeq() == current+1 }, waitFor, time.Millisecond)
	msgs := browser.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, KindState, msgs[0].Kind)
	assert.Equal(t, current, msgs[0].Seq)
	assert.Equal(t, KindRender, msgs[1].Kind)
}

func TestPluginSnapshotCarriesPatternDescriptors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	msgs := h.e.snapshot(broadcast.ClassPlugin)
	require.Len(t, msgs, 2)
	assert.Equal(t, KindPatterns, msgs[0].Kind)
	assert.Zero(t, msgs[0].Seq)
	assert.Equal(t, KindState, msgs[1].Kind)

	admin := h.e.snapshot(broadcast.ClassAdmin)
	var kinds []string
	for _, m := range admin {
		kinds = append(kinds, m.Kind)
	}
	assert.Equal(t, []string{KindPatterns, KindPresets, KindSessions, KindState}, kinds)
}
