package patterns

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/lightshow/audio"
	"github.com/marcus-crane/lightshow/clocksync"
	"github.com/marcus-crane/lightshow/ingest"
	"github.com/marcus-crane/lightshow/scene"
	"github.com/marcus-crane/lightshow/show"
)

const tick = 21 * time.Millisecond

func zone(id string, e scene.Effect) scene.Zone {
	return scene.Zone{
		ID:     id,
		Bounds: scene.Bounds{Max: scene.Vec3{10, 10, 10}},
		Effect: e,
	}
}

func state(seq uint64, pattern string, f audio.Frame, zones ...scene.Zone) show.State {
	return show.State{Sequence: seq, Tick: seq, ActivePattern: pattern, Zones: zones, Audio: f}
}

func loud(beat bool) audio.Frame {
	return audio.Frame{SessionID: "dj", Bands: []float64{0.9, 0.7, 0.5, 0.3, 0.1}, Amplitude: 0.8, BPM: 128, Beat: beat}
}

type scripted struct {
	id   string
	prim []Primitive
}

func (s *scripted) ID() string { return s.id }
func (s *scripted) Evaluate(Input) []Primitive { return s.prim }

func TestPerEffectCapHoldsAgainstFlood(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Builtins(), Options{Interval: tick})
	e := scene.DefaultEffect()
	e.MaxPerEffect = 50

	b := d.Render(state(1, "flood", loud(false), zone("stage", e)))
	require.Len(t, b.Zones, 1)
	assert.Len(t, b.Zones[0].Primitives, 50)
	assert.Equal(t, floodRequest-50, b.Zones[0].Dropped)
	for _, p := range b.Zones[0].Primitives {
		assert.Equal(t, "stage", p.Zone)
	}
}

func TestZoneCapAcrossEffects(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Builtins(), Options{Interval: tick})
	e := scene.DefaultEffect()
	e.MaxPrimitives = 10

	b := d.Render(state(1, "spectrum", loud(false), zone("stage", e)))
	assert.Len(t, b.Zones[0].Primitives, 10)
}

func TestCapsApplyAfterIntensityScaling(t *testing.T) {
	t.Parallel()
	var prims []Primitive
	for i := 0; i < 10; i++ {
		prims = append(prims, Primitive{Effect: "fx", Brightness: 0.02})
	}
	for i := 0; i < 10; i++ {
		prims = append(prims, Primitive{Effect: "fx", Brightness: 1, Scale: 1})
	}
	r := NewRegistry()
	require.NoError(t, r.Register(&scripted{id: "scripted", prim: prims}))
	d := NewDispatcher(r, Options{Interval: tick})

	e := scene.DefaultEffect()
	e.Intensity = 0.25
	e.MaxPerEffect = 10
	b := d.Render(state(1, "scripted", loud(false), zone("stage", e)))

	got := b.Zones[0].Primitives
	require.Len(t, got, 10)
	for _, p := range got {
		assert.Equal(t, 0.25, p.Brightness)
		assert.Equal(t, 0.25, p.Scale)
	}
	assert.Equal(t, 10, b.Zones[0].Dropped)
}

func TestBeatCooldownPerEffect(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Builtins(), Options{Interval: tick})
	e := scene.DefaultEffect()
	e.BeatCooldown = 100 * time.Millisecond // five ticks

	var fired []uint64
	for seq := uint64(1); seq <= 12; seq++ {
		b := d.Render(state(seq, "pulse", loud(true), zone("stage", e)))
		for _, p := range b.Zones[0].Primitives {
			if p.Effect == "burst" {
				fired = append(fired, seq)
				break
			}
		}
	}
	assert.Equal(t, []uint64{1, 6, 11}, fired)
}

func TestBeatBelowThresholdDoesNotFire(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Builtins(), Options{Interval: tick})
	e := scene.DefaultEffect()
	e.BeatThreshold = 0.9

	b := d.Render(state(1, "pulse", loud(true), zone("stage", e)))
	require.Len(t, b.Zones[0].Primitives, 1)
	assert.Equal(t, "glow", b.Zones[0].Primitives[0].Effect)
}

func TestBeatGateEnforcedOnPatternsThatIgnoreIt(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(&scripted{id: "rogue", prim: []Primitive{
		{Effect: "strobe", Brightness: 1, Beat: true},
		{Effect: "strobe", Brightness: 1, Beat: true},
	}}))
	d := NewDispatcher(r, Options{Interval: tick})
	e := scene.DefaultEffect()

	b := d.Render(state(1, "rogue", loud(false), zone("stage", e)))
	assert.Empty(t, b.Zones[0].Primitives, "no beat, no strobe")

	b = d.Render(state(2, "rogue", loud(true), zone("stage", e)))
	assert.Len(t, b.Zones[0].Primitives, 2)

	b = d.Render(state(3, "rogue", loud(true), zone("stage", e)))
	assert.Empty(t, b.Zones[0].Primitives, "still cooling down")
}

func TestZonesShareOnePattern(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Builtins(), Options{Interval: tick})
	e := scene.DefaultEffect()
	floor := zone("floor", e)
	floor.Pattern = "pulse"

	b := d.Render(state(1, "spectrum", loud(false), zone("stage", e), zone("bar", e), floor))
	require.Len(t, b.Zones, 3)
	assert.Equal(t, "spectrum", b.Zones[0].Pattern)
	assert.Equal(t, "spectrum", b.Zones[1].Pattern)
	assert.Equal(t, "pulse", b.Zones[2].Pattern)
	assert.NotEqual(t, b.Zones[0].Primitives[5].Pos, b.Zones[1].Primitives[5].Pos, "noise is seeded per zone")
}

func TestUnknownPatternRendersNothing(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Builtins(), Options{Interval: tick})
	b := d.Render(state(1, "missing", loud(false), zone("stage", scene.DefaultEffect())))
	assert.Empty(t, b.Zones[0].Primitives)
}

func TestIdleFrameRendersQuietly(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Builtins(), Options{Interval: tick})
	b := d.Render(state(1, "particles", audio.Idle(5), zone("stage", scene.DefaultEffect())))
	assert.Empty(t, b.Zones[0].Primitives)
	assert.False(t, b.Beat)
}

// replay drives a fixed producer stream through clock correction, ingest,
// the show machine and the dispatcher, returning the encoded batches.
func replay(t *testing.T) []byte {
	t.Helper()
	base := time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }
	producerSkew := 1500 * time.Millisecond

	sync := clocksync.New(clocksync.Options{Alpha: 0.25, Divergence: 500 * time.Millisecond, ProbeTimeout: 5 * time.Second, Now: clock})
	sync.Add("dj")
	ch := ingest.NewChannel("dj", ingest.Options{BandCount: 5}, sync, nil)

	zones := []scene.Zone{zone("stage", scene.DefaultEffect()), zone("floor", scene.DefaultEffect())}
	m, err := show.New(show.Options{Zones: zones, Pattern: "pulse", Now: clock})
	require.NoError(t, err)
	r := NewRegistry()
	require.NoError(t, r.Register(&Spectrum{}))
	require.NoError(t, r.Register(&Pulse{}))
	require.NoError(t, r.Register(NewParticles()))
	d := NewDispatcher(r, Options{Interval: tick})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			probe, err := sync.NextProbe("dj")
			require.NoError(t, err)
			now = now.Add(4 * time.Millisecond)
			_, err = sync.Observe("dj", clocksync.Reply{ID: probe.ID, Received: now.Add(-2*time.Millisecond + producerSkew)})
			require.NoError(t, err)
		}
		amp := 0.2 + 0.6*float64(i%7)/6
		bands := []float64{amp, amp / 2, float64(i%5) / 5, 0.4, 0.1}
		msg := ingest.Inbound{
			Type:      ingest.TypeFrame,
			Bands:     bands,
			Amplitude: &amp,
			BPM:       124 + float64(i%3),
			Beat:      i%4 == 0,
			Timestamp: now.Add(producerSkew).UnixMilli(),
		}
		_, err := ch.Accept(msg, now)
		require.NoError(t, err)
		frame, _, ok := ch.Take()
		require.True(t, ok)

		if i == 50 {
			_, _, err := m.Apply(show.SourceAdmin, show.SetPattern{Pattern: "particles"})
			require.NoError(t, err)
		}
		c, _, err := m.Apply(show.SourceAuthority, show.Tick{Frame: frame})
		require.NoError(t, err)
		require.NoError(t, enc.Encode(d.Render(c.State)))
		now = now.Add(tick)
	}
	return buf.Bytes()
}

func TestReplayIsDeterministic(t *testing.T) {
	t.Parallel()
	first := replay(t)
	second := replay(t)
	assert.NotEmpty(t, first)
	assert.True(t, bytes.Equal(first, second), "render output differs between identical runs")
}
