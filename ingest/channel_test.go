package ingest

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/lightshow/metrics"
)

// identity applies no clock offset
type identity struct{}

func (identity) Correct(_ string, producer, _ time.Time) (time.Time, error) {
	return producer, nil
}

func frameAt(ms int64, beat bool) Inbound {
	amp := 0.5
	return Inbound{
		Type:      TypeFrame,
		Bands:     []float64{0.9, 0.4, 0.3, 0.2, 0.1},
		Amplitude: &amp,
		BPM:       124,
		Beat:      beat,
		Timestamp: ms,
	}
}

func TestAccept_DiscardsExactlyOutOfOrderFrames(t *testing.T) {
	t.Parallel()
	counters := &metrics.IngestCounters{}
	ch := NewChannel("dj-a", Options{BandCount: 5}, identity{}, counters)

	stamps := []int64{1000, 1021, 1105, 1042, 1063, 1126, 1126, 1147, 999}
	wantKept := []int64{1000, 1021, 1105, 1126, 1147}

	var kept []int64
	for _, ts := range stamps {
		_, err := ch.Accept(frameAt(ts, false), time.UnixMilli(ts))
		if err != nil {
			require.ErrorIs(t, err, ErrStaleFrame)
			continue
		}
		f, fresh, ok := ch.Take()
		require.True(t, ok)
		require.True(t, fresh)
		kept = append(kept, f.Corrected.UnixMilli())
	}

	if !cmp.Equal(wantKept, kept) {
		t.Error(cmp.Diff(wantKept, kept))
	}
	for i := 1; i < len(kept); i++ {
		assert.Greater(t, kept[i], kept[i-1])
	}
}

func TestAccept_CoalescesBurstAndKeepsBeat(t *testing.T) {
	t.Parallel()
	ch := NewChannel("dj-a", Options{BandCount: 5}, identity{}, nil)

	res, err := ch.Accept(frameAt(1000, true), time.UnixMilli(1000))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)
	for _, ts := range []int64{1003, 1006, 1009} {
		res, err = ch.Accept(frameAt(ts, false), time.UnixMilli(ts))
		require.NoError(t, err)
		assert.Equal(t, Coalesced, res)
	}

	f, fresh, ok := ch.Take()
	require.True(t, ok)
	assert.True(t, fresh)
	assert.True(t, f.Beat, "beat from a coalesced frame must survive")
	assert.Equal(t, int64(1009), f.Corrected.UnixMilli())

	// Nothing new: latest frame again, beat cleared so it is not replayed
	f, fresh, ok = ch.Take()
	require.True(t, ok)
	assert.False(t, fresh)
	assert.False(t, f.Beat)
}

func TestAccept_RejectsInvalidFrames(t *testing.T) {
	t.Parallel()
	nan := math.NaN()
	neg := -1.0

	cases := map[string]func(m *Inbound){
		"too few bands":     func(m *Inbound) { m.Bands = m.Bands[:3] },
		"too many bands":    func(m *Inbound) { m.Bands = append(m.Bands, 0.1) },
		"nan amplitude":     func(m *Inbound) { m.Amplitude = &nan },
		"negative amp":      func(m *Inbound) { m.Amplitude = &neg },
		"missing amplitude": func(m *Inbound) { m.Amplitude = nil },
		"infinite band":     func(m *Inbound) { m.Bands[2] = math.Inf(1) },
		"absurd bpm":        func(m *Inbound) { m.BPM = 9000 },
		"no timestamp":      func(m *Inbound) { m.Timestamp = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			counters := &metrics.IngestCounters{}
			ch := NewChannel("dj-a", Options{BandCount: 5}, identity{}, counters)
			msg := frameAt(1000, false)
			mutate(&msg)
			_, err := ch.Accept(msg, time.UnixMilli(1000))
			assert.True(t, errors.Is(err, ErrInvalidFrame), "got %v", err)
			_, _, ok := ch.Take()
			assert.False(t, ok)
		})
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()
	msg, err := Decode([]byte(`{"type":"frame","bands":[0.1,0.2],"amplitude":0.3,"bpm":128,"beat":true,"ts":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, TypeFrame, msg.Type)
	assert.Equal(t, 0.3, *msg.Amplitude)
	assert.Equal(t, int64(1700000000000), msg.ProducerTime().UnixMilli())

	_, err = Decode([]byte(`{"type":"shout"}`))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = Decode([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
