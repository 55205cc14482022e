package clocksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine() (*Engine, *fakeClock) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	e := New(Options{
		Alpha:        0.25,
		Divergence:   500 * time.Millisecond,
		ProbeTimeout: 3 * time.Second,
		Now:          clock.Now,
	})
	return e, clock
}

// roundTrip sends a probe, advances the clock by rtt and answers it as a
// producer whose clock runs `offset` ahead of the server.
func roundTrip(t *testing.T, e *Engine, clock *fakeClock, id string, rtt, offset time.Duration) (Stats, error) {
	t.Helper()
	p, err := e.NextProbe(id)
	require.NoError(t, err)
	received := p.Sent.Add(rtt / 2).Add(offset)
	clock.Advance(rtt)
	return e.Observe(id, Reply{ID: p.ID, Received: received})
}

func TestObserve_SmoothsOffset(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine()
	e.Add("dj-a")

	st, err := roundTrip(t, e, clock, "dj-a", 20*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, st.Offset)
	assert.Equal(t, 20*time.Millisecond, st.RTT)

	st, err = roundTrip(t, e, clock, "dj-a", 20*time.Millisecond, 240*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 210*time.Millisecond, st.Offset)
	assert.Equal(t, 2, st.Samples)

	producer := clock.Now().Add(time.Second)
	corrected, err := e.Correct("dj-a", producer, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, producer.Add(-210*time.Millisecond), corrected)
}

func TestObserve_DivergenceResyncsWithoutApplyingOutlier(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine()
	e.Add("dj-a")

	_, err := roundTrip(t, e, clock, "dj-a", 10*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)

	st, err := roundTrip(t, e, clock, "dj-a", 10*time.Millisecond, 900*time.Millisecond)
	require.ErrorIs(t, err, ErrClockDivergence)
	assert.Equal(t, 100*time.Millisecond, st.Offset, "outlier must not be applied")
	assert.Equal(t, 0, st.Samples)
	assert.Equal(t, 1, st.Resyncs)

	// Estimation restarts: the next sample seeds the offset directly
	st, err = roundTrip(t, e, clock, "dj-a", 10*time.Millisecond, 905*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 905*time.Millisecond, st.Offset)
	assert.Equal(t, 1, st.Samples)
}

func TestCorrect_SeedsProvisionalOffsetBeforeFirstReply(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine()
	e.Add("dj-a")

	producer := clock.Now().Add(3 * time.Second)
	corrected, err := e.Correct("dj-a", producer, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), corrected)

	_, err = e.Correct("nobody", producer, clock.Now())
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSweep_FlagsDegradedUntilReply(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine()
	e.Add("dj-a")
	e.Add("dj-b")

	clock.Advance(2 * time.Second)
	_, err := roundTrip(t, e, clock, "dj-b", 10*time.Millisecond, 0)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"dj-a"}, e.Sweep())
	assert.True(t, e.Degraded("dj-a"))
	assert.False(t, e.Degraded("dj-b"))

	// Already degraded sessions are not reported twice
	assert.Empty(t, e.Sweep())

	_, err = roundTrip(t, e, clock, "dj-a", 10*time.Millisecond, 0)
	require.NoError(t, err)
	assert.False(t, e.Degraded("dj-a"))
}

func TestObserve_RejectsUnknownProbe(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	e.Add("dj-a")
	_, err := e.Observe("dj-a", Reply{ID: 42})
	assert.ErrorIs(t, err, ErrUnknownProbe)
}
