package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/lightshow/metrics"
)

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()
	counters := metrics.New(time.Now())
	r := NewRecorder(NewMemoryStore(), 2, counters.Store)

	assert.True(t, r.Event(Event{Seq: 1}))
	assert.True(t, r.Event(Event{Seq: 2}))
	assert.False(t, r.Event(Event{Seq: 3}))
	assert.Equal(t, uint64(1), counters.Snapshot(time.Now()).StoreDropped)
}

func TestRecorder_FlushesOnShutdown(t *testing.T) {
	t.Parallel()
	counters := metrics.New(time.Now())
	store := NewMemoryStore()
	r := NewRecorder(store, 8, counters.Store)

	r.Event(Event{Seq: 1, Kind: "show_start"})
	r.Session(SessionRecord{SessionID: "s1", From: "queued", To: "live"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	events, err := store.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	history, err := store.SessionHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, uint64(2), counters.Snapshot(time.Now()).StoreWrites)
}
