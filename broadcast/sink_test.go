package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

func fixedSnapshot(Class) []Message {
	return []Message{{Seq: 7, Kind: "snapshot", Payload: map[string]string{"pattern": "spectrum"}, Essential: true}}
}

func TestWebSocketSinkSendsBinaryToPlugins(t *testing.T) {
	t.Parallel()
	f := newFanout(t, Options{Snapshot: fixedSnapshot})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c, err := f.Register("", ClassPlugin, NewWebSocketSink(conn, ClassPlugin))
		if err != nil {
			conn.Close(websocket.StatusInternalError, err.Error())
			return
		}
		ctx := conn.CloseRead(context.Background())
		select {
		case <-ctx.Done():
			f.Unregister(c.ID, nil)
		case <-c.Done():
		}
		<-c.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() received {
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, websocket.MessageBinary, typ)
		var r received
		require.NoError(t, msgpack.Unmarshal(data, &r))
		return r
	}

	assert.Equal(t, received{Seq: 7, Kind: "snapshot"}, read())
	require.NoError(t, f.Publish(Message{Seq: 8, Kind: "render", Payload: []int{1, 2, 3}}))
	assert.Equal(t, received{Seq: 8, Kind: "render"}, read())
}

func TestSSESinkWaitsForSubscriber(t *testing.T) {
	t.Parallel()
	f := newFanout(t, Options{Snapshot: fixedSnapshot})
	events := sse.New()
	events.AutoReplay = false
	events.AutoStream = false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		sink := NewSSESink(events, id)
		c, err := f.Register(id, ClassBrowser, sink)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer f.Unregister(c.ID, nil)
		sink.Serve(w, r)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := bufio.NewReader(resp.Body)
	read := func() received {
		for {
			line, err := body.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var r received
				require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &r))
				return r
			}
		}
	}

	assert.Equal(t, received{Seq: 7, Kind: "snapshot"}, read())
	require.Eventually(t, func() bool { return f.Count(ClassBrowser) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.Publish(Message{Seq: 8, Kind: "render"}))
	assert.Equal(t, received{Seq: 8, Kind: "render"}, read())
}

// stalledWriter is a browser connection that never drains. Writes block
// until a write deadline is set.
type stalledWriter struct {
	header  http.Header
	once    sync.Once
	expired chan struct{}
}

func newStalledWriter() *stalledWriter {
	return &stalledWriter{header: http.Header{}, expired: make(chan struct{})}
}

func (w *stalledWriter) Header() http.Header { return w.header }
func (w *stalledWriter) WriteHeader(int)     {}
func (w *stalledWriter) Flush()              {}

func (w *stalledWriter) Write(p []byte) (int, error) {
	<-w.expired
	return 0, os.ErrDeadlineExceeded
}

func (w *stalledWriter) SetWriteDeadline(time.Time) error {
	w.once.Do(func() { close(w.expired) })
	return nil
}

func TestSSESinkStalledBrowserIsDroppedAndDisconnected(t *testing.T) {
	t.Parallel()
	f := newFanout(t, Options{BrowserQueueDepth: 4, StallTimeout: 100 * time.Millisecond})
	events := sse.New()
	events.AutoReplay = false
	events.AutoStream = false
	events.BufferSize = 1

	id := uuid.NewString()
	sink := NewSSESink(events, id)
	c, err := f.Register(id, ClassBrowser, sink)
	require.NoError(t, err)

	w := newStalledWriter()
	served := make(chan struct{})
	go func() {
		defer close(served)
		sink.Serve(w, httptest.NewRequest(http.MethodGet, "/events/browser", nil))
	}()
	t.Cleanup(func() { w.SetWriteDeadline(time.Now()) })

	for i := 1; i <= 300; i++ {
		require.NoError(t, f.Publish(Message{Seq: uint64(i), Kind: "render"}))
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("stalled browser still registered, dropped=%d", c.dropped.Load())
	}
	assert.ErrorIs(t, c.Err(), ErrClientStall)
	assert.Positive(t, c.dropped.Load())
	assert.Zero(t, f.Count(ClassBrowser))
	assert.False(t, events.StreamExists(id))

	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("event stream handler still blocked on the stalled connection")
	}
}

func TestSSESinkWriteGivesUpWhenNobodyAttaches(t *testing.T) {
	t.Parallel()
	events := sse.New()
	sink := NewSSESink(events, "orphan")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sink.Write(ctx, []byte(`{}`))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, sink.Close(nil))
	assert.False(t, events.StreamExists("orphan"))
}

func TestCloseReasonIsBounded(t *testing.T) {
	t.Parallel()
	assert.Empty(t, closeReason(nil))
	long := errors.New(strings.Repeat("x", 500))
	assert.Len(t, closeReason(long), 120)
}
