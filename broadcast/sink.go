package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r3labs/sse/v2"
	"nhooyr.io/websocket"
)

var ErrStreamClosed = errors.New("event stream closed")

// closeReason keeps a close frame within the protocol's 123 byte limit.
func closeReason(err error) string {
	if err == nil {
		return ""
	}
	r := err.Error()
	if len(r) > 120 {
		r = r[:120]
	}
	return r
}

type WebSocketSink struct {
	conn *websocket.Conn
	typ  websocket.MessageType
}

// NewWebSocketSink writes binary frames for the plugin class and text
// frames for everything else.
func NewWebSocketSink(conn *websocket.Conn, class Class) *WebSocketSink {
	typ := websocket.MessageText
	if class == ClassPlugin {
		typ = websocket.MessageBinary
	}
	return &WebSocketSink{conn: conn, typ: typ}
}

func (s *WebSocketSink) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, s.typ, data)
}

func (s *WebSocketSink) Close(err error) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return s.conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, ErrClosed):
		return s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	case errors.Is(err, ErrClientStall):
		return s.conn.Close(websocket.StatusTryAgainLater, closeReason(err))
	default:
		return s.conn.Close(websocket.StatusInternalError, closeReason(err))
	}
}

const (
	ssePublishRetry = 5 * time.Millisecond
	// sseWindow bounds how many published events may wait inside the
	// sse.Server ahead of the subscriber's writes.
	sseWindow = 1
)

// SSESink publishes to a single-subscriber stream on an sse.Server. Writes
// wait until the subscriber is attached, since events published to a
// stream nobody listens on are lost. Each write also waits for the previous
// event to be flushed, so a stalled browser backs up into the fanout queue
// instead of the stream's buffers.
type SSESink struct {
	server *sse.Server
	stream string
	once   sync.Once
	ready  chan struct{}

	// published is only touched by the fanout's writer goroutine.
	published int64
	flushed   atomic.Int64
	progress  chan struct{}

	mu     sync.Mutex
	writer http.ResponseWriter
}

func NewSSESink(server *sse.Server, stream string) *SSESink {
	server.CreateStream(stream)
	return &SSESink{
		server:   server,
		stream:   stream,
		ready:    make(chan struct{}),
		progress: make(chan struct{}, 1),
	}
}

// Serve runs the sse.Server for this sink's stream until the stream ends.
// The server flushes headers only after the subscriber is registered, which
// is when the sink starts publishing.
func (s *SSESink) Serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set("stream", s.stream)
	r.URL.RawQuery = q.Encode()

	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.writer = nil
		s.mu.Unlock()
	}()
	s.server.ServeHTTP(&readyWriter{ResponseWriter: w, sink: s}, r)
}

func (s *SSESink) markReady() {
	s.once.Do(func() { close(s.ready) })
}

// markFlushed counts one event written out. The flush that follows the
// headers counts too, which only widens the window by one.
func (s *SSESink) markFlushed() {
	s.markReady()
	s.flushed.Add(1)
	select {
	case s.progress <- struct{}{}:
	default:
	}
}

func (s *SSESink) Write(ctx context.Context, data []byte) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	for s.published-s.flushed.Load() >= sseWindow {
		select {
		case <-s.progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ev := &sse.Event{Data: data}
	for {
		if s.server.TryPublish(s.stream, ev) {
			s.published++
			return nil
		}
		if !s.server.StreamExists(s.stream) {
			return ErrStreamClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ssePublishRetry):
		}
	}
}

// Close removes the stream, which ends the subscriber's request. A write
// stuck on a stalled connection is cut off with an expired deadline.
func (s *SSESink) Close(error) error {
	s.server.RemoveStream(s.stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := http.NewResponseController(s.writer).SetWriteDeadline(time.Now())
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

type readyWriter struct {
	http.ResponseWriter
	sink *SSESink
}

func (w *readyWriter) WriteHeader(code int) {
	w.ResponseWriter.WriteHeader(code)
	w.sink.markReady()
}

func (w *readyWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
	w.sink.markFlushed()
}

func (w *readyWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
