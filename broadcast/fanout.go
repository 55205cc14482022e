// Package broadcast delivers sequenced show output to render and control
// clients. Each client owns its queue and writer goroutine; no lock is held
// across more than one client's I/O.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/show"
)

var (
	ErrClientStall = errors.New("broadcast client stalled")
	ErrClosed      = errors.New("fanout closed")
)

type Class string

const (
	ClassPlugin  Class = "plugin"
	ClassBrowser Class = "browser"
	ClassAdmin   Class = "admin"
)

// Message is one outbound item. Seq is the ShowState sequence it derives
// from, or zero for unsequenced replies such as admin acks. Essential
// messages are never evicted to make room on render channels.
type Message struct {
	Seq       uint64
	Kind      string
	Payload   any
	Essential bool
}

type envelope struct {
	Seq     uint64 `json:"seq,omitempty" msgpack:"seq,omitempty"`
	Kind    string `json:"kind" msgpack:"kind"`
	Payload any    `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Encode serializes a message for a channel class. The game-world plugin
// gets msgpack, everyone else JSON.
func Encode(class Class, m Message) ([]byte, error) {
	env := envelope{Seq: m.Seq, Kind: m.Kind, Payload: m.Payload}
	if class == ClassPlugin {
		return msgpack.Marshal(env)
	}
	return json.Marshal(env)
}

// Sink is the transport behind a client.
type Sink interface {
	Write(ctx context.Context, data []byte) error
	Close(err error) error
}

type Client struct {
	ID        string
	Class     Class
	Connected time.Time

	sink      Sink
	q         *queue
	ctx       context.Context
	cancel    context.CancelFunc
	delivered atomic.Uint64
	acked     atomic.Uint64
	dropped   atomic.Uint64
	done      chan struct{}
	once      sync.Once
	err       error
}

// Done is closed once the client's writer has exited and its sink is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client was removed. Only valid after Done.
func (c *Client) Err() error {
	return c.err
}

// Ack records the highest sequence the client reports having applied.
func (c *Client) Ack(seq uint64) {
	for {
		cur := c.acked.Load()
		if seq <= cur || c.acked.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		c.q.close()
	})
}

type ClientInfo struct {
	ID        string    `json:"id"`
	Class     Class     `json:"class"`
	Connected time.Time `json:"connected_at"`
	Delivered uint64    `json:"delivered_seq"`
	Acked     uint64    `json:"acked_seq"`
	Queued    int       `json:"queued"`
	Dropped   uint64    `json:"dropped"`
}

type Options struct {
	PluginQueueDepth  int
	BrowserQueueDepth int
	AdminQueueDepth   int
	StallTimeout      time.Duration
	// Snapshot yields what a newly registered client receives first: the
	// current state rather than missed history.
	Snapshot func(Class) []Message
	Counters *metrics.FanoutCounters
	Now      func() time.Time
}

func (o Options) queueFor(class Class) (int, policy) {
	switch class {
	case ClassPlugin:
		return o.PluginQueueDepth, dropOldest
	case ClassBrowser:
		return o.BrowserQueueDepth, dropOldest
	default:
		return o.AdminQueueDepth, mustDeliver
	}
}

type Fanout struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	pubMu     sync.Mutex
	published uint64

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

func New(opts Options) *Fanout {
	if opts.PluginQueueDepth < 1 {
		opts.PluginQueueDepth = 64
	}
	if opts.BrowserQueueDepth < 1 {
		opts.BrowserQueueDepth = 32
	}
	if opts.AdminQueueDepth < 1 {
		opts.AdminQueueDepth = 256
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 2 * time.Second
	}
	if opts.Counters == nil {
		opts.Counters = &metrics.FanoutCounters{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*Client),
	}
}

// Register adds a client and queues the current snapshot for it. The
// snapshot is taken while no publish is in flight, so every later publish
// either follows it or is discarded as already covered.
func (f *Fanout) Register(id string, class Class, sink Sink) (*Client, error) {
	if id == "" {
		id = uuid.NewString()
	}
	depth, p := f.opts.queueFor(class)
	ctx, cancel := context.WithCancel(f.ctx)
	c := &Client{
		ID:        id,
		Class:     class,
		Connected: f.opts.Now(),
		sink:      sink,
		q:         newQueue(depth, p),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if _, exists := f.clients[id]; exists {
		f.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("client %s already registered", id)
	}
	if f.opts.Snapshot != nil {
		for _, m := range f.opts.Snapshot(class) {
			data, err := Encode(class, m)
			if err != nil {
				f.mu.Unlock()
				cancel()
				return nil, fmt.Errorf("failed to encode snapshot: %w", err)
			}
			c.q.push(frame{seq: m.Seq, kind: m.Kind, essential: true, data: data})
		}
	}
	f.clients[id] = c
	f.mu.Unlock()

	f.opts.Counters.ClientDelta(string(class), 1)
	slog.With(slog.String("client_id", id), slog.String("class", string(class))).Info("Broadcast client connected")
	go f.serve(c)
	return c, nil
}

// Publish enqueues a message for every client of the given classes, or all
// classes when none are named. Sequenced messages must arrive in strictly
// increasing order; anything else means the single writer was bypassed.
func (f *Fanout) Publish(m Message, classes ...Class) error {
	f.pubMu.Lock()
	defer f.pubMu.Unlock()

	if m.Seq > 0 {
		if m.Seq <= f.published {
			return fmt.Errorf("%w: published %d after %d", show.ErrSequenceViolation, m.Seq, f.published)
		}
		f.published = m.Seq
	}

	encoded := make(map[Class][]byte, 3)
	var stalled []*Client

	f.mu.RLock()
	for _, c := range f.clients {
		if !wants(classes, c.Class) {
			continue
		}
		data, ok := encoded[c.Class]
		if !ok {
			var err error
			if data, err = Encode(c.Class, m); err != nil {
				f.mu.RUnlock()
				return fmt.Errorf("failed to encode %s for %s: %w", m.Kind, c.Class, err)
			}
			encoded[c.Class] = data
		}
		if f.enqueue(c, frame{seq: m.Seq, kind: m.Kind, essential: m.Essential, data: data}) {
			stalled = append(stalled, c)
		}
	}
	f.mu.RUnlock()

	for _, c := range stalled {
		f.remove(c, fmt.Errorf("%w: %s queue full", ErrClientStall, c.Class))
	}
	return nil
}

// SendTo delivers an unsequenced message to one client.
func (f *Fanout) SendTo(id string, m Message) error {
	f.mu.RLock()
	c, ok := f.clients[id]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown client %s", id)
	}
	m.Seq = 0
	data, err := Encode(c.Class, m)
	if err != nil {
		return err
	}
	if f.enqueue(c, frame{kind: m.Kind, essential: true, data: data}) {
		f.remove(c, fmt.Errorf("%w: %s queue full", ErrClientStall, c.Class))
		return ErrClientStall
	}
	return nil
}

// enqueue reports whether the client has overflowed.
func (f *Fanout) enqueue(c *Client, fr frame) bool {
	switch c.q.push(fr) {
	case pushedEvicting, droppedNew:
		c.dropped.Add(1)
		f.opts.Counters.Dropped()
	case overflow:
		return true
	}
	return false
}

func (f *Fanout) serve(c *Client) {
	defer func() {
		if err := c.sink.Close(c.err); err != nil {
			slog.With(slog.String("client_id", c.ID)).Debug("Closing client sink", slog.String("error", err.Error()))
		}
		close(c.done)
	}()

	for {
		fr, ok := c.q.pop(c.ctx)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(c.ctx, f.opts.StallTimeout)
		err := c.sink.Write(wctx, fr.data)
		timedOut := errors.Is(wctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if timedOut {
				err = fmt.Errorf("%w: write exceeded %s", ErrClientStall, f.opts.StallTimeout)
			}
			f.remove(c, err)
			return
		}
		f.opts.Counters.Delivered()
		if fr.seq > 0 {
			c.delivered.Store(fr.seq)
		}
	}
}

func (f *Fanout) remove(c *Client, err error) {
	f.mu.Lock()
	cur, ok := f.clients[c.ID]
	removed := ok && cur == c
	if removed {
		delete(f.clients, c.ID)
	}
	f.mu.Unlock()

	c.shutdown(err)
	if !removed {
		return
	}
	f.opts.Counters.ClientDelta(string(c.Class), -1)
	log := slog.With(slog.String("client_id", c.ID), slog.String("class", string(c.Class)))
	switch {
	case errors.Is(err, ErrClientStall):
		f.opts.Counters.Stalled()
		log.Warn("Disconnecting stalled broadcast client", slog.String("error", err.Error()))
	case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed):
		log.Info("Broadcast client dropped", slog.String("error", err.Error()))
	default:
		log.Info("Broadcast client disconnected")
	}
}

// Unregister removes a client. It does not wait for the writer to exit.
func (f *Fanout) Unregister(id string, err error) {
	f.mu.RLock()
	c, ok := f.clients[id]
	f.mu.RUnlock()
	if ok {
		f.remove(c, err)
	}
}

// Close disconnects every client and waits for their writers until ctx ends.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	clients := make([]*Client, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		f.remove(c, ErrClosed)
	}
	f.cancel()
	for _, c := range clients {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *Fanout) Clients() []ClientInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]ClientInfo, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, ClientInfo{
			ID:        c.ID,
			Class:     c.Class,
			Connected: c.Connected,
			Delivered: c.delivered.Load(),
			Acked:     c.acked.Load(),
			Queued:    c.q.len(),
			Dropped:   c.dropped.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Connected.Before(out[j].Connected) })
	return out
}

func (f *Fanout) Count(class Class) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, c := range f.clients {
		if c.Class == class {
			n++
		}
	}
	return n
}

// Published is the highest sequence handed to clients so far.
func (f *Fanout) Published() uint64 {
	f.pubMu.Lock()
	defer f.pubMu.Unlock()
	return f.published
}

func wants(classes []Class, c Class) bool {
	return len(classes) == 0 || slices.Contains(classes, c)
}
