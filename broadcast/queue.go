package broadcast

import (
	"context"
	"sync"
)

type frame struct {
	seq       uint64
	kind      string
	essential bool
	data      []byte
}

type policy int

const (
	// dropOldest evicts the oldest non-essential frame when full
	dropOldest policy = iota
	// mustDeliver never drops; a full queue means the client has stalled
	mustDeliver
)

type pushResult int

const (
	pushed pushResult = iota
	// pushedEvicting queued the frame by evicting an older one
	pushedEvicting
	droppedNew
	duplicate
	overflow
	closedQueue
)

// queue is a bounded per-client outbound queue. Sequenced frames at or
// below the last one accepted are discarded, which keeps a client that
// registered mid-publish from seeing a mutation twice or out of order.
type queue struct {
	mu      sync.Mutex
	items   []frame
	depth   int
	policy  policy
	lastSeq uint64
	closed  bool
	notify  chan struct{}
}

func newQueue(depth int, p policy) *queue {
	return &queue{
		items:  make([]frame, 0, depth),
		depth:  depth,
		policy: p,
		notify: make(chan struct{}, 1),
	}
}

func (q *queue) push(f frame) pushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return closedQueue
	}
	if f.seq > 0 && f.seq <= q.lastSeq {
		return duplicate
	}

	res := pushed
	if len(q.items) >= q.depth {
		if q.policy == mustDeliver {
			return overflow
		}
		victim := -1
		for i, it := range q.items {
			if !it.essential {
				victim = i
				break
			}
		}
		switch {
		case victim >= 0:
			q.items = append(q.items[:victim], q.items[victim+1:]...)
			res = pushedEvicting
		case !f.essential:
			return droppedNew
		default:
			return overflow
		}
	}

	q.items = append(q.items, f)
	if f.seq > 0 {
		q.lastSeq = f.seq
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return res
}

// pop blocks until a frame is available, the queue is closed or ctx ends.
func (q *queue) pop(ctx context.Context) (frame, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return frame{}, false
		}
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = frame{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return frame{}, false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
