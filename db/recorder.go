package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/marcus-crane/lightshow/metrics"
)

const writeTimeout = 5 * time.Second

type record struct {
	event   *Event
	session *SessionRecord
}

// Recorder writes events and session transitions in the background. Enqueue
// never blocks: when the buffer is full the record is dropped and counted.
type Recorder struct {
	store    Store
	counters *metrics.StoreCounters
	queue    chan record
}

func NewRecorder(store Store, depth int, counters *metrics.StoreCounters) *Recorder {
	if depth < 1 {
		depth = 1
	}
	if counters == nil {
		counters = &metrics.StoreCounters{}
	}
	return &Recorder{
		store:    store,
		counters: counters,
		queue:    make(chan record, depth),
	}
}

func (r *Recorder) Event(e Event) bool {
	return r.enqueue(record{event: &e})
}

func (r *Recorder) Session(s SessionRecord) bool {
	return r.enqueue(record{session: &s})
}

func (r *Recorder) enqueue(rec record) bool {
	select {
	case r.queue <- rec:
		return true
	default:
		r.counters.Dropped()
		return false
	}
}

// Run drains the buffer until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	var err error
	switch {
	case rec.event != nil:
		err = r.store.AppendEvent(ctx, *rec.event)
	case rec.session != nil:
		err = r.store.RecordSession(ctx, *rec.session)
	}
	if err != nil {
		r.counters.Failed()
		slog.With(slog.String("error", err.Error())).Warn("Failed to persist record")
		return
	}
	r.counters.Written()
}
