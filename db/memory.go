package db

import (
	"cmp"
	"context"
	"embed"
	"slices"
	"sync"

	"github.com/marcus-crane/lightshow/show"
)

// MemoryStore keeps everything in process. It backs tests and runs where
// no database path is configured.
type MemoryStore struct {
	m        *sync.Mutex
	snapshot *show.State
	events   []Event
	sessions []SessionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m: new(sync.Mutex),
	}
}

func (ms *MemoryStore) ApplyMigrations(embed.FS) error {
	return nil
}

func (ms *MemoryStore) SaveSnapshot(_ context.Context, state show.State) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	if ms.snapshot != nil && ms.snapshot.Sequence > state.Sequence {
		return nil
	}
	state = state.Clone()
	ms.snapshot = &state
	return nil
}

func (ms *MemoryStore) LoadSnapshot(context.Context) (show.State, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	if ms.snapshot == nil {
		return show.State{}, ErrNoSnapshot
	}
	return ms.snapshot.Clone(), nil
}

func (ms *MemoryStore) AppendEvent(_ context.Context, e Event) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	e.ID = int64(len(ms.events) + 1)
	ms.events = append(ms.events, e)
	return nil
}

func (ms *MemoryStore) RecentEvents(_ context.Context, limit int) ([]Event, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	out := slices.Clone(ms.events)
	slices.SortStableFunc(out, func(a, b Event) int {
		if c := cmp.Compare(b.Seq, a.Seq); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []Event{}
	}
	return out, nil
}

func (ms *MemoryStore) RecordSession(_ context.Context, r SessionRecord) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	r.ID = int64(len(ms.sessions) + 1)
	ms.sessions = append(ms.sessions, r)
	return nil
}

func (ms *MemoryStore) SessionHistory(_ context.Context, sessionID string) ([]SessionRecord, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	out := []SessionRecord{}
	for _, r := range ms.sessions {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (ms *MemoryStore) Close() error {
	return nil
}
