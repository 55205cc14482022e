package db

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/marcus-crane/lightshow/show"
)

func TestMemoryStore_SnapshotKeepsNewest(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.LoadSnapshot(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	for _, seq := range []uint64{5, 9, 7} {
		if err := s.SaveSnapshot(ctx, show.State{Sequence: seq}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sequence != 9 {
		t.Error(cmp.Diff(uint64(9), got.Sequence))
	}
}

func TestMemoryStore_RecentEventsNewestFirst(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	for _, seq := range []uint64{1, 3, 2} {
		if err := s.AppendEvent(ctx, Event{Seq: seq, Kind: "tick"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{3, 2}
	var seqs []uint64
	for _, e := range got {
		seqs = append(seqs, e.Seq)
	}
	if !cmp.Equal(want, seqs) {
		t.Error(cmp.Diff(want, seqs))
	}
}
