// Package db persists show snapshots, the show event log and the DJ session
// audit trail.
package db

import (
	"context"
	"embed"
	"errors"

	"github.com/marcus-crane/lightshow/show"
)

var ErrNoSnapshot = errors.New("no show snapshot saved")

type Store interface {
	ApplyMigrations(migrations embed.FS) error
	SaveSnapshot(ctx context.Context, state show.State) error
	// LoadSnapshot returns ErrNoSnapshot on a fresh database
	LoadSnapshot(ctx context.Context) (show.State, error)
	AppendEvent(ctx context.Context, e Event) error
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	RecordSession(ctx context.Context, r SessionRecord) error
	SessionHistory(ctx context.Context, sessionID string) ([]SessionRecord, error)
	Close() error
}

// Event is one applied show mutation.
type Event struct {
	ID        int64  `db:"id" json:"id"`
	Seq       uint64 `db:"seq" json:"seq"`
	Kind      string `db:"kind" json:"kind"`
	Source    string `db:"source" json:"source"`
	Detail    string `db:"detail" json:"detail,omitempty"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// SessionRecord is one authority transition of a DJ session.
type SessionRecord struct {
	ID        int64  `db:"id" json:"id"`
	SessionID string `db:"session_id" json:"session_id"`
	Name      string `db:"name" json:"name"`
	From      string `db:"from_state" json:"from"`
	To        string `db:"to_state" json:"to"`
	Reason    string `db:"reason" json:"reason"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}
