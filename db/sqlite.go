package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/marcus-crane/lightshow/show"

	_ "modernc.org/sqlite"
)

type SqliteStore struct {
	DB *sqlx.DB
}

func NewSqliteStore(dsn string) (*SqliteStore, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer and :memory: databases are per connection
	db.SetMaxOpenConns(1)
	return &SqliteStore{
		DB: db,
	}, nil
}

func (s *SqliteStore) ApplyMigrations(migrations embed.FS) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		return err
	}

	if err := goose.Up(s.DB.DB, "."); err != nil {
		return err
	}

	return nil
}

func (s *SqliteStore) SaveSnapshot(ctx context.Context, state show.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	query := `
	INSERT INTO show_snapshots (id, seq, state, saved_at)
	VALUES (1, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
	seq = excluded.seq,
	state = excluded.state,
	saved_at = excluded.saved_at
	WHERE excluded.seq >= show_snapshots.seq
	`
	_, err = s.DB.ExecContext(ctx, query, state.Sequence, string(payload), time.Now().UnixMilli())
	return err
}

func (s *SqliteStore) LoadSnapshot(ctx context.Context) (show.State, error) {
	var payload string
	err := s.DB.GetContext(ctx, &payload, "SELECT state FROM show_snapshots WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return show.State{}, ErrNoSnapshot
	}
	if err != nil {
		return show.State{}, err
	}
	var state show.State
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return show.State{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return state, nil
}

func (s *SqliteStore) AppendEvent(ctx context.Context, e Event) error {
	_, err := s.DB.ExecContext(ctx,
		"INSERT INTO show_events (seq, kind, source, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		e.Seq,
		e.Kind,
		e.Source,
		e.Detail,
		e.CreatedAt,
	)
	return err
}

func (s *SqliteStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	events := []Event{}
	if err := s.DB.SelectContext(ctx, &events, "SELECT id, seq, kind, source, detail, created_at FROM show_events ORDER BY seq desc, id desc LIMIT ?", limit); err != nil {
		return events, err
	}
	return events, nil
}

func (s *SqliteStore) RecordSession(ctx context.Context, r SessionRecord) error {
	_, err := s.DB.ExecContext(ctx,
		"INSERT INTO dj_sessions (session_id, name, from_state, to_state, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		r.SessionID,
		r.Name,
		r.From,
		r.To,
		r.Reason,
		r.CreatedAt,
	)
	return err
}

func (s *SqliteStore) SessionHistory(ctx context.Context, sessionID string) ([]SessionRecord, error) {
	records := []SessionRecord{}
	if err := s.DB.SelectContext(ctx, &records, "SELECT id, session_id, name, from_state, to_state, reason, created_at FROM dj_sessions WHERE session_id = ? ORDER BY id", sessionID); err != nil {
		return records, err
	}
	return records, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}
