// Package history keeps a durable log of dispatched filament events in SQLite.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/filament-sensor/internal/logic"
)

//go:embed schema.sql
var schemaSQL string

// Entry is one recorded event.
type Entry struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Sensor         string          `json:"sensor"`
	Event          logic.EventType `json:"event"`
	Printing       bool            `json:"printing"`
	PauseRequested bool            `json:"pause_requested"`
}

// Store is an SQLite-backed event log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}

	// SQLite has one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends ev to the log and returns the stored entry.
func (s *Store) Record(ctx context.Context, ev logic.Event) (Entry, error) {
	e := Entry{
		ID:             uuid.NewString(),
		Timestamp:      ev.Timestamp.UTC(),
		Sensor:         ev.Sensor,
		Event:          ev.Type,
		Printing:       ev.Printing,
		PauseRequested: ev.PauseRequested,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, recorded_at, sensor, event, printing, pause_requested)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.Format(time.RFC3339Nano), e.Sensor, string(e.Event), e.Printing, e.PauseRequested)
	if err != nil {
		return Entry{}, fmt.Errorf("record %s event: %w", ev.Type, err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, errors.New("history: limit must be positive")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recorded_at, sensor, event, printing, pause_requested
		 FROM events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
			ev string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Sensor, &ev, &e.Printing, &e.PauseRequested); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("event %s: bad timestamp %q: %w", e.ID, ts, err)
		}
		e.Event = logic.EventType(ev)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of recorded events per type.
func (s *Store) Counts(ctx context.Context) (map[logic.EventType]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event, COUNT(*) FROM events GROUP BY event`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := map[logic.EventType]int{logic.EventInsert: 0, logic.EventRunout: 0}
	for rows.Next() {
		var (
			ev string
			n  int
		)
		if err := rows.Scan(&ev, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[logic.EventType(ev)] = n
	}
	return counts, rows.Err()
}
