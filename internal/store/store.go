// Package store keeps a SQLite history of calibration commits and saves.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.
)

// Kind tags a history entry.
type Kind string

const (
	KindCommit Kind = "commit" // offset committed on a module, not yet persisted
	KindSave   Kind = "save"   // SaveAllOffsets sent to the controller
)

// Entry is one row of calibration history. Module is -1 for saves.
type Entry struct {
	ID           int64     `json:"id"`
	At           time.Time `json:"at"`
	Kind         Kind      `json:"kind"`
	Module       int       `json:"module"`
	Step         string    `json:"step,omitempty"`
	TenthsOffset int       `json:"tenths_offset"`
	Advanced     bool      `json:"advanced"`
}

// Store wraps SQLite access for calibration history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One writer; calibration traffic is tiny.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calibration_events (
			id INTEGER PRIMARY KEY,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			module INTEGER NOT NULL,
			step TEXT NOT NULL,
			tenths_offset INTEGER NOT NULL,
			advanced INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calibration_events_module ON calibration_events(module, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordCommit stores an offset commit for module.
func (s *Store) RecordCommit(ctx context.Context, module int, step string, tenths int, advanced bool) (int64, error) {
	return s.insert(ctx, Entry{
		Kind:         KindCommit,
		Module:       module,
		Step:         step,
		TenthsOffset: tenths,
		Advanced:     advanced,
	})
}

// RecordSave stores a SaveAllOffsets request.
func (s *Store) RecordSave(ctx context.Context) (int64, error) {
	return s.insert(ctx, Entry{Kind: KindSave, Module: -1})
}

func (s *Store) insert(ctx context.Context, e Entry) (int64, error) {
	adv := 0
	if e.Advanced {
		adv = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_events (at, kind, module, step, tenths_offset, advanced)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.now().UTC().Format(time.RFC3339Nano),
		string(e.Kind),
		e.Module,
		e.Step,
		e.TenthsOffset,
		adv,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert %s: %w", e.Kind, err)
	}
	return res.LastInsertId()
}

// History returns the most recent entries, newest first. A negative module
// returns entries for every module; saves are always included.
func (s *Store) History(ctx context.Context, module, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, module, step, tenths_offset, advanced
		 FROM calibration_events
		 WHERE (? < 0 OR module = ? OR kind = ?)
		 ORDER BY id DESC
		 LIMIT ?`,
		module, module, string(KindSave), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			at   string
			kind string
			adv  int
		)
		if err := rows.Scan(&e.ID, &at, &kind, &e.Module, &e.Step, &e.TenthsOffset, &adv); err != nil {
			return nil, err
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("store: parse time %q: %w", at, err)
		}
		e.Kind = Kind(kind)
		e.Advanced = adv != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestCommits returns the newest committed tenths offset per module.
func (s *Store) LatestCommits(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module, tenths_offset FROM calibration_events
		 WHERE id IN (SELECT MAX(id) FROM calibration_events WHERE kind = ? GROUP BY module)`,
		string(KindCommit))
	if err != nil {
		return nil, fmt.Errorf("store: query latest commits: %w", err)
	}
	defer rows.Close()

	out := make(map[int]int)
	for rows.Next() {
		var module, tenths int
		if err := rows.Scan(&module, &tenths); err != nil {
			return nil, err
		}
		out[module] = tenths
	}
	return out, rows.Err()
}
