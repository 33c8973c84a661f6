// Package sqlite implements the document store on an embedded SQLite
// database. Document versions are JSON rows; the in-memory store serves reads
// and every successful write lands in SQLite before it is acknowledged.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"cascore/internal/infra/persistence/memory"
	"cascore/internal/persistence/core"
	"cascore/pkg/cas"
)

// Store persists document versions to a single SQLite table.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

var _ core.Store = (*Store)(nil)

// NewStore opens (or creates) the SQLite database at path and hydrates the
// in-memory view from it. An empty path defaults to cascore.db.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "cascore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		saved_at TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (name, version)
	)`); err != nil {
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db}
	if err := s.hydrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Driver() core.Driver { return core.DriverSQLite }

func (s *Store) hydrate() error {
	rows, err := s.db.Query(`SELECT name, version, saved_at, payload FROM documents ORDER BY name, version`)
	if err != nil {
		return fmt.Errorf("select documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var records []core.Record
	for rows.Next() {
		var (
			rec     core.Record
			savedAt string
			payload []byte
		)
		if err := rows.Scan(&rec.Name, &rec.Version, &savedAt, &payload); err != nil {
			return fmt.Errorf("scan document: %w", err)
		}
		if rec.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
			return fmt.Errorf("parse saved_at of %s v%d: %w", rec.Name, rec.Version, err)
		}
		doc, err := cas.ParseAnnotationSet(payload)
		if err != nil {
			return fmt.Errorf("decode %s v%d: %w", rec.Name, rec.Version, err)
		}
		rec.Document = doc
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}
	s.Import(records)
	return nil
}

// Save appends a new version in memory and writes it to SQLite.
func (s *Store) Save(ctx context.Context, name string, doc *cas.AnnotationSet) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.Store.Save(ctx, name, doc)
	if err != nil {
		return core.Record{}, err
	}
	payload, err := json.Marshal(rec.Document)
	if err != nil {
		return core.Record{}, fmt.Errorf("encode %s v%d: %w", rec.Name, rec.Version, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(name, version, saved_at, payload) VALUES(?,?,?,?)`,
		rec.Name, rec.Version, rec.SavedAt.Format(time.RFC3339Nano), payload); err != nil {
		return core.Record{}, fmt.Errorf("insert %s v%d: %w", rec.Name, rec.Version, err)
	}
	return rec, nil
}

// Delete removes every version of the document from memory and SQLite.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed, err := s.Store.Delete(ctx, name)
	if err != nil {
		return existed, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE name = ?`, name); err != nil {
		return existed, fmt.Errorf("delete %s: %w", name, err)
	}
	return existed, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }
