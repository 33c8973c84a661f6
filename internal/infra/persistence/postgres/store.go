// Package postgres implements the document store on Postgres, mirroring the
// SQLite driver's row layout while speaking pgx through database/sql.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"cascore/internal/infra/persistence/memory"
	"cascore/internal/persistence/core"
	"cascore/pkg/cas"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/cascore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists document versions to Postgres while the in-memory
// implementation serves reads.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

var _ core.Store = (*Store)(nil)

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the documents table exists, and hydrates the
// in-memory view from any existing rows.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS documents (
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (name, version)
	)`); err != nil {
		return nil, fmt.Errorf("ensure documents table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db}
	if err := s.hydrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Driver() core.Driver { return core.DriverPostgres }

func (s *Store) hydrate(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, version, saved_at, payload FROM documents ORDER BY name, version`)
	if err != nil {
		return fmt.Errorf("select documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var records []core.Record
	for rows.Next() {
		var (
			rec     core.Record
			payload []byte
		)
		if err := rows.Scan(&rec.Name, &rec.Version, &rec.SavedAt, &payload); err != nil {
			return fmt.Errorf("scan document: %w", err)
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

// Save appends a new version in memory and writes it to Postgres.
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
		`INSERT INTO documents(name, version, saved_at, payload) VALUES($1,$2,$3,$4)`,
		rec.Name, rec.Version, rec.SavedAt, payload); err != nil {
		return core.Record{}, fmt.Errorf("insert %s v%d: %w", rec.Name, rec.Version, err)
	}
	return rec, nil
}

// Delete removes every version of the document from memory and Postgres.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed, err := s.Store.Delete(ctx, name)
	if err != nil {
		return existed, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE name = $1`, name); err != nil {
		return existed, fmt.Errorf("delete %s: %w", name, err)
	}
	return existed, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
