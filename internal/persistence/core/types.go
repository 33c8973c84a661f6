// Package core defines the abstractions shared by the document storage
// backends. A store keeps versioned snapshots of annotation documents so a
// curation round can be rolled back or diffed against an earlier state.
package core

import (
	"context"
	"errors"
	"time"

	"cascore/pkg/cas"
)

// Driver identifies a concrete document storage backend implementation.
type Driver string

const (
	// DriverMemory is the in-memory implementation (default, tests and
	// one-shot CLI runs).
	DriverMemory Driver = "memory"
	// DriverSQLite is the embedded SQLite implementation.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres is the Postgres implementation.
	DriverPostgres Driver = "postgres"
)

// Record is one stored document version.
type Record struct {
	Name     string             `json:"name"`
	Version  int                `json:"version"`
	SavedAt  time.Time          `json:"saved_at"`
	Document *cas.AnnotationSet `json:"document"`
}

// Store keeps versioned annotation documents. Save appends a new version;
// versions are immutable once written.
type Store interface {
	Save(ctx context.Context, name string, doc *cas.AnnotationSet) (Record, error)
	Load(ctx context.Context, name string) (Record, error)
	LoadVersion(ctx context.Context, name string, version int) (Record, error)
	Versions(ctx context.Context, name string) ([]Record, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
	Driver() Driver
}

// ErrNotFound is returned when a document or version does not exist.
var ErrNotFound = errors.New("docstore: document not found")
