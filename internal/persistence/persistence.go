// Package persistence re-exports the document storage abstractions for
// stable internal imports. Call sites depend on persistence.Store; the infra
// drivers stay behind this facade.
package persistence

import (
	"fmt"
	"os"

	"cascore/internal/infra/persistence/memory"
	"cascore/internal/infra/persistence/postgres"
	"cascore/internal/infra/persistence/sqlite"
	"cascore/internal/persistence/core"
)

type (
	// Driver identifies a document backend driver.
	Driver = core.Driver
	// Record is one stored document version.
	Record = core.Record
	// Store is the interface for document storage backends.
	Store = core.Store
)

const (
	// DriverMemory is the in-memory driver.
	DriverMemory = core.DriverMemory
	// DriverSQLite is the embedded SQLite driver.
	DriverSQLite = core.DriverSQLite
	// DriverPostgres is the Postgres driver.
	DriverPostgres = core.DriverPostgres
)

// ErrNotFound indicates a missing document or version.
var ErrNotFound = core.ErrNotFound

// NewMemory returns an in-memory document store.
func NewMemory() Store { return memory.NewStore() }

// NewSQLite returns a SQLite-backed document store at the given path.
func NewSQLite(path string) (Store, error) { return sqlite.NewStore(path) }

// NewPostgres returns a Postgres-backed document store for the given DSN.
func NewPostgres(dsn string) (Store, error) { return postgres.NewStore(dsn) }

// Open selects a persistence.Store implementation using environment
// variables.
//
//	CASCORE_DOC_DRIVER: memory|sqlite|postgres (default memory)
//	CASCORE_DOC_SQLITE_PATH: database path when driver=sqlite (default cascore.db)
//	CASCORE_DOC_POSTGRES_DSN: connection string when driver=postgres
func Open() (Store, error) {
	driver := os.Getenv("CASCORE_DOC_DRIVER")
	if driver == "" {
		driver = string(DriverMemory)
	}
	switch Driver(driver) {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return NewSQLite(os.Getenv("CASCORE_DOC_SQLITE_PATH"))
	case DriverPostgres:
		return NewPostgres(os.Getenv("CASCORE_DOC_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown document driver %s", driver)
	}
}
