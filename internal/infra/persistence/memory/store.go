// Package memory implements the document store in process memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cascore/internal/persistence/core"
	"cascore/pkg/cas"
)

// Store implements core.Store backed by process memory. Versions are kept
// ascending per document name.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]core.Record
}

var _ core.Store = (*Store)(nil)

// NewStore returns an empty in-memory document store.
func NewStore() *Store { return &Store{docs: make(map[string][]core.Record)} }

func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Save appends a new version of the named document. The document is cloned
// so later caller mutations cannot reach stored state.
func (s *Store) Save(_ context.Context, name string, doc *cas.AnnotationSet) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := core.Record{
		Name:     name,
		Version:  len(s.docs[name]) + 1,
		SavedAt:  time.Now().UTC(),
		Document: doc.Clone(),
	}
	s.docs[name] = append(s.docs[name], rec)
	return cloneRecord(rec), nil
}

// Load returns the latest version of the named document.
func (s *Store) Load(_ context.Context, name string) (core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.docs[name]
	if len(versions) == 0 {
		return core.Record{}, core.ErrNotFound
	}
	return cloneRecord(versions[len(versions)-1]), nil
}

// LoadVersion returns one specific version of the named document.
func (s *Store) LoadVersion(_ context.Context, name string, version int) (core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.docs[name]
	if version < 1 || version > len(versions) {
		return core.Record{}, core.ErrNotFound
	}
	return cloneRecord(versions[version-1]), nil
}

// Versions returns every stored version of the named document, oldest first.
func (s *Store) Versions(_ context.Context, name string) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.docs[name]
	if len(versions) == 0 {
		return nil, core.ErrNotFound
	}
	out := make([]core.Record, len(versions))
	for i, rec := range versions {
		out[i] = cloneRecord(rec)
	}
	return out, nil
}

// List returns the stored document names in lexicographic order.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.docs))
	for name := range s.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes every version of the named document.
func (s *Store) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[name]
	delete(s.docs, name)
	return ok, nil
}

func (s *Store) Close() error { return nil }

// Import replaces the store contents with the given records, keyed by name
// and ordered by version. Used by the durable drivers to hydrate on open.
func (s *Store) Import(records []core.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string][]core.Record)
	for _, rec := range records {
		s.docs[rec.Name] = append(s.docs[rec.Name], cloneRecord(rec))
	}
	for name := range s.docs {
		versions := s.docs[name]
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	}
}

func cloneRecord(rec core.Record) core.Record {
	cp := rec
	if rec.Document != nil {
		cp.Document = rec.Document.Clone()
	}
	return cp
}
