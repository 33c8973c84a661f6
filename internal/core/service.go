// Package core wires the curation engines to document persistence, artifact
// storage, and observability. It is the surface the CLI talks to.
package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"cascore/internal/accession"
	"cascore/internal/blob"
	"cascore/internal/flatten"
	"cascore/internal/hierarchy"
	"cascore/internal/persistence"
	"cascore/internal/reconcile"
	"cascore/internal/table"
	"cascore/pkg/cas"
)

// Service exposes the curation operations over a document store and an
// artifact store.
type Service struct {
	docs      persistence.Store
	artifacts blob.Store
	logger    cas.Logger
	metrics   MetricsRecorder
	tracer    Tracer
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used by the service and the engines it runs.
func WithLogger(l cas.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithMetricsRecorder sets the metrics sink for operation outcomes.
func WithMetricsRecorder(m MetricsRecorder) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer wrapping every operation.
func WithTracer(t Tracer) ServiceOption {
	return func(s *Service) { s.tracer = t }
}

// NewService constructs a service over the given stores.
func NewService(docs persistence.Store, artifacts blob.Store, opts ...ServiceOption) *Service {
	s := &Service{
		docs:      docs,
		artifacts: artifacts,
		logger:    log.Default(),
		metrics:   nopMetricsRecorder{},
		tracer:    nopTracer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenServiceFromEnv builds a service with both stores selected through
// environment variables.
func OpenServiceFromEnv(ctx context.Context, opts ...ServiceOption) (*Service, error) {
	docs, err := persistence.Open()
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	artifacts, err := blob.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	return NewService(docs, artifacts, opts...), nil
}

// Documents returns the underlying document store.
func (s *Service) Documents() persistence.Store { return s.docs }

// Artifacts returns the underlying artifact store.
func (s *Service) Artifacts() blob.Store { return s.artifacts }

func (s *Service) instrument(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	start := time.Now()
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	return err
}

// Flatten turns a nested annotation document into the flat per-cell table.
func (s *Service) Flatten(ctx context.Context, doc *cas.AnnotationSet, cellIndex []string) (*table.Table, error) {
	var tbl *table.Table
	err := s.instrument(ctx, "flatten", func(context.Context) error {
		var err error
		tbl, err = flatten.Flatten(doc, cellIndex, flatten.Options{Logger: s.logger})
		return err
	})
	if err != nil {
		return nil, err
	}
	return tbl, nil
}

// Unflatten reconstructs a nested annotation document from the flat table.
// labelsets restricts (and orders) the ranked labelsets to rebuild; nil means
// all of the table's stored definitions.
func (s *Service) Unflatten(ctx context.Context, tbl *table.Table, labelsets []string) (*cas.AnnotationSet, error) {
	var doc *cas.AnnotationSet
	err := s.instrument(ctx, "unflatten", func(context.Context) error {
		var err error
		doc, _, err = flatten.Unflatten(tbl, labelsets, flatten.Options{Logger: s.logger})
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Reconcile merges an edited flat table back into the previous document.
// Under validate any drift aborts instead of warning.
func (s *Service) Reconcile(ctx context.Context, prev *cas.AnnotationSet, tbl *table.Table, validate bool) (*cas.AnnotationSet, *reconcile.Report, error) {
	var (
		doc    *cas.AnnotationSet
		report *reconcile.Report
	)
	err := s.instrument(ctx, "reconcile", func(context.Context) error {
		engine := &reconcile.Engine{Validate: validate, Logger: s.logger}
		var err error
		doc, report, err = engine.Reconcile(prev, tbl)
		return err
	})
	if err != nil {
		return nil, report, err
	}
	return doc, report, nil
}

// PopulateCellIDs refreshes the cell_ids of annotations in the chosen
// labelsets from the flat table's membership columns. A nil labelsets slice
// targets the rank-0 labelsets. Unknown labelsets or label values are logged
// and skipped.
func (s *Service) PopulateCellIDs(ctx context.Context, doc *cas.AnnotationSet, tbl *table.Table, labelsets []string) error {
	return s.instrument(ctx, "populate_cell_ids", func(context.Context) error {
		if labelsets == nil {
			for _, ls := range doc.Labelsets {
				if ls.Ranked() && *ls.Rank == 0 {
					labelsets = append(labelsets, ls.Name)
				}
			}
		}
		targets := make(map[string]map[string]cas.StringSet, len(labelsets))
		for _, name := range labelsets {
			if tbl.Column(name) == nil {
				s.logger.Printf("populate: labelset %q has no column in the table", name)
				continue
			}
			targets[name] = tbl.GroupBy(name)
		}
		for i := range doc.Annotations {
			ann := &doc.Annotations[i]
			groups, ok := targets[ann.Labelset]
			if !ok {
				continue
			}
			members, ok := groups[ann.CellLabel]
			if !ok {
				s.logger.Printf("populate: unknown value %q in labelset %q", ann.CellLabel, ann.Labelset)
				continue
			}
			ann.CellIDs = members.Sorted()
		}
		return nil
	})
}

// RegenerateAccessions rewrites every content-addressed accession in the
// document from its current resolved member set. Accessions that are not
// content-addressed are left alone.
func (s *Service) RegenerateAccessions(ctx context.Context, doc *cas.AnnotationSet) error {
	return s.instrument(ctx, "regenerate_accessions", func(context.Context) error {
		idx, err := hierarchy.Build(doc)
		if err != nil {
			return err
		}
		gen := accession.NewGenerator(s.logger)
		for i := range doc.Annotations {
			ann := &doc.Annotations[i]
			if !accession.IsContentAddress(ann.CellSetAccession) {
				continue
			}
			members := idx.EffectiveMembers(ann.Key())
			if len(members) == 0 {
				continue
			}
			acc, err := gen.Generate(members, ann.Labelset)
			if err != nil {
				return err
			}
			ann.CellSetAccession = acc
		}
		return nil
	})
}

// SaveDocument stores a new version of the named document.
func (s *Service) SaveDocument(ctx context.Context, name string, doc *cas.AnnotationSet) (persistence.Record, error) {
	var rec persistence.Record
	err := s.instrument(ctx, "save_document", func(ctx context.Context) error {
		if err := doc.Validate(); err != nil {
			return err
		}
		var err error
		rec, err = s.docs.Save(ctx, name, doc)
		return err
	})
	return rec, err
}

// LoadDocument returns the latest version of the named document. Version 0
// means latest.
func (s *Service) LoadDocument(ctx context.Context, name string, version int) (persistence.Record, error) {
	var rec persistence.Record
	err := s.instrument(ctx, "load_document", func(ctx context.Context) error {
		var err error
		if version > 0 {
			rec, err = s.docs.LoadVersion(ctx, name, version)
		} else {
			rec, err = s.docs.Load(ctx, name)
		}
		return err
	})
	return rec, err
}

// ListDocuments returns the stored document names.
func (s *Service) ListDocuments(ctx context.Context) ([]string, error) {
	var names []string
	err := s.instrument(ctx, "list_documents", func(ctx context.Context) error {
		var err error
		names, err = s.docs.List(ctx)
		return err
	})
	return names, err
}
