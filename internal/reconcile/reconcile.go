// Package reconcile compares a previous nested annotation set against a flat
// table that may have been edited externally, classifies every label as
// unchanged, renamed, relabeled-members, introduced, or removed, and applies
// the validate-vs-warn policy: drift warns by default and aborts under
// validate=true, while structural invariant violations always abort.
package reconcile

import (
	"fmt"
	"log"

	"cascore/internal/accession"
	"cascore/internal/flatten"
	"cascore/internal/hierarchy"
	"cascore/internal/table"
	"cascore/pkg/cas"
)

// Kind classifies a reconciliation finding.
type Kind string

const (
	KindUnchanged         Kind = "unchanged"
	KindRenamed           Kind = "renamed"
	KindRelabeledMembers  Kind = "relabeled_members"
	KindPassthrough       Kind = "passthrough"
	KindIntroduced        Kind = "introduced"
	KindRemoved           Kind = "removed"
	KindMissingLabelset   Kind = "missing_labelset"
	KindMissingValue      Kind = "missing_value"
	KindHierarchyMismatch Kind = "hierarchy_mismatch"
	KindCellCoverage      Kind = "cell_coverage"
)

// drift reports whether the finding represents drift between two valid
// snapshots (warn by default, fatal under validate) rather than bookkeeping.
func (k Kind) drift() bool {
	switch k {
	case KindUnchanged, KindPassthrough, KindIntroduced:
		return false
	}
	return true
}

// Finding is one classified observation, naming the offending labelset/label
// pair and the nature of the mismatch.
type Finding struct {
	Kind   Kind
	Key    cas.LabelKey
	Detail string
}

func (f Finding) String() string {
	if f.Detail == "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Key)
	}
	return fmt.Sprintf("%s: %s: %s", f.Kind, f.Key, f.Detail)
}

// Report collects every finding of one reconciliation pass.
type Report struct {
	Findings []Finding
}

func (r *Report) add(kind Kind, key cas.LabelKey, format string, args ...any) Finding {
	f := Finding{Kind: kind, Key: key, Detail: fmt.Sprintf(format, args...)}
	r.Findings = append(r.Findings, f)
	return f
}

// Drift returns the findings that represent drift between snapshots.
func (r *Report) Drift() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Kind.drift() {
			out = append(out, f)
		}
	}
	return out
}

// Count returns the number of findings of the given kind.
func (r *Report) Count(kind Kind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// ValidationError is returned under validate=true when drift is found; the
// first drift finding is carried for diagnostics.
type ValidationError struct {
	First Finding
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("reconcile: validation failed: %s", e.First)
}

// Engine reconciles a previous annotation set against a flat candidate.
type Engine struct {
	// Validate escalates every drift warning to a fatal error.
	Validate bool
	Logger   cas.Logger
	// Generator derives content hashes for previous labels whose accessions
	// are not content-addressed. A fresh one is built when nil.
	Generator *accession.Generator
}

func (e *Engine) logger() cas.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Reconcile unflattens the table, runs the top-level consistency checks, and
// applies the per-label state machine. The returned annotation set is the
// reconciled document; the report lists every finding. All work happens on an
// in-memory candidate, so an error means nothing was produced.
func (e *Engine) Reconcile(prev *cas.AnnotationSet, tbl *table.Table) (*cas.AnnotationSet, *Report, error) {
	logger := e.logger()
	gen := e.Generator
	if gen == nil {
		gen = accession.NewGenerator(logger)
	}

	if err := prev.Validate(); err != nil {
		return nil, nil, err
	}
	prevIdx, err := hierarchy.Build(prev)
	if err != nil {
		return nil, nil, err
	}

	_, lookup, err := flatten.Unflatten(tbl, nil, flatten.Options{Logger: logger, Generator: gen})
	if err != nil {
		return nil, nil, err
	}

	report := &Report{}
	e.checkCoverage(prev, tbl, report)
	e.checkCellCoverage(prev, prevIdx, tbl, report)
	e.checkHierarchy(prev, prevIdx, lookup, report)
	if e.Validate {
		// Top-level consistency runs before per-label reconciliation; under
		// validate the first mismatch aborts before anything is adopted.
		if drift := report.Drift(); len(drift) > 0 {
			return nil, report, &ValidationError{First: drift[0]}
		}
	}

	result := &cas.AnnotationSet{
		AuthorName:    prev.AuthorName,
		AuthorContact: prev.AuthorContact,
		Orcid:         prev.Orcid,
		Title:         prev.Title,
		Description:   prev.Description,
		MatrixFileID:  prev.MatrixFileID,
		SchemaVersion: prev.SchemaVersion,
		Timestamp:     prev.Timestamp,
		Version:       prev.Version,
		URL:           prev.URL,
		AuthorList:    append([]string(nil), prev.AuthorList...),
	}
	for _, ls := range prev.Labelsets {
		cp := ls
		if ls.Rank != nil {
			r := *ls.Rank
			cp.Rank = &r
		}
		result.Labelsets = append(result.Labelsets, cp)
	}

	ranked := make(map[string]bool)
	for _, ls := range prev.RankedLabelsets() {
		ranked[ls.Name] = true
	}

	consumed := make(map[cas.LabelKey]bool)
	for i := range prev.Annotations {
		prevAnn := &prev.Annotations[i]
		key := prevAnn.Key()

		if !ranked[prevAnn.Labelset] {
			// Rankless labelsets pass through regardless of flat content.
			report.add(KindPassthrough, key, "")
			result.Annotations = append(result.Annotations, prevAnn.Clone())
			continue
		}

		prevHash, err := e.previousHash(prevAnn, prevIdx, gen)
		if err != nil {
			return nil, nil, err
		}

		if cand, ok := lookup.ByKey[key]; ok {
			consumed[key] = true
			if cand.FreshAccession == prevHash {
				report.add(KindUnchanged, key, "")
				result.Annotations = append(result.Annotations, prevAnn.Clone())
				continue
			}
			f := report.add(KindRelabeledMembers, key,
				"member set changed (content hash %s -> %s)", prevHash, cand.FreshAccession)
			logger.Printf("reconcile: %s", f)
			if e.Validate {
				return nil, report, &ValidationError{First: f}
			}
			// Candidate membership wins; the label keeps its identity.
			adopted := prevAnn.Clone()
			adopted.CellIDs = cand.Annotation.CellIDs
			if accession.IsContentAddress(adopted.CellSetAccession) {
				adopted.CellSetAccession = cand.FreshAccession
			}
			result.Annotations = append(result.Annotations, adopted)
			continue
		}

		if cand := e.matchByAccession(prev, prevAnn, prevHash, lookup); cand != nil && !consumed[cand.Annotation.Key()] {
			consumed[cand.Annotation.Key()] = true
			f := report.add(KindRenamed, key, "label renamed to %q", cand.Annotation.CellLabel)
			logger.Printf("reconcile: %s", f)
			if e.Validate {
				return nil, report, &ValidationError{First: f}
			}
			renamed := prevAnn.Clone()
			renamed.CellLabel = cand.Annotation.CellLabel
			result.Annotations = append(result.Annotations, renamed)
			continue
		}

		f := report.add(KindRemoved, key, "no candidate in flat table; label dropped")
		logger.Printf("reconcile: %s", f)
		if e.Validate {
			return nil, report, &ValidationError{First: f}
		}
	}

	for _, rec := range lookup.Order {
		key := rec.Annotation.Key()
		if consumed[key] || prev.AnnotationByKey(key) != nil {
			continue
		}
		report.add(KindIntroduced, key, "")
		result.Annotations = append(result.Annotations, rec.Annotation.Clone())
	}

	return result, report, nil
}

// previousHash returns the content hash identifying the previous label's
// member set: its accession when already content-addressed, else a digest of
// its resolved effective members.
func (e *Engine) previousHash(ann *cas.Annotation, idx *hierarchy.Index, gen *accession.Generator) (string, error) {
	if accession.IsContentAddress(ann.CellSetAccession) {
		return ann.CellSetAccession, nil
	}
	members := idx.EffectiveMembers(ann.Key())
	if len(members) == 0 {
		return "", nil
	}
	return gen.Generate(members, ann.Labelset)
}

// matchByAccession finds a candidate carrying the previous label's identity:
// same fresh content hash (set identity survived a rename) or the previous
// accession stored in the flat table. Candidates whose own key still exists
// in the previous structure are reserved for key matching and never claimed
// here.
func (e *Engine) matchByAccession(prev *cas.AnnotationSet, prevAnn *cas.Annotation, prevHash string, lookup *flatten.Lookup) *flatten.Record {
	eligible := func(rec *flatten.Record) bool {
		return rec.Annotation.Labelset == prevAnn.Labelset &&
			prev.AnnotationByKey(rec.Annotation.Key()) == nil
	}
	if prevHash != "" {
		if rec, ok := lookup.ByAccession[prevHash]; ok && eligible(rec) {
			return rec
		}
	}
	if acc := prevAnn.CellSetAccession; acc != "" {
		if rec, ok := lookup.ByAccession[acc]; ok && eligible(rec) {
			return rec
		}
	}
	return nil
}
