package reconcile

import (
	"sort"

	"cascore/internal/flatten"
	"cascore/internal/hierarchy"
	"cascore/internal/table"
	"cascore/pkg/cas"
)

// checkCoverage verifies that every ranked labelset of the nested structure
// exists as a flat column and that every referenced label value appears in
// the corresponding column's vocabulary.
func (e *Engine) checkCoverage(prev *cas.AnnotationSet, tbl *table.Table, report *Report) {
	logger := e.logger()
	groups := make(map[string]map[string]cas.StringSet)
	for _, ls := range prev.RankedLabelsets() {
		if tbl.Column(ls.Name) == nil {
			f := report.add(KindMissingLabelset, cas.LabelKey{Labelset: ls.Name},
				"ranked labelset has no column in the flat table")
			logger.Printf("reconcile: %s", f)
			continue
		}
		groups[ls.Name] = tbl.GroupBy(ls.Name)
	}
	for i := range prev.Annotations {
		ann := &prev.Annotations[i]
		g, ok := groups[ann.Labelset]
		if !ok {
			continue
		}
		if _, present := g[ann.CellLabel]; !present {
			f := report.add(KindMissingValue, ann.Key(),
				"label value absent from flat column %q", ann.Labelset)
			logger.Printf("reconcile: %s", f)
		}
	}
}

// checkCellCoverage verifies bidirectional cell-ID coverage between the
// nested structure's resolved members and the flat table's row index.
func (e *Engine) checkCellCoverage(prev *cas.AnnotationSet, idx *hierarchy.Index, tbl *table.Table, report *Report) {
	logger := e.logger()
	casCells := make(cas.StringSet)
	for i := range prev.Annotations {
		casCells.AddAll(idx.EffectiveMembers(prev.Annotations[i].Key()))
		for _, id := range prev.Annotations[i].CellIDs {
			casCells.Add(id)
		}
	}
	tableCells := cas.NewStringSet(tbl.CellIDs()...)
	if !casCells.SubsetOf(tableCells) {
		f := report.add(KindCellCoverage, cas.LabelKey{},
			"not all annotated cell ids exist in the flat table")
		logger.Printf("reconcile: %s", f)
	}
	if !tableCells.SubsetOf(casCells) {
		f := report.add(KindCellCoverage, cas.LabelKey{},
			"not all flat-table cell ids are annotated in the nested structure")
		logger.Printf("reconcile: %s", f)
	}
}

// checkHierarchy infers a parent map from row-set containment in the flat
// table (the closest strictly-coarser label whose rows are a superset) and
// compares it, label by label, against the parent links declared in the
// nested structure. Comparison is by member set, so renames alone do not
// trigger mismatches.
func (e *Engine) checkHierarchy(prev *cas.AnnotationSet, prevIdx *hierarchy.Index, lookup *flatten.Lookup, report *Report) {
	logger := e.logger()
	for i := range prev.Annotations {
		ann := &prev.Annotations[i]
		cand, ok := lookup.ByKey[ann.Key()]
		if !ok {
			continue
		}
		inferred := inferParent(cand, lookup)

		var declared cas.StringSet
		if ann.ParentCellSetAccession != "" {
			if parent := prev.AnnotationByAccession(ann.ParentCellSetAccession); parent != nil {
				declared = prevIdx.EffectiveMembers(parent.Key())
			}
		}
		switch {
		case inferred == nil && declared == nil:
			continue
		case inferred == nil:
			f := report.add(KindHierarchyMismatch, ann.Key(),
				"declared parent has no containment counterpart in the flat table")
			logger.Printf("reconcile: %s", f)
		case declared == nil:
			f := report.add(KindHierarchyMismatch, ann.Key(),
				"flat table implies parent %s but none is declared", inferred.Annotation.Key())
			logger.Printf("reconcile: %s", f)
		case !inferred.Rows.Equal(declared):
			f := report.add(KindHierarchyMismatch, ann.Key(),
				"declared parent members disagree with containment-implied parent %s", inferred.Annotation.Key())
			logger.Printf("reconcile: %s", f)
		}
	}
}

// inferParent returns the closest strictly-coarser candidate whose row set
// contains the record's rows. Ties resolve to the smallest containing set.
func inferParent(rec *flatten.Record, lookup *flatten.Lookup) *flatten.Record {
	var best *flatten.Record
	candidates := make([]*flatten.Record, 0, len(lookup.Order))
	candidates = append(candidates, lookup.Order...)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Rank < candidates[j].Rank })
	for _, other := range candidates {
		if other.Rank <= rec.Rank {
			continue
		}
		if !rec.Rows.SubsetOf(other.Rows) {
			continue
		}
		if best == nil || other.Rank < best.Rank ||
			(other.Rank == best.Rank && len(other.Rows) < len(best.Rows)) {
			best = other
		}
	}
	return best
}
