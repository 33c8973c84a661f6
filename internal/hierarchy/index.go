// Package hierarchy resolves the member-set closure of a nested annotation
// set: for every label it computes the set of cell IDs it transitively
// covers, folding children with explicit membership into parents that have
// none of their own.
package hierarchy

import (
	"cascore/pkg/cas"
)

// Index holds the resolved member sets of one annotation set.
type Index struct {
	parents   map[string]cas.StringSet
	effective map[cas.LabelKey]cas.StringSet
}

// Build processes ranked labelsets finest-first so finer sets are fully
// resolved before being folded into coarser ones. A parent link to a label at
// equal or finer rank fails with InvalidHierarchyError; two labels in one
// labelset resolving to identical non-empty member sets fail with
// AmbiguousMembershipError.
func Build(set *cas.AnnotationSet) (*Index, error) {
	ranks := make(map[string]int)
	for _, ls := range set.Labelsets {
		if ls.Ranked() {
			ranks[ls.Name] = *ls.Rank
		}
	}

	// Build-once accession index; parent lookups stay O(1).
	byAccession := make(map[string]*cas.Annotation, len(set.Annotations))
	for i := range set.Annotations {
		ann := &set.Annotations[i]
		if ann.CellSetAccession != "" {
			byAccession[ann.CellSetAccession] = ann
		}
	}

	idx := &Index{
		parents:   make(map[string]cas.StringSet),
		effective: make(map[cas.LabelKey]cas.StringSet),
	}
	inherited := make(map[string]cas.StringSet)

	for _, ls := range set.RankedLabelsets() {
		childRank := *ls.Rank
		seen := make(map[string]cas.LabelKey)
		for i := range set.Annotations {
			ann := &set.Annotations[i]
			if ann.Labelset != ls.Name {
				continue
			}
			eff := ann.MemberSet()
			if eff == nil {
				if acc := inherited[ann.CellSetAccession]; acc != nil {
					eff = acc.Clone()
				} else {
					eff = make(cas.StringSet)
				}
			}
			key := ann.Key()
			idx.effective[key] = eff
			if len(eff) > 0 {
				fp := eff.Fingerprint()
				if prev, dup := seen[fp]; dup {
					return nil, &cas.AmbiguousMembershipError{Labelset: ls.Name, First: prev, Second: key}
				}
				seen[fp] = key
			}
			parent := ann.ParentCellSetAccession
			if parent == "" {
				continue
			}
			if parentAnn, ok := byAccession[parent]; ok {
				parentRank, ranked := ranks[parentAnn.Labelset]
				if !ranked || parentRank <= childRank {
					return nil, &cas.InvalidHierarchyError{
						Child:      key,
						Parent:     parentAnn.Key(),
						ChildRank:  childRank,
						ParentRank: parentRank,
					}
				}
			}
			if idx.parents[parent] == nil {
				idx.parents[parent] = make(cas.StringSet)
			}
			idx.parents[parent].AddAll(eff)
			if inherited[parent] == nil {
				inherited[parent] = make(cas.StringSet)
			}
			inherited[parent].AddAll(eff)
		}
	}
	return idx, nil
}

// ParentMembers returns, per parent accession, the union of the effective
// member sets of its children. Root labels never appear as keys.
func (x *Index) ParentMembers() map[string]cas.StringSet {
	out := make(map[string]cas.StringSet, len(x.parents))
	for acc, members := range x.parents {
		out[acc] = members.Clone()
	}
	return out
}

// EffectiveMembers returns the resolved member set for a label: its explicit
// cell IDs when present, else the union inherited from its children. The
// result may be empty for labels with neither.
func (x *Index) EffectiveMembers(key cas.LabelKey) cas.StringSet {
	return x.effective[key]
}
