package cas

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Labelset is a named, ranked dimension of annotation (e.g. "Cluster").
// Rank 0 is the finest granularity; larger ranks are coarser. A labelset
// without a rank is auxiliary and excluded from hierarchy logic.
type Labelset struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	AnnotationMethod string `json:"annotation_method,omitempty"`
	Rank             *int   `json:"rank,omitempty"`
}

// Ranked reports whether the labelset participates in the hierarchy.
func (l Labelset) Ranked() bool { return l.Rank != nil }

// Annotation records one label within a labelset together with the set of
// cells it covers, provenance fields, and optional hierarchy links.
type Annotation struct {
	Labelset               string   `json:"labelset"`
	CellLabel              string   `json:"cell_label"`
	CellFullname           string   `json:"cell_fullname,omitempty"`
	CellSetAccession       string   `json:"cell_set_accession,omitempty"`
	ParentCellSetAccession string   `json:"parent_cell_set_accession,omitempty"`
	ParentCellSetName      string   `json:"-"`
	CellIDs                []string `json:"cell_ids,omitempty"`
	CellOntologyTermID     string   `json:"cell_ontology_term_id,omitempty"`
	CellOntologyTerm       string   `json:"cell_ontology_term,omitempty"`
	Rationale              string   `json:"rationale,omitempty"`
	RationaleDOIs          []string `json:"rationale_dois,omitempty"`
	MarkerGeneEvidence     []string `json:"marker_gene_evidence,omitempty"`
	Synonyms               []string `json:"synonyms,omitempty"`
	// AuthorAnnotationFields is the open map of author-defined metadata. Keys
	// must not clash with the schema's own field names.
	AuthorAnnotationFields map[string]string `json:"author_annotation_fields,omitempty"`
}

// Key returns the composite (labelset, label) lookup key for the annotation.
func (a *Annotation) Key() LabelKey {
	return LabelKey{Labelset: a.Labelset, Label: a.CellLabel}
}

// MemberSet returns the explicit member cell IDs as a set. The result is nil
// when the annotation carries no explicit membership.
func (a *Annotation) MemberSet() StringSet {
	if len(a.CellIDs) == 0 {
		return nil
	}
	return NewStringSet(a.CellIDs...)
}

// Clone returns a deep copy of the annotation.
func (a *Annotation) Clone() Annotation {
	cp := *a
	cp.CellIDs = append([]string(nil), a.CellIDs...)
	cp.RationaleDOIs = append([]string(nil), a.RationaleDOIs...)
	cp.MarkerGeneEvidence = append([]string(nil), a.MarkerGeneEvidence...)
	cp.Synonyms = append([]string(nil), a.Synonyms...)
	if a.AuthorAnnotationFields != nil {
		cp.AuthorAnnotationFields = make(map[string]string, len(a.AuthorAnnotationFields))
		for k, v := range a.AuthorAnnotationFields {
			cp.AuthorAnnotationFields[k] = v
		}
	}
	return cp
}

// AnnotationSet is a whole CAS document: dataset metadata, the ordered list
// of labelsets, and the annotation records.
type AnnotationSet struct {
	AuthorName    string       `json:"author_name"`
	AuthorContact string       `json:"author_contact,omitempty"`
	Orcid         string       `json:"orcid,omitempty"`
	Title         string       `json:"title,omitempty"`
	Description   string       `json:"description,omitempty"`
	MatrixFileID  string       `json:"matrix_file_id,omitempty"`
	SchemaVersion string       `json:"cellannotation_schema_version,omitempty"`
	Timestamp     string       `json:"cellannotation_timestamp,omitempty"`
	Version       string       `json:"cellannotation_version,omitempty"`
	URL           string       `json:"cellannotation_url,omitempty"`
	AuthorList    []string     `json:"author_list,omitempty"`
	Labelsets     []Labelset   `json:"labelsets,omitempty"`
	Annotations   []Annotation `json:"annotations"`
}

// LabelsetByName returns the labelset with the given name, or nil.
func (s *AnnotationSet) LabelsetByName(name string) *Labelset {
	for i := range s.Labelsets {
		if s.Labelsets[i].Name == name {
			return &s.Labelsets[i]
		}
	}
	return nil
}

// RankedLabelsets returns the ranked labelsets ordered finest-first
// (ascending rank). Auxiliary labelsets are excluded.
func (s *AnnotationSet) RankedLabelsets() []Labelset {
	ranked := make([]Labelset, 0, len(s.Labelsets))
	for _, ls := range s.Labelsets {
		if ls.Ranked() {
			ranked = append(ranked, ls)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return *ranked[i].Rank < *ranked[j].Rank })
	return ranked
}

// AnnotationByKey returns the annotation matching the composite key, or nil.
func (s *AnnotationSet) AnnotationByKey(key LabelKey) *Annotation {
	for i := range s.Annotations {
		if s.Annotations[i].Labelset == key.Labelset && s.Annotations[i].CellLabel == key.Label {
			return &s.Annotations[i]
		}
	}
	return nil
}

// AnnotationByAccession returns the annotation with the given accession, or nil.
func (s *AnnotationSet) AnnotationByAccession(accession string) *Annotation {
	if accession == "" {
		return nil
	}
	for i := range s.Annotations {
		if s.Annotations[i].CellSetAccession == accession {
			return &s.Annotations[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the document.
func (s *AnnotationSet) Clone() *AnnotationSet {
	cp := *s
	cp.AuthorList = append([]string(nil), s.AuthorList...)
	cp.Labelsets = make([]Labelset, len(s.Labelsets))
	for i, ls := range s.Labelsets {
		cp.Labelsets[i] = ls
		if ls.Rank != nil {
			r := *ls.Rank
			cp.Labelsets[i].Rank = &r
		}
	}
	cp.Annotations = make([]Annotation, len(s.Annotations))
	for i := range s.Annotations {
		cp.Annotations[i] = s.Annotations[i].Clone()
	}
	return &cp
}

// Validate checks the document's structural invariants: every annotation must
// reference a declared labelset, and no two annotations within one labelset
// may carry identical non-empty member sets.
func (s *AnnotationSet) Validate() error {
	byLabelset := make(map[string][]*Annotation)
	for i := range s.Annotations {
		ann := &s.Annotations[i]
		if s.LabelsetByName(ann.Labelset) == nil {
			return fmt.Errorf("annotation %s references undeclared labelset %q", ann.Key(), ann.Labelset)
		}
		byLabelset[ann.Labelset] = append(byLabelset[ann.Labelset], ann)
	}
	for name, anns := range byLabelset {
		seen := make(map[string]LabelKey, len(anns))
		for _, ann := range anns {
			members := ann.MemberSet()
			if len(members) == 0 {
				continue
			}
			fp := members.Fingerprint()
			if prev, ok := seen[fp]; ok {
				return &AmbiguousMembershipError{Labelset: name, First: prev, Second: ann.Key()}
			}
			seen[fp] = ann.Key()
		}
	}
	return nil
}

// MarshalIndent serializes the document as indented CAS JSON.
func (s *AnnotationSet) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// ParseAnnotationSet decodes a nested CAS JSON document.
func ParseAnnotationSet(data []byte) (*AnnotationSet, error) {
	var set AnnotationSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode annotation set: %w", err)
	}
	return &set, nil
}

// IntPtr is a convenience for building labelset ranks in literals and tests.
func IntPtr(v int) *int { return &v }
