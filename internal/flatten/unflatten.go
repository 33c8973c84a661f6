package flatten

import (
	"encoding/json"
	"fmt"
	"sort"

	"cascore/internal/table"
	"cascore/pkg/cas"
)

// Record is one reconstructed label: the candidate annotation, the row set
// that defined it, the content hash stored at flatten time (if any), and the
// accession freshly derived from the observed rows.
type Record struct {
	Annotation     *cas.Annotation
	Rows           cas.StringSet
	StoredHash     string
	FreshAccession string
	Rank           int
}

// Lookup indexes reconstructed labels both by composite (labelset, label)
// key and by accession, so reconciliation can match either by human label or
// by set identity.
type Lookup struct {
	ByKey       map[cas.LabelKey]*Record
	ByAccession map[string]*Record
	// Order preserves deterministic record ordering: labelsets finest-first,
	// labels lexicographic within a labelset.
	Order []*Record
}

func (l *Lookup) add(rec *Record) {
	l.ByKey[rec.Annotation.Key()] = rec
	l.Order = append(l.Order, rec)
	if rec.FreshAccession != "" {
		l.ByAccession[rec.FreshAccession] = rec
	}
	if acc := rec.Annotation.CellSetAccession; acc != "" && acc != rec.FreshAccession {
		l.ByAccession[acc] = rec
	}
}

// Unflatten reconstructs a nested annotation set from the flat table. Ranked
// labelset names default to the table's stored labelset definitions; pass an
// explicit ordered list to restrict or reorder. Membership is re-derived from
// row co-occurrence; every reconstructed label gets a fresh content-addressed
// accession for comparison against the stored content_hash.
func Unflatten(tbl *table.Table, rankedNames []string, opts Options) (*cas.AnnotationSet, *Lookup, error) {
	logger := opts.logger()
	gen := opts.generator(logger)

	labelsets, err := decodeLabelsets(tbl)
	if err != nil {
		return nil, nil, err
	}
	ranks := make(map[string]int)
	for _, ls := range labelsets {
		if ls.Ranked() {
			ranks[ls.Name] = *ls.Rank
		}
	}
	if rankedNames == nil {
		for _, ls := range labelsets {
			if ls.Ranked() {
				rankedNames = append(rankedNames, ls.Name)
			}
		}
		sort.SliceStable(rankedNames, func(i, j int) bool { return ranks[rankedNames[i]] < ranks[rankedNames[j]] })
	}

	set := decodeDocumentMeta(tbl)
	set.Labelsets = labelsets

	lookup := &Lookup{
		ByKey:       make(map[cas.LabelKey]*Record),
		ByAccession: make(map[string]*Record),
	}

	var rank0Groups map[string]cas.StringSet
	for _, name := range rankedNames {
		if tbl.Column(name) == nil {
			logger.Printf("unflatten: ranked labelset %q has no column in the flat table", name)
			continue
		}
		rank, ok := ranks[name]
		if !ok {
			return nil, nil, fmt.Errorf("unflatten: labelset %q is not ranked", name)
		}
		groups := tbl.GroupBy(name)
		if rank == 0 {
			rank0Groups = groups
		}
		labels := make([]string, 0, len(groups))
		for label := range groups {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			rows := groups[label]
			ann, storedHash, err := rebuildAnnotation(tbl, name, label, rows)
			if err != nil {
				return nil, nil, err
			}
			fresh, err := gen.Generate(rows, name)
			if err != nil {
				return nil, nil, err
			}
			if ann.CellSetAccession == "" {
				ann.CellSetAccession = fresh
			}
			// Rank-0 labels always keep explicit membership; coarser labels
			// drop it when fully re-derivable from the rank-0 groups.
			if rank == 0 || !derivableFromRank0(rows, rank0Groups) {
				ann.CellIDs = rows.Sorted()
			}
			rec := &Record{
				Annotation:     ann,
				Rows:           rows,
				StoredHash:     storedHash,
				FreshAccession: fresh,
				Rank:           rank,
			}
			lookup.add(rec)
		}
	}

	for _, rec := range lookup.Order {
		set.Annotations = append(set.Annotations, *rec.Annotation)
	}
	if aux, err := decodeRanklessAnnotations(tbl, ranks); err != nil {
		return nil, nil, err
	} else {
		set.Annotations = append(set.Annotations, aux...)
	}
	return set, lookup, nil
}

// rebuildAnnotation reattaches composite-column fields to a reconstructed
// label, parsing structured values back and splitting tagged list fields.
func rebuildAnnotation(tbl *table.Table, labelset, label string, rows cas.StringSet) (*cas.Annotation, string, error) {
	ann := &cas.Annotation{Labelset: labelset, CellLabel: label}
	rep := representative(tbl, rows)
	storedHash := ""
	for _, colName := range tbl.ColumnNames() {
		ls, field, ok := table.SplitCompositeKey(colName)
		if !ok || ls != labelset {
			continue
		}
		value, present := tbl.Value(colName, rep)
		if !present {
			continue
		}
		switch field {
		case ContentHashField:
			storedHash = value
		case "cell_set_accession":
			ann.CellSetAccession = value
		case "parent_cell_set_accession":
			ann.ParentCellSetAccession = value
		case "cell_fullname":
			ann.CellFullname = value
		case "cell_ontology_term_id":
			ann.CellOntologyTermID = value
		case "cell_ontology_term":
			ann.CellOntologyTerm = value
		case "rationale":
			ann.Rationale = value
		case "rationale_dois":
			ann.RationaleDOIs = table.SplitList(value)
		case "marker_gene_evidence":
			ann.MarkerGeneEvidence = table.SplitList(value)
		case "synonyms":
			ann.Synonyms = table.SplitList(value)
		case "author_annotation_fields":
			fields := make(map[string]string)
			if err := json.Unmarshal([]byte(value), &fields); err != nil {
				return nil, "", fmt.Errorf("parse author fields of %s:%s: %w", labelset, label, err)
			}
			ann.AuthorAnnotationFields = fields
		default:
			// Unknown composite fields survive as author fields rather than
			// being dropped silently.
			if ann.AuthorAnnotationFields == nil {
				ann.AuthorAnnotationFields = make(map[string]string)
			}
			ann.AuthorAnnotationFields[field] = value
		}
	}
	return ann, storedHash, nil
}

// representative picks a deterministic row of the group to read composite
// values from: the first member in table order.
func representative(tbl *table.Table, rows cas.StringSet) string {
	for _, id := range tbl.CellIDs() {
		if rows.Contains(id) {
			return id
		}
	}
	return ""
}

// derivableFromRank0 reports whether the row set equals a union of complete
// rank-0 groups, i.e. membership can be rebuilt from the finest labelset and
// explicit storage would be redundant.
func derivableFromRank0(rows cas.StringSet, rank0 map[string]cas.StringSet) bool {
	if len(rank0) == 0 {
		return false
	}
	covered := make(cas.StringSet, len(rows))
	for _, group := range rank0 {
		overlaps := false
		for id := range group {
			if rows.Contains(id) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			continue
		}
		if !group.SubsetOf(rows) {
			return false
		}
		covered.AddAll(group)
	}
	return covered.Equal(rows)
}

func decodeLabelsets(tbl *table.Table) ([]cas.Labelset, error) {
	raw, ok := tbl.Meta[metaLabelsets]
	if !ok {
		return nil, fmt.Errorf("unflatten: table carries no labelset definitions")
	}
	var labelsets []cas.Labelset
	if err := json.Unmarshal([]byte(raw), &labelsets); err != nil {
		return nil, fmt.Errorf("decode labelsets: %w", err)
	}
	return labelsets, nil
}

func decodeDocumentMeta(tbl *table.Table) *cas.AnnotationSet {
	set := &cas.AnnotationSet{
		AuthorName:    tbl.Meta["author_name"],
		AuthorContact: tbl.Meta["author_contact"],
		Orcid:         tbl.Meta["orcid"],
		Title:         tbl.Meta["title"],
		Description:   tbl.Meta["description"],
		MatrixFileID:  tbl.Meta["matrix_file_id"],
		SchemaVersion: tbl.Meta["cellannotation_schema_version"],
		Timestamp:     tbl.Meta["cellannotation_timestamp"],
		Version:       tbl.Meta["cellannotation_version"],
		URL:           tbl.Meta["cellannotation_url"],
	}
	if raw, ok := tbl.Meta["author_list"]; ok {
		set.AuthorList = table.SplitList(raw)
	}
	return set
}

// decodeRanklessAnnotations restores auxiliary labelset annotations from
// global metadata; they pass through flattening untouched.
func decodeRanklessAnnotations(tbl *table.Table, ranks map[string]int) ([]cas.Annotation, error) {
	keys := make([]string, 0, len(tbl.Meta))
	for key := range tbl.Meta {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var out []cas.Annotation
	for _, key := range keys {
		ls, field, ok := table.SplitCompositeKey(key)
		if !ok || field != "annotations" {
			continue
		}
		if _, ranked := ranks[ls]; ranked {
			continue
		}
		var aux []cas.Annotation
		if err := json.Unmarshal([]byte(tbl.Meta[key]), &aux); err != nil {
			return nil, fmt.Errorf("decode rankless labelset %q: %w", ls, err)
		}
		out = append(out, aux...)
	}
	return out, nil
}
