// Package flatten implements the bidirectional codec between the nested CAS
// form and the flat per-cell table form. Flatten projects ranked labelsets
// onto categorical columns via masked assignment; Unflatten groups rows back
// into label records and re-derives content-addressed accessions so drift can
// be detected against the original document.
package flatten

import (
	"encoding/json"
	"fmt"
	"log"

	"cascore/internal/accession"
	"cascore/internal/hierarchy"
	"cascore/internal/table"
	"cascore/pkg/cas"
)

// Reserved meta keys used to round-trip document-level structure.
const (
	metaLabelsets = "labelsets"
	// ContentHashField is the composite field name carrying per-label digests.
	ContentHashField = "content_hash"
)

// Options configures a flatten or unflatten pass.
type Options struct {
	// Logger receives skip and coverage warnings. Defaults to the standard
	// logger.
	Logger cas.Logger
	// Generator derives content hashes. A fresh instance is constructed when
	// nil, keeping runs independent.
	Generator *accession.Generator
}

func (o Options) logger() cas.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

func (o Options) generator(logger cas.Logger) *accession.Generator {
	if o.Generator != nil {
		return o.Generator
	}
	return accession.NewGenerator(logger)
}

// Flatten projects the nested set onto a table with one row per entry of
// cellIndex. Only ranked labelsets participate; rankless labelsets and
// document metadata are preserved in Table.Meta. Labels that resolve to an
// empty member set are skipped with a warning rather than failing, so
// partially specified hierarchies flatten the parts that are well-defined.
func Flatten(set *cas.AnnotationSet, cellIndex []string, opts Options) (*table.Table, error) {
	logger := opts.logger()
	gen := opts.generator(logger)

	if err := set.Validate(); err != nil {
		return nil, err
	}
	idx, err := hierarchy.Build(set)
	if err != nil {
		return nil, err
	}
	tbl, err := table.New(cellIndex)
	if err != nil {
		return nil, err
	}

	ranked := make(map[string]bool)
	for _, ls := range set.RankedLabelsets() {
		ranked[ls.Name] = true
	}

	for i := range set.Annotations {
		ann := &set.Annotations[i]
		if !ranked[ann.Labelset] {
			continue
		}
		members := idx.EffectiveMembers(ann.Key())
		if len(members) == 0 {
			logger.Printf("flatten: skipping %s: no explicit members and no children to inherit from", ann.Key())
			continue
		}
		if missing := tbl.SetMasked(ann.Labelset, table.FieldScalar, members, ann.CellLabel); missing > 0 {
			logger.Printf("flatten: %s: %d member cell id(s) missing from cell index", ann.Key(), missing)
		}
		if err := writeCompositeFields(tbl, ann, members); err != nil {
			return nil, err
		}
		hash, err := gen.Generate(members, ann.Labelset)
		if err != nil {
			return nil, err
		}
		tbl.SetMasked(table.CompositeKey(ann.Labelset, ContentHashField), table.FieldScalar, members, hash)
	}

	if err := writeMeta(tbl, set, ranked); err != nil {
		return nil, err
	}
	return tbl, nil
}

// writeCompositeFields emits every non-label field of the annotation into
// "{labelset}--{field}" columns over the label's member mask. List fields
// carry an explicit list kind so unflattening never guesses.
func writeCompositeFields(tbl *table.Table, ann *cas.Annotation, members cas.StringSet) error {
	put := func(field, value string, kind table.FieldKind) {
		if value == "" {
			return
		}
		tbl.SetMasked(table.CompositeKey(ann.Labelset, field), kind, members, value)
	}
	put("cell_set_accession", ann.CellSetAccession, table.FieldScalar)
	put("parent_cell_set_accession", ann.ParentCellSetAccession, table.FieldScalar)
	put("cell_fullname", ann.CellFullname, table.FieldScalar)
	put("cell_ontology_term_id", ann.CellOntologyTermID, table.FieldScalar)
	put("cell_ontology_term", ann.CellOntologyTerm, table.FieldScalar)
	put("rationale", ann.Rationale, table.FieldScalar)
	if len(ann.RationaleDOIs) > 0 {
		put("rationale_dois", table.JoinList(ann.RationaleDOIs), table.FieldList)
	}
	if len(ann.MarkerGeneEvidence) > 0 {
		put("marker_gene_evidence", table.JoinList(ann.MarkerGeneEvidence), table.FieldList)
	}
	if len(ann.Synonyms) > 0 {
		put("synonyms", table.JoinList(ann.Synonyms), table.FieldList)
	}
	if len(ann.AuthorAnnotationFields) > 0 {
		encoded, err := json.Marshal(ann.AuthorAnnotationFields)
		if err != nil {
			return fmt.Errorf("encode author fields of %s: %w", ann.Key(), err)
		}
		put("author_annotation_fields", string(encoded), table.FieldStructured)
	}
	return nil
}

// writeMeta stores labelset definitions, document fields, and rankless
// labelset annotations as global metadata.
func writeMeta(tbl *table.Table, set *cas.AnnotationSet, ranked map[string]bool) error {
	encodedLabelsets, err := json.Marshal(set.Labelsets)
	if err != nil {
		return fmt.Errorf("encode labelsets: %w", err)
	}
	tbl.Meta[metaLabelsets] = string(encodedLabelsets)
	tbl.MetaKinds[metaLabelsets] = table.FieldStructured

	putDoc := func(key, value string) {
		if value == "" {
			return
		}
		tbl.Meta[key] = value
		tbl.MetaKinds[key] = table.FieldScalar
	}
	putDoc("author_name", set.AuthorName)
	putDoc("author_contact", set.AuthorContact)
	putDoc("orcid", set.Orcid)
	putDoc("title", set.Title)
	putDoc("description", set.Description)
	putDoc("matrix_file_id", set.MatrixFileID)
	putDoc("cellannotation_schema_version", set.SchemaVersion)
	putDoc("cellannotation_timestamp", set.Timestamp)
	putDoc("cellannotation_version", set.Version)
	putDoc("cellannotation_url", set.URL)
	if len(set.AuthorList) > 0 {
		tbl.Meta["author_list"] = table.JoinList(set.AuthorList)
		tbl.MetaKinds["author_list"] = table.FieldList
	}

	for _, ls := range set.Labelsets {
		if ranked[ls.Name] {
			continue
		}
		var aux []cas.Annotation
		for i := range set.Annotations {
			if set.Annotations[i].Labelset == ls.Name {
				aux = append(aux, set.Annotations[i].Clone())
			}
		}
		if len(aux) == 0 {
			continue
		}
		encoded, err := json.Marshal(aux)
		if err != nil {
			return fmt.Errorf("encode rankless labelset %q: %w", ls.Name, err)
		}
		key := table.CompositeKey(ls.Name, "annotations")
		tbl.Meta[key] = string(encoded)
		tbl.MetaKinds[key] = table.FieldStructured
	}
	return nil
}
