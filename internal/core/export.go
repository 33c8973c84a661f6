package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"cascore/internal/blob"
	"cascore/internal/flatten"
	"cascore/internal/table"
	"cascore/pkg/cas"
)

const tsvContentType = "text/tab-separated-values"

// ExportTables serializes the document to a series of TSV artifacts under
// prefix: the flat per-cell table, the annotation table, and the labelset
// table. Artifact keys are returned in that order.
func (s *Service) ExportTables(ctx context.Context, doc *cas.AnnotationSet, cellIndex []string, prefix string) ([]blob.Info, error) {
	var infos []blob.Info
	err := s.instrument(ctx, "export_tables", func(ctx context.Context) error {
		tbl, err := flatten.Flatten(doc, cellIndex, flatten.Options{Logger: s.logger})
		if err != nil {
			return err
		}
		var flat bytes.Buffer
		if err := tbl.EncodeTSV(&flat, ""); err != nil {
			return err
		}
		for _, part := range []struct {
			name   string
			render func() ([]byte, error)
		}{
			{"flat.tsv", func() ([]byte, error) { return flat.Bytes(), nil }},
			{"annotation.tsv", func() ([]byte, error) { return annotationTable(doc) }},
			{"labelset.tsv", func() ([]byte, error) { return labelsetTable(doc) }},
		} {
			data, err := part.render()
			if err != nil {
				return err
			}
			key := prefix + "/" + part.name
			info, err := s.artifacts.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: tsvContentType})
			if err != nil {
				return fmt.Errorf("store %s: %w", key, err)
			}
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func annotationTable(doc *cas.AnnotationSet) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '\t'
	header := []string{
		"labelset", "cell_label", "cell_set_accession", "parent_cell_set_accession",
		"cell_fullname", "cell_ontology_term_id", "cell_ontology_term",
		"rationale", "rationale_dois", "marker_gene_evidence", "synonyms",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for i := range doc.Annotations {
		ann := &doc.Annotations[i]
		row := []string{
			ann.Labelset, ann.CellLabel, ann.CellSetAccession, ann.ParentCellSetAccession,
			ann.CellFullname, ann.CellOntologyTermID, ann.CellOntologyTerm,
			ann.Rationale, table.JoinList(ann.RationaleDOIs),
			table.JoinList(ann.MarkerGeneEvidence), table.JoinList(ann.Synonyms),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func labelsetTable(doc *cas.AnnotationSet) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '\t'
	if err := w.Write([]string{"name", "description", "annotation_method", "rank"}); err != nil {
		return nil, err
	}
	for _, ls := range doc.Labelsets {
		rank := ""
		if ls.Ranked() {
			rank = strconv.Itoa(*ls.Rank)
		}
		if err := w.Write([]string{ls.Name, ls.Description, ls.AnnotationMethod, rank}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
