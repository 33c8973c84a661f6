package flatten

import (
	"fmt"
	"strings"
	"testing"

	"cascore/internal/table"
	"cascore/pkg/cas"
)

type captureLogger struct{ lines []string }

func (c *captureLogger) Printf(format string, args ...any) {
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *captureLogger) contains(substr string) bool {
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func cellIndex() []string { return []string{"c1", "c2", "c3", "c4", "c5", "c6"} }

// fixture mirrors the oligodendrocyte scenario: two rank-0 clusters folded
// into one rank-1 class with no explicit membership of its own, plus an
// unrelated astrocyte branch and a rankless notes labelset.
func fixture(t *testing.T) *cas.AnnotationSet {
	t.Helper()
	return &cas.AnnotationSet{
		AuthorName:    "Jane Doe",
		Title:         "Basal ganglia atlas",
		SchemaVersion: "1.0.0",
		Labelsets: []cas.Labelset{
			{Name: "Cluster", Description: "fine clusters", Rank: cas.IntPtr(0)},
			{Name: "Class", Description: "coarse classes", Rank: cas.IntPtr(1)},
			{Name: "Notes"},
		},
		Annotations: []cas.Annotation{
			{
				Labelset: "Cluster", CellLabel: "O50", CellSetAccession: "acc-o50",
				ParentCellSetAccession: "acc-oligo", CellIDs: []string{"c1", "c2"},
				MarkerGeneEvidence: []string{"SOX10", "MBP"},
				AuthorAnnotationFields: map[string]string{"confidence": "high"},
			},
			{
				Labelset: "Cluster", CellLabel: "O49", CellSetAccession: "acc-o49",
				ParentCellSetAccession: "acc-oligo", CellIDs: []string{"c3", "c4"},
			},
			{
				Labelset: "Cluster", CellLabel: "A62", CellSetAccession: "acc-a62",
				ParentCellSetAccession: "acc-astro", CellIDs: []string{"c5", "c6"},
			},
			{Labelset: "Class", CellLabel: "Oligodendrocyte", CellSetAccession: "acc-oligo"},
			{Labelset: "Class", CellLabel: "Astrocyte", CellSetAccession: "acc-astro", CellIDs: []string{"c5", "c6"}},
			{Labelset: "Notes", CellLabel: "needs review", CellSetAccession: "acc-note"},
		},
	}
}

func TestFlattenBareAndCompositeColumns(t *testing.T) {
	tbl, err := Flatten(fixture(t), cellIndex(), Options{Logger: &captureLogger{}})
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if got, _ := tbl.Value("Cluster", "c1"); got != "O50" {
		t.Fatalf("c1 cluster = %q", got)
	}
	if got, _ := tbl.Value("Cluster", "c4"); got != "O49" {
		t.Fatalf("c4 cluster = %q", got)
	}
	if got, _ := tbl.Value(table.CompositeKey("Cluster", "cell_set_accession"), "c2"); got != "acc-o50" {
		t.Fatalf("composite accession = %q", got)
	}
	if got, _ := tbl.Value(table.CompositeKey("Cluster", "marker_gene_evidence"), "c1"); got != "MBP|SOX10" {
		t.Fatalf("marker evidence = %q", got)
	}
	if kind := tbl.Column(table.CompositeKey("Cluster", "marker_gene_evidence")).Kind; kind != table.FieldList {
		t.Fatalf("list field not tagged: %v", kind)
	}
	if _, ok := tbl.Value(table.CompositeKey("Cluster", "marker_gene_evidence"), "c3"); ok {
		t.Fatal("O49 rows must stay blank for O50-only fields")
	}
}

func TestFlattenInheritedMembership(t *testing.T) {
	tbl, err := Flatten(fixture(t), cellIndex(), Options{Logger: &captureLogger{}})
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	// Oligodendrocyte has no explicit members: its column values come from
	// the union of its clusters.
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		if got, _ := tbl.Value("Class", id); got != "Oligodendrocyte" {
			t.Fatalf("%s class = %q", id, got)
		}
	}
	if got, _ := tbl.Value("Class", "c5"); got != "Astrocyte" {
		t.Fatalf("c5 class = %q", got)
	}
}

func TestFlattenContentHashDistinguishesParent(t *testing.T) {
	tbl, err := Flatten(fixture(t), cellIndex(), Options{Logger: &captureLogger{}})
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	clusterHash, _ := tbl.Value(table.CompositeKey("Cluster", ContentHashField), "c1")
	classHash, _ := tbl.Value(table.CompositeKey("Class", ContentHashField), "c1")
	if clusterHash == "" || classHash == "" {
		t.Fatal("content hashes missing")
	}
	if clusterHash == classHash {
		t.Fatalf("parent hash must differ from child hash: %s", clusterHash)
	}
}

func TestFlattenRanklessPreservedAsMeta(t *testing.T) {
	tbl, err := Flatten(fixture(t), cellIndex(), Options{Logger: &captureLogger{}})
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if tbl.Column("Notes") != nil {
		t.Fatal("rankless labelset must not become a row-level column")
	}
	raw, ok := tbl.Meta[table.CompositeKey("Notes", "annotations")]
	if !ok || !strings.Contains(raw, "needs review") {
		t.Fatalf("rankless annotations not preserved: %q", raw)
	}
	if tbl.Meta["author_name"] != "Jane Doe" {
		t.Fatalf("document metadata lost: %q", tbl.Meta["author_name"])
	}
}

func TestFlattenSkipsEmptyUninheritableLabel(t *testing.T) {
	set := fixture(t)
	set.Annotations = append(set.Annotations, cas.Annotation{
		Labelset: "Class", CellLabel: "Ghost", CellSetAccession: "acc-ghost",
	})
	logger := &captureLogger{}
	tbl, err := Flatten(set, cellIndex(), Options{Logger: logger})
	if err != nil {
		t.Fatalf("flatten must not fail on empty label: %v", err)
	}
	if !logger.contains("Ghost") {
		t.Fatalf("expected skip warning, got %v", logger.lines)
	}
	groups := tbl.GroupBy("Class")
	if _, ok := groups["Ghost"]; ok {
		t.Fatal("empty label leaked into the flat column")
	}
}

func TestFlattenWarnsOnMissingCells(t *testing.T) {
	logger := &captureLogger{}
	// c6 absent from the cell index.
	_, err := Flatten(fixture(t), []string{"c1", "c2", "c3", "c4", "c5"}, Options{Logger: logger})
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if !logger.contains("missing from cell index") {
		t.Fatalf("expected coverage warning, got %v", logger.lines)
	}
}

func TestFlattenRejectsAmbiguousMembership(t *testing.T) {
	set := fixture(t)
	set.Annotations[1].CellIDs = []string{"c1", "c2"}
	if _, err := Flatten(set, cellIndex(), Options{Logger: &captureLogger{}}); err == nil {
		t.Fatal("expected ambiguous membership error")
	}
}
