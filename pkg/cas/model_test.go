package cas

import (
	"errors"
	"testing"
)

func sample() *AnnotationSet {
	return &AnnotationSet{
		AuthorName: "Jane Doe",
		Labelsets: []Labelset{
			{Name: "Class", Rank: IntPtr(1)},
			{Name: "Cluster", Rank: IntPtr(0)},
			{Name: "Notes"},
		},
		Annotations: []Annotation{
			{Labelset: "Cluster", CellLabel: "O50", CellSetAccession: "acc-o50", ParentCellSetAccession: "acc-oligo", CellIDs: []string{"c1", "c2"}},
			{Labelset: "Cluster", CellLabel: "O49", CellSetAccession: "acc-o49", ParentCellSetAccession: "acc-oligo", CellIDs: []string{"c3"}},
			{Labelset: "Class", CellLabel: "Oligodendrocyte", CellSetAccession: "acc-oligo"},
			{Labelset: "Notes", CellLabel: "needs review", CellSetAccession: "acc-note", CellIDs: []string{"c3"}},
		},
	}
}

func TestRankedLabelsetsOrderedFinestFirst(t *testing.T) {
	ranked := sample().RankedLabelsets()
	if len(ranked) != 2 {
		t.Fatalf("ranked count %d", len(ranked))
	}
	if ranked[0].Name != "Cluster" || ranked[1].Name != "Class" {
		t.Fatalf("order %s, %s", ranked[0].Name, ranked[1].Name)
	}
}

func TestLookups(t *testing.T) {
	doc := sample()
	if ann := doc.AnnotationByKey(LabelKey{Labelset: "Cluster", Label: "O49"}); ann == nil || ann.CellSetAccession != "acc-o49" {
		t.Fatalf("lookup by key: %+v", ann)
	}
	if doc.AnnotationByKey(LabelKey{Labelset: "Cluster", Label: "missing"}) != nil {
		t.Fatal("missing key must return nil")
	}
	if ann := doc.AnnotationByAccession("acc-oligo"); ann == nil || ann.CellLabel != "Oligodendrocyte" {
		t.Fatalf("lookup by accession: %+v", ann)
	}
	if doc.AnnotationByAccession("") != nil {
		t.Fatal("empty accession must return nil")
	}
	if ls := doc.LabelsetByName("Notes"); ls == nil || ls.Ranked() {
		t.Fatalf("auxiliary labelset: %+v", ls)
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc := sample()
	cp := doc.Clone()

	cp.Annotations[0].CellIDs[0] = "mutated"
	cp.Annotations[0].AuthorAnnotationFields = map[string]string{"k": "v"}
	*cp.Labelsets[0].Rank = 9

	if doc.Annotations[0].CellIDs[0] != "c1" {
		t.Fatal("cell IDs shared between clone and original")
	}
	if *doc.Labelsets[0].Rank != 1 {
		t.Fatal("rank pointer shared between clone and original")
	}
	if doc.Annotations[0].AuthorAnnotationFields != nil {
		t.Fatal("author fields leaked into original")
	}
}

func TestValidateRejectsUndeclaredLabelset(t *testing.T) {
	doc := sample()
	doc.Annotations[0].Labelset = "Ghost"
	if err := doc.Validate(); err == nil {
		t.Fatal("undeclared labelset must fail validation")
	}
}

func TestValidateRejectsDuplicateMemberSets(t *testing.T) {
	doc := sample()
	doc.Annotations = append(doc.Annotations, Annotation{
		Labelset: "Cluster", CellLabel: "O49-copy", CellIDs: []string{"c3"},
	})
	err := doc.Validate()
	var ambiguous *AmbiguousMembershipError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("want AmbiguousMembershipError, got %v", err)
	}
	if ambiguous.Labelset != "Cluster" {
		t.Fatalf("labelset %q", ambiguous.Labelset)
	}
	// The same member set in a different labelset is fine.
	if err := sample().Validate(); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}
}

func TestJSONRoundtrip(t *testing.T) {
	doc := sample()
	data, err := doc.MarshalIndent()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseAnnotationSet(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.AuthorName != "Jane Doe" || len(parsed.Annotations) != 4 {
		t.Fatalf("roundtrip lost data: %+v", parsed)
	}
	if parsed.Labelsets[2].Rank != nil {
		t.Fatal("auxiliary labelset gained a rank")
	}
	if _, err := ParseAnnotationSet([]byte("{")); err == nil {
		t.Fatal("truncated input must fail")
	}
}

func TestStringSetOperations(t *testing.T) {
	a := NewStringSet("c2", "c1")
	b := NewStringSet("c1", "c2", "c3")

	if !a.SubsetOf(b) || b.SubsetOf(a) {
		t.Fatal("subset relation wrong")
	}
	if a.Equal(b) {
		t.Fatal("sets of different size must not be equal")
	}
	if got := a.Sorted(); len(got) != 2 || got[0] != "c1" {
		t.Fatalf("sorted %v", got)
	}
	if a.Fingerprint() != NewStringSet("c1", "c2").Fingerprint() {
		t.Fatal("fingerprint must be order-invariant")
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("distinct sets share a fingerprint")
	}

	c := a.Clone()
	c.Add("c9")
	if a.Contains("c9") {
		t.Fatal("clone shares storage")
	}
	a.AddAll(b)
	if !a.Equal(b) {
		t.Fatalf("union %v", a.Sorted())
	}
}
