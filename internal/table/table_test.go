package table

import (
	"strings"
	"testing"

	"cascore/pkg/cas"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := New([]string{"c1", "c2", "c3", "c4"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tbl
}

func TestNewRejectsDuplicateCellIDs(t *testing.T) {
	if _, err := New([]string{"c1", "c1"}); err == nil {
		t.Fatal("expected duplicate cell id error")
	}
}

func TestSetMaskedAndGroupBy(t *testing.T) {
	tbl := newTestTable(t)
	if missing := tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c1", "c2"), "O50"); missing != 0 {
		t.Fatalf("unexpected missing count %d", missing)
	}
	if missing := tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c3", "ghost"), "O49"); missing != 1 {
		t.Fatalf("expected 1 missing, got %d", missing)
	}
	groups := tbl.GroupBy("Cluster")
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if !groups["O50"].Equal(cas.NewStringSet("c1", "c2")) {
		t.Fatalf("unexpected O50 group %v", groups["O50"].Sorted())
	}
	// c4 is blank and must not appear in any group.
	for v, g := range groups {
		if g.Contains("c4") {
			t.Fatalf("blank row grouped under %q", v)
		}
	}
}

func TestBlankDistinctFromEmptyString(t *testing.T) {
	tbl := newTestTable(t)
	tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c1"), "")
	if _, ok := tbl.Value("Cluster", "c1"); !ok {
		t.Fatal("explicit empty string read back as blank")
	}
	if _, ok := tbl.Value("Cluster", "c2"); ok {
		t.Fatal("blank row read back as annotated")
	}
	groups := tbl.GroupBy("Cluster")
	if !groups[""].Equal(cas.NewStringSet("c1")) {
		t.Fatalf("empty-string group lost: %v", groups)
	}
}

func TestCategoriesAreObservedVocabulary(t *testing.T) {
	tbl := newTestTable(t)
	tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c1"), "B")
	tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c2"), "A")
	got := tbl.Column("Cluster").Categories()
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("unexpected categories %v", got)
	}
}

func TestReplaceValue(t *testing.T) {
	tbl := newTestTable(t)
	tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c1", "c2"), "O50")
	tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c3"), "O49")
	if !tbl.ReplaceValue("Cluster", "O50", "O500x") {
		t.Fatal("rename failed")
	}
	groups := tbl.GroupBy("Cluster")
	if !groups["O500x"].Equal(cas.NewStringSet("c1", "c2")) {
		t.Fatalf("rename lost membership: %v", groups)
	}
	if _, ok := groups["O50"]; ok {
		t.Fatal("old value still grouped")
	}
	// Merge into an existing category.
	if !tbl.ReplaceValue("Cluster", "O500x", "O49") {
		t.Fatal("merge rename failed")
	}
	groups = tbl.GroupBy("Cluster")
	if !groups["O49"].Equal(cas.NewStringSet("c1", "c2", "c3")) {
		t.Fatalf("merge lost rows: %v", groups["O49"].Sorted())
	}
}

func TestCompositeKeyRoundtrip(t *testing.T) {
	key := CompositeKey("Cluster", "rationale")
	if key != "Cluster--rationale" {
		t.Fatalf("unexpected key %q", key)
	}
	ls, field, ok := SplitCompositeKey(key)
	if !ok || ls != "Cluster" || field != "rationale" {
		t.Fatalf("split mismatch: %q %q %v", ls, field, ok)
	}
	if _, _, ok := SplitCompositeKey("Cluster"); ok {
		t.Fatal("bare column treated as composite")
	}
}

func TestJoinSplitList(t *testing.T) {
	joined := JoinList([]string{"GeneB", "GeneA"})
	if joined != "GeneA|GeneB" {
		t.Fatalf("unexpected join %q", joined)
	}
	parts := SplitList(joined)
	if len(parts) != 2 || parts[0] != "GeneA" {
		t.Fatalf("unexpected split %v", parts)
	}
	if SplitList("") != nil {
		t.Fatal("empty value must split to nil")
	}
}

func TestEncodeTSV(t *testing.T) {
	tbl := newTestTable(t)
	tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c1", "c2"), "O50")
	var b strings.Builder
	if err := tbl.EncodeTSV(&b, ""); err != nil {
		t.Fatalf("encode: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected header + 4 rows, got %d lines", len(lines))
	}
	if lines[0] != "cell_id\tCluster" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if lines[1] != "c1\tO50" {
		t.Fatalf("unexpected first row %q", lines[1])
	}
}

func TestDecodeTSVRoundtrip(t *testing.T) {
	tbl := newTestTable(t)
	tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c1", "c2"), "O50")
	tbl.SetMasked("Cluster", FieldScalar, cas.NewStringSet("c3"), "O49")
	tbl.SetMasked(CompositeKey("Cluster", "rationale"), FieldScalar, cas.NewStringSet("c1", "c2"), "strong markers")

	var b strings.Builder
	if err := tbl.EncodeTSV(&b, ""); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeTSV(strings.NewReader(b.String()), "")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := decoded.CellIDs(); len(got) != 4 || got[0] != "c1" {
		t.Fatalf("cell index %v", got)
	}
	if v, ok := decoded.Value("Cluster", "c3"); !ok || v != "O49" {
		t.Fatalf("value c3 = %q, %v", v, ok)
	}
	if _, ok := decoded.Value("Cluster", "c4"); ok {
		t.Fatal("blank row must stay blank after decode")
	}
	if v, ok := decoded.Value(CompositeKey("Cluster", "rationale"), "c1"); !ok || v != "strong markers" {
		t.Fatalf("composite value %q, %v", v, ok)
	}
}

func TestDecodeTSVRejectsForeignHeader(t *testing.T) {
	if _, err := DecodeTSV(strings.NewReader("barcode\tCluster\nc1\tO50\n"), ""); err == nil {
		t.Fatal("expected header error")
	}
}

func TestMetaSidecarRoundtrip(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Meta["author_name"] = "Jane Doe"
	tbl.MetaKinds["author_name"] = FieldScalar
	tbl.Meta["author_list"] = JoinList([]string{"B", "A"})
	tbl.MetaKinds["author_list"] = FieldList

	var b strings.Builder
	if err := tbl.EncodeMeta(&b); err != nil {
		t.Fatalf("encode meta: %v", err)
	}
	fresh := newTestTable(t)
	if err := fresh.DecodeMeta(strings.NewReader(b.String())); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if fresh.Meta["author_name"] != "Jane Doe" || fresh.MetaKinds["author_list"] != FieldList {
		t.Fatalf("meta lost in roundtrip: %v %v", fresh.Meta, fresh.MetaKinds)
	}
	if err := fresh.DecodeMeta(strings.NewReader("{")); err == nil {
		t.Fatal("truncated sidecar must fail")
	}
}
