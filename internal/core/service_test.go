package core

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"cascore/internal/accession"
	"cascore/internal/blob"
	"cascore/internal/persistence"
	"cascore/pkg/cas"
)

type captureLogger struct{ lines []string }

func (c *captureLogger) Printf(format string, args ...any) {
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

func fixture() *cas.AnnotationSet {
	return &cas.AnnotationSet{
		AuthorName: "Jane Doe",
		Labelsets: []cas.Labelset{
			{Name: "Cluster", Rank: cas.IntPtr(0)},
			{Name: "Class", Rank: cas.IntPtr(1)},
		},
		Annotations: []cas.Annotation{
			{Labelset: "Cluster", CellLabel: "O50", CellSetAccession: "acc-o50", ParentCellSetAccession: "acc-oligo", CellIDs: []string{"c1", "c2"}},
			{Labelset: "Cluster", CellLabel: "O49", CellSetAccession: "acc-o49", ParentCellSetAccession: "acc-oligo", CellIDs: []string{"c3", "c4"}},
			{Labelset: "Class", CellLabel: "Oligodendrocyte", CellSetAccession: "acc-oligo"},
		},
	}
}

func cellIndex() []string { return []string{"c1", "c2", "c3", "c4"} }

func newTestService(opts ...ServiceOption) *Service {
	base := []ServiceOption{WithLogger(&captureLogger{})}
	return NewService(persistence.NewMemory(), blob.NewMemory(), append(base, opts...)...)
}

func TestServiceFlattenUnflattenRoundtrip(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetricsRecorder{}
	tracer := NewJSONTracer(nil)
	svc := newTestService(WithMetricsRecorder(metrics), WithTracer(tracer))

	tbl, err := svc.Flatten(ctx, fixture(), cellIndex())
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	doc, err := svc.Unflatten(ctx, tbl, nil)
	if err != nil {
		t.Fatalf("unflatten: %v", err)
	}
	if got := len(doc.Annotations); got != 3 {
		t.Fatalf("annotation count %d", got)
	}
	if !metrics.has("flatten", true) || !metrics.has("unflatten", true) {
		t.Fatalf("metrics missing operations: %+v", metrics.calls)
	}
	entries := tracer.Entries()
	if len(entries) != 2 || entries[0].Operation != "flatten" || entries[0].Status != "success" {
		t.Fatalf("trace entries %+v", entries)
	}
}

func TestServiceReconcileRecordsFailure(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetricsRecorder{}
	svc := newTestService(WithMetricsRecorder(metrics))

	prev := fixture()
	tbl, err := svc.Flatten(ctx, prev, cellIndex())
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if !tbl.ReplaceValue("Cluster", "O50", "O500x") {
		t.Fatal("edit failed")
	}

	if _, _, err := svc.Reconcile(ctx, prev, tbl, true); err == nil {
		t.Fatal("validate reconcile must fail on drift")
	}
	if !metrics.has("reconcile", false) {
		t.Fatalf("failed reconcile not observed: %+v", metrics.calls)
	}

	doc, report, err := svc.Reconcile(ctx, prev, tbl, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if doc == nil || len(report.Findings) == 0 {
		t.Fatal("reconcile produced no output")
	}
	if !metrics.has("reconcile", true) {
		t.Fatalf("successful reconcile not observed: %+v", metrics.calls)
	}
}

func TestServicePopulateCellIDs(t *testing.T) {
	ctx := context.Background()
	logger := &captureLogger{}
	svc := NewService(persistence.NewMemory(), blob.NewMemory(), WithLogger(logger))

	doc := fixture()
	tbl, err := svc.Flatten(ctx, doc, cellIndex())
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}

	// Wipe explicit membership, then restore it from the table.
	stripped := doc.Clone()
	for i := range stripped.Annotations {
		stripped.Annotations[i].CellIDs = nil
	}
	if err := svc.PopulateCellIDs(ctx, stripped, tbl, nil); err != nil {
		t.Fatalf("populate: %v", err)
	}
	o50 := stripped.AnnotationByKey(cas.LabelKey{Labelset: "Cluster", Label: "O50"})
	if len(o50.CellIDs) != 2 || o50.CellIDs[0] != "c1" {
		t.Fatalf("rank-0 membership not restored: %v", o50.CellIDs)
	}
	// Class was not targeted (nil defaults to rank 0).
	class := stripped.AnnotationByKey(cas.LabelKey{Labelset: "Class", Label: "Oligodendrocyte"})
	if len(class.CellIDs) != 0 {
		t.Fatalf("rank-1 membership populated unexpectedly: %v", class.CellIDs)
	}

	if err := svc.PopulateCellIDs(ctx, stripped, tbl, []string{"Class"}); err != nil {
		t.Fatalf("populate class: %v", err)
	}
	if len(class.CellIDs) != 4 {
		t.Fatalf("class membership %v", class.CellIDs)
	}
}

func TestServicePopulateCellIDsWarnsOnUnknowns(t *testing.T) {
	ctx := context.Background()
	logger := &captureLogger{}
	svc := NewService(persistence.NewMemory(), blob.NewMemory(), WithLogger(logger))

	doc := fixture()
	tbl, err := svc.Flatten(ctx, doc, cellIndex())
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	doc.Annotations = append(doc.Annotations, cas.Annotation{
		Labelset: "Cluster", CellLabel: "ghost", CellSetAccession: "acc-ghost",
	})
	if err := svc.PopulateCellIDs(ctx, doc, tbl, nil); err != nil {
		t.Fatalf("populate: %v", err)
	}
	found := false
	for _, line := range logger.lines {
		if strings.Contains(line, "ghost") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no warning for unknown label: %v", logger.lines)
	}
}

func TestServiceExportTables(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	infos, err := svc.ExportTables(ctx, fixture(), cellIndex(), "exports/brain/v1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("artifact count %d", len(infos))
	}
	_, rc, err := svc.Artifacts().Get(ctx, "exports/brain/v1/labelset.tsv")
	if err != nil {
		t.Fatalf("get labelset table: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if !strings.Contains(string(body), "Cluster\t") {
		t.Fatalf("labelset table content: %q", body)
	}
	if !strings.HasPrefix(string(body), "name\tdescription\tannotation_method\trank\n") {
		t.Fatalf("labelset header: %q", body)
	}
}

func TestServiceDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	if _, err := svc.SaveDocument(ctx, "brain", fixture()); err != nil {
		t.Fatalf("save: %v", err)
	}
	edited := fixture()
	edited.Annotations[0].CellLabel = "O500x"
	if _, err := svc.SaveDocument(ctx, "brain", edited); err != nil {
		t.Fatalf("save v2: %v", err)
	}

	latest, err := svc.LoadDocument(ctx, "brain", 0)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if latest.Version != 2 || latest.Document.Annotations[0].CellLabel != "O500x" {
		t.Fatalf("latest %+v", latest)
	}
	v1, err := svc.LoadDocument(ctx, "brain", 1)
	if err != nil {
		t.Fatalf("load v1: %v", err)
	}
	if v1.Document.Annotations[0].CellLabel != "O50" {
		t.Fatalf("v1 label %q", v1.Document.Annotations[0].CellLabel)
	}
	names, err := svc.ListDocuments(ctx)
	if err != nil || len(names) != 1 || names[0] != "brain" {
		t.Fatalf("list: %v %v", names, err)
	}
}

func TestServiceSaveRejectsInvalidDocument(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	doc := fixture()
	doc.Annotations[0].Labelset = "Undeclared"
	if _, err := svc.SaveDocument(ctx, "bad", doc); err == nil {
		t.Fatal("invalid document must not be stored")
	}
}

func TestServiceRegenerateAccessions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	gen := accession.NewGenerator(nil)
	before, err := gen.Generate(cas.NewStringSet("c1", "c2"), "Cluster")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	doc := &cas.AnnotationSet{
		Labelsets: []cas.Labelset{{Name: "Cluster", Rank: cas.IntPtr(0)}},
		Annotations: []cas.Annotation{
			{Labelset: "Cluster", CellLabel: "O50", CellSetAccession: before, CellIDs: []string{"c1", "c2"}},
			{Labelset: "Cluster", CellLabel: "O49", CellSetAccession: "acc-o49", CellIDs: []string{"c3"}},
		},
	}

	doc.Annotations[0].CellIDs = []string{"c1"}
	if err := svc.RegenerateAccessions(ctx, doc); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	after := doc.Annotations[0].CellSetAccession
	if after == before {
		t.Fatalf("accession unchanged after membership edit: %s", after)
	}
	want, err := accession.NewGenerator(nil).Generate(cas.NewStringSet("c1"), "Cluster")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if after != want {
		t.Fatalf("regenerated accession %s, want %s", after, want)
	}
	// Curated accessions stay untouched.
	if doc.Annotations[1].CellSetAccession != "acc-o49" {
		t.Fatalf("curated accession rewritten: %s", doc.Annotations[1].CellSetAccession)
	}
}
