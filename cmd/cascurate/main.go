// Command cascurate drives the annotation curation workflows from the shell:
// flattening documents into per-cell tables, rebuilding documents from edited
// tables, reconciling drift, and moving documents and exports through the
// configured stores.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"cascore/internal/blob"
	"cascore/internal/core"
	"cascore/internal/persistence"
	"cascore/internal/table"
	"cascore/pkg/cas"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func cli(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cmd, rest := args[0], args[1:]
	ctx := context.Background()

	var err error
	switch cmd {
	case "flatten":
		err = runFlatten(ctx, rest, stderr)
	case "unflatten":
		err = runUnflatten(ctx, rest, stderr)
	case "reconcile":
		err = runReconcile(ctx, rest, stdout, stderr)
	case "populate":
		err = runPopulate(ctx, rest, stderr)
	case "export":
		err = runExport(ctx, rest, stdout, stderr)
	case "save":
		err = runSave(ctx, rest, stdout, stderr)
	case "load":
		err = runLoad(ctx, rest, stderr)
	case "list":
		err = runList(ctx, rest, stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "cascurate: unknown command %q\n", cmd)
		usage(stderr)
		return 2
	}
	if err != nil {
		if err == flag.ErrHelp {
			return 2
		}
		fmt.Fprintf(stderr, "cascurate %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: cascurate <command> [flags]

Commands:
  flatten    project a nested document onto a per-cell table
  unflatten  rebuild a nested document from a flat table
  reconcile  compare a stored document against an edited flat table
  populate   refresh explicit cell memberships from a flat table
  export     publish the flat and tabular forms to artifact storage
  save       store a new document version
  load       fetch a stored document version
  list       list stored document names

Run "cascurate <command> -h" for command flags.`)
}

// localService builds a service over throwaway in-memory stores for the
// file-to-file commands that never touch configured storage.
func localService() *core.Service {
	return core.NewService(persistence.NewMemory(), blob.NewMemory())
}

func runFlatten(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("flatten", flag.ContinueOnError)
	fs.SetOutput(stderr)
	docPath := fs.String("doc", "", "path to the nested document JSON")
	outPath := fs.String("out", "flat.tsv", "path for the flat table TSV")
	metaPath := fs.String("meta", "", "path for the metadata sidecar (default: derived from -out)")
	cellsPath := fs.String("cells", "", "path to a newline-separated cell index (default: derived from the document)")
	fill := fs.String("fill", "", "value rendered for blank cells")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := readDocument(*docPath)
	if err != nil {
		return err
	}
	cells, err := resolveCellIndex(*cellsPath, doc)
	if err != nil {
		return err
	}
	tbl, err := localService().Flatten(ctx, doc, cells)
	if err != nil {
		return err
	}
	return writeTable(*outPath, sidecarPath(*metaPath, *outPath), tbl, *fill)
}

func runUnflatten(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("unflatten", flag.ContinueOnError)
	fs.SetOutput(stderr)
	inPath := fs.String("in", "flat.tsv", "path to the flat table TSV")
	metaPath := fs.String("meta", "", "path to the metadata sidecar (default: derived from -in)")
	outPath := fs.String("out", "cas.json", "path for the rebuilt document JSON")
	labelsets := fs.String("labelsets", "", "comma-separated labelset columns to decode (default: all ranked)")
	fill := fs.String("fill", "", "value rendered for blank cells")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tbl, err := readTable(*inPath, sidecarPath(*metaPath, *inPath), *fill)
	if err != nil {
		return err
	}
	doc, err := localService().Unflatten(ctx, tbl, splitFlagList(*labelsets))
	if err != nil {
		return err
	}
	return writeDocument(*outPath, doc)
}

func runReconcile(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	prevPath := fs.String("prev", "", "path to the previously stored document JSON")
	inPath := fs.String("in", "flat.tsv", "path to the edited flat table TSV")
	metaPath := fs.String("meta", "", "path to the metadata sidecar (default: derived from -in)")
	outPath := fs.String("out", "", "path for the reconciled document JSON (omit to only report)")
	reportPath := fs.String("report", "", "path for the findings report JSON")
	validate := fs.Bool("validate", false, "treat drift as fatal instead of warning")
	fill := fs.String("fill", "", "value rendered for blank cells")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prev, err := readDocument(*prevPath)
	if err != nil {
		return err
	}
	tbl, err := readTable(*inPath, sidecarPath(*metaPath, *inPath), *fill)
	if err != nil {
		return err
	}
	doc, report, err := localService().Reconcile(ctx, prev, tbl, *validate)
	if err != nil {
		return err
	}
	for _, f := range report.Findings {
		fmt.Fprintln(stdout, f)
	}
	if *reportPath != "" {
		if err := writeJSON(*reportPath, report); err != nil {
			return err
		}
	}
	if *outPath != "" {
		return writeDocument(*outPath, doc)
	}
	return nil
}

func runPopulate(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("populate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	docPath := fs.String("doc", "", "path to the nested document JSON")
	inPath := fs.String("in", "flat.tsv", "path to the flat table TSV")
	outPath := fs.String("out", "", "path for the updated document JSON (default: overwrite -doc)")
	labelsets := fs.String("labelsets", "", "comma-separated labelsets to refresh (default: rank 0)")
	fill := fs.String("fill", "", "value rendered for blank cells")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := readDocument(*docPath)
	if err != nil {
		return err
	}
	tbl, err := readTable(*inPath, "", *fill)
	if err != nil {
		return err
	}
	if err := localService().PopulateCellIDs(ctx, doc, tbl, splitFlagList(*labelsets)); err != nil {
		return err
	}
	target := *outPath
	if target == "" {
		target = *docPath
	}
	return writeDocument(target, doc)
}

func runExport(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	docPath := fs.String("doc", "", "path to the nested document JSON")
	prefix := fs.String("prefix", "exports", "artifact key prefix")
	cellsPath := fs.String("cells", "", "path to a newline-separated cell index (default: derived from the document)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := readDocument(*docPath)
	if err != nil {
		return err
	}
	cells, err := resolveCellIndex(*cellsPath, doc)
	if err != nil {
		return err
	}
	svc, err := core.OpenServiceFromEnv(ctx)
	if err != nil {
		return err
	}
	infos, err := svc.ExportTables(ctx, doc, cells, *prefix)
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintf(stdout, "%s\t%d bytes\n", info.Key, info.Size)
	}
	return nil
}

func runSave(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("save", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "document name")
	docPath := fs.String("doc", "", "path to the nested document JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}
	doc, err := readDocument(*docPath)
	if err != nil {
		return err
	}
	svc, err := core.OpenServiceFromEnv(ctx)
	if err != nil {
		return err
	}
	rec, err := svc.SaveDocument(ctx, *name, doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s version %d\n", rec.Name, rec.Version)
	return nil
}

func runLoad(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "document name")
	version := fs.Int("version", 0, "document version (0 = latest)")
	outPath := fs.String("out", "cas.json", "path for the fetched document JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}
	svc, err := core.OpenServiceFromEnv(ctx)
	if err != nil {
		return err
	}
	rec, err := svc.LoadDocument(ctx, *name, *version)
	if err != nil {
		return err
	}
	return writeDocument(*outPath, rec.Document)
}

func runList(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc, err := core.OpenServiceFromEnv(ctx)
	if err != nil {
		return err
	}
	names, err := svc.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(stdout, name)
	}
	return nil
}

func readDocument(path string) (*cas.AnnotationSet, error) {
	if path == "" {
		return nil, fmt.Errorf("-doc is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return cas.ParseAnnotationSet(data)
}

func writeDocument(path string, doc *cas.AnnotationSet) error {
	data, err := doc.MarshalIndent()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// sidecarPath resolves the metadata sidecar location: an explicit flag wins,
// otherwise the table path's extension is swapped for .meta.json.
func sidecarPath(explicit, tablePath string) string {
	if explicit != "" {
		return explicit
	}
	base := strings.TrimSuffix(tablePath, ".tsv")
	return base + ".meta.json"
}

func readTable(path, metaPath, fill string) (*table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()
	tbl, err := table.DecodeTSV(f, fill)
	if err != nil {
		return nil, err
	}
	if metaPath != "" {
		mf, err := os.Open(metaPath)
		if os.IsNotExist(err) {
			return tbl, nil
		}
		if err != nil {
			return nil, fmt.Errorf("open table meta: %w", err)
		}
		defer mf.Close()
		if err := tbl.DecodeMeta(mf); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

func writeTable(path, metaPath string, tbl *table.Table, fill string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close table: %w", cerr)
		}
	}()
	if err := tbl.EncodeTSV(f, fill); err != nil {
		return err
	}
	mf, err := os.Create(metaPath)
	if err != nil {
		return fmt.Errorf("create table meta: %w", err)
	}
	defer func() {
		if cerr := mf.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close table meta: %w", cerr)
		}
	}()
	return tbl.EncodeMeta(mf)
}

// resolveCellIndex reads the explicit index file when given, otherwise derives
// a deterministic index from the union of the document's explicit memberships.
func resolveCellIndex(path string, doc *cas.AnnotationSet) ([]string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read cell index: %w", err)
		}
		var cells []string
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				cells = append(cells, line)
			}
		}
		if len(cells) == 0 {
			return nil, fmt.Errorf("cell index %s is empty", path)
		}
		return cells, nil
	}
	union := make(cas.StringSet)
	for i := range doc.Annotations {
		union.AddAll(doc.Annotations[i].MemberSet())
	}
	if len(union) == 0 {
		return nil, fmt.Errorf("document carries no explicit cell memberships; pass -cells")
	}
	return union.Sorted(), nil
}

func splitFlagList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
