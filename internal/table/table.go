// Package table provides the in-memory flat per-cell table the codec
// projects onto: one row per cell, one categorical column per ranked
// labelset plus "{labelset}--{field}" composite columns, and a separate
// global metadata map for rankless labelsets.
package table

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"cascore/pkg/cas"
)

// FieldKind tags how a composite column's values were produced, so that
// unflattening never has to guess whether a delimiter-bearing string was a
// list. This carries the type information the flat form would otherwise lose.
type FieldKind int

const (
	// FieldScalar holds plain single string values.
	FieldScalar FieldKind = iota
	// FieldList holds sorted, "|"-joined list values.
	FieldList
	// FieldStructured holds JSON-encoded mappings.
	FieldStructured
)

// ListSeparator joins list-valued fields in flat columns.
const ListSeparator = "|"

// CompositeSeparator joins labelset and field name in composite column keys.
const CompositeSeparator = "--"

// CompositeKey builds the column key for a non-label field of a labelset.
func CompositeKey(labelset, field string) string {
	return labelset + CompositeSeparator + field
}

// SplitCompositeKey splits a composite column key into labelset and field.
// ok is false for bare labelset columns.
func SplitCompositeKey(key string) (labelset, field string, ok bool) {
	i := strings.Index(key, CompositeSeparator)
	if i < 0 {
		return key, "", false
	}
	return key[:i], key[i+len(CompositeSeparator):], true
}

// JoinList serializes a list-valued field: sorted, "|"-joined.
func JoinList(values []string) string {
	cp := append([]string(nil), values...)
	sort.Strings(cp)
	return strings.Join(cp, ListSeparator)
}

// SplitList is the inverse of JoinList.
func SplitList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ListSeparator)
}

const blankCode = -1

// Column is a categorically encoded per-cell column. Codes index into the
// vocabulary of distinct non-blank values; blankCode marks rows with no
// annotation at this level, which is distinct from an explicit empty string.
type Column struct {
	Name  string
	Kind  FieldKind
	codes []int
	vocab []string
	index map[string]int
}

func newColumn(name string, kind FieldKind, rows int) *Column {
	codes := make([]int, rows)
	for i := range codes {
		codes[i] = blankCode
	}
	return &Column{Name: name, Kind: kind, codes: codes, index: make(map[string]int)}
}

func (c *Column) code(value string) int {
	if i, ok := c.index[value]; ok {
		return i
	}
	i := len(c.vocab)
	c.vocab = append(c.vocab, value)
	c.index[value] = i
	return i
}

// Categories returns the vocabulary of distinct non-blank values, sorted.
func (c *Column) Categories() []string {
	out := append([]string(nil), c.vocab...)
	sort.Strings(out)
	return out
}

// Table is the flat per-cell form of an annotation set.
type Table struct {
	cellIDs  []string
	rowIndex map[string]int
	columns  map[string]*Column
	order    []string
	// Meta holds rankless-labelset and document-level metadata, keyed
	// "{labelset}--{field}". It is global, not per-row.
	Meta map[string]string
	// MetaKinds tags Meta entries the same way column kinds tag columns.
	MetaKinds map[string]FieldKind
}

// New builds an empty table over the ordered cell index.
func New(cellIDs []string) (*Table, error) {
	rowIndex := make(map[string]int, len(cellIDs))
	for i, id := range cellIDs {
		if _, dup := rowIndex[id]; dup {
			return nil, fmt.Errorf("table: duplicate cell id %q", id)
		}
		rowIndex[id] = i
	}
	return &Table{
		cellIDs:   append([]string(nil), cellIDs...),
		rowIndex:  rowIndex,
		columns:   make(map[string]*Column),
		Meta:      make(map[string]string),
		MetaKinds: make(map[string]FieldKind),
	}, nil
}

// CellIDs returns the ordered row index.
func (t *Table) CellIDs() []string { return append([]string(nil), t.cellIDs...) }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.cellIDs) }

// EnsureColumn returns the named column, creating it with the given kind.
func (t *Table) EnsureColumn(name string, kind FieldKind) *Column {
	if col, ok := t.columns[name]; ok {
		return col
	}
	col := newColumn(name, kind, len(t.cellIDs))
	t.columns[name] = col
	t.order = append(t.order, name)
	return col
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	return t.columns[name]
}

// ColumnNames returns column keys in creation order.
func (t *Table) ColumnNames() []string { return append([]string(nil), t.order...) }

// DropColumn removes a column. Used by external edits in tests.
func (t *Table) DropColumn(name string) {
	if _, ok := t.columns[name]; !ok {
		return
	}
	delete(t.columns, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// SetMasked assigns value to the column for every member cell present in the
// row index, leaving all other rows untouched. It returns the number of
// member IDs not found in the index.
func (t *Table) SetMasked(column string, kind FieldKind, members cas.StringSet, value string) int {
	col := t.EnsureColumn(column, kind)
	code := col.code(value)
	missing := 0
	for id := range members {
		row, ok := t.rowIndex[id]
		if !ok {
			missing++
			continue
		}
		col.codes[row] = code
	}
	return missing
}

// Set assigns a single cell's value.
func (t *Table) Set(column string, kind FieldKind, cellID, value string) error {
	row, ok := t.rowIndex[cellID]
	if !ok {
		return fmt.Errorf("table: unknown cell id %q", cellID)
	}
	col := t.EnsureColumn(column, kind)
	col.codes[row] = col.code(value)
	return nil
}

// Value returns the column value for a cell. ok is false when the row is
// blank (no annotation at this level) or the column/cell is unknown.
func (t *Table) Value(column, cellID string) (string, bool) {
	col, okc := t.columns[column]
	row, okr := t.rowIndex[cellID]
	if !okc || !okr {
		return "", false
	}
	code := col.codes[row]
	if code == blankCode {
		return "", false
	}
	return col.vocab[code], true
}

// GroupBy groups row cell IDs by the column's value. Blank rows are excluded;
// an explicitly empty-string value forms its own group.
func (t *Table) GroupBy(column string) map[string]cas.StringSet {
	col, ok := t.columns[column]
	if !ok {
		return nil
	}
	groups := make(map[string]cas.StringSet)
	for row, code := range col.codes {
		if code == blankCode {
			continue
		}
		v := col.vocab[code]
		if groups[v] == nil {
			groups[v] = make(cas.StringSet)
		}
		groups[v].Add(t.cellIDs[row])
	}
	return groups
}

// ReplaceValue rewrites every occurrence of old with new in the column's
// vocabulary, preserving row membership. It models an external label rename
// on the flat form.
func (t *Table) ReplaceValue(column, old, new string) bool {
	col, ok := t.columns[column]
	if !ok {
		return false
	}
	i, ok := col.index[old]
	if !ok {
		return false
	}
	if j, clash := col.index[new]; clash {
		// Merge categories when the target value already exists.
		for row, code := range col.codes {
			if code == i {
				col.codes[row] = j
			}
		}
		delete(col.index, old)
		return true
	}
	col.vocab[i] = new
	delete(col.index, old)
	col.index[new] = i
	return true
}

// EncodeTSV writes the table as a TSV document: header row of cell_id plus
// column keys, then one row per cell. Blank cells render as the fill value.
func (t *Table) EncodeTSV(w io.Writer, fill string) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	header := append([]string{"cell_id"}, t.order...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(header))
	for row, id := range t.cellIDs {
		record[0] = id
		for i, name := range t.order {
			col := t.columns[name]
			if code := col.codes[row]; code != blankCode {
				record[i+1] = col.vocab[code]
			} else {
				record[i+1] = fill
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %s: %w", id, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// DecodeTSV reads a table written by EncodeTSV. Cells equal to the fill value
// decode as blank rows; with an empty fill, explicitly empty strings are not
// distinguishable from blanks. All columns decode as scalar since the TSV form
// carries no kind tags.
func DecodeTSV(r io.Reader, fill string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read tsv: %w", err)
	}
	if len(records) == 0 || len(records[0]) == 0 || records[0][0] != "cell_id" {
		return nil, fmt.Errorf("tsv: first header column must be cell_id")
	}
	header := records[0]
	cellIDs := make([]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		cellIDs = append(cellIDs, rec[0])
	}
	tbl, err := New(cellIDs)
	if err != nil {
		return nil, err
	}
	for _, name := range header[1:] {
		tbl.EnsureColumn(name, FieldScalar)
	}
	for _, rec := range records[1:] {
		for i, name := range header[1:] {
			value := rec[i+1]
			if value == fill {
				continue
			}
			if err := tbl.Set(name, FieldScalar, rec[0], value); err != nil {
				return nil, err
			}
		}
	}
	return tbl, nil
}

// metaDocument is the sidecar serialization of the global metadata map, which
// the per-row TSV form cannot carry.
type metaDocument struct {
	Values map[string]string    `json:"values"`
	Kinds  map[string]FieldKind `json:"kinds,omitempty"`
}

// EncodeMeta writes the global metadata map as an indented JSON sidecar.
func (t *Table) EncodeMeta(w io.Writer) error {
	doc := metaDocument{Values: t.Meta, Kinds: t.MetaKinds}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode table meta: %w", err)
	}
	return nil
}

// DecodeMeta replaces the table's global metadata from a sidecar written by
// EncodeMeta.
func (t *Table) DecodeMeta(r io.Reader) error {
	var doc metaDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("decode table meta: %w", err)
	}
	if doc.Values == nil {
		doc.Values = make(map[string]string)
	}
	if doc.Kinds == nil {
		doc.Kinds = make(map[string]FieldKind)
	}
	t.Meta = doc.Values
	t.MetaKinds = doc.Kinds
	return nil
}
