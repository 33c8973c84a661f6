package cas

import "fmt"

// LabelKey identifies a label by the pair (labelset, label). Lookups are
// always keyed by this pair or by accession, never by bare label text, so
// that identical labels in different labelsets cannot collide.
type LabelKey struct {
	Labelset string
	Label    string
}

// String renders the key in the conventional "labelset:label" form.
func (k LabelKey) String() string { return fmt.Sprintf("%s:%s", k.Labelset, k.Label) }
