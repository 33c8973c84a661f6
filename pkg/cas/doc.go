// Package cas defines the Cell Annotation Schema (CAS) value types shared by
// the codec, hierarchy, and reconciliation engines: labelsets, annotations,
// the annotation-set document, and the structured error taxonomy.
package cas
