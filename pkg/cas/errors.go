package cas

import "fmt"

// EmptyMemberSetError reports an accession request for a cell set with no
// members. This always indicates a caller bug and aborts the pipeline.
type EmptyMemberSetError struct {
	Scope string
}

func (e *EmptyMemberSetError) Error() string {
	if e.Scope == "" {
		return "cas: accession requested for empty member set"
	}
	return fmt.Sprintf("cas: accession requested for empty member set in labelset %q", e.Scope)
}

// InvalidHierarchyError reports a parent link whose target rank is not
// strictly coarser than the child's rank.
type InvalidHierarchyError struct {
	Child      LabelKey
	Parent     LabelKey
	ChildRank  int
	ParentRank int
}

func (e *InvalidHierarchyError) Error() string {
	return fmt.Sprintf("cas: parent %s (rank %d) of %s (rank %d) must be strictly coarser",
		e.Parent, e.ParentRank, e.Child, e.ChildRank)
}

// AmbiguousMembershipError reports two labels in one labelset carrying
// identical non-empty member sets, which makes set identity ambiguous.
type AmbiguousMembershipError struct {
	Labelset string
	First    LabelKey
	Second   LabelKey
}

func (e *AmbiguousMembershipError) Error() string {
	return fmt.Sprintf("cas: labels %s and %s in labelset %q share identical member sets",
		e.First, e.Second, e.Labelset)
}

// Logger is the minimal warning sink used across the codec. *log.Logger
// satisfies it; tests inject capturing implementations.
type Logger interface {
	Printf(format string, args ...any)
}
