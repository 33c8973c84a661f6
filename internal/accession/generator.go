// Package accession derives content-addressed identifiers for cell sets.
// An accession is a truncated digest of the sorted member cell IDs, so label
// renames never change it and membership edits always do.
package accession

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"

	"cascore/pkg/cas"
)

// DigestLength is the hex length of a content-addressed accession tail.
const DigestLength = 10

// Generator issues content-addressed accessions and tracks the set it has
// issued to detect digest collisions. Each pipeline run constructs its own
// generator; there is no shared process-wide state, so identical inputs
// across independent runs are reproducible.
type Generator struct {
	issued map[string]string // accession -> member fingerprint
	logger cas.Logger
}

// NewGenerator constructs a generator. A nil logger falls back to the
// standard logger.
func NewGenerator(logger cas.Logger) *Generator {
	if logger == nil {
		logger = log.Default()
	}
	return &Generator{issued: make(map[string]string), logger: logger}
}

// Generate derives the accession for the given member set, optionally scoped
// by a labelset name ("scope:digest"). The digest is invariant to input
// ordering. An empty member set is a caller bug and fails.
func (g *Generator) Generate(cellIDs cas.StringSet, scope string) (string, error) {
	if len(cellIDs) == 0 {
		return "", &cas.EmptyMemberSetError{Scope: scope}
	}
	joined := strings.Join(cellIDs.Sorted(), " ")
	sum := sha256.Sum256([]byte(joined))
	id := hex.EncodeToString(sum[:])[:DigestLength]
	if scope != "" {
		id = scope + ":" + id
	}
	if prev, ok := g.issued[id]; ok {
		if prev != joined {
			// Collision tolerance is deliberate: the digest space makes this
			// a caller bug to investigate, not a failure to enforce.
			g.logger.Printf("accession: digest collision on %s", id)
		}
		return id, nil
	}
	g.issued[id] = joined
	return id, nil
}

// IsContentAddress reports whether the accession looks generated: a tail of
// exactly DigestLength lowercase hex characters, optionally behind a single
// "scope:" prefix. Externally assigned sequential accessions do not match.
func IsContentAddress(accession string) bool {
	if accession == "" {
		return false
	}
	tail := accession
	if i := strings.LastIndex(accession, ":"); i >= 0 {
		tail = accession[i+1:]
	}
	if len(tail) != DigestLength {
		return false
	}
	for _, r := range tail {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
