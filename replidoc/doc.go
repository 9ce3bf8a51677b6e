// Package replidoc defines the document shapes exchanged between the
// replication engine and its collaborators: the wire format sent to and
// received from the remote (WithDeleted), and the internal stored shape
// that carries replication metadata (LocalStoredDoc).
package replidoc

import (
	"errors"
	"fmt"
)

// ErrShouldNotHappen is the sentinel an SNHError's Is/Unwrap resolve to: an
// internal invariant was violated, indicating a bug in replisync itself
// rather than caller misuse of the public API (spec.md §7, "programmer
// misuse").
var ErrShouldNotHappen = errors.New("replisync: invariant violation")

// SNHError ("should not happen" error) wraps ErrShouldNotHappen with the
// detail of which invariant was violated. Mirrors nodestorage/v2's
// VersionError: a typed error carrying structured detail, reachable via
// errors.Is against a plain sentinel. Lives here, rather than in the root
// package's errors.go, so that package cycle - which must be able to raise
// it without importing the root package - can construct one directly.
type SNHError struct {
	Detail string
}

func (e *SNHError) Error() string {
	return fmt.Sprintf("replisync: invariant violation: %s", e.Detail)
}

func (e *SNHError) Is(target error) bool {
	return target == ErrShouldNotHappen
}

func (e *SNHError) Unwrap() error {
	return ErrShouldNotHappen
}

// Document is the constraint every replicated type must satisfy: a stable
// primary key used to address the document across pushes and pulls.
//
// This mirrors nodestorage/v2's Cachable[T] constraint, minus the Copy
// requirement — copying is the concern of the component that needs a
// scratch document (changes.Collector, revision.Tagger), not of the type
// itself.
type Document interface {
	PrimaryKey() string
}

// WithDeleted is the wire-format document exchanged with the remote: the
// caller's fields plus a tombstone flag. It deliberately carries no
// revision and no attachments metadata - those are storage-internal.
type WithDeleted[T Document] struct {
	Doc     T    `json:"doc"`
	Deleted bool `json:"deleted"`
}

// PrimaryKey delegates to the wrapped document.
func (w WithDeleted[T]) PrimaryKey() string { return w.Doc.PrimaryKey() }

// LocalStoredDoc is the internal, storage-owned representation: the
// caller's fields plus a revision string and the same tombstone flag.
//
// Rev follows the "<height>-<hash>" shape used throughout the spec: height
// is a monotonically increasing integer per document, hash identifies the
// content (and, for pulled documents, the replication identity that wrote
// it - see package revision).
type LocalStoredDoc[T Document] struct {
	Doc     T      `json:"doc"`
	Rev     string `json:"rev"`
	Deleted bool   `json:"deleted"`
}

// PrimaryKey delegates to the wrapped document.
func (d LocalStoredDoc[T]) PrimaryKey() string { return d.Doc.PrimaryKey() }

// ToWithDeleted strips storage metadata, producing the shape pushed to the
// remote.
func (d LocalStoredDoc[T]) ToWithDeleted() WithDeleted[T] {
	return WithDeleted[T]{Doc: d.Doc, Deleted: d.Deleted}
}

// RevHeight parses the leading integer out of a "<height>-<hash>" revision
// string. It returns 0 if rev is empty or malformed, which is the correct
// "no prior revision" value for a document that has never been stored.
func RevHeight(rev string) int64 {
	if rev == "" {
		return 0
	}
	var height int64
	var hash string
	if _, err := fmt.Sscanf(rev, "%d-%s", &height, &hash); err != nil {
		return 0
	}
	return height
}

// RevHash returns the hash portion of a "<height>-<hash>" revision string.
func RevHash(rev string) string {
	for i, r := range rev {
		if r == '-' {
			return rev[i+1:]
		}
	}
	return ""
}

// MakeRev assembles a "<height>-<hash>" revision string.
func MakeRev(height int64, hash string) string {
	return fmt.Sprintf("%d-%s", height, hash)
}
