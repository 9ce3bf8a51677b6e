// Package revision implements the Revision Tagger component (spec.md
// §4.2): it computes a revision string for a document pulled from the
// remote that later lets the Change Collector recognize "this came from
// pull, do not push it back."
//
// The hash mixes the replication identity into a content digest, following
// spec.md's "Recommended realization." xxhash is already in this module's
// dependency graph as a transitive hash used by BadgerDB/Ristretto
// (package cache); this package promotes it to a direct, concern-owning
// dependency for content hashing rather than hand-rolling one.
package revision

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"replisync/replidoc"
)

// Tagger computes and recognizes pull-tagged revisions for one document
// type T.
type Tagger[T replidoc.Document] struct{}

// NewTagger returns a Tagger for T.
func NewTagger[T replidoc.Document]() Tagger[T] { return Tagger[T]{} }

// ContentHash mixes the replication identity into a fast digest of the
// document's content. It is the "hash" half of a "<height>-<hash>"
// revision produced for a pulled document.
func (Tagger[T]) ContentHash(identity string, doc replidoc.WithDeleted[T]) string {
	payload, err := json.Marshal(doc)
	if err != nil {
		// Marshal of a well-formed document type cannot fail in practice;
		// fall back to hashing the identity alone so callers still get a
		// stable, identity-scoped value rather than a panic.
		payload = []byte(identity)
	}

	h := xxhash.New()
	_, _ = h.WriteString(identity)
	_, _ = h.Write([]byte{0}) // separator, prevents "ab"+"c" == "a"+"bc" collisions
	_, _ = h.Write(payload)
	return strconv.FormatUint(h.Sum64(), 16)
}

// TagPulledDocument computes the full "<height>-<hash>" revision a pulled
// document should be stored under. height is existingHeight+1 when a local
// version already existed, or 1 for a brand-new document (spec.md §4.4
// step 8).
func (t Tagger[T]) TagPulledDocument(identity string, doc replidoc.WithDeleted[T], existingHeight int64) string {
	height := existingHeight + 1
	if existingHeight <= 0 {
		height = 1
	}
	return replidoc.MakeRev(height, t.ContentHash(identity, doc))
}

// WasFromPullReplication reports whether rev was produced by
// TagPulledDocument for this identity and doc's current content.
//
// This is deliberately one-sided (spec.md §4.2, §9): it may return false
// for a revision that actually came from pull if the document's content
// changed since (a false negative - the document is merely pushed once
// needlessly), but it must never return true for a revision produced by a
// genuine local write, since a local writer's content independently
// colliding with the identity-mixed hash is cryptographically implausible.
func (t Tagger[T]) WasFromPullReplication(identity string, doc replidoc.WithDeleted[T], rev string) bool {
	if rev == "" {
		return false
	}
	return replidoc.RevHash(rev) == t.ContentHash(identity, doc)
}
