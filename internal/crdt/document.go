// Package crdt adapts a replicated data type to the narrow capability the
// relay needs: merge opaque update blobs, capture the full state, and swap
// the visible content for a saved snapshot. The relay and the version store
// depend only on these interfaces, so the primitive can be swapped without
// touching either.
package crdt

import "errors"

var ErrEmptyUpdate = errors.New("empty update")

// Document is one replica of a document's replicated state.
// Implementations are not safe for concurrent use; the owning session serializes access.
type Document interface {
	// Apply merges an update. Applying the same update twice has no further effect,
	// and the order in which updates are applied does not change the result.
	Apply(update []byte) error

	// Snapshot returns the full state. Loading it yields an equivalent replica.
	Snapshot() []byte

	// Empty reports whether the document has no content and no structure.
	Empty() bool

	// Replace clears the visible content and inserts the content of snapshot in
	// a single change. It returns the update that carries that change to other
	// replicas. On error the document may be partially modified; callers that
	// need atomicity replace on a copy.
	Replace(snapshot []byte) ([]byte, error)
}

// Factory creates replicas
type Factory interface {
	New() Document
	Load(state []byte) (Document, error)
}

// Clone copies a document through its snapshot
func Clone(f Factory, doc Document) (Document, error) {
	return f.Load(doc.Snapshot())
}
