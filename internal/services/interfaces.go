package services

import (
	"context"
)

/*
LEARNING: CONSUMER-SIDE INTERFACES

"Accept interfaces, return structs" - Rob Pike

Interfaces are declared where they are USED. The flusher only needs to load and
store opaque state, so that is all it asks for; the PostgreSQL and SQLite
repositories satisfy it without knowing it exists.
*/

// StateStore is the durable load/store hook for replicated state
type StateStore interface {
	// Load returns nil (and no error) when nothing is stored for the document
	Load(ctx context.Context, documentID string) ([]byte, error)
	Store(ctx context.Context, documentID string, state []byte) error
}
