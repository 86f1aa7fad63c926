package api

import (
	"context"
	"net/http"

	"collabrelay/internal/auth"
	"collabrelay/internal/models"
	"collabrelay/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package is the CONSUMER of the registry, the version store and the
WebSocket handler, so the interfaces it needs live HERE. Handlers can be tested
against the real in-memory registry or a fake, and the service packages never
import api.
*/

// SessionRegistry is what handlers need from the collaboration registry
type SessionRegistry interface {
	Acquire(ctx context.Context, documentID string) (*collaboration.Session, error)
	Lookup(documentID string) (*collaboration.Session, bool)
	Stats() collaboration.Stats
	DocumentIDs() []string
}

// VersionReader serves read-only version endpoints without loading a session
type VersionReader interface {
	List(ctx context.Context, documentID string) ([]*models.VersionMetadata, error)
	Get(ctx context.Context, documentID, versionID string) (*models.Version, error)
	Compare(ctx context.Context, documentID, versionID1, versionID2 string) (*models.VersionComparison, error)
}

// WebSocketEndpoints upgrades collaboration connections
type WebSocketEndpoints interface {
	HandleDocumentConnection(w http.ResponseWriter, r *http.Request)
	HandleConnection(w http.ResponseWriter, r *http.Request)
}

// TokenVerifier checks REST credentials the same way as WebSocket ones
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// QueueReporter exposes the persistence backlog; optional
type QueueReporter interface {
	GetQueueLength() int
}
