package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

// Participant represents an active WebSocket connection to a document
type Participant struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	UserName     string    `json:"user_name"`
	ClientID     int64     `json:"client_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// AwarenessEntry represents user presence information (cursor, selection, etc.)
// Learning: This is separate from document content - it's ephemeral user state.
// State is kept verbatim; User is a best-effort view of the common {user: {name, color}} shape.
type AwarenessEntry struct {
	ClientID int64           `json:"client_id"`
	User     *UserInfo       `json:"user,omitempty"`
	State    json.RawMessage `json:"state"`
	LastSeen time.Time       `json:"last_seen"`
}

// UserInfo represents information about a connected user
type UserInfo struct {
	Name  string `json:"name"`
	Color string `json:"color"` // Hex color for cursor/highlight
}

// NewAwarenessEntry builds an entry from an opaque presence state
func NewAwarenessEntry(clientID int64, state json.RawMessage, seen time.Time) *AwarenessEntry {
	entry := &AwarenessEntry{
		ClientID: clientID,
		State:    append(json.RawMessage(nil), state...),
		LastSeen: seen,
	}

	var shape struct {
		User *UserInfo `json:"user"`
	}
	if err := json.Unmarshal(state, &shape); err == nil && shape.User != nil {
		entry.User = shape.User
	}

	return entry
}

func NewParticipant(documentID, userName string, clientID int64) *Participant {
	return &Participant{
		ID:           ksuid.New().String(),
		DocumentID:   documentID,
		UserName:     userName,
		ClientID:     clientID,
		ConnectedAt:  time.Now(),
		LastActiveAt: time.Now(),
	}
}
