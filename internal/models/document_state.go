package models

import (
	"time"
)

/*
LEARNING: REPLICATED STATE SNAPSHOTS

The relay keeps one merged CRDT state per document in memory. Persisting that
state (instead of every individual update) means:
1. A restarted relay can answer the first join without replaying history
2. Storage size tracks document size, not edit count
3. Merge order never matters - the snapshot already contains every update

Flow:
  Client edit → update blob → merged into session state → broadcast
  → (periodically) snapshot flushed to the state store
*/

// DocumentState stores the latest merged replicated state of one document
type DocumentState struct {
	DocumentID string    `gorm:"type:varchar(255);primaryKey" json:"document_id"`
	State      []byte    `gorm:"type:bytea;not null" json:"-"` // Opaque CRDT snapshot
	Size       int       `gorm:"not null" json:"size"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName override
func (DocumentState) TableName() string {
	return "document_states"
}
