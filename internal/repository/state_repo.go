package repository

import (
	"context"
	"errors"
	"fmt"

	"collabrelay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: REPLICATED STATE PERSISTENCE

Storing the merged state allows:
1. New clients to get full document state after a relay restart
2. Idle sessions to be evicted from memory without data loss
3. A single row per document regardless of edit volume

Query patterns:
- Load: first join after start/eviction
- Store: periodic flush and eviction (upsert)
*/

// StateRepositoryImpl handles replicated state storage
type StateRepositoryImpl struct {
	db *gorm.DB
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *gorm.DB) *StateRepositoryImpl {
	return &StateRepositoryImpl{db: db}
}

// Load returns the stored state, or nil when the document has none yet
func (r *StateRepositoryImpl) Load(ctx context.Context, documentID string) ([]byte, error) {
	var state models.DocumentState

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		First(&state).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // Nothing stored yet
		}
		return nil, fmt.Errorf("failed to load document state: %w", err)
	}

	return state.State, nil
}

// Store upserts the state of a document
func (r *StateRepositoryImpl) Store(ctx context.Context, documentID string, state []byte) error {
	row := &models.DocumentState{
		DocumentID: documentID,
		State:      state,
		Size:       len(state),
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "size", "updated_at"}),
		}).
		Create(row).Error

	if err != nil {
		return fmt.Errorf("failed to store document state: %w", err)
	}

	return nil
}
