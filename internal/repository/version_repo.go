package repository

import (
	"context"
	"errors"
	"fmt"

	"collabrelay/internal/models"
	"collabrelay/internal/services/versions"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VersionRepositoryImpl stores versions in PostgreSQL
// Learning: Implements versions.Catalog without importing the interface itself
type VersionRepositoryImpl struct {
	db *gorm.DB
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(db *gorm.DB) *VersionRepositoryImpl {
	return &VersionRepositoryImpl{db: db}
}

// NextSequence advances the per-document counter inside a row-locked transaction
func (r *VersionRepositoryImpl) NextSequence(ctx context.Context, documentID string) (int, error) {
	var next int

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter := models.VersionCounter{DocumentID: documentID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&counter).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&counter, "document_id = ?", documentID).Error; err != nil {
			return err
		}

		var maxExisting int
		if err := tx.Model(&models.Version{}).
			Where("document_id = ?", documentID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxExisting).Error; err != nil {
			return err
		}

		next = max(counter.LastSequence, maxExisting) + 1

		return tx.Model(&models.VersionCounter{}).
			Where("document_id = ?", documentID).
			Update("last_sequence", next).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance version counter: %w", err)
	}

	return next, nil
}

// Append inserts a version
func (r *VersionRepositoryImpl) Append(ctx context.Context, version *models.Version) error {
	if err := r.db.WithContext(ctx).Create(version).Error; err != nil {
		return fmt.Errorf("failed to create version: %w", err)
	}
	return nil
}

// List returns all versions of a document, oldest first
func (r *VersionRepositoryImpl) List(ctx context.Context, documentID string) ([]*models.Version, error) {
	var list []*models.Version

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("sequence ASC").
		Find(&list).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	return list, nil
}

// Get retrieves one version with its snapshot
func (r *VersionRepositoryImpl) Get(ctx context.Context, documentID, versionID string) (*models.Version, error) {
	var version models.Version

	err := r.db.WithContext(ctx).
		Where("document_id = ? AND id = ?", documentID, versionID).
		First(&version).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, versions.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	return &version, nil
}

// Delete permanently removes a version
func (r *VersionRepositoryImpl) Delete(ctx context.Context, documentID, versionID string) error {
	result := r.db.WithContext(ctx).
		Where("document_id = ? AND id = ?", documentID, versionID).
		Delete(&models.Version{})

	if result.Error != nil {
		return fmt.Errorf("failed to delete version: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return versions.ErrVersionNotFound
	}

	return nil
}
