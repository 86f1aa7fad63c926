package models

import (
	"fmt"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Version is an immutable, full snapshot of a document's replicated state.
// Restoring a version never depends on any other version.
type Version struct {
	ID          string `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_version_doc_seq,priority:1" json:"documentId"`
	Sequence    int    `gorm:"not null;uniqueIndex:idx_version_doc_seq,priority:2" json:"version"`
	Title       string `gorm:"type:text;not null" json:"title"`
	Author      string `gorm:"type:varchar(255);not null" json:"author"`
	Timestamp   int64  `gorm:"not null" json:"timestamp"` // Unix milliseconds
	Description string `gorm:"type:text" json:"description,omitempty"`
	IsAutoSave  bool   `gorm:"not null;default:false" json:"isAutoSave"`
	Content     []byte `gorm:"type:bytea;not null" json:"-"`
}

// BeforeCreate generates KSUID
func (v *Version) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (Version) TableName() string {
	return "document_versions"
}

// DefaultVersionTitle is used when a version is saved without a title
func DefaultVersionTitle(sequence int) string {
	return fmt.Sprintf("Version %d", sequence)
}

// Metadata projects the version without its snapshot
func (v *Version) Metadata() *VersionMetadata {
	return &VersionMetadata{
		ID:          v.ID,
		Version:     v.Sequence,
		Title:       v.Title,
		Author:      v.Author,
		Timestamp:   v.Timestamp,
		Description: v.Description,
		IsAutoSave:  v.IsAutoSave,
		Size:        len(v.Content),
	}
}

// Clone returns a deep copy so callers never share snapshot bytes
func (v *Version) Clone() *Version {
	c := *v
	c.Content = append([]byte(nil), v.Content...)
	return &c
}

// VersionMetadata is what listings and notifications carry.
// Size is the byte length of the omitted snapshot.
type VersionMetadata struct {
	ID          string `json:"id"`
	Version     int    `json:"version"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Timestamp   int64  `json:"timestamp"`
	Description string `json:"description,omitempty"`
	IsAutoSave  bool   `json:"isAutoSave"`
	Size        int    `json:"size"`
}

// VersionComparison is a byte-size comparison, not a content diff
type VersionComparison struct {
	Version1 *VersionMetadata `json:"version1"`
	Version2 *VersionMetadata `json:"version2"`
	SizeDiff int              `json:"sizeDiff"` // size(version2) - size(version1)
}

// VersionCounter is the per-document high-water mark for sequence numbers.
// It survives deletions so numbers are never reused.
type VersionCounter struct {
	DocumentID   string `gorm:"type:varchar(255);primaryKey"`
	LastSequence int    `gorm:"not null;default:0"`
}

// TableName override
func (VersionCounter) TableName() string {
	return "document_version_counters"
}
