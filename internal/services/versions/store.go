package versions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"collabrelay/internal/crdt"
	"collabrelay/internal/models"

	"github.com/segmentio/ksuid"
)

/*
LEARNING: BOUNDED SNAPSHOT HISTORY

Each version is a FULL copy of the replicated state, never a diff, so any
version can be restored on its own. History is capped per document; saving
past the cap evicts the oldest versions by sequence number.

Sequence numbers come from a per-document high-water mark kept by the
catalog, so they keep increasing even after the newest version is deleted.
*/

// DefaultLimit is the number of versions retained per document
const DefaultLimit = 50

const (
	AnonymousAuthor        = "Anonymous"
	AutoSaveDescription    = "Auto-saved version"
	RestoredTitlePrefix    = "Restored: "
	restoreDescriptionForm = "Restored from version %d"
)

var ErrVersionNotFound = errors.New("version not found")

// Catalog is the storage backend for versions.
// The Store serializes calls per document, so implementations only need to be
// safe across documents.
type Catalog interface {
	// NextSequence advances and returns the document's sequence counter.
	// The result is greater than every sequence ever assigned for the document.
	NextSequence(ctx context.Context, documentID string) (int, error)
	Append(ctx context.Context, version *models.Version) error
	// List returns versions with content, ascending by sequence.
	List(ctx context.Context, documentID string) ([]*models.Version, error)
	// Get returns ErrVersionNotFound for unknown ids.
	Get(ctx context.Context, documentID, versionID string) (*models.Version, error)
	// Delete returns ErrVersionNotFound for unknown ids.
	Delete(ctx context.Context, documentID, versionID string) error
}

// SaveOptions describe a version being saved
type SaveOptions struct {
	Author      string
	Title       string
	Description string
	IsAutoSave  bool
}

// RestoreOptions builds the audit version saved after a restore
func RestoreOptions(author string, restored *models.Version) SaveOptions {
	return SaveOptions{
		Author:      author,
		Title:       RestoredTitlePrefix + restored.Title,
		Description: fmt.Sprintf(restoreDescriptionForm, restored.Sequence),
		IsAutoSave:  true,
	}
}

// Store manages the version history of every document
type Store struct {
	catalog Catalog
	factory crdt.Factory
	limit   int
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // documentID -> lock
}

// NewStore creates a version store. A non-positive limit uses DefaultLimit.
func NewStore(catalog Catalog, factory crdt.Factory, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		catalog: catalog,
		factory: factory,
		limit:   limit,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Limit returns the per-document cap
func (s *Store) Limit() int {
	return s.limit
}

func (s *Store) lock(documentID string) func() {
	s.mu.Lock()
	l, ok := s.locks[documentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[documentID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Save captures doc as a new version.
// It returns (nil, nil) when doc is empty: a refusal, not a failure.
func (s *Store) Save(ctx context.Context, documentID string, doc crdt.Document, opts SaveOptions) (*models.Version, error) {
	if doc.Empty() {
		return nil, nil
	}

	unlock := s.lock(documentID)
	defer unlock()

	seq, err := s.catalog.NextSequence(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to assign version number: %w", err)
	}

	author := opts.Author
	if author == "" {
		author = AnonymousAuthor
	}
	title := opts.Title
	if title == "" {
		title = models.DefaultVersionTitle(seq)
	}

	version := &models.Version{
		ID:          ksuid.New().String(),
		DocumentID:  documentID,
		Sequence:    seq,
		Title:       title,
		Author:      author,
		Timestamp:   s.now().UnixMilli(),
		Description: opts.Description,
		IsAutoSave:  opts.IsAutoSave,
		Content:     doc.Snapshot(),
	}

	if err := s.catalog.Append(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to store version: %w", err)
	}

	// the version is stored; the next save trims whatever is left over
	if err := s.evict(ctx, documentID); err != nil {
		log.Printf("⚠️  Could not trim versions of %s: %v", documentID, err)
	}

	return version, nil
}

// evict drops the oldest versions beyond the cap
func (s *Store) evict(ctx context.Context, documentID string) error {
	all, err := s.catalog.List(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to list versions: %w", err)
	}
	if len(all) <= s.limit {
		return nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })
	for _, v := range all[:len(all)-s.limit] {
		if err := s.catalog.Delete(ctx, documentID, v.ID); err != nil && !errors.Is(err, ErrVersionNotFound) {
			return fmt.Errorf("failed to evict version %s: %w", v.ID, err)
		}
	}
	return nil
}

// Get returns a version with its snapshot
func (s *Store) Get(ctx context.Context, documentID, versionID string) (*models.Version, error) {
	v, err := s.catalog.Get(ctx, documentID, versionID)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

// Snapshot returns the exact bytes that were saved
func (s *Store) Snapshot(ctx context.Context, documentID, versionID string) ([]byte, error) {
	v, err := s.Get(ctx, documentID, versionID)
	if err != nil {
		return nil, err
	}
	return v.Content, nil
}

// Restore rebuilds a replica purely from the stored snapshot
func (s *Store) Restore(ctx context.Context, documentID, versionID string) (crdt.Document, error) {
	snapshot, err := s.Snapshot(ctx, documentID, versionID)
	if err != nil {
		return nil, err
	}
	doc, err := s.factory.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild version %s: %w", versionID, err)
	}
	return doc, nil
}

// Delete removes a version
func (s *Store) Delete(ctx context.Context, documentID, versionID string) error {
	unlock := s.lock(documentID)
	defer unlock()

	return s.catalog.Delete(ctx, documentID, versionID)
}

// Compare reports the byte-size difference between two versions
func (s *Store) Compare(ctx context.Context, documentID, versionID1, versionID2 string) (*models.VersionComparison, error) {
	v1, err := s.catalog.Get(ctx, documentID, versionID1)
	if err != nil {
		return nil, err
	}
	v2, err := s.catalog.Get(ctx, documentID, versionID2)
	if err != nil {
		return nil, err
	}

	return &models.VersionComparison{
		Version1: v1.Metadata(),
		Version2: v2.Metadata(),
		SizeDiff: len(v2.Content) - len(v1.Content),
	}, nil
}

// List returns version metadata, newest first
func (s *Store) List(ctx context.Context, documentID string) ([]*models.VersionMetadata, error) {
	all, err := s.catalog.List(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	result := make([]*models.VersionMetadata, 0, len(all))
	for _, v := range all {
		result = append(result, v.Metadata())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version > result[j].Version })

	return result, nil
}
