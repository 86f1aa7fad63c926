package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"collabrelay/internal/models"
	"collabrelay/internal/services/versions"

	bolt "go.etcd.io/bbolt"
)

var (
	versionsBucket = []byte("versions") // documentID -> (sequence -> version)
	countersBucket = []byte("version_counters")
)

// boltVersion is the stored form; unlike models.Version it keeps the content in JSON
type boltVersion struct {
	ID          string `json:"id"`
	DocumentID  string `json:"documentId"`
	Sequence    int    `json:"version"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Timestamp   int64  `json:"timestamp"`
	Description string `json:"description,omitempty"`
	IsAutoSave  bool   `json:"isAutoSave"`
	Content     []byte `json:"content"`
}

// BoltVersionCatalog keeps versions in a local bbolt file, one nested bucket per
// document keyed by big-endian sequence number so iteration is in sequence order.
type BoltVersionCatalog struct {
	db *bolt.DB
}

// OpenBoltVersionCatalog opens (or creates) the catalog file
func OpenBoltVersionCatalog(path string) (*BoltVersionCatalog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open version catalog %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(versionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(countersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize version catalog: %w", err)
	}

	return &BoltVersionCatalog{db: db}, nil
}

// Close closes the underlying file
func (c *BoltVersionCatalog) Close() error {
	return c.db.Close()
}

func sequenceKey(seq int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func (c *BoltVersionCatalog) NextSequence(ctx context.Context, documentID string) (int, error) {
	var next int

	err := c.db.Update(func(tx *bolt.Tx) error {
		counters := tx.Bucket(countersBucket)
		if raw := counters.Get([]byte(documentID)); raw != nil {
			next = int(binary.BigEndian.Uint64(raw))
		}

		if docBucket := tx.Bucket(versionsBucket).Bucket([]byte(documentID)); docBucket != nil {
			if last, _ := docBucket.Cursor().Last(); last != nil {
				next = max(next, int(binary.BigEndian.Uint64(last)))
			}
		}

		next++
		return counters.Put([]byte(documentID), sequenceKey(next))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance version counter: %w", err)
	}

	return next, nil
}

func (c *BoltVersionCatalog) Append(ctx context.Context, version *models.Version) error {
	record, err := json.Marshal(boltVersion{
		ID:          version.ID,
		DocumentID:  version.DocumentID,
		Sequence:    version.Sequence,
		Title:       version.Title,
		Author:      version.Author,
		Timestamp:   version.Timestamp,
		Description: version.Description,
		IsAutoSave:  version.IsAutoSave,
		Content:     version.Content,
	})
	if err != nil {
		return fmt.Errorf("failed to encode version: %w", err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		docBucket, err := tx.Bucket(versionsBucket).CreateBucketIfNotExists([]byte(version.DocumentID))
		if err != nil {
			return err
		}
		return docBucket.Put(sequenceKey(version.Sequence), record)
	})
}

func (c *BoltVersionCatalog) List(ctx context.Context, documentID string) ([]*models.Version, error) {
	var list []*models.Version

	err := c.db.View(func(tx *bolt.Tx) error {
		docBucket := tx.Bucket(versionsBucket).Bucket([]byte(documentID))
		if docBucket == nil {
			return nil
		}
		return docBucket.ForEach(func(_, raw []byte) error {
			v, err := decodeBoltVersion(raw)
			if err != nil {
				return err
			}
			list = append(list, v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	return list, nil
}

func (c *BoltVersionCatalog) Get(ctx context.Context, documentID, versionID string) (*models.Version, error) {
	var found *models.Version

	err := c.db.View(func(tx *bolt.Tx) error {
		_, v, err := findBoltVersion(tx, documentID, versionID)
		found = v
		return err
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, versions.ErrVersionNotFound
	}

	return found, nil
}

func (c *BoltVersionCatalog) Delete(ctx context.Context, documentID, versionID string) error {
	deleted := false

	err := c.db.Update(func(tx *bolt.Tx) error {
		key, v, err := findBoltVersion(tx, documentID, versionID)
		if err != nil || v == nil {
			return err
		}
		deleted = true
		return tx.Bucket(versionsBucket).Bucket([]byte(documentID)).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to delete version: %w", err)
	}
	if !deleted {
		return versions.ErrVersionNotFound
	}

	return nil
}

// findBoltVersion scans a document bucket; the per-document cap keeps it small
func findBoltVersion(tx *bolt.Tx, documentID, versionID string) ([]byte, *models.Version, error) {
	docBucket := tx.Bucket(versionsBucket).Bucket([]byte(documentID))
	if docBucket == nil {
		return nil, nil, nil
	}

	cursor := docBucket.Cursor()
	for key, raw := cursor.First(); key != nil; key, raw = cursor.Next() {
		v, err := decodeBoltVersion(raw)
		if err != nil {
			return nil, nil, err
		}
		if v.ID == versionID {
			return append([]byte(nil), key...), v, nil
		}
	}

	return nil, nil, nil
}

func decodeBoltVersion(raw []byte) (*models.Version, error) {
	var record boltVersion
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode version: %w", err)
	}
	return &models.Version{
		ID:          record.ID,
		DocumentID:  record.DocumentID,
		Sequence:    record.Sequence,
		Title:       record.Title,
		Author:      record.Author,
		Timestamp:   record.Timestamp,
		Description: record.Description,
		IsAutoSave:  record.IsAutoSave,
		Content:     record.Content,
	}, nil
}
