package versions

import (
	"context"
	"sync"

	"collabrelay/internal/models"
)

// MemoryCatalog keeps versions in process memory
type MemoryCatalog struct {
	mu       sync.RWMutex
	versions map[string][]*models.Version // documentID -> versions, ascending by sequence
	counters map[string]int
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		versions: make(map[string][]*models.Version),
		counters: make(map[string]int),
	}
}

func (c *MemoryCatalog) NextSequence(ctx context.Context, documentID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.counters[documentID]
	for _, v := range c.versions[documentID] {
		if v.Sequence > next {
			next = v.Sequence
		}
	}
	next++
	c.counters[documentID] = next

	return next, nil
}

func (c *MemoryCatalog) Append(ctx context.Context, version *models.Version) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.versions[version.DocumentID]
	i := len(list)
	for i > 0 && list[i-1].Sequence > version.Sequence {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = version.Clone()
	c.versions[version.DocumentID] = list

	return nil
}

func (c *MemoryCatalog) List(ctx context.Context, documentID string) ([]*models.Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.versions[documentID]
	result := make([]*models.Version, 0, len(list))
	for _, v := range list {
		result = append(result, v.Clone())
	}
	return result, nil
}

func (c *MemoryCatalog) Get(ctx context.Context, documentID, versionID string) (*models.Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, v := range c.versions[documentID] {
		if v.ID == versionID {
			return v.Clone(), nil
		}
	}
	return nil, ErrVersionNotFound
}

func (c *MemoryCatalog) Delete(ctx context.Context, documentID, versionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.versions[documentID]
	for i, v := range list {
		if v.ID == versionID {
			c.versions[documentID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrVersionNotFound
}
