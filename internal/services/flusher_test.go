package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

type recordingStore struct {
	mu     sync.Mutex
	states map[string][]byte
	writes int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{states: make(map[string][]byte)}
}

func (s *recordingStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[documentID], nil
}

func (s *recordingStore) Store(ctx context.Context, documentID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[documentID] = state
	s.writes++
	return nil
}

func TestFlusherDrainsOnShutdown(t *testing.T) {
	store := newRecordingStore()
	flusher := NewFlusher(store, 2, 16)
	flusher.Start()

	assert.Equal(t, flusher.Submit("a", []byte("a1")), nil)
	assert.Equal(t, flusher.Submit("b", []byte("b1")), nil)
	flusher.Shutdown()

	a, _ := flusher.Load(context.Background(), "a")
	b, _ := flusher.Load(context.Background(), "b")
	assert.Equal(t, a, []byte("a1"))
	assert.Equal(t, b, []byte("b1"))

	assert.Equal(t, errors.Is(flusher.Submit("a", []byte("late")), ErrShuttingDown), true)

	// a second shutdown is a no-op
	flusher.Shutdown()
}

func TestFlusherQueueFull(t *testing.T) {
	store := newRecordingStore()
	// not started: nothing drains the queue
	flusher := NewFlusher(store, 1, 1)

	assert.Equal(t, flusher.Submit("a", []byte("1")), nil)
	assert.Equal(t, flusher.GetQueueLength(), 1)
	assert.Equal(t, errors.Is(flusher.Submit("a", []byte("2")), ErrQueueFull), true)

	flusher.Start()
	flusher.Shutdown()
	state, _ := store.Load(context.Background(), "a")
	assert.Equal(t, state, []byte("1"))
}

func TestFlusherSkipsStaleSnapshot(t *testing.T) {
	store := newRecordingStore()
	flusher := NewFlusher(store, 1, 4)

	// queued first, so it carries the older revision
	assert.Equal(t, flusher.Submit("a", []byte("old")), nil)

	assert.Equal(t, flusher.Flush(context.Background(), "a", []byte("new")), nil)

	flusher.Start()
	flusher.Shutdown()

	state, _ := store.Load(context.Background(), "a")
	assert.Equal(t, state, []byte("new"))
	assert.Equal(t, store.writes, 1)
}

func trackedDocuments(f *FlusherImpl) int {
	f.revMu.Lock()
	defer f.revMu.Unlock()
	return len(f.revisions)
}

func TestFlusherForgetsSettledDocuments(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	flusher := NewFlusher(store, 1, 8)

	// a document that was flushed once and then evicted
	assert.Equal(t, flusher.Flush(ctx, "gone", []byte("final")), nil)
	assert.Equal(t, trackedDocuments(flusher), 0)

	// queued jobs keep their document tracked until stored
	assert.Equal(t, flusher.Submit("a", []byte("a1")), nil)
	assert.Equal(t, flusher.Submit("b", []byte("b1")), nil)
	assert.Equal(t, trackedDocuments(flusher), 2)

	// a full queue does not leave a record behind
	full := NewFlusher(store, 1, 0)
	assert.Equal(t, errors.Is(full.Submit("c", []byte("c1")), ErrQueueFull), true)
	assert.Equal(t, trackedDocuments(full), 0)

	flusher.Start()
	flusher.Shutdown()
	assert.Equal(t, trackedDocuments(flusher), 0)

	// a document stored again after being forgotten is still written
	assert.Equal(t, flusher.Flush(ctx, "a", []byte("a2")), nil)
	state, _ := store.Load(ctx, "a")
	assert.Equal(t, state, []byte("a2"))
	assert.Equal(t, trackedDocuments(flusher), 0)
}

func TestFlusherRetriesAfterFailedStore(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{recordingStore: newRecordingStore(), failures: 1}
	flusher := NewFlusher(store, 1, 4)

	assert.NotEqual(t, flusher.Flush(ctx, "a", []byte("lost")), nil)
	assert.Equal(t, flusher.Flush(ctx, "a", []byte("kept")), nil)

	state, _ := store.Load(ctx, "a")
	assert.Equal(t, state, []byte("kept"))
}

// failingStore fails the first writes it is given
type failingStore struct {
	*recordingStore
	failures int
}

func (s *failingStore) Store(ctx context.Context, documentID string, state []byte) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("database unavailable")
	}
	s.mu.Unlock()
	return s.recordingStore.Store(ctx, documentID, state)
}
