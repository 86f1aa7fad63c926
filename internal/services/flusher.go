package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

/*
LEARNING: STATE FLUSH WORKER POOL

Sessions never write to the database on the update path. Instead the registry
periodically hands a snapshot to this pool:

1. **Bounded queue**: Submit never blocks a session; a full queue is reported
2. **Fixed workers**: Limits concurrent writes against the database
3. **Graceful shutdown**: Queued flushes are drained before Shutdown returns

Every snapshot gets a per-document revision when it is handed over. Workers
run in parallel, so an older snapshot can reach the front of the queue after a
newer one was already stored; it is skipped instead of overwriting newer state.
A document's revision record is dropped once no snapshot of it is in flight.
*/

var (
	ErrQueueFull    = errors.New("flush queue is full")
	ErrShuttingDown = errors.New("flusher is shutting down")
)

const flushTimeout = 10 * time.Second

// FlushJob is one state snapshot waiting to be stored
type FlushJob struct {
	DocumentID string
	State      []byte
	Revision   uint64

	revs *documentRevisions
}

type documentRevisions struct {
	next     uint64 // guarded by FlusherImpl.revMu
	inFlight int    // guarded by FlusherImpl.revMu

	mu     sync.Mutex // serializes stores of one document
	stored uint64
}

// FlusherImpl persists replicated state with a worker pool
type FlusherImpl struct {
	states StateStore

	// Worker pool components
	jobs    chan FlushJob
	workers int
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against Submit racing Shutdown
	closed  bool

	revMu     sync.Mutex
	revisions map[string]*documentRevisions
}

// NewFlusher creates a flusher; call Start before submitting
func NewFlusher(store StateStore, numWorkers int, queueSize int) *FlusherImpl {
	return &FlusherImpl{
		states:    store,
		jobs:      make(chan FlushJob, queueSize),
		workers:   numWorkers,
		revisions: make(map[string]*documentRevisions),
	}
}

// Start spawns the workers
func (f *FlusherImpl) Start() {
	log.Printf("🔧 Starting state flush pool with %d workers", f.workers)

	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}

	log.Println("✓ State flush pool started")
}

func (f *FlusherImpl) worker(id int) {
	defer f.wg.Done()

	for job := range f.jobs {
		if err := f.store(context.Background(), job); err != nil {
			log.Printf("  Flush worker %d error: %v", id, err)
		}
	}
}

// Load reads the stored state of a document
func (f *FlusherImpl) Load(ctx context.Context, documentID string) ([]byte, error) {
	return f.states.Load(ctx, documentID)
}

// Submit queues a flush without blocking
func (f *FlusherImpl) Submit(documentID string, state []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrShuttingDown
	}

	job := f.newJob(documentID, state)

	select {
	case f.jobs <- job:
		return nil
	default:
		f.release(job)
		return ErrQueueFull
	}
}

// Flush stores a snapshot synchronously
func (f *FlusherImpl) Flush(ctx context.Context, documentID string, state []byte) error {
	return f.store(ctx, f.newJob(documentID, state))
}

// store writes the job unless a newer revision is already stored, then releases it
func (f *FlusherImpl) store(ctx context.Context, job FlushJob) error {
	defer f.release(job)

	revs := job.revs
	revs.mu.Lock()
	defer revs.mu.Unlock()

	if job.Revision <= revs.stored {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	if err := f.states.Store(ctx, job.DocumentID, job.State); err != nil {
		return fmt.Errorf("failed to flush document %s: %w", job.DocumentID, err)
	}
	revs.stored = job.Revision
	return nil
}

// newJob assigns the next revision of the document and counts the job in flight
func (f *FlusherImpl) newJob(documentID string, state []byte) FlushJob {
	f.revMu.Lock()
	defer f.revMu.Unlock()

	revs, ok := f.revisions[documentID]
	if !ok {
		revs = &documentRevisions{}
		f.revisions[documentID] = revs
	}
	revs.next++
	revs.inFlight++

	return FlushJob{
		DocumentID: documentID,
		State:      state,
		Revision:   revs.next,
		revs:       revs,
	}
}

// release forgets the document once its last job is done. With nothing in
// flight no stale snapshot can arrive, so a later job may start from zero.
func (f *FlusherImpl) release(job FlushJob) {
	f.revMu.Lock()
	defer f.revMu.Unlock()

	job.revs.inFlight--
	if job.revs.inFlight == 0 && f.revisions[job.DocumentID] == job.revs {
		delete(f.revisions, job.DocumentID)
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish
func (f *FlusherImpl) Shutdown() {
	log.Println("🛑 Shutting down state flush pool...")

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.jobs)
	f.mu.Unlock()

	f.wg.Wait()

	log.Println("✓ State flush pool shutdown complete")
}

// GetQueueLength returns current number of pending flushes
func (f *FlusherImpl) GetQueueLength() int {
	return len(f.jobs)
}
