package collaboration

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"collabrelay/internal/crdt"
	"collabrelay/internal/services/versions"
)

/*
LEARNING: PROCESS-WIDE SESSION REGISTRY

The registry maps document IDs to live sessions. It is an explicit object
handed to every handler, never a package-level global.

Creation is idempotent under races: the session object is inserted into the
map while holding the registry lock, so two connections joining the same new
document always get the same *Session. Loading the stored state happens after
the lock is released; latecomers wait on the session's ready channel.

A background goroutine maintains the sessions:
1. **Flush**: dirty state is handed to the persistence worker pool
2. **Auto-save**: changed documents get a version every AutoSaveInterval
3. **Eviction**: sessions idle for IdleTimeout are flushed and dropped
*/

var ErrRegistryClosed = errors.New("registry is shut down")

// Persistence is the durable load/store hook for replicated state
type Persistence interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	// Submit queues a flush without blocking
	Submit(documentID string, state []byte) error
	// Flush stores synchronously
	Flush(ctx context.Context, documentID string, state []byte) error
}

// Fanout relays session broadcasts to other relay instances
type Fanout interface {
	Publish(ctx context.Context, documentID string, payload []byte) error
	Subscribe(ctx context.Context, documentID string, deliver func(payload []byte)) (func(), error)
}

// Options configure a Registry. Persistence and Fanout are optional.
type Options struct {
	Versions    *versions.Store
	Factory     crdt.Factory
	Persistence Persistence
	Fanout      Fanout

	IdleTimeout         time.Duration // 0 keeps idle sessions forever
	AutoSaveInterval    time.Duration // 0 disables auto-save
	MaintenanceInterval time.Duration
	SendBuffer          int
}

// Stats summarizes the registry
type Stats struct {
	Sessions    int `json:"sessions"`
	Connections int `json:"connections"`
}

// Registry owns every live document session
type Registry struct {
	versions    *versions.Store
	factory     crdt.Factory
	persistence Persistence
	fanout      Fanout

	idleTimeout         time.Duration
	autoSaveInterval    time.Duration
	maintenanceInterval time.Duration
	sendBuffer          int
	now                 func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry; call Start to run maintenance
func NewRegistry(opts Options) *Registry {
	if opts.Factory == nil {
		opts.Factory = crdt.NewAutomerge()
	}
	if opts.Versions == nil {
		opts.Versions = versions.NewStore(versions.NewMemoryCatalog(), opts.Factory, versions.DefaultLimit)
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}

	return &Registry{
		versions:            opts.Versions,
		factory:             opts.Factory,
		persistence:         opts.Persistence,
		fanout:              opts.Fanout,
		idleTimeout:         opts.IdleTimeout,
		autoSaveInterval:    opts.AutoSaveInterval,
		maintenanceInterval: opts.MaintenanceInterval,
		sendBuffer:          opts.SendBuffer,
		now:                 time.Now,
		sessions:            make(map[string]*Session),
		done:                make(chan struct{}),
	}
}

// Versions returns the version store shared by all sessions
func (r *Registry) Versions() *versions.Store {
	return r.versions
}

// Acquire returns the session of a document, creating and loading it on first use
func (r *Registry) Acquire(ctx context.Context, documentID string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}

	s, ok := r.sessions[documentID]
	if !ok {
		s = newSession(documentID, r)
		r.sessions[documentID] = s
		r.mu.Unlock()

		s.load()
		if s.loadErr == nil {
			log.Printf("  Created session for document %s", documentID)
		}
	} else {
		r.mu.Unlock()
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.loadErr != nil {
		r.mu.Lock()
		if r.sessions[documentID] == s {
			delete(r.sessions, documentID)
		}
		r.mu.Unlock()
		return nil, s.loadErr
	}

	return s, nil
}

// Lookup returns a loaded session without creating one
func (r *Registry) Lookup(documentID string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[documentID]
	r.mu.Unlock()

	if !ok || !isReady(s) {
		return nil, false
	}
	return s, true
}

// Stats counts live sessions and attached connections
func (r *Registry) Stats() Stats {
	sessions := r.loadedSessions()

	stats := Stats{Sessions: len(sessions)}
	for _, s := range sessions {
		stats.Connections += s.ConnectionCount()
	}
	return stats
}

// DocumentIDs lists documents with a live session
func (r *Registry) DocumentIDs() []string {
	sessions := r.loadedSessions()

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) loadedSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if isReady(s) {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func isReady(s *Session) bool {
	select {
	case <-s.ready:
		return s.loadErr == nil
	default:
		return false
	}
}

// Start begins the maintenance loop
func (r *Registry) Start() {
	log.Println("🔄 Starting document registry...")

	r.wg.Add(1)
	go r.maintenanceLoop()

	log.Println("✓ Document registry started")
}

func (r *Registry) maintenanceLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.RunMaintenance(context.Background())
		}
	}
}

// RunMaintenance flushes dirty sessions, creates due auto-save versions and
// evicts idle sessions
func (r *Registry) RunMaintenance(ctx context.Context) {
	now := r.now()

	for _, s := range r.loadedSessions() {
		if r.idleTimeout > 0 && s.idleFor(now) >= r.idleTimeout {
			log.Printf("  Evicting idle session %s", s.ID)
			r.evict(ctx, s)
			continue
		}

		if r.autoSaveInterval > 0 && s.autoSaveDue(now, r.autoSaveInterval) {
			if _, err := s.SaveVersion(ctx, nil, versions.SaveOptions{
				Author:      AutoSaveAuthor,
				Description: versions.AutoSaveDescription,
				IsAutoSave:  true,
			}); err != nil && !errors.Is(err, errSessionClosed) {
				log.Printf("⚠️  Auto-save failed for %s: %v", s.ID, err)
			}
		}

		if r.persistence == nil {
			continue
		}
		if state, ok := s.takeDirty(); ok {
			if err := r.persistence.Submit(s.ID, state); err != nil {
				log.Printf("⚠️  Could not queue flush for %s: %v", s.ID, err)
				s.markDirty()
			}
		}
	}
}

// evict closes a session, stores its final state and drops it from the map
func (r *Registry) evict(ctx context.Context, s *Session) {
	state, conns, ok := s.close()
	if !ok {
		return
	}

	for _, c := range conns {
		c.Close()
	}

	// the dirty flag only tracks queued flushes, which may still fail
	if state != nil && r.persistence != nil {
		if err := r.persistence.Flush(ctx, s.ID, state); err != nil {
			log.Printf("⚠️  Final flush failed for %s: %v", s.ID, err)
		}
	}

	r.mu.Lock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	close(s.evicted)
}

// Shutdown stops maintenance, closes every connection and flushes every session
func (r *Registry) Shutdown(ctx context.Context) {
	log.Println("🛑 Shutting down document registry...")

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	for _, s := range r.loadedSessions() {
		r.evict(ctx, s)
	}

	log.Println("✓ Document registry shutdown complete")
}
