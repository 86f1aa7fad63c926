package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"collabrelay/internal/crdt"
	"collabrelay/internal/models"
	"collabrelay/internal/protocol"
	"collabrelay/internal/services/versions"
)

/*
LEARNING: ONE WRITER PER DOCUMENT

Every mutation of a session (merging an update, attaching or detaching a
connection, touching presence, saving or restoring a version) happens while
holding the session's mutex. Broadcasts iterate the connection set under the
same lock, so the set is never modified mid-iteration.

Sending to a connection never blocks: deliver() drops the message and schedules
the connection for closure when its queue is full. A slow peer can therefore
never stall the document for everyone else.

Different documents never share a lock.
*/

// AutoSaveAuthor is recorded on versions created by the maintenance loop
const AutoSaveAuthor = "System"

const loadTimeout = 15 * time.Second

var errSessionClosed = errors.New("session closed")

// Session is the live collaboration context of one document
type Session struct {
	ID       string
	registry *Registry

	ready   chan struct{} // closed once the initial state is loaded
	loadErr error
	evicted chan struct{} // closed after the registry drops the session

	mu                  sync.Mutex
	doc                 crdt.Document
	conns               map[*Connection]struct{}
	awareness           *AwarenessTracker
	dirty               bool // changed since the last flush
	changedSinceVersion bool
	lastVersionAt       time.Time
	idleSince           time.Time
	closed              bool
	unsubscribe         func()
}

func newSession(id string, registry *Registry) *Session {
	return &Session{
		ID:        id,
		registry:  registry,
		ready:     make(chan struct{}),
		evicted:   make(chan struct{}),
		conns:     make(map[*Connection]struct{}),
		awareness: NewAwarenessTracker(),
	}
}

// load builds the replica from the state store and subscribes to fan-out.
// It runs exactly once, outside the registry lock.
func (s *Session) load() {
	defer close(s.ready)

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	doc := s.registry.factory.New()
	if p := s.registry.persistence; p != nil {
		state, err := p.Load(ctx, s.ID)
		if err != nil {
			s.loadErr = fmt.Errorf("failed to load document %s: %w", s.ID, err)
			return
		}
		if len(state) > 0 {
			if doc, err = s.registry.factory.Load(state); err != nil {
				s.loadErr = fmt.Errorf("failed to rebuild document %s: %w", s.ID, err)
				return
			}
			log.Printf("  Loaded document %s from state store (%d bytes)", s.ID, len(state))
		}
	}

	now := s.registry.now()
	s.mu.Lock()
	s.doc = doc
	s.lastVersionAt = now
	s.idleSince = now
	s.mu.Unlock()

	if f := s.registry.fanout; f != nil {
		unsubscribe, err := f.Subscribe(context.Background(), s.ID, s.deliverRemote)
		if err != nil {
			log.Printf("⚠️  Fan-out disabled for document %s: %v", s.ID, err)
			return
		}
		s.mu.Lock()
		s.unsubscribe = unsubscribe
		s.mu.Unlock()
	}
}

// attach adds a connection and queues the join handshake replies
func (s *Session) attach(ctx context.Context, c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSessionClosed
	}

	s.conns[c] = struct{}{}
	s.idleSince = time.Time{}

	c.deliver(protocol.MustEncode(&protocol.Sync{Update: s.doc.Snapshot()}))
	c.deliver(protocol.MustEncode(&protocol.AwarenessSnapshot{States: s.awareness.Snapshot()}))

	list, err := s.registry.versions.List(ctx, s.ID)
	if err != nil {
		log.Printf("⚠️  Failed to list versions for %s: %v", s.ID, err)
	} else if len(list) > 0 {
		c.deliver(protocol.MustEncode(&protocol.VersionSync{Versions: list}))
	}

	log.Printf("  Connection %s joined document %s (total: %d connections)", c.ID, s.ID, len(s.conns))
	return nil
}

// detach removes a connection and its presence entry
func (s *Session) detach(c *Connection, clientID int64) {
	s.mu.Lock()

	if _, ok := s.conns[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c)

	// A reconnect may reuse the client id before the old connection is gone
	var removal []byte
	if !s.clientAttachedLocked(clientID) && s.awareness.Remove(clientID) {
		removal = protocol.MustEncode(&protocol.AwarenessDelta{ClientID: clientID})
		s.broadcastLocked(removal, c)
	}

	if len(s.conns) == 0 {
		s.idleSince = s.registry.now()
	}

	log.Printf("  Connection %s left document %s (remaining: %d connections)", c.ID, s.ID, len(s.conns))
	s.mu.Unlock()

	s.publish(removal)
}

func (s *Session) clientAttachedLocked(clientID int64) bool {
	for conn := range s.conns {
		if conn.ClientID() == clientID {
			return true
		}
	}
	return false
}

// ApplyUpdate merges an update and forwards frame, unchanged, to every other connection
func (s *Session) ApplyUpdate(from *Connection, update []byte, frame []byte) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}

	if err := s.doc.Apply(update); err != nil {
		s.mu.Unlock()
		return err
	}
	s.dirty = true
	s.changedSinceVersion = true
	s.broadcastLocked(frame, from)

	s.mu.Unlock()

	s.publish(frame)
	return nil
}

// UpdateAwareness replaces (or, for a null state, removes) a client's presence entry
func (s *Session) UpdateAwareness(from *Connection, clientID int64, state json.RawMessage) error {
	delta := &protocol.AwarenessDelta{ClientID: clientID, State: state}
	msg := protocol.MustEncode(delta)

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}

	if delta.Removed() {
		s.awareness.Remove(clientID)
	} else {
		s.awareness.Upsert(clientID, state, s.registry.now())
	}
	s.broadcastLocked(msg, from)

	s.mu.Unlock()

	s.publish(msg)
	return nil
}

// SaveVersion captures the live state. A nil version with a nil error means the
// document is empty and nothing was saved.
func (s *Session) SaveVersion(ctx context.Context, from *Connection, opts versions.SaveOptions) (*models.Version, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil, errSessionClosed
	}

	version, err := s.registry.versions.Save(ctx, s.ID, s.doc, opts)
	if err != nil || version == nil {
		s.mu.Unlock()
		return nil, err
	}
	s.changedSinceVersion = false
	s.lastVersionAt = s.registry.now()

	note := versionCreatedNotification(version)
	s.broadcastLocked(note, from)

	s.mu.Unlock()

	s.publish(note)
	log.Printf("  Saved version %d of %s (%s, %d bytes)", version.Sequence, s.ID, version.Title, len(version.Content))
	return version, nil
}

// RestoreVersion swaps the live content for a saved version in one change, then
// records an audit version. The swap is made on a copy of the replica, so a
// failure leaves the session untouched.
func (s *Session) RestoreVersion(ctx context.Context, from *Connection, versionID, author string) (restored, audit *models.Version, err error) {
	if author == "" {
		author = versions.AnonymousAuthor
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil, nil, errSessionClosed
	}

	target, err := s.registry.versions.Get(ctx, s.ID, versionID)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	candidate, err := crdt.Clone(s.registry.factory, s.doc)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("failed to copy document %s: %w", s.ID, err)
	}
	forward, err := candidate.Replace(target.Content)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("failed to restore version %s: %w", versionID, err)
	}

	s.doc = candidate
	s.dirty = true
	s.changedSinceVersion = true

	// Every replica, the requester's included, needs the change
	update := protocol.MustEncode(&protocol.Update{Update: forward})
	s.broadcastLocked(update, nil)

	restoredNote := protocol.MustEncode(&protocol.VersionNotification{
		Action:       protocol.ActionRestored,
		Version:      target.Metadata(),
		VersionID:    target.ID,
		VersionTitle: target.Title,
		Author:       author,
	})
	s.broadcastLocked(restoredNote, from)

	outgoing := [][]byte{update, restoredNote}

	audit, err = s.registry.versions.Save(ctx, s.ID, s.doc, versions.RestoreOptions(author, target))
	if err != nil {
		log.Printf("⚠️  Restored %s to version %d but failed to record it: %v", s.ID, target.Sequence, err)
		audit = nil
	}
	if audit != nil {
		s.changedSinceVersion = false
		s.lastVersionAt = s.registry.now()

		auditNote := versionCreatedNotification(audit)
		s.broadcastLocked(auditNote, nil)
		outgoing = append(outgoing, auditNote)
	}

	s.mu.Unlock()

	for _, msg := range outgoing {
		s.publish(msg)
	}
	log.Printf("  Restored %s to version %d (%s) by %s", s.ID, target.Sequence, target.Title, author)
	return target, audit, nil
}

// DeleteVersion removes a version and notifies the other connections
func (s *Session) DeleteVersion(ctx context.Context, from *Connection, versionID, author string) (*models.Version, error) {
	if author == "" {
		author = versions.AnonymousAuthor
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil, errSessionClosed
	}

	target, err := s.registry.versions.Get(ctx, s.ID, versionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.registry.versions.Delete(ctx, s.ID, versionID); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	note := protocol.MustEncode(&protocol.VersionNotification{
		Action:       protocol.ActionDeleted,
		VersionID:    versionID,
		VersionTitle: target.Title,
		Author:       author,
	})
	s.broadcastLocked(note, from)

	s.mu.Unlock()

	s.publish(note)
	return target, nil
}

// Versions lists version metadata, newest first
func (s *Session) Versions(ctx context.Context) ([]*models.VersionMetadata, error) {
	return s.registry.versions.List(ctx, s.ID)
}

// Compare reports the size difference between two versions
func (s *Session) Compare(ctx context.Context, versionID1, versionID2 string) (*models.VersionComparison, error) {
	return s.registry.versions.Compare(ctx, s.ID, versionID1, versionID2)
}

// Presence returns the current awareness entries
func (s *Session) Presence() []*models.AwarenessEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awareness.Entries()
}

// Participants returns the users attached to the session
func (s *Session) Participants() []*models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]*models.Participant, 0, len(s.conns))
	for conn := range s.conns {
		if p := conn.Participant(); p != nil {
			participants = append(participants, p)
		}
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ConnectedAt.Before(participants[j].ConnectedAt)
	})
	return participants
}

// ConnectionCount returns the number of attached connections
func (s *Session) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Snapshot returns the full replicated state
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot()
}

// deliverRemote handles a frame published by another relay instance
func (s *Session) deliverRemote(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("⚠️  Dropping fan-out frame for %s: %v", s.ID, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	switch m := msg.(type) {
	case *protocol.Update:
		if err := s.doc.Apply(m.Update); err != nil {
			log.Printf("⚠️  Failed to merge fan-out update for %s: %v", s.ID, err)
			return
		}
		s.dirty = true
		s.changedSinceVersion = true
	case *protocol.AwarenessDelta:
		if m.Removed() {
			s.awareness.Remove(m.ClientID)
		} else {
			s.awareness.Upsert(m.ClientID, m.State, s.registry.now())
		}
	}

	s.broadcastLocked(frame, nil)
}

// broadcastLocked queues msg on every connection except skip; s.mu must be held
func (s *Session) broadcastLocked(msg []byte, skip *Connection) {
	for conn := range s.conns {
		if conn == skip {
			continue
		}
		conn.deliver(msg)
	}
}

func (s *Session) publish(msg []byte) {
	f := s.registry.fanout
	if f == nil || msg == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.Publish(ctx, s.ID, msg); err != nil {
		log.Printf("⚠️  Fan-out publish failed for %s: %v", s.ID, err)
	}
}

// takeDirty returns the state to flush and clears the dirty flag
func (s *Session) takeDirty() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty || s.closed || s.doc == nil {
		return nil, false
	}
	s.dirty = false
	return s.doc.Snapshot(), true
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

func (s *Session) autoSaveDue(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.changedSinceVersion && now.Sub(s.lastVersionAt) >= interval
}

// idleFor reports how long the session has had no connections
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 || s.idleSince.IsZero() {
		return 0
	}
	return now.Sub(s.idleSince)
}

// close marks the session closed and returns its final state and open connections
func (s *Session) close() (state []byte, conns []*Connection, ok bool) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil, nil, false
	}
	s.closed = true

	unsubscribe := s.unsubscribe
	s.unsubscribe = nil

	conns = make([]*Connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	if s.doc != nil {
		state = s.doc.Snapshot()
	}

	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return state, conns, true
}

func versionCreatedNotification(v *models.Version) []byte {
	return protocol.MustEncode(&protocol.VersionNotification{
		Action:       protocol.ActionCreated,
		Version:      v.Metadata(),
		VersionID:    v.ID,
		VersionTitle: v.Title,
		Author:       v.Author,
	})
}
