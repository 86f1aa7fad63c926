package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"collabrelay/internal/models"
	"collabrelay/internal/protocol"
	"collabrelay/internal/services/versions"

	"github.com/segmentio/ksuid"
)

// ConnState is the protocol state of a connection
type ConnState int

const (
	StateUnjoined ConnState = iota
	StateJoined
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

var (
	ErrNotJoined         = errors.New("connection has not joined a document")
	ErrAlreadyJoined     = errors.New("connection already joined a document")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrUnexpectedMessage = errors.New("message type is not accepted from clients")
)

const emptyDocumentReason = "document is empty"

// Connection drives one client through UNJOINED → JOINED → CLOSED.
// It is transport-agnostic: inbound frames go to HandleMessage and outbound
// frames are read from Outbound until Done is closed.
type Connection struct {
	ID       string
	UserName string

	registry        *Registry
	defaultDocument string // set when the document comes from the URL

	send     chan []byte
	done     chan struct{}
	overflow sync.Once

	mu          sync.Mutex
	state       ConnState
	session     *Session
	clientID    int64
	participant *models.Participant
}

// NewConnection creates an unjoined connection. A non-empty defaultDocument
// takes precedence over the document named in the join message.
func NewConnection(registry *Registry, userName, defaultDocument string) *Connection {
	return &Connection{
		ID:              ksuid.New().String(),
		UserName:        userName,
		registry:        registry,
		defaultDocument: defaultDocument,
		send:            make(chan []byte, registry.sendBuffer),
		done:            make(chan struct{}),
	}
}

// Outbound yields frames to write to the client
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed when the connection reaches CLOSED
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) ClientID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Session returns the joined session, or nil
func (c *Connection) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Participant returns a copy of the participant record, or nil before join
func (c *Connection) Participant() *models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.participant == nil {
		return nil
	}
	p := *c.participant
	return &p
}

// HandleMessage processes one inbound frame.
// Returned errors describe a dropped message; the connection stays open.
func (c *Connection) HandleMessage(ctx context.Context, frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	state, session := c.state, c.session
	if c.participant != nil {
		c.participant.LastActiveAt = time.Now()
	}
	c.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrConnectionClosed
	case StateUnjoined:
		join, ok := msg.(*protocol.Join)
		if !ok {
			return fmt.Errorf("%w: dropped %s", ErrNotJoined, msg.MessageType())
		}
		return c.join(ctx, join)
	}

	switch m := msg.(type) {
	case *protocol.Join:
		return ErrAlreadyJoined

	case *protocol.Update:
		return session.ApplyUpdate(c, m.Update, frame)

	case *protocol.AwarenessDelta:
		return session.UpdateAwareness(c, c.ClientID(), m.State)

	case *protocol.VersionCreated:
		return c.saveVersion(ctx, session, m)

	case *protocol.VersionRestored:
		return c.restoreVersion(ctx, session, m)

	case *protocol.VersionDeleted:
		return c.deleteVersion(ctx, session, m)

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.MessageType())
	}
}

func (c *Connection) join(ctx context.Context, m *protocol.Join) error {
	documentID := m.Document()
	if c.defaultDocument != "" {
		if documentID != "" && documentID != c.defaultDocument {
			log.Printf("  Connection %s asked for %s on the %s endpoint, using %s",
				c.ID, documentID, c.defaultDocument, c.defaultDocument)
		}
		documentID = c.defaultDocument
	}
	if documentID == "" {
		return fmt.Errorf("%w: join without documentId", protocol.ErrMalformedMessage)
	}

	clientID := m.ClientID
	if clientID == 0 {
		clientID = rand.Int63n(1<<31) + 1
	}

	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()

	session, err := c.attach(ctx, documentID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		// Closed while the handshake was running
		c.mu.Unlock()
		session.detach(c, clientID)
		return ErrConnectionClosed
	}
	c.state = StateJoined
	c.session = session
	c.participant = models.NewParticipant(documentID, c.UserName, clientID)
	c.mu.Unlock()

	return nil
}

// attach joins the document's session, retrying when it was being evicted
func (c *Connection) attach(ctx context.Context, documentID string) (*Session, error) {
	for {
		session, err := c.registry.Acquire(ctx, documentID)
		if err != nil {
			return nil, err
		}

		err = session.attach(ctx, c)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, errSessionClosed) {
			return nil, err
		}

		select {
		case <-session.evicted:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Connection) saveVersion(ctx context.Context, session *Session, m *protocol.VersionCreated) error {
	opts := versions.SaveOptions{Author: c.author(m.AuthorName())}
	if m.Version != nil {
		opts.Title = m.Version.Title
		opts.Description = m.Version.Description
		opts.IsAutoSave = m.Version.IsAutoSave
	}

	version, err := session.SaveVersion(ctx, c, opts)

	result := &protocol.VersionResult{Action: protocol.ActionCreated}
	switch {
	case err != nil:
		result.Reason = err.Error()
	case version == nil:
		result.Reason = emptyDocumentReason
	default:
		result.OK = true
		result.Version = version.Metadata()
		result.VersionID = version.ID
	}
	c.deliver(protocol.MustEncode(result))

	return err
}

func (c *Connection) restoreVersion(ctx context.Context, session *Session, m *protocol.VersionRestored) error {
	result := &protocol.VersionResult{Action: protocol.ActionRestored, VersionID: m.TargetID()}

	if result.VersionID == "" {
		result.Reason = "missing versionId"
		c.deliver(protocol.MustEncode(result))
		return fmt.Errorf("%w: restore without versionId", protocol.ErrMalformedMessage)
	}

	restored, _, err := session.RestoreVersion(ctx, c, result.VersionID, c.author(m.Author))
	if err != nil {
		result.Reason = err.Error()
	} else {
		result.OK = true
		result.Version = restored.Metadata()
	}
	c.deliver(protocol.MustEncode(result))

	return err
}

func (c *Connection) deleteVersion(ctx context.Context, session *Session, m *protocol.VersionDeleted) error {
	result := &protocol.VersionResult{Action: protocol.ActionDeleted, VersionID: m.VersionID}

	if m.VersionID == "" {
		result.Reason = "missing versionId"
		c.deliver(protocol.MustEncode(result))
		return fmt.Errorf("%w: delete without versionId", protocol.ErrMalformedMessage)
	}

	deleted, err := session.DeleteVersion(ctx, c, m.VersionID, c.author(m.Author))
	if err != nil {
		result.Reason = err.Error()
	} else {
		result.OK = true
		result.Version = deleted.Metadata()
	}
	c.deliver(protocol.MustEncode(result))

	return err
}

// author prefers the name sent with the request over the authenticated user
func (c *Connection) author(name string) string {
	if name != "" {
		return name
	}
	return c.UserName
}

// Close moves the connection to CLOSED. Only the first call has any effect.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	session, clientID := c.session, c.clientID
	close(c.done)
	c.mu.Unlock()

	if session != nil {
		session.detach(c, clientID)
	}
}

// deliver queues a frame without blocking. A full queue means the peer cannot
// keep up; the frame is dropped and the connection is closed so the client
// resynchronizes on reconnect.
func (c *Connection) deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.overflow.Do(func() {
			log.Printf("⚠️  Connection %s send queue full, closing connection", c.ID)
			go c.Close()
		})
		return false
	}
}
