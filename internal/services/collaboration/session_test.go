package collaboration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"

	"collabrelay/internal/crdt"
	"collabrelay/internal/protocol"
	"collabrelay/internal/services/versions"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	r := NewRegistry(opts)
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

func joinDocument(t *testing.T, r *Registry, documentID string, clientID int64) *Connection {
	c := NewConnection(r, fmt.Sprintf("user-%d", clientID), "")
	frame := fmt.Sprintf(`{"type":"join","documentId":%q,"clientId":%d}`, documentID, clientID)
	assert.Equal(t, c.HandleMessage(context.Background(), []byte(frame)), nil)
	assert.Equal(t, c.State(), StateJoined)
	return c
}

// drain returns every frame queued for c. Deliveries happen before
// HandleMessage returns, so nothing is in flight.
func drain(t *testing.T, c *Connection) []protocol.Message {
	var msgs []protocol.Message
	for {
		select {
		case frame := <-c.Outbound():
			msg, err := protocol.Decode(frame)
			assert.Equal(t, err, nil)
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func nextFrame(t *testing.T, c *Connection) []byte {
	select {
	case frame := <-c.Outbound():
		return frame
	default:
		t.Fatalf("connection %s has nothing queued", c.ID)
		return nil
	}
}

// change makes an update from an independent replica that sets key to value
func change(t *testing.T, key string, value any) []byte {
	doc := automerge.New()
	assert.Equal(t, doc.RootMap().Set(key, value), nil)
	_, err := doc.Commit("set " + key)
	assert.Equal(t, err, nil)
	return doc.SaveIncremental()
}

func updateFrame(update []byte) []byte {
	return protocol.MustEncode(&protocol.Update{Update: update})
}

func contentOf(t *testing.T, snapshot []byte) map[string]any {
	doc, err := automerge.Load(snapshot)
	assert.Equal(t, err, nil)
	values, err := automerge.As[map[string]any](doc.Path().Get())
	assert.Equal(t, err, nil)
	return values
}

func TestJoinHandshake(t *testing.T) {
	r := newTestRegistry(t, Options{})
	c := joinDocument(t, r, "demo", 1)

	msgs := drain(t, c)
	assert.Equal(t, len(msgs), 2)

	sync, ok := msgs[0].(*protocol.Sync)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(contentOf(t, sync.Update)), 0)

	presence, ok := msgs[1].(*protocol.AwarenessSnapshot)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(presence.States), 0)

	assert.Equal(t, c.ClientID(), int64(1))
	assert.Equal(t, c.Session().ID, "demo")
	assert.Equal(t, c.Participant().UserName, "user-1")
}

func TestJoinAssignsClientID(t *testing.T) {
	r := newTestRegistry(t, Options{})
	c := NewConnection(r, "ann", "")

	assert.Equal(t, c.HandleMessage(context.Background(), []byte(`{"type":"join","docName":"demo"}`)), nil)
	assert.NotEqual(t, c.ClientID(), int64(0))
	assert.Equal(t, c.Session().ID, "demo")
}

func TestPathDocumentWins(t *testing.T) {
	r := newTestRegistry(t, Options{})
	c := NewConnection(r, "ann", "from-path")

	assert.Equal(t, c.HandleMessage(context.Background(), []byte(`{"type":"join","documentId":"other","clientId":5}`)), nil)
	assert.Equal(t, c.Session().ID, "from-path")

	_, ok := r.Lookup("other")
	assert.Equal(t, ok, false)
}

func TestJoinRequiresDocument(t *testing.T) {
	r := newTestRegistry(t, Options{})
	c := NewConnection(r, "ann", "")

	err := c.HandleMessage(context.Background(), []byte(`{"type":"join","clientId":5}`))
	assert.Equal(t, errors.Is(err, protocol.ErrMalformedMessage), true)
	assert.Equal(t, c.State(), StateUnjoined)
}

func TestUnjoinedConnectionIgnoresMessages(t *testing.T) {
	r := newTestRegistry(t, Options{})
	c := NewConnection(r, "ann", "")

	err := c.HandleMessage(context.Background(), updateFrame(change(t, "title", "x")))
	assert.Equal(t, errors.Is(err, ErrNotJoined), true)
	assert.Equal(t, c.State(), StateUnjoined)
	assert.Equal(t, len(drain(t, c)), 0)
	assert.Equal(t, r.Stats().Sessions, 0)

	frame := []byte(`{"type":"join","documentId":"demo","clientId":1}`)
	assert.Equal(t, c.HandleMessage(context.Background(), frame), nil)
	drain(t, c)

	// a second join is ignored
	assert.Equal(t, c.HandleMessage(context.Background(), frame), ErrAlreadyJoined)
	assert.Equal(t, len(drain(t, c)), 0)
	assert.Equal(t, c.Session().ConnectionCount(), 1)
}

func TestRejectsServerMessages(t *testing.T) {
	r := newTestRegistry(t, Options{})
	c := joinDocument(t, r, "demo", 1)

	err := c.HandleMessage(context.Background(), []byte(`{"type":"sync","update":[]}`))
	assert.Equal(t, errors.Is(err, ErrUnexpectedMessage), true)

	err = c.HandleMessage(context.Background(), []byte(`{"type":"chat","text":"hi"}`))
	assert.Equal(t, errors.Is(err, protocol.ErrUnknownMessageType), true)
	assert.Equal(t, c.State(), StateJoined)
}

func TestUpdateBroadcastExcludesSender(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	b := joinDocument(t, r, "demo", 2)
	c := joinDocument(t, r, "demo", 3)
	drain(t, a)
	drain(t, b)
	drain(t, c)

	frame := updateFrame(change(t, "title", "hello"))
	assert.Equal(t, a.HandleMessage(context.Background(), frame), nil)

	assert.Equal(t, len(drain(t, a)), 0)
	assert.Equal(t, nextFrame(t, b), frame)
	assert.Equal(t, nextFrame(t, c), frame)
	assert.Equal(t, len(drain(t, b)), 0)
	assert.Equal(t, len(drain(t, c)), 0)
}

func TestLateJoinerReceivesState(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	assert.Equal(t, a.HandleMessage(context.Background(), updateFrame(change(t, "title", "hello"))), nil)

	b := joinDocument(t, r, "demo", 2)
	msgs := drain(t, b)
	sync := msgs[0].(*protocol.Sync)
	assert.Equal(t, contentOf(t, sync.Update), map[string]any{"title": "hello"})
}

func TestDocumentsAreIsolated(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "one", 1)
	b := joinDocument(t, r, "two", 2)
	drain(t, b)

	assert.Equal(t, a.HandleMessage(context.Background(), updateFrame(change(t, "title", "one"))), nil)
	assert.Equal(t, len(drain(t, b)), 0)
	assert.Equal(t, len(contentOf(t, b.Session().Snapshot())), 0)
}

func TestInvalidUpdateIsRejected(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	b := joinDocument(t, r, "demo", 2)
	drain(t, b)

	err := a.HandleMessage(context.Background(), []byte(`{"type":"update","update":[]}`))
	assert.Equal(t, errors.Is(err, crdt.ErrEmptyUpdate), true)
	assert.Equal(t, len(drain(t, b)), 0)
	assert.Equal(t, a.State(), StateJoined)
}

func TestAwarenessDeltaAndRemovalOnClose(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	b := joinDocument(t, r, "demo", 2)
	drain(t, a)
	drain(t, b)

	// the client id in the message is ignored in favour of the joined one
	frame := []byte(`{"type":"awareness","clientId":99,"state":{"user":{"name":"ann","color":"#ff0000"}}}`)
	assert.Equal(t, a.HandleMessage(context.Background(), frame), nil)

	assert.Equal(t, len(drain(t, a)), 0)
	msgs := drain(t, b)
	assert.Equal(t, len(msgs), 1)
	delta := msgs[0].(*protocol.AwarenessDelta)
	assert.Equal(t, delta.ClientID, int64(1))
	assert.Equal(t, delta.Removed(), false)

	presence := a.Session().Presence()
	assert.Equal(t, len(presence), 1)
	assert.Equal(t, presence[0].User.Name, "ann")

	// late joiners get the full table
	c := joinDocument(t, r, "demo", 3)
	snapshot := drain(t, c)[1].(*protocol.AwarenessSnapshot)
	assert.Equal(t, len(snapshot.States), 1)
	assert.Equal(t, snapshot.States[0].ClientID, int64(1))

	session := a.Session()
	a.Close()
	assert.Equal(t, a.State(), StateClosed)

	msgs = drain(t, b)
	assert.Equal(t, len(msgs), 1)
	removal := msgs[0].(*protocol.AwarenessDelta)
	assert.Equal(t, removal.ClientID, int64(1))
	assert.Equal(t, removal.Removed(), true)
	assert.Equal(t, len(session.Presence()), 0)

	// closing twice has no further effect
	a.Close()
	assert.Equal(t, len(drain(t, b)), 0)
	assert.Equal(t, session.ConnectionCount(), 2)

	err := a.HandleMessage(context.Background(), frame)
	assert.Equal(t, err, ErrConnectionClosed)
}

func TestAwarenessNullRemovesEntry(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	b := joinDocument(t, r, "demo", 2)

	assert.Equal(t, a.HandleMessage(context.Background(), []byte(`{"type":"awareness","clientId":1,"state":{"x":1}}`)), nil)
	assert.Equal(t, len(a.Session().Presence()), 1)
	drain(t, b)

	assert.Equal(t, a.HandleMessage(context.Background(), []byte(`{"type":"awareness","clientId":1,"state":null}`)), nil)
	assert.Equal(t, len(a.Session().Presence()), 0)
	assert.Equal(t, drain(t, b)[0].(*protocol.AwarenessDelta).Removed(), true)
}

func TestSaveVersionNotifiesOthers(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	b := joinDocument(t, r, "demo", 2)
	assert.Equal(t, a.HandleMessage(context.Background(), updateFrame(change(t, "title", "hello"))), nil)
	drain(t, a)
	drain(t, b)

	err := a.HandleMessage(context.Background(), []byte(`{"type":"version-created","version":{"title":"draft"}}`))
	assert.Equal(t, err, nil)

	msgs := drain(t, a)
	assert.Equal(t, len(msgs), 1)
	result := msgs[0].(*protocol.VersionResult)
	assert.Equal(t, result.OK, true)
	assert.Equal(t, result.Version.Title, "draft")
	assert.Equal(t, result.Version.Author, "user-1")

	msgs = drain(t, b)
	assert.Equal(t, len(msgs), 1)
	note := msgs[0].(*protocol.VersionNotification)
	assert.Equal(t, note.Action, protocol.ActionCreated)
	assert.Equal(t, note.VersionTitle, "draft")
	assert.Equal(t, note.Author, "user-1")

	// late joiners get the version list
	c := joinDocument(t, r, "demo", 3)
	msgs = drain(t, c)
	assert.Equal(t, len(msgs), 3)
	list := msgs[2].(*protocol.VersionSync)
	assert.Equal(t, len(list.Versions), 1)
	assert.Equal(t, list.Versions[0].Version, 1)
}

func TestSaveEmptyDocumentIsRefused(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	b := joinDocument(t, r, "demo", 2)
	drain(t, a)
	drain(t, b)

	assert.Equal(t, a.HandleMessage(context.Background(), []byte(`{"type":"version-created"}`)), nil)

	result := drain(t, a)[0].(*protocol.VersionResult)
	assert.Equal(t, result.OK, false)
	assert.Equal(t, result.Reason, "document is empty")
	assert.Equal(t, len(drain(t, b)), 0)

	list, err := a.Session().Versions(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(list), 0)
}

// replica follows what a client would hold locally
type replica struct {
	doc crdt.Document
}

func newReplica(t *testing.T, msgs []protocol.Message) *replica {
	doc, err := crdt.NewAutomerge().Load(msgs[0].(*protocol.Sync).Update)
	assert.Equal(t, err, nil)
	return &replica{doc: doc}
}

func (rep *replica) receive(t *testing.T, msgs []protocol.Message) {
	for _, msg := range msgs {
		if update, ok := msg.(*protocol.Update); ok {
			assert.Equal(t, rep.doc.Apply(update.Update), nil)
		}
	}
}

func TestRestoreConvergesReplicas(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{})

	a := joinDocument(t, r, "demo", 1)
	b := joinDocument(t, r, "demo", 2)
	replicaA := newReplica(t, drain(t, a))
	replicaB := newReplica(t, drain(t, b))

	first := change(t, "title", "first")
	assert.Equal(t, replicaA.doc.Apply(first), nil)
	assert.Equal(t, a.HandleMessage(ctx, updateFrame(first)), nil)
	replicaB.receive(t, drain(t, b))

	assert.Equal(t, a.HandleMessage(ctx, []byte(`{"type":"version-created","version":{"title":"v1"}}`)), nil)
	saved := drain(t, a)[0].(*protocol.VersionResult)
	drain(t, b)

	second := change(t, "body", "added later")
	assert.Equal(t, replicaB.doc.Apply(second), nil)
	assert.Equal(t, b.HandleMessage(ctx, updateFrame(second)), nil)
	replicaA.receive(t, drain(t, a))

	restore := fmt.Sprintf(`{"type":"version-restored","versionId":%q,"author":"ann"}`, saved.VersionID)
	assert.Equal(t, a.HandleMessage(ctx, []byte(restore)), nil)

	// the requester gets the change, the audit version and its result
	msgsA := drain(t, a)
	assert.Equal(t, len(msgsA), 3)
	_, ok := msgsA[0].(*protocol.Update)
	assert.Equal(t, ok, true)
	audit := msgsA[1].(*protocol.VersionNotification)
	assert.Equal(t, audit.Action, protocol.ActionCreated)
	assert.Equal(t, audit.VersionTitle, "Restored: v1")
	assert.Equal(t, audit.Version.IsAutoSave, true)
	result := msgsA[2].(*protocol.VersionResult)
	assert.Equal(t, result.OK, true)
	assert.Equal(t, result.Action, protocol.ActionRestored)

	// everyone else also hears which version was restored
	msgsB := drain(t, b)
	assert.Equal(t, len(msgsB), 3)
	restored := msgsB[1].(*protocol.VersionNotification)
	assert.Equal(t, restored.Action, protocol.ActionRestored)
	assert.Equal(t, restored.VersionTitle, "v1")
	assert.Equal(t, restored.Author, "ann")

	replicaA.receive(t, msgsA)
	replicaB.receive(t, msgsB)

	want := map[string]any{"title": "first"}
	assert.Equal(t, contentOf(t, a.Session().Snapshot()), want)
	assert.Equal(t, contentOf(t, replicaA.doc.Snapshot()), want)
	assert.Equal(t, contentOf(t, replicaB.doc.Snapshot()), want)

	list, err := a.Session().Versions(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(list), 2)
	assert.Equal(t, list[0].Title, "Restored: v1")
	assert.Equal(t, list[0].Description, "Restored from version 1")
}

func TestRestoreUnknownVersion(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	assert.Equal(t, a.HandleMessage(context.Background(), updateFrame(change(t, "title", "kept"))), nil)
	drain(t, a)

	err := a.HandleMessage(context.Background(), []byte(`{"type":"version-restored","versionId":"missing"}`))
	assert.Equal(t, errors.Is(err, versions.ErrVersionNotFound), true)

	result := drain(t, a)[0].(*protocol.VersionResult)
	assert.Equal(t, result.OK, false)
	assert.Equal(t, contentOf(t, a.Session().Snapshot()), map[string]any{"title": "kept"})

	err = a.HandleMessage(context.Background(), []byte(`{"type":"version-restored"}`))
	assert.Equal(t, errors.Is(err, protocol.ErrMalformedMessage), true)
	assert.Equal(t, drain(t, a)[0].(*protocol.VersionResult).Reason, "missing versionId")
}

func TestDeleteVersion(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	b := joinDocument(t, r, "demo", 2)
	session := a.Session()

	assert.Equal(t, a.HandleMessage(ctx, updateFrame(change(t, "title", "x"))), nil)
	first, err := session.SaveVersion(ctx, a, versions.SaveOptions{Title: "first"})
	assert.Equal(t, err, nil)
	second, err := session.SaveVersion(ctx, a, versions.SaveOptions{Title: "second"})
	assert.Equal(t, err, nil)
	drain(t, a)
	drain(t, b)

	frame := fmt.Sprintf(`{"type":"version-deleted","versionId":%q,"author":"ann"}`, first.ID)
	assert.Equal(t, a.HandleMessage(ctx, []byte(frame)), nil)

	assert.Equal(t, drain(t, a)[0].(*protocol.VersionResult).OK, true)
	note := drain(t, b)[0].(*protocol.VersionNotification)
	assert.Equal(t, note.Action, protocol.ActionDeleted)
	assert.Equal(t, note.VersionID, first.ID)
	assert.Equal(t, note.VersionTitle, "first")

	_, err = session.Compare(ctx, first.ID, second.ID)
	assert.Equal(t, errors.Is(err, versions.ErrVersionNotFound), true)

	// deleting again fails and notifies nobody
	err = a.HandleMessage(ctx, []byte(frame))
	assert.Equal(t, errors.Is(err, versions.ErrVersionNotFound), true)
	assert.Equal(t, drain(t, a)[0].(*protocol.VersionResult).OK, false)
	assert.Equal(t, len(drain(t, b)), 0)
}

func TestParticipants(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := joinDocument(t, r, "demo", 1)
	joinDocument(t, r, "demo", 2)

	participants := a.Session().Participants()
	assert.Equal(t, len(participants), 2)

	names := map[string]int64{}
	for _, p := range participants {
		names[p.UserName] = p.ClientID
		assert.Equal(t, p.DocumentID, "demo")
	}
	assert.Equal(t, names, map[string]int64{"user-1": 1, "user-2": 2})
}
