package collaboration

import (
	"encoding/json"
	"sort"
	"time"

	"collabrelay/internal/models"
	"collabrelay/internal/protocol"
)

/*
LEARNING: AWARENESS (PRESENCE)

Awareness is ephemeral: who is here, their name, color and cursor. It is never
persisted and never merged. Each client owns exactly one entry and every new
message from that client replaces it wholesale (last-write-wins).

Because there is no history to replay, a joining client gets the FULL table
once; after that only single-entry deltas are broadcast.
*/

// AwarenessTracker holds the presence table of one session.
// It is not locked on its own; the owning session's mutex guards it.
type AwarenessTracker struct {
	entries map[int64]*models.AwarenessEntry // clientID -> entry
}

func NewAwarenessTracker() *AwarenessTracker {
	return &AwarenessTracker{
		entries: make(map[int64]*models.AwarenessEntry),
	}
}

// Upsert replaces the entry of a client
func (t *AwarenessTracker) Upsert(clientID int64, state json.RawMessage, seen time.Time) {
	t.entries[clientID] = models.NewAwarenessEntry(clientID, state, seen)
}

// Remove deletes the entry of a client and reports whether one existed
func (t *AwarenessTracker) Remove(clientID int64) bool {
	if _, ok := t.entries[clientID]; !ok {
		return false
	}
	delete(t.entries, clientID)
	return true
}

// Snapshot returns the full table in wire form, ordered by client id
func (t *AwarenessTracker) Snapshot() []protocol.AwarenessState {
	states := make([]protocol.AwarenessState, 0, len(t.entries))
	for _, entry := range t.Entries() {
		states = append(states, protocol.AwarenessState{
			ClientID: entry.ClientID,
			State:    entry.State,
		})
	}
	return states
}

// Entries returns the entries ordered by client id
func (t *AwarenessTracker) Entries() []*models.AwarenessEntry {
	entries := make([]*models.AwarenessEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return entries
}
