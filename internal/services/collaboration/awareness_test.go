package collaboration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func clientIDs(tracker *AwarenessTracker) []int64 {
	ids := []int64{}
	for _, entry := range tracker.Entries() {
		ids = append(ids, entry.ClientID)
	}
	return ids
}

func TestAwarenessTracker(t *testing.T) {
	tracker := NewAwarenessTracker()
	seen := time.UnixMilli(1700000000000)

	tracker.Upsert(7, json.RawMessage(`{"user":{"name":"ann","color":"#00ff00"}}`), seen)
	tracker.Upsert(3, json.RawMessage(`{"cursor":4}`), seen)
	assert.Equal(t, clientIDs(tracker), []int64{3, 7})

	// last write wins
	tracker.Upsert(3, json.RawMessage(`{"cursor":9}`), seen)
	assert.Equal(t, clientIDs(tracker), []int64{3, 7})

	states := tracker.Snapshot()
	assert.Equal(t, states[0].ClientID, int64(3))
	assert.Equal(t, string(states[0].State), `{"cursor":9}`)
	assert.Equal(t, states[1].ClientID, int64(7))

	entries := tracker.Entries()
	assert.Equal(t, entries[1].User.Name, "ann")
	assert.Equal(t, entries[0].User == nil, true)

	assert.Equal(t, tracker.Remove(3), true)
	assert.Equal(t, tracker.Remove(3), false)
	assert.Equal(t, clientIDs(tracker), []int64{7})
}
