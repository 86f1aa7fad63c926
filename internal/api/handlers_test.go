package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"

	"collabrelay/internal/auth"
	"collabrelay/internal/client"
	"collabrelay/internal/protocol"
	"collabrelay/internal/services/collaboration"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *collaboration.Registry) {
	registry := collaboration.NewRegistry(collaboration.Options{})
	verifier := auth.NewVerifier(testSecret)
	ws := collaboration.NewWebSocketHandler(registry, verifier)

	server := httptest.NewServer(SetupRoutes(NewHandler(registry, registry.Versions(), ws, verifier, nil), false))
	t.Cleanup(func() {
		server.Close()
		registry.Shutdown(context.Background())
	})
	return server, registry
}

func testToken(t *testing.T, user string) string {
	token, err := auth.Sign(testSecret, user)
	assert.Equal(t, err, nil)
	return token
}

// edit merges a change into the live document as if a client had sent it
func edit(t *testing.T, registry *collaboration.Registry, documentID, key, value string) {
	doc := automerge.New()
	assert.Equal(t, doc.RootMap().Set(key, value), nil)
	_, err := doc.Commit("edit")
	assert.Equal(t, err, nil)
	update := doc.SaveIncremental()

	session, err := registry.Acquire(context.Background(), documentID)
	assert.Equal(t, err, nil)
	frame := protocol.MustEncode(&protocol.Update{Update: update})
	assert.Equal(t, session.ApplyUpdate(nil, update, frame), nil)
}

func get(t *testing.T, url, token string, header http.Header) *http.Response {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	assert.Equal(t, err, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthAndStats(t *testing.T) {
	server, registry := newTestServer(t)

	resp := get(t, server.URL+"/api/health", "", nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	edit(t, registry, "demo", "title", "x")

	resp = get(t, server.URL+"/api/stats", "", nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	var stats struct {
		Sessions    int      `json:"sessions"`
		Connections int      `json:"connections"`
		Documents   []string `json:"documents"`
	}
	assert.Equal(t, json.NewDecoder(resp.Body).Decode(&stats), nil)
	assert.Equal(t, stats.Sessions, 1)
	assert.Equal(t, stats.Connections, 0)
	assert.Equal(t, stats.Documents, []string{"demo"})
}

func TestDocumentEndpointsRequireToken(t *testing.T) {
	server, _ := newTestServer(t)

	resp := get(t, server.URL+"/api/documents/demo/versions", "", nil)
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)

	_, err := client.NewAPI(server.URL, "demo", "forged").ListVersions(context.Background())
	assert.Equal(t, errors.Is(err, client.ErrUnauthorized), true)

	list, err := client.NewAPI(server.URL, "demo", testToken(t, "ann")).ListVersions(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(list), 0)
}

func TestVersionLifecycle(t *testing.T) {
	ctx := context.Background()
	server, registry := newTestServer(t)
	token := testToken(t, "ann")
	api := client.NewAPI(server.URL, "demo", token)

	// an empty document is not saved
	saved, err := api.SaveVersion(ctx, "", "", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, saved.Version == nil, true)

	edit(t, registry, "demo", "title", "hello")
	saved, err = api.SaveVersion(ctx, "", "", "")
	assert.Equal(t, err, nil)
	first := saved.Version
	assert.Equal(t, first.Version, 1)
	assert.Equal(t, first.Title, "Version 1")
	assert.Equal(t, first.Author, "ann")

	edit(t, registry, "demo", "body", "a longer body of text")
	saved, err = api.SaveVersion(ctx, "bob", "second", "with body")
	assert.Equal(t, err, nil)
	second := saved.Version
	assert.Equal(t, second.Version, 2)
	assert.Equal(t, second.Author, "bob")

	list, err := api.ListVersions(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(list), 2)
	assert.Equal(t, list[0].ID, second.ID)

	comparison, err := api.CompareVersions(ctx, first.ID, second.ID)
	assert.Equal(t, err, nil)
	assert.Equal(t, comparison.SizeDiff, second.Size-first.Size)

	restored, err := api.RestoreVersion(ctx, "", first.ID)
	assert.Equal(t, err, nil)
	assert.Equal(t, restored.Restored.ID, first.ID)
	assert.Equal(t, restored.Audit.Title, "Restored: Version 1")
	assert.Equal(t, restored.Audit.Author, "ann")

	session, _ := registry.Lookup("demo")
	live, err := automerge.Load(session.Snapshot())
	assert.Equal(t, err, nil)
	values, err := automerge.As[map[string]any](live.Path().Get())
	assert.Equal(t, err, nil)
	assert.Equal(t, values, map[string]any{"title": "hello"})

	assert.Equal(t, api.DeleteVersion(ctx, "", first.ID), nil)
	assert.Equal(t, errors.Is(api.DeleteVersion(ctx, "", first.ID), client.ErrVersionNotFound), true)

	_, err = api.CompareVersions(ctx, first.ID, second.ID)
	assert.Equal(t, errors.Is(err, client.ErrVersionNotFound), true)

	_, err = api.RestoreVersion(ctx, "", first.ID)
	assert.Equal(t, errors.Is(err, client.ErrVersionNotFound), true)

	resp := get(t, server.URL+"/api/documents/demo/versions/compare?from="+second.ID, token, nil)
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

func TestSnapshotETag(t *testing.T) {
	ctx := context.Background()
	server, registry := newTestServer(t)
	token := testToken(t, "ann")

	edit(t, registry, "demo", "title", "hello")
	session, _ := registry.Lookup("demo")
	want := session.Snapshot()

	saved, err := client.NewAPI(server.URL, "demo", token).SaveVersion(ctx, "", "", "")
	assert.Equal(t, err, nil)

	url := server.URL + "/api/documents/demo/versions/" + saved.Version.ID + "/snapshot"
	resp := get(t, url, token, nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	assert.Equal(t, err, nil)
	assert.Equal(t, body, want)

	etag := resp.Header.Get("ETag")
	assert.NotEqual(t, etag, "")

	resp = get(t, url, token, http.Header{"If-None-Match": {etag}})
	assert.Equal(t, resp.StatusCode, http.StatusNotModified)

	resp = get(t, server.URL+"/api/documents/demo/versions/missing/snapshot", token, nil)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	server, registry := newTestServer(t)
	token := testToken(t, "ann")

	resp := get(t, server.URL+"/api/documents/demo/presence", token, nil)
	var empty PresenceResponse
	assert.Equal(t, json.NewDecoder(resp.Body).Decode(&empty), nil)
	assert.Equal(t, len(empty.Participants), 0)

	conn := collaboration.NewConnection(registry, "ann", "demo")
	defer conn.Close()
	assert.Equal(t, conn.HandleMessage(ctx, []byte(`{"type":"join","clientId":4}`)), nil)
	assert.Equal(t, conn.HandleMessage(ctx, []byte(`{"type":"awareness","clientId":4,"state":{"user":{"name":"ann","color":"#123456"}}}`)), nil)

	resp = get(t, server.URL+"/api/documents/demo/presence", token, nil)
	var presence PresenceResponse
	assert.Equal(t, json.NewDecoder(resp.Body).Decode(&presence), nil)
	assert.Equal(t, presence.DocumentID, "demo")
	assert.Equal(t, len(presence.Participants), 1)
	assert.Equal(t, presence.Participants[0].UserName, "ann")
	assert.Equal(t, len(presence.Awareness), 1)
	assert.Equal(t, presence.Awareness[0].User.Color, "#123456")
}
