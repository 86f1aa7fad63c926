package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"collabrelay/internal/auth"
	"collabrelay/internal/middleware"
	"collabrelay/internal/models"
	"collabrelay/internal/services/versions"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

type identityKey struct{}

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	registry   SessionRegistry
	versions   VersionReader
	ws         WebSocketEndpoints
	verifier   TokenVerifier
	flushQueue QueueReporter // nil without a state store
}

func NewHandler(
	registry SessionRegistry,
	versions VersionReader,
	ws WebSocketEndpoints,
	verifier TokenVerifier,
	flushQueue QueueReporter,
) *Handler {
	return &Handler{
		registry:   registry,
		versions:   versions,
		ws:         ws,
		verifier:   verifier,
		flushQueue: flushQueue,
	}
}

// SaveVersionRequest is the body of POST /versions
type SaveVersionRequest struct {
	Author      string `json:"author"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	IsAutoSave  bool   `json:"isAutoSave,omitempty"`
}

// RestoreVersionRequest is the body of POST /versions/{versionId}/restore
type RestoreVersionRequest struct {
	Author string `json:"author"`
}

// RestoreVersionResponse reports the restored version and the audit version saved after it
type RestoreVersionResponse struct {
	Restored *models.VersionMetadata `json:"restored"`
	Audit    *models.VersionMetadata `json:"audit,omitempty"`
}

// PresenceResponse lists who is attached to a document
type PresenceResponse struct {
	DocumentID   string                   `json:"documentId"`
	Participants []*models.Participant    `json:"participants"`
	Awareness    []*models.AwarenessEntry `json:"awareness"`
}

// RequireToken rejects requests without a valid token
func (h *Handler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			middleware.AddSpanError(r.Context(), err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestAuthor prefers an explicit author over the authenticated user
func requestAuthor(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if identity, ok := r.Context().Value(identityKey{}).(*auth.Identity); ok {
		return identity.UserName
	}
	return ""
}

// Service endpoints

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()

	response := map[string]interface{}{
		"sessions":    stats.Sessions,
		"connections": stats.Connections,
		"documents":   h.registry.DocumentIDs(),
	}
	if h.flushQueue != nil {
		response["flushQueue"] = h.flushQueue.GetQueueLength()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	response := PresenceResponse{
		DocumentID:   documentID,
		Participants: []*models.Participant{},
		Awareness:    []*models.AwarenessEntry{},
	}
	if session, ok := h.registry.Lookup(documentID); ok {
		response.Participants = session.Participants()
		response.Awareness = session.Presence()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Version handlers

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	list, err := h.versions.List(r.Context(), documentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"documentId": documentID,
		"versions":   list,
	})
}

func (h *Handler) SaveVersion(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	var req SaveVersionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.registry.Acquire(r.Context(), documentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	version, err := session.SaveVersion(r.Context(), nil, versions.SaveOptions{
		Author:      requestAuthor(r, req.Author),
		Title:       req.Title,
		Description: req.Description,
		IsAutoSave:  req.IsAutoSave,
	})
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Empty documents are not saved; that is a refusal, not a failure
	if version == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(version.Metadata())
}

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	version, err := h.versions.Get(r.Context(), vars["id"], vars["versionId"])
	if err != nil {
		writeVersionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(version.Metadata())
}

// GetSnapshot returns the exact bytes that were saved
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	version, err := h.versions.Get(r.Context(), vars["id"], vars["versionId"])
	if err != nil {
		writeVersionError(w, err)
		return
	}

	// Versions are immutable, so the content hash is a stable validator
	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(version.Content))
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(version.Content)))
	w.Write(version.Content)
}

func (h *Handler) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	documentID, versionID := vars["id"], vars["versionId"]

	var req RestoreVersionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.registry.Acquire(r.Context(), documentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	restored, audit, err := session.RestoreVersion(r.Context(), nil, versionID, requestAuthor(r, req.Author))
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeVersionError(w, err)
		return
	}
	middleware.AddSpanEvent(r.Context(), "version.restored",
		attribute.String("document.id", documentID),
		attribute.Int("version.sequence", restored.Sequence),
	)

	response := RestoreVersionResponse{Restored: restored.Metadata()}
	if audit != nil {
		response.Audit = audit.Metadata()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) DeleteVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	session, err := h.registry.Acquire(r.Context(), vars["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	author := requestAuthor(r, r.URL.Query().Get("author"))
	if _, err := session.DeleteVersion(r.Context(), nil, vars["versionId"], author); err != nil {
		writeVersionError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")

	if from == "" || to == "" {
		http.Error(w, "from and to are required", http.StatusBadRequest)
		return
	}

	comparison, err := h.versions.Compare(r.Context(), documentID, from, to)
	if err != nil {
		writeVersionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(comparison)
}

func writeVersionError(w http.ResponseWriter, err error) {
	if errors.Is(err, versions.ErrVersionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// decodeOptionalBody accepts an empty body as the zero value
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
