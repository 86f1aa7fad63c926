package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collabrelay/internal/models"
)

// ErrVersionNotFound is returned for 404 responses on version endpoints
var ErrVersionNotFound = errors.New("version not found")

// API calls the relay's REST endpoints for one document
type API struct {
	base       string
	documentID string
	token      string
	http       *http.Client
}

func NewAPI(base, documentID, token string) *API {
	return &API{
		base:       strings.TrimRight(base, "/"),
		documentID: documentID,
		token:      token,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// SaveResult is what the relay answers to a save; Version is nil when the
// document was empty and nothing was saved
type SaveResult struct {
	Version *models.VersionMetadata
}

// RestoreResult mirrors the restore response
type RestoreResult struct {
	Restored *models.VersionMetadata `json:"restored"`
	Audit    *models.VersionMetadata `json:"audit,omitempty"`
}

func (a *API) ListVersions(ctx context.Context) ([]*models.VersionMetadata, error) {
	var out struct {
		Versions []*models.VersionMetadata `json:"versions"`
	}
	if err := a.do(ctx, http.MethodGet, "/versions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

func (a *API) SaveVersion(ctx context.Context, author, title, description string) (*SaveResult, error) {
	body := map[string]string{"author": author, "title": title, "description": description}

	var meta models.VersionMetadata
	status, err := a.doStatus(ctx, http.MethodPost, "/versions", nil, body, &meta)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return &SaveResult{}, nil
	}
	return &SaveResult{Version: &meta}, nil
}

func (a *API) RestoreVersion(ctx context.Context, author, versionID string) (*RestoreResult, error) {
	var out RestoreResult
	path := "/versions/" + url.PathEscape(versionID) + "/restore"
	if err := a.do(ctx, http.MethodPost, path, nil, map[string]string{"author": author}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) DeleteVersion(ctx context.Context, author, versionID string) error {
	query := url.Values{}
	if author != "" {
		query.Set("author", author)
	}
	return a.do(ctx, http.MethodDelete, "/versions/"+url.PathEscape(versionID), query, nil, nil)
}

func (a *API) CompareVersions(ctx context.Context, from, to string) (*models.VersionComparison, error) {
	var out models.VersionComparison
	query := url.Values{"from": {from}, "to": {to}}
	if err := a.do(ctx, http.MethodGet, "/versions/compare", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	_, err := a.doStatus(ctx, method, path, query, body, out)
	return err
}

func (a *API) doStatus(ctx context.Context, method, path string, query url.Values, body, out interface{}) (int, error) {
	target := a.base + "/api/documents/" + url.PathEscape(a.documentID) + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, ErrVersionNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, ErrUnauthorized
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
