// Package protocol defines the relay's wire messages. Every message is a JSON
// object tagged by a "type" field; Decode turns raw frames into one of the
// concrete types below and rejects anything outside the catalogue.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"collabrelay/internal/models"
)

// Type is the message discriminator
type Type string

const (
	TypeJoin                Type = "join"
	TypeSync                Type = "sync"
	TypeUpdate              Type = "update"
	TypeAwareness           Type = "awareness"
	TypeVersionCreated      Type = "version-created"
	TypeVersionRestored     Type = "version-restored"
	TypeVersionDeleted      Type = "version-deleted"
	TypeVersionSync         Type = "version-sync"
	TypeVersionNotification Type = "version-notification"
	TypeVersionResult       Type = "version-result"
)

// Action names a version lifecycle event
type Action string

const (
	ActionCreated  Action = "created"
	ActionRestored Action = "restored"
	ActionDeleted  Action = "deleted"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Message is implemented by every type in the catalogue
type Message interface {
	MessageType() Type
}

// Join attaches a connection to a document (client → relay)
type Join struct {
	DocumentID string `json:"documentId,omitempty"`
	DocName    string `json:"docName,omitempty"` // legacy field name
	ClientID   int64  `json:"clientId"`
}

// Document returns the requested document, accepting the legacy field
func (j *Join) Document() string {
	if j.DocumentID != "" {
		return j.DocumentID
	}
	return j.DocName
}

// Sync carries the full replicated state (relay → client)
type Sync struct {
	Update Blob `json:"update"`
}

// Update carries an incremental state delta (both directions)
type Update struct {
	Update Blob `json:"update"`
}

// AwarenessDelta upserts one presence entry; a null state removes it
type AwarenessDelta struct {
	ClientID int64           `json:"clientId"`
	State    json.RawMessage `json:"state"`
}

// Removed reports whether the delta deletes the entry
func (a *AwarenessDelta) Removed() bool {
	trimmed := bytes.TrimSpace(a.State)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// AwarenessSnapshot is the full presence table sent at join (relay → client)
type AwarenessSnapshot struct {
	States []AwarenessState `json:"states"`
}

// AwarenessState is one [clientId, state] pair
type AwarenessState struct {
	ClientID int64
	State    json.RawMessage
}

func (a AwarenessState) MarshalJSON() ([]byte, error) {
	state := a.State
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	return json.Marshal([]any{a.ClientID, state})
}

func (a *AwarenessState) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("awareness state must be a [clientId, state] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &a.ClientID); err != nil {
		return fmt.Errorf("invalid awareness client id: %w", err)
	}
	a.State = pair[1]
	return nil
}

// VersionRequest describes a version in client requests
type VersionRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	IsAutoSave  bool   `json:"isAutoSave,omitempty"`
	Author      string `json:"author,omitempty"`
}

// VersionCreated asks the relay to save the current state as a version
type VersionCreated struct {
	Version *VersionRequest `json:"version,omitempty"`
	Author  string          `json:"author,omitempty"`
}

// AuthorName returns the explicit author, falling back to the version's author
func (v *VersionCreated) AuthorName() string {
	if v.Author != "" {
		return v.Author
	}
	if v.Version != nil {
		return v.Version.Author
	}
	return ""
}

// VersionRestored asks the relay to restore a version into the live document
type VersionRestored struct {
	Version   *VersionRequest `json:"version,omitempty"`
	VersionID string          `json:"versionId,omitempty"`
	Author    string          `json:"author,omitempty"`
}

// TargetID returns the version to restore
func (v *VersionRestored) TargetID() string {
	if v.VersionID != "" {
		return v.VersionID
	}
	if v.Version != nil {
		return v.Version.ID
	}
	return ""
}

// VersionDeleted asks the relay to delete a version
type VersionDeleted struct {
	VersionID string `json:"versionId"`
	Author    string `json:"author,omitempty"`
}

// VersionSync lists version metadata, sent once at join when versions exist
type VersionSync struct {
	Versions []*models.VersionMetadata `json:"versions"`
}

// VersionNotification is the advisory broadcast describing a version action
type VersionNotification struct {
	Action       Action                  `json:"action"`
	Version      *models.VersionMetadata `json:"version,omitempty"`
	VersionID    string                  `json:"versionId,omitempty"`
	VersionTitle string                  `json:"versionTitle,omitempty"`
	Author       string                  `json:"author"`
}

// VersionResult answers the sender of a version request
type VersionResult struct {
	Action    Action                  `json:"action"`
	OK        bool                    `json:"ok"`
	Version   *models.VersionMetadata `json:"version,omitempty"`
	VersionID string                  `json:"versionId,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
}

func (Join) MessageType() Type                { return TypeJoin }
func (Sync) MessageType() Type                { return TypeSync }
func (Update) MessageType() Type              { return TypeUpdate }
func (AwarenessDelta) MessageType() Type      { return TypeAwareness }
func (AwarenessSnapshot) MessageType() Type   { return TypeAwareness }
func (VersionCreated) MessageType() Type      { return TypeVersionCreated }
func (VersionRestored) MessageType() Type     { return TypeVersionRestored }
func (VersionDeleted) MessageType() Type      { return TypeVersionDeleted }
func (VersionSync) MessageType() Type         { return TypeVersionSync }
func (VersionNotification) MessageType() Type { return TypeVersionNotification }
func (VersionResult) MessageType() Type       { return TypeVersionResult }

// Decode parses one frame into its concrete message type
func Decode(raw []byte) (Message, error) {
	var envelope struct {
		Type   Type            `json:"type"`
		States json.RawMessage `json:"states"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg Message
	switch envelope.Type {
	case TypeJoin:
		msg = &Join{}
	case TypeSync:
		msg = &Sync{}
	case TypeUpdate:
		msg = &Update{}
	case TypeAwareness:
		if envelope.States != nil {
			msg = &AwarenessSnapshot{}
		} else {
			msg = &AwarenessDelta{}
		}
	case TypeVersionCreated:
		msg = &VersionCreated{}
	case TypeVersionRestored:
		msg = &VersionRestored{}
	case TypeVersionDeleted:
		msg = &VersionDeleted{}
	case TypeVersionSync:
		msg = &VersionSync{}
	case TypeVersionNotification:
		msg = &VersionNotification{}
	case TypeVersionResult:
		msg = &VersionResult{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, envelope.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, envelope.Type, err)
	}

	return msg, nil
}

// Encode serializes a message with its type tag
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("failed to encode %s message: not an object", msg.MessageType())
	}

	tag, err := json.Marshal(string(msg.MessageType()))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])

	return buf.Bytes(), nil
}

// MustEncode is Encode for messages that cannot fail to marshal
func MustEncode(msg Message) []byte {
	buf, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return buf
}
