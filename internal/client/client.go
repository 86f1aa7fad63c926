// Package client is a Go client for the relay: it joins a document over
// WebSocket, hands every inbound message to a handler and reconnects after a
// fixed delay, re-running the join handshake each time.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"collabrelay/internal/protocol"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// DefaultReconnectDelay is the fixed wait before reconnecting
const DefaultReconnectDelay = 3 * time.Second

var (
	ErrNotConnected = errors.New("not connected")
	ErrUnauthorized = errors.New("relay rejected the token")
)

// Handler receives every decoded inbound message
type Handler func(msg protocol.Message)

type Options struct {
	URL            string // relay base URL, http(s):// or ws(s)://
	DocumentID     string
	Token          string
	ClientID       int64 // 0 lets the relay pick one
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Client keeps one document connection alive
type Client struct {
	opts    Options
	handler Handler

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

func New(opts Options, handler Handler) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts, handler: handler}
}

// DocumentURL builds the WebSocket URL of a document
func DocumentURL(base, documentID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}

	u = u.JoinPath("ws", "document", documentID)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Run connects and serves the connection until ctx is done, reconnecting
// after every disconnect
func (c *Client) Run(ctx context.Context) error {
	operation := func() error {
		err := c.serve(ctx)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, ErrUnauthorized):
			return backoff.Permanent(err)
		}
		log.Printf("  Disconnected from %s: %v (reconnecting in %s)", c.opts.DocumentID, err, c.opts.ReconnectDelay)
		return err
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.opts.ReconnectDelay), ctx)
	return backoff.Retry(operation, policy)
}

// serve runs one connection: dial, join, then read until failure
func (c *Client) serve(ctx context.Context) error {
	target, err := DocumentURL(c.opts.URL, c.opts.DocumentID, c.opts.Token)
	if err != nil {
		return backoff.Permanent(err)
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.Send(&protocol.Join{DocumentID: c.opts.DocumentID, ClientID: c.opts.ClientID}); err != nil {
		return err
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			log.Printf("  Dropping message from relay: %v", err)
			continue
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// Send writes one message on the current connection
func (c *Client) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// SendUpdate sends an incremental update
func (c *Client) SendUpdate(update []byte) error {
	return c.Send(&protocol.Update{Update: update})
}

// SetAwareness publishes this client's presence state; nil clears it
func (c *Client) SetAwareness(clientID int64, state interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.Send(&protocol.AwarenessDelta{ClientID: clientID, State: raw})
}

// SaveVersion asks the relay to save the current state
func (c *Client) SaveVersion(author, title, description string) error {
	return c.Send(&protocol.VersionCreated{
		Author:  author,
		Version: &protocol.VersionRequest{Title: title, Description: description},
	})
}

// RestoreVersion asks the relay to restore a version
func (c *Client) RestoreVersion(author, versionID string) error {
	return c.Send(&protocol.VersionRestored{Author: author, VersionID: versionID})
}

// DeleteVersion asks the relay to delete a version
func (c *Client) DeleteVersion(author, versionID string) error {
	return c.Send(&protocol.VersionDeleted{Author: author, VersionID: versionID})
}
