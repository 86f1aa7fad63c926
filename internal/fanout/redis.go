// Package fanout relays session broadcasts between relay instances over Redis
// pub/sub, so connections to the same document on different instances see each
// other's updates.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "collab:doc:"

type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// RedisFanout publishes and subscribes per-document channels
type RedisFanout struct {
	rdb      *redis.Client
	instance string
}

// NewRedisFanout connects to Redis and verifies the connection
func NewRedisFanout(ctx context.Context, addr string) (*RedisFanout, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}

	return &RedisFanout{
		rdb:      rdb,
		instance: uuid.NewString(),
	}, nil
}

// Instance identifies this relay in published envelopes
func (f *RedisFanout) Instance() string {
	return f.instance
}

func channelName(documentID string) string {
	return channelPrefix + documentID
}

// Publish sends a payload to every other instance
func (f *RedisFanout) Publish(ctx context.Context, documentID string, payload []byte) error {
	msg, err := json.Marshal(envelope{Origin: f.instance, Payload: payload})
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(ctx, channelName(documentID), msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", documentID, err)
	}
	return nil
}

// Subscribe delivers payloads published by other instances until the returned
// function is called
func (f *RedisFanout) Subscribe(ctx context.Context, documentID string, deliver func(payload []byte)) (func(), error) {
	pubsub := f.rdb.Subscribe(ctx, channelName(documentID))

	// Wait for the subscription to be confirmed so no publish is missed after Subscribe returns
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", documentID, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("⚠️  Dropping malformed fan-out message on %s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == f.instance {
				continue
			}
			deliver(env.Payload)
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("⚠️  Failed to unsubscribe from %s: %v", documentID, err)
		}
	}, nil
}

// Close closes the Redis client
func (f *RedisFanout) Close() error {
	return f.rdb.Close()
}
