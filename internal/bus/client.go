// Package bus is the message-bus client shared by every pipeline service.
//
// The bus is an append-only per-topic log with consumer groups and explicit
// acks, plus a small signed key/value store for cross-instance state. Redis
// Streams back the production implementation; the Client interface keeps the
// consuming code testable without a live broker.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Stream names used across the pipeline.
const (
	StreamPriceUpdates         = "stream:price-updates"
	StreamWhaleAlerts          = "stream:whale-alerts"
	StreamPendingOpportunities = "stream:pending-opportunities"
	StreamOpportunities        = "stream:opportunities"
	StreamCircuitBreaker       = "stream:circuit-breaker"
)

// KeyBridgeRecoveryPrefix is the key namespace for persisted bridge
// recovery state, one entry per bridge id.
const KeyBridgeRecoveryPrefix = "bridge:recovery:"

// Entry is a single stream entry: the broker-assigned id plus the raw JSON
// payload of its "data" field. The payload may be a batch envelope.
type Entry struct {
	ID   string
	Data []byte
}

// Client is the bus contract the core depends on.
type Client interface {
	// CreateConsumerGroup creates a consumer group on a stream. Creating a
	// group that already exists is not an error.
	CreateConsumerGroup(ctx context.Context, stream, group string) error

	// Read reads new entries for a consumer from each of the given streams.
	// Blocking up to block; a block timeout returns an empty result with a
	// nil error. The result maps stream name to entries in id order.
	Read(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) (map[string][]Entry, error)

	// Ack acknowledges one stream entry for a group. Batched envelopes are
	// acked once per entry, never per inner item.
	Ack(ctx context.Context, stream, group, id string) error

	// Add appends a payload to a stream under the "data" field.
	Add(ctx context.Context, stream string, payload any) (string, error)

	// ReadRecent returns up to count of the most recent entries of a
	// stream, newest first. Used for state restoration on startup.
	ReadRecent(ctx context.Context, stream string, count int64) ([]Entry, error)

	// Scan iterates keys matching a pattern in cursor pages. Never a full
	// keyspace dump.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	// Get reads a key. The second result is false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes a key with an optional TTL (zero means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes a key.
	Del(ctx context.Context, key string) error
}

// batchEnvelope is the wire form producers use to pack several items into one
// stream entry.
type batchEnvelope struct {
	Batch bool              `json:"batch"`
	Items []json.RawMessage `json:"items"`
}

// Unwrap expands a stream payload into its items. A batch envelope yields its
// items in array order; any other payload yields itself as the single item.
func Unwrap(data []byte) ([][]byte, error) {
	var env batchEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Batch {
		items := make([][]byte, 0, len(env.Items))
		for _, item := range env.Items {
			items = append(items, []byte(item))
		}
		return items, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("bus: payload is not valid JSON")
	}
	return [][]byte{data}, nil
}

// WrapBatch packs items into a batch envelope payload.
func WrapBatch(items []any) (any, error) {
	raw := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("bus: marshal batch item: %w", err)
		}
		raw = append(raw, b)
	}
	return batchEnvelope{Batch: true, Items: raw}, nil
}
