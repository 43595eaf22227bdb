// Package busfake is an in-memory bus.Client used by package tests. It keeps
// per-stream logs and a key/value map with coarse TTL bookkeeping, enough to
// exercise consumer, publisher, and recovery logic without a broker.
package busfake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arbiterlabs/chainarb/internal/bus"
)

type kvEntry struct {
	value []byte
	ttl   time.Duration
}

// Client is an in-memory bus.
type Client struct {
	mu      sync.Mutex
	streams map[string][]bus.Entry
	cursors map[string]int // "stream|group" -> next index
	acks    map[string][]string
	kv      map[string]kvEntry
	nextID  int

	// ReadErr, when set, is returned by Read. AddErr likewise by Add.
	ReadErr error
	AddErr  error
}

// New creates an empty fake bus.
func New() *Client {
	return &Client{
		streams: make(map[string][]bus.Entry),
		cursors: make(map[string]int),
		acks:    make(map[string][]string),
		kv:      make(map[string]kvEntry),
	}
}

var _ bus.Client = (*Client)(nil)

func (c *Client) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := stream + "|" + group
	if _, ok := c.cursors[key]; !ok {
		c.cursors[key] = len(c.streams[stream])
	}
	return nil
}

func (c *Client) Read(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) (map[string][]bus.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	out := make(map[string][]bus.Entry)
	for _, stream := range streams {
		key := stream + "|" + group
		cursor := c.cursors[key]
		log := c.streams[stream]
		if cursor >= len(log) {
			continue
		}
		end := cursor + int(count)
		if count <= 0 || end > len(log) {
			end = len(log)
		}
		out[stream] = append([]bus.Entry(nil), log[cursor:end]...)
		c.cursors[key] = end
	}
	return out, nil
}

func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks[stream+"|"+group] = append(c.acks[stream+"|"+group], id)
	return nil
}

// Acks returns the ack ids recorded for a stream and group.
func (c *Client) Acks(stream, group string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.acks[stream+"|"+group]...)
}

func (c *Client) Add(ctx context.Context, stream string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AddErr != nil {
		return "", c.AddErr
	}
	c.nextID++
	id := fmt.Sprintf("%d-0", c.nextID)
	c.streams[stream] = append(c.streams[stream], bus.Entry{ID: id, Data: data})
	return id, nil
}

// Entries returns all entries appended to a stream.
func (c *Client) Entries(stream string) []bus.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Entry(nil), c.streams[stream]...)
}

func (c *Client) ReadRecent(ctx context.Context, stream string, count int64) ([]bus.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := c.streams[stream]
	n := int(count)
	if n > len(log) {
		n = len(log)
	}
	out := make([]bus.Entry, 0, n)
	for i := len(log) - 1; i >= len(log)-n; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

func (c *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range c.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, 0, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv[key] = kvEntry{value: append([]byte(nil), value...), ttl: ttl}
	return nil
}

// TTL returns the TTL recorded for a key.
func (c *Client) TTL(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.kv[key]
	return e.ttl, ok
}

func (c *Client) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kv, key)
	return nil
}

// Keys returns all stored KV keys.
func (c *Client) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.kv))
	for k := range c.kv {
		keys = append(keys, k)
	}
	return keys
}
