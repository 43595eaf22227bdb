package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisClient implements Client over Redis Streams and plain keys.
type RedisClient struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisClient connects to Redis using a REDIS_URL style address.
func NewRedisClient(url string, log zerolog.Logger) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	return &RedisClient{
		rdb: redis.NewClient(opts),
		log: log.With().Str("service", "bus").Logger(),
	}, nil
}

// NewRedisClientFromConn wraps an existing connection; used by tests against
// miniature or containerized brokers.
func NewRedisClientFromConn(rdb *redis.Client, log zerolog.Logger) *RedisClient {
	return &RedisClient{rdb: rdb, log: log.With().Str("service", "bus").Logger()}
}

// Ping verifies connectivity.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

// CreateConsumerGroup creates the group at the stream head, treating an
// already-existing group as success.
func (c *RedisClient) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Read issues a blocking XREADGROUP over the given streams. A block timeout
// is a normal outcome and returns an empty map.
func (c *RedisClient) Read(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) (map[string][]Entry, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return map[string][]Entry{}, nil
		}
		return nil, fmt.Errorf("bus: read group %s: %w", group, err)
	}

	out := make(map[string][]Entry, len(res))
	for _, s := range res {
		entries := make([]Entry, 0, len(s.Messages))
		for _, msg := range s.Messages {
			entries = append(entries, Entry{ID: msg.ID, Data: dataField(msg.Values)})
		}
		out[s.Stream] = entries
	}
	return out, nil
}

// Ack acknowledges one entry for a group.
func (c *RedisClient) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("bus: ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// Add appends a payload to a stream under the "data" field.
func (c *RedisClient) Add(ctx context.Context, stream string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("bus: marshal payload: %w", err)
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: add to %s: %w", stream, err)
	}
	return id, nil
}

// ReadRecent returns the newest entries of a stream, newest first.
func (c *RedisClient) ReadRecent(ctx context.Context, stream string, count int64) ([]Entry, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: revrange %s: %w", stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, Entry{ID: msg.ID, Data: dataField(msg.Values)})
	}
	return entries, nil
}

// Scan pages through keys matching a pattern. SCAN, never KEYS.
func (c *RedisClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := c.rdb.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("bus: scan %s: %w", match, err)
	}
	return keys, next, nil
}

// Get reads a key, reporting absence without an error.
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("bus: get %s: %w", key, err)
	}
	return val, true, nil
}

// Set writes a key with an optional TTL.
func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("bus: set %s: %w", key, err)
	}
	return nil
}

// Del removes a key.
func (c *RedisClient) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("bus: del %s: %w", key, err)
	}
	return nil
}

// dataField extracts the raw JSON payload from a stream entry's values.
// Producers write the payload under "data"; entries without it yield an empty
// payload which downstream validators reject.
func dataField(values map[string]any) []byte {
	if v, ok := values["data"]; ok {
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	}
	return nil
}
