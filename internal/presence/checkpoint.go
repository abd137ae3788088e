package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"roomcast/pkg/types"
)

// Checkpoint durably stores a shard's presence map so membership survives
// restarts. Implementations must replace the whole shard atomically.
type Checkpoint interface {
	Load(ctx context.Context, shardKey string) (map[string]types.PresenceEntry, error)
	Save(ctx context.Context, shardKey string, entries map[string]types.PresenceEntry) error
}

// RedisCheckpoint stores each shard as one Redis hash keyed by shard key,
// with one field per user holding the JSON-encoded entry.
type RedisCheckpoint struct {
	client *redis.Client
}

// NewRedisCheckpoint wraps an existing client.
func NewRedisCheckpoint(client *redis.Client) *RedisCheckpoint {
	return &RedisCheckpoint{client: client}
}

// Load reads the shard hash. A missing key yields an empty map.
func (c *RedisCheckpoint) Load(ctx context.Context, shardKey string) (map[string]types.PresenceEntry, error) {
	fields, err := c.client.HGetAll(ctx, shardKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load shard %s: %w", shardKey, err)
	}

	entries := make(map[string]types.PresenceEntry, len(fields))
	for userID, raw := range fields {
		var entry types.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("corrupt presence entry for %s in shard %s: %w", userID, shardKey, err)
		}
		entries[userID] = entry
	}
	return entries, nil
}

// Save replaces the shard hash with the given snapshot in one transaction.
func (c *RedisCheckpoint) Save(ctx context.Context, shardKey string, entries map[string]types.PresenceEntry) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, shardKey)

	if len(entries) > 0 {
		fields := make(map[string]interface{}, len(entries))
		for userID, entry := range entries {
			raw, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to encode presence entry for %s: %w", userID, err)
			}
			fields[userID] = raw
		}
		pipe.HSet(ctx, shardKey, fields)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save shard %s: %w", shardKey, err)
	}
	return nil
}
