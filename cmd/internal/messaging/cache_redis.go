package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix     = "conv:"
	cacheAppendRetries = 3
	cacheRetryBackoff  = 50 * time.Millisecond
	cacheTTL           = 24 * time.Hour
)

// RedisCache is a MessageCache backed by a Redis list per conversation.
//
// Entries are JSON-encoded messages appended with RPUSH, so list order is
// creation order. The TTL is refreshed on every append; a cold conversation
// simply falls back to the store.
type RedisCache struct {
	log *slog.Logger
	rdb *redis.Client
}

// NewRedisCache constructs a Redis-backed MessageCache.
func NewRedisCache(log *slog.Logger, rdb *redis.Client) (*RedisCache, error) {
	if rdb == nil {
		return nil, errors.New("messaging: nil redis client")
	}
	return &RedisCache{log: log, rdb: rdb}, nil
}

func cacheKey(conversationID string) string {
	return cacheKeyPrefix + conversationID
}

// Append pushes the message onto the conversation list, retrying transient failures.
func (c *RedisCache) Append(ctx context.Context, conversationID string, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}

	key := cacheKey(conversationID)

	var lastErr error
	for attempt := 1; attempt <= cacheAppendRetries; attempt++ {
		pipe := c.rdb.TxPipeline()
		pipe.RPush(ctx, key, b)
		pipe.Expire(ctx, key, cacheTTL)
		if _, err := pipe.Exec(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < cacheAppendRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cacheRetryBackoff * time.Duration(attempt)):
			}
		}
	}
	return lastErr
}

// List returns the full cached list. Undecodable entries are skipped with a warning.
func (c *RedisCache) List(ctx context.Context, conversationID string) ([]Message, error) {
	raw, err := c.rdb.LRange(ctx, cacheKey(conversationID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	out := make([]Message, 0, len(raw))
	for _, entry := range raw {
		var m Message
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			c.log.Warn("messaging.cache.bad_entry",
				"conversation_id", conversationID,
				"err", err,
			)
			continue
		}
		if m.Attachments == nil {
			m.Attachments = []Attachment{}
		}
		out = append(out, m)
	}
	return out, nil
}

// Drop removes the conversation's cached list.
func (c *RedisCache) Drop(ctx context.Context, conversationID string) error {
	return c.rdb.Del(ctx, cacheKey(conversationID)).Err()
}
