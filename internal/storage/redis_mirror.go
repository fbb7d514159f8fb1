package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/deepreadx/internal/cache"
)

// RedisMirror is a session-scoped second-level result store. Keys carry the
// session ID and expire after the session TTL.
type RedisMirror struct {
	client  *redis.Client
	session string
	ttl     time.Duration
}

// NewRedisMirror connects to redisURL and verifies the connection
func NewRedisMirror(redisURL, session string, ttl time.Duration) (*RedisMirror, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if session == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisMirror{client: client, session: session, ttl: ttl}, nil
}

// MirrorKey builds the Redis key of a result
func MirrorKey(session string, key cache.Key) string {
	return fmt.Sprintf("deepreadx:%s:%s:%s", session, key.Kind, key.Fingerprint)
}

// Get returns the mirrored text for key
func (m *RedisMirror) Get(ctx context.Context, key cache.Key) (string, bool, error) {
	text, err := m.client.Get(ctx, MirrorKey(m.session, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read mirror: %w", err)
	}
	return text, true, nil
}

// Put stores text for key with the session TTL
func (m *RedisMirror) Put(ctx context.Context, key cache.Key, text string) error {
	if err := m.client.Set(ctx, MirrorKey(m.session, key), text, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write mirror: %w", err)
	}
	return nil
}

// Purge deletes every key of the session
func (m *RedisMirror) Purge(ctx context.Context) (int, error) {
	pattern := fmt.Sprintf("deepreadx:%s:*", m.session)
	deleted := 0

	iter := m.client.Scan(ctx, 0, pattern, 200).Iterator()
	batch := make([]string, 0, 200)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := m.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("failed to purge mirror: %w", err)
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to scan mirror keys: %w", err)
	}
	return deleted, flush()
}

// Close closes the Redis connection
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
