package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Compile-time check that RedisStore implements Backend.
var _ Backend = (*RedisStore)(nil)

// RedisStore keeps each session as a JSON string with a native key TTL, so
// expiry needs no janitor.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server named by WithRedisURL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := applyOpts(opts)
	if cfg.RedisURL == "" {
		return nil, errors.New("redis URL not set")
	}
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		slog.Error("RedisStore ping failed", "error", err, "addr", ropts.Addr)
		return nil, fmt.Errorf("failed to reach redis at %s: %w", ropts.Addr, err)
	}
	slog.Debug("RedisStore connected", "addr", ropts.Addr, "db", ropts.DB)
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) dedupKey(id string) string   { return r.prefix + "dedup:" + id }

func (r *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore.Get failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return decodeSession(id, data)
}

func (r *RedisStore) Put(ctx context.Context, s *models.Session, ttl time.Duration) error {
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.sessionKey(s.ID), data, ttl).Err(); err != nil {
		slog.Error("RedisStore.Put failed", "error", err, "id", s.ID)
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// ListByState scans every session key. It is meant for startup recovery and
// operator commands, not for the request path.
func (r *RedisStore) ListByState(ctx context.Context, st models.State) ([]*models.Session, error) {
	var out []*models.Session
	iter := r.client.Scan(ctx, 0, r.sessionKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", key, err)
		}
		sess, err := decodeSession(key[len(r.sessionKey("")):], data)
		if err != nil {
			slog.Warn("RedisStore.ListByState: skipping undecodable session", "key", key, "error", err)
			continue
		}
		if sess.State == st {
			out = append(out, sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return out, nil
}

func (r *RedisStore) MarkSeen(ctx context.Context, messageID, sender string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	first, err := r.client.SetNX(ctx, r.dedupKey(messageID), sender, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return first, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
