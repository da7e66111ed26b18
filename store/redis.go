package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"manimate/types"
)

const (
	redisKeyPrefix  = "manimate:session:"
	redisMaxRetries = 5
)

// RedisConfig configures the Redis connection and key expiry
type RedisConfig struct {
	Addr     string // e.g. localhost:6379
	Password string
	DB       int
	// TTL is refreshed on every write; zero keeps keys forever
	TTL time.Duration
}

// RedisStore keeps one JSON document per session key
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies connectivity
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewRedisStoreFromClient(client, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

// Close closes the underlying Redis client
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func encodeSession(s *types.Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

func decodeSession(data []byte) (*types.Session, error) {
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Create(ctx context.Context, s *types.Session) error {
	key := redisKey(s.ID)
	return r.update(ctx, key, func(existing *types.Session) (*types.Session, error) {
		write, err := checkCreate(existing, s)
		if err != nil || !write {
			return nil, err
		}
		return prepare(s, r.now()), nil
	})
}

func (r *RedisStore) UpsertProgress(ctx context.Context, id string, scripts []*types.Script, readyTokens []string) error {
	return r.update(ctx, redisKey(id), func(existing *types.Session) (*types.Session, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		changed, err := applyProgress(existing, scripts, readyTokens, r.now())
		if err != nil || !changed {
			return nil, err
		}
		return existing, nil
	})
}

func (r *RedisStore) SetStatus(ctx context.Context, id string, status types.SessionStatus) error {
	return r.update(ctx, redisKey(id), func(existing *types.Session) (*types.Session, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if existing.Status == status {
			return nil, nil
		}
		existing.Status = status
		existing.UpdatedAt = r.now()
		return existing, nil
	})
}

func (r *RedisStore) Get(ctx context.Context, id string) (*types.Session, error) {
	data, err := r.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", id, err)
	}
	return decodeSession(data)
}

// update runs an optimistic read-modify-write on key. mutate returns nil to skip the write.
func (r *RedisStore) update(ctx context.Context, key string, mutate func(existing *types.Session) (*types.Session, error)) error {
	txf := func(tx *redis.Tx) error {
		var existing *types.Session
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get %s: %w", key, err)
		default:
			if existing, err = decodeSession(data); err != nil {
				return err
			}
		}

		next, err := mutate(existing)
		if err != nil || next == nil {
			return err
		}
		payload, err := encodeSession(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.ttl)
			return nil
		})
		return err
	}

	for range redisMaxRetries {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis update %s: too much contention", key)
}
