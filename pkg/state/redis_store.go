package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "flagstate"

// RedisStore keeps JSON-encoded snapshots in Redis so several processes can
// share warm cache slices. Each ref maps to one hash with "snapshot" and
// "meta" fields.
type RedisStore[T any] struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisConfig)

type redisConfig struct {
	prefix string
	ttl    time.Duration
}

// WithRedisPrefix namespaces every key written by the store.
func WithRedisPrefix(prefix string) RedisOption {
	return func(cfg *redisConfig) {
		if prefix != "" {
			cfg.prefix = prefix
		}
	}
}

// WithRedisTTL expires slices that were not written for ttl. Zero keeps them.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(cfg *redisConfig) {
		cfg.ttl = ttl
	}
}

func NewRedisStore[T any](client redis.UniversalClient, opts ...RedisOption) *RedisStore[T] {
	cfg := redisConfig{prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &RedisStore[T]{client: client, prefix: cfg.prefix, ttl: cfg.ttl}
}

func (s *RedisStore[T]) key(ref Ref) (string, error) {
	id, err := ref.Identifier()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:slice:%s", s.prefix, id), nil
}

func (s *RedisStore[T]) Load(ctx context.Context, ref Ref) (T, Meta, bool, error) {
	var zero T
	if s.client == nil {
		return zero, Meta{}, false, fmt.Errorf("state: redis client is required")
	}
	key, err := s.key(ref)
	if err != nil {
		return zero, Meta{}, false, err
	}
	return s.read(ctx, s.client, key)
}

func (s *RedisStore[T]) read(ctx context.Context, cmd hashReader, key string) (T, Meta, bool, error) {
	var zero T
	fields, err := cmd.HGetAll(ctx, key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(fields) == 0) {
		return zero, Meta{}, false, nil
	}
	if err != nil {
		return zero, Meta{}, false, err
	}

	var snapshot T
	if err := json.Unmarshal([]byte(fields["snapshot"]), &snapshot); err != nil {
		return zero, Meta{}, false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	var meta Meta
	if raw := fields["meta"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return zero, Meta{}, false, fmt.Errorf("state: decode meta %s: %w", key, err)
		}
	}
	return snapshot, meta, true, nil
}

func (s *RedisStore[T]) Save(ctx context.Context, ref Ref, snapshot T, meta Meta) (Meta, error) {
	if s.client == nil {
		return Meta{}, fmt.Errorf("state: redis client is required")
	}
	key, err := s.key(ref)
	if err != nil {
		return Meta{}, err
	}
	pipe := s.client.TxPipeline()
	if err := s.write(ctx, pipe, key, snapshot, meta); err != nil {
		return Meta{}, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Meta{}, err
	}
	return cloneMeta(meta), nil
}

func (s *RedisStore[T]) write(ctx context.Context, pipe redis.Pipeliner, key string, snapshot T, meta Meta) error {
	rawSnapshot, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("state: encode meta: %w", err)
	}
	pipe.HSet(ctx, key, "snapshot", rawSnapshot, "meta", rawMeta)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	return nil
}

func (s *RedisStore[T]) Delete(ctx context.Context, ref Ref) error {
	if s.client == nil {
		return fmt.Errorf("state: redis client is required")
	}
	key, err := s.key(ref)
	if err != nil {
		return err
	}
	return s.client.Del(ctx, key).Err()
}

// Update applies fn inside a WATCH transaction. A concurrent writer makes the
// transaction fail with redis.TxFailedErr, which is reported as an ETag
// mismatch.
func (s *RedisStore[T]) Update(ctx context.Context, ref Ref, expected Meta, fn Mutator[T]) (T, Meta, error) {
	var zero T
	if s.client == nil {
		return zero, Meta{}, fmt.Errorf("state: redis client is required")
	}
	key, err := s.key(ref)
	if err != nil {
		return zero, Meta{}, err
	}

	var (
		result T
		saved  Meta
	)
	txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
		snapshot, loaded, ok, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			snapshot = zero
			loaded = Meta{}
		}
		if err := checkETag(expected, loaded); err != nil {
			return err
		}
		if err := fn(&snapshot); err != nil {
			return err
		}
		next, err := Stamp(snapshot, mergeMeta(loaded, expected))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, key, snapshot, next)
		})
		if err != nil {
			return err
		}
		result = snapshot
		saved = next
		return nil
	}, key)
	if errors.Is(txErr, redis.TxFailedErr) {
		return zero, Meta{}, fmt.Errorf("%w: %s changed during update", ErrETagMismatch, key)
	}
	if txErr != nil {
		return zero, Meta{}, txErr
	}
	return result, saved, nil
}
