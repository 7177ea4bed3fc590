package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "login_attempts:"
	redisMaxRetries = 100
)

// RedisStore shares attempt records between instances. Expiry is delegated
// to Redis key TTLs.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	return decodeRecord(s.client.Get(ctx, redisKeyPrefix+key).Bytes())
}

func decodeRecord(raw []byte, err error) (Record, bool, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("decode attempt record: %w", err)
	}
	return record, true, nil
}

// Increment applies one failed attempt under WATCH, so concurrent writers
// from any instance retry instead of overwriting each other.
func (s *RedisStore) Increment(ctx context.Context, key string, at time.Time, cfg Config) (Record, error) {
	redisKey := redisKeyPrefix + key

	var next Record
	txf := func(tx *redis.Tx) error {
		current, found, err := decodeRecord(tx.Get(ctx, redisKey).Bytes())
		if err != nil {
			return err
		}

		var ttl time.Duration
		next, ttl = NextRecord(current, found, at, cfg)
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode attempt record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, raw, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Record{}, fmt.Errorf("redis increment: %w", err)
	}
	return Record{}, fmt.Errorf("redis increment: %w", redis.TxFailedErr)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
