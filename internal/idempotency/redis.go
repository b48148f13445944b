package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paymock/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

const (
	DefaultRedisTTL = 24 * time.Hour
	redisKeyPrefix  = "paymock:idem:"
)

// RedisStore shares the ledger across gateway replicas. Records expire after
// ttl, after which a key may be reused.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisClient dials addr and pings it once.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) GetIdempotency(ctx context.Context, key string) (*models.IdempotencyRecord, bool, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec models.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, true, nil
}

func (s *RedisStore) PutIdempotencyIfAbsent(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, redisKeyPrefix+rec.Key, data, s.ttl).Result()
}
