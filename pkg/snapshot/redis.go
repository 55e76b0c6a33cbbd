package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/dukex/flightdeck/pkg/models"
)

const keyPrefix = "flightdeck:executions:"

// DefaultTTL bounds how long a stale projection survives. Executions are
// short-lived; a day covers any console restart window.
const DefaultTTL = 24 * time.Hour

type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore connects using a redis:// URL. A zero ttl uses DefaultTTL.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisStore{
		client: redis.NewClient(opts),
		ttl:    ttl,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, status *models.ExecutionStatus) error {
	if status == nil || status.ExecutionID == "" {
		return errors.New("status has no execution id")
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := s.client.Set(ctx, keyPrefix+status.ExecutionID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	return nil
}

func (s *RedisStore) Load(ctx context.Context, executionID string) (*models.ExecutionStatus, error) {
	payload, err := s.client.Get(ctx, keyPrefix+executionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var status models.ExecutionStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return &status, nil
}

func (s *RedisStore) Delete(ctx context.Context, executionID string) error {
	if err := s.client.Del(ctx, keyPrefix+executionID).Err(); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
