package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskweave/taskweave/pkg/models"
)

// ErrCacheMiss is returned by cache reads when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the read-through cache in front of the durable store. Entries
// are whole serialized records; the durable store stays the source of
// truth and the cache is always safe to lose.
type Cache interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	SetTask(ctx context.Context, task *models.Task) error
	InvalidateTask(ctx context.Context, id string) error

	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	SetCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	InvalidateCheckpoint(ctx context.Context, id string) error
}

// RedisCache stores JSON blobs under namespaced keys with a TTL, so stale
// entries age out even if an invalidation is lost.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func taskKey(id string) string       { return "taskweave:task:" + id }
func checkpointKey(id string) string { return "taskweave:checkpoint:" + id }

func (c *RedisCache) get(ctx context.Context, key string, dest any) error {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := c.get(ctx, taskKey(id), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *RedisCache) SetTask(ctx context.Context, task *models.Task) error {
	return c.set(ctx, taskKey(task.ID), task)
}

func (c *RedisCache) InvalidateTask(ctx context.Context, id string) error {
	return c.client.Del(ctx, taskKey(id)).Err()
}

func (c *RedisCache) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	if err := c.get(ctx, checkpointKey(id), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (c *RedisCache) SetCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	return c.set(ctx, checkpointKey(cp.ID), cp)
}

func (c *RedisCache) InvalidateCheckpoint(ctx context.Context, id string) error {
	return c.client.Del(ctx, checkpointKey(id)).Err()
}
