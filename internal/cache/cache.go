// Package cache publishes job progress to redis for pollers and counts
// trigger requests for rate limiting.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

// Cache must be safe for concurrent use; every job runner shares it.
type Cache interface {
	Ping(ctx context.Context) error
	Close() error
	// SetJobStatus publishes a job snapshot for pollers.
	SetJobStatus(ctx context.Context, job models.JobInfo, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobInfo, bool, error)
	LatestProcessJob(ctx context.Context, processID int64) (uuid.UUID, bool, error)
	// ForgetProcess drops the latest-job pointer of a deleted process.
	ForgetProcess(ctx context.Context, processID int64) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// SetJobStatus stores the snapshot under its job key and, for process-scoped
// jobs, moves the process pointer to it. Both writes share one transaction
// so a poller never follows the pointer to a missing snapshot.
func (c *RedisCache) SetJobStatus(ctx context.Context, job models.JobInfo, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job status: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, JobStatusKey(job.JobID), data, ttl)
	if job.ProcessID != 0 {
		pipe.Set(ctx, ProcessJobKey(job.ProcessID), job.JobID.String(), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish job %s: %w", job.JobID, err)
	}
	return nil
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobInfo, bool, error) {
	data, err := c.client.Get(ctx, JobStatusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job models.JobInfo
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, false, fmt.Errorf("unmarshal job status: %w", err)
	}
	return &job, true, nil
}

func (c *RedisCache) LatestProcessJob(ctx context.Context, processID int64) (uuid.UUID, bool, error) {
	val, err := c.client.Get(ctx, ProcessJobKey(processID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("get latest job of process %d: %w", processID, err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse job id: %w", err)
	}
	return id, true, nil
}

func (c *RedisCache) ForgetProcess(ctx context.Context, processID int64) error {
	return c.client.Del(ctx, ProcessJobKey(processID)).Err()
}

// IncrWithExpiry counts within a fixed window that starts at the first hit.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
