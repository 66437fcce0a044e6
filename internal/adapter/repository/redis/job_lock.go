package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const jobLockPrefix = "product_pulse:lock:"

// releaseScript deletes the lock only if it is still held by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// JobLock implements domain.JobLock with SET NX PX.
type JobLock struct {
	client *redis.Client
}

// NewJobLock creates a new Redis job lock.
func NewJobLock(client *redis.Client) *JobLock {
	return &JobLock{client: client}
}

func (l *JobLock) Acquire(ctx context.Context, job string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := jobLockPrefix + job
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock for job %s: %w", job, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock for job %s: %w", job, err)
		}
		return nil
	}
	return release, true, nil
}
