package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey     = "dispatch:ready"
	scheduledKey = "dispatch:scheduled"
)

// Dispatch is a Redis-backed wake-up channel for workers. It carries job ids
// only; Postgres stays the authority on who owns a job. Losing Redis degrades
// pickup latency, never correctness, because workers also poll the store.
type Dispatch struct {
	client *redis.Client
}

// NewDispatch wraps an existing Redis client.
func NewDispatch(client *redis.Client) *Dispatch {
	return &Dispatch{client: client}
}

// Push makes a job id immediately available to workers.
func (d *Dispatch) Push(ctx context.Context, jobID string) error {
	if err := d.client.RPush(ctx, readyKey, jobID).Err(); err != nil {
		return fmt.Errorf("push ready: %w", err)
	}
	return nil
}

// Schedule defers a job id until runAt, for retry backoff wake-ups.
func (d *Dispatch) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	err := d.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

// PromoteDue moves due scheduled ids onto the ready list. Returns how many
// were promoted.
func (d *Dispatch) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := d.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("range scheduled: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := d.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return len(ids), nil
}

// Pop returns the next hinted job id, or "" when the list is empty.
func (d *Dispatch) Pop(ctx context.Context) (string, error) {
	id, err := d.client.LPop(ctx, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop ready: %w", err)
	}
	return id, nil
}

// Depth returns the ready list length.
func (d *Dispatch) Depth(ctx context.Context) (int64, error) {
	n, err := d.client.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("ready depth: %w", err)
	}
	return n, nil
}
