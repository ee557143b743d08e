// Package jobs submits and runs background provisioning work through a Redis
// list. Submission is fire-and-forget; delivery and retry policy belong to
// whatever operates the queue.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"meridian/api/internal/util"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TypeProvisionTenant asks for full provisioning of one tenant.
const TypeProvisionTenant = "provision-tenant"

const queueKey = "meridian:jobs:provisioning"

// Job is the queue envelope.
type Job struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   uuid.UUID `json:"tenant_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the job-submission contract consumed by the reconciliation worker.
type Queue interface {
	Submit(ctx context.Context, jobType string, tenantID uuid.UUID) error
}

// RedisQueue implements Queue on a Redis list.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a queue client and verifies connectivity.
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisQueue{client: client}, nil
}

// NewRedisQueueWithClient creates a queue from an existing Redis client.
func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Submit(ctx context.Context, jobType string, tenantID uuid.UUID) error {
	job := Job{
		ID:         util.NewID("job"),
		Type:       jobType,
		TenantID:   tenantID,
		EnqueuedAt: time.Now(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	return nil
}

// Len reports the queue depth.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Client exposes the underlying Redis client so a Consumer can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Handler runs one job. Returning an error only logs it; the next
// reconciliation pass resubmits anything still incomplete, so jobs are not
// redelivered locally.
type Handler func(ctx context.Context, job Job) error

// Consumer pops jobs off the list and dispatches them.
type Consumer struct {
	client   *redis.Client
	handlers map[string]Handler
}

func NewConsumer(client *redis.Client) *Consumer {
	return &Consumer{client: client, handlers: make(map[string]Handler)}
}

func (c *Consumer) Handle(jobType string, h Handler) {
	c.handlers[jobType] = h
}

// Run blocks popping jobs until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if err := c.runOne(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			log.Printf("jobs: %v", err)
			// Back off briefly so a sick Redis does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

// runOne pops and dispatches a single job. Exposed through RunOnce for tests.
func (c *Consumer) runOne(ctx context.Context) error {
	result, err := c.client.BRPop(ctx, 5*time.Second, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pop job: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) != 2 {
		return fmt.Errorf("pop job: unexpected reply of %d elements", len(result))
	}
	return c.dispatch(ctx, []byte(result[1]))
}

// RunOnce drains at most one job without blocking. Used by tests and the ops
// reconcile endpoint.
func (c *Consumer) RunOnce(ctx context.Context) (bool, error) {
	payload, err := c.client.RPop(ctx, queueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pop job: %w", err)
	}
	return true, c.dispatch(ctx, payload)
}

func (c *Consumer) dispatch(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}
	handler, ok := c.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
	if err := handler(ctx, job); err != nil {
		return fmt.Errorf("job %s (%s): %w", job.ID, job.Type, err)
	}
	return nil
}
