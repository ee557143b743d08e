// Package profile stores per-user session/profile state. The tenancy
// subsystem reads exactly one field from it: the provisioning deferral flag.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Profile is the per-user state relevant to tenancy.
type Profile struct {
	// Deferred means namespace provisioning should wait until the user
	// reaches a post-onboarding surface. Onboarding business logic flips it
	// to false when the tenant finishes the step that requires full storage.
	Deferred bool `json:"deferred"`
}

// RedisStore keeps profiles in Redis keyed by user id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed profile store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
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
	return &RedisStore{client: client, prefix: "profile:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "profile:"}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// Get returns the user's profile. A missing profile defaults to deferred,
// so unknown users never trigger inline provisioning.
func (s *RedisStore) Get(ctx context.Context, userID string) (Profile, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Profile{Deferred: true}, nil
	}
	if err != nil {
		return Profile{Deferred: true}, fmt.Errorf("get profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Profile{Deferred: true}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return p, nil
}

// SetDeferred writes the deferral flag. Called by onboarding flows.
func (s *RedisStore) SetDeferred(ctx context.Context, userID string, deferred bool) error {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	p.Deferred = deferred

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("set profile: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
