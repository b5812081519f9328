// Package signal provides the Redis-backed coordination layer: a
// monotonic per-project refresh counter that clients poll to learn when
// to reload, and a per-auditor run guard that keeps concurrent runs of
// the same auditor from stepping on each other.
package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps the Redis client for refresh counters and run guards.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisURL string) (*Store, error) {
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

	return &Store{client: client}, nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func refreshKey(projectID string) string {
	return "refresh:" + projectID
}

func runLockKey(auditorID string) string {
	return "auditrun:" + auditorID
}

// Bump increments a project's refresh counter and returns the new value.
func (s *Store) Bump(ctx context.Context, projectID string) (int64, error) {
	value, err := s.client.Incr(ctx, refreshKey(projectID)).Result()
	if err != nil {
		return 0, fmt.Errorf("bump refresh counter: %w", err)
	}
	return value, nil
}

// Current reads a project's refresh counter. A project that was never
// bumped reads as zero.
func (s *Store) Current(ctx context.Context, projectID string) (int64, error) {
	value, err := s.client.Get(ctx, refreshKey(projectID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read refresh counter: %w", err)
	}
	return value, nil
}

// AcquireRunLock takes the per-auditor run guard. It returns false when
// another run already holds it. The TTL bounds how long a crashed run
// can block the auditor.
func (s *Store) AcquireRunLock(ctx context.Context, auditorID, reportID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, runLockKey(auditorID), reportID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return ok, nil
}

// ReleaseRunLock frees the guard once the run settles.
func (s *Store) ReleaseRunLock(ctx context.Context, auditorID string) error {
	if err := s.client.Del(ctx, runLockKey(auditorID)).Err(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
