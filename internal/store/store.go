// Package store persists job and user records in Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/telescribe/telescribe/config"
)

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrExists reports a create against an existing key.
	ErrExists = errors.New("record already exists")

	// ErrInsufficientBalance reports a debit exceeding the user balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// optimistic updates retry a bounded number of times before giving up
const maxTxRetries = 3

// Store wraps the Redis client with record-level operations.
type Store struct {
	rc     *redis.Client
	jobTTL time.Duration
}

// New creates a Store from an existing Redis client.
func New(rc *redis.Client, jobTTL time.Duration) *Store {
	return &Store{rc: rc, jobTTL: jobTTL}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg *config.Redis) (*Store, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(rc, cfg.JobTTL), nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.rc.Close()
}

func jobKey(jobID string) string   { return "job:" + jobID }
func userKey(userID int64) string  { return fmt.Sprintf("user:%d", userID) }
func trialKey(userID int64) string { return fmt.Sprintf("trial:%d", userID) }

const (
	adminSettingsKey    = "admin:settings"
	transcriptionLogKey = "log:transcriptions"
	transcriptionLogCap = 1000
)

// getJSON loads and decodes a record, mapping redis.Nil to ErrNotFound.
func getJSON[T any](ctx context.Context, rc *redis.Client, key string) (*T, error) {
	data, err := rc.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	var row T
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &row, nil
}
