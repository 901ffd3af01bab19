package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TrialStatus tracks the free-trial request lifecycle.
type TrialStatus string

const (
	TrialNone     TrialStatus = "none"
	TrialPending  TrialStatus = "pending"
	TrialApproved TrialStatus = "approved"
)

// DeliveryMode is the user preference for long transcripts.
type DeliveryMode string

const (
	DeliverySplit DeliveryMode = "split"
	DeliveryFile  DeliveryMode = "file"
)

// Settings holds per-user formatting and delivery toggles.
type Settings struct {
	UseCodeTags bool         `json:"use_code_tags"`
	UseYo       bool         `json:"use_yo"`
	Diarization bool         `json:"diarization"`
	Delivery    DeliveryMode `json:"delivery"`
}

// DefaultSettings returns the settings applied to new users.
func DefaultSettings() Settings {
	return Settings{
		UseCodeTags: false,
		UseYo:       true,
		Diarization: false,
		Delivery:    DeliverySplit,
	}
}

// User represents a bot user with a minute balance.
type User struct {
	UserID         int64       `json:"user_id"`
	FirstName      string      `json:"first_name"`
	Username       string      `json:"username"`
	BalanceMinutes float64     `json:"balance_minutes"`
	TrialStatus    TrialStatus `json:"trial_status"`
	Settings       Settings    `json:"settings"`
	CreatedAt      time.Time   `json:"created_at"`
	LastSeen       time.Time   `json:"last_seen"`
}

// CreateUser stores a new user, failing if the id is already taken.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.LastSeen = now
	if user.TrialStatus == "" {
		user.TrialStatus = TrialNone
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	ok, err := s.rc.SetNX(ctx, userKey(user.UserID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create user %d: %w", user.UserID, err)
	}
	if !ok {
		return fmt.Errorf("user %d: %w", user.UserID, ErrExists)
	}
	return nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	return getJSON[User](ctx, s.rc, userKey(userID))
}

// UpdateUser overwrites an existing user record.
func (s *Store) UpdateUser(ctx context.Context, user *User) error {
	user.LastSeen = time.Now().UTC()

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	ok, err := s.rc.SetXX(ctx, userKey(user.UserID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", user.UserID, err)
	}
	if !ok {
		return fmt.Errorf("user %d: %w", user.UserID, ErrNotFound)
	}
	return nil
}

// EnsureUser loads the user or creates one with default settings.
func (s *Store) EnsureUser(ctx context.Context, userID int64, firstName, username string) (*User, error) {
	user, err := s.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	user = &User{
		UserID:      userID,
		FirstName:   firstName,
		Username:    username,
		TrialStatus: TrialNone,
		Settings:    DefaultSettings(),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrExists) {
			return s.GetUser(ctx, userID)
		}
		return nil, err
	}
	return user, nil
}

// AdjustBalance applies delta to the user's minute balance under an
// optimistic WATCH loop. A negative delta that would overdraw fails
// with ErrInsufficientBalance. Returns the resulting balance.
func (s *Store) AdjustBalance(ctx context.Context, userID int64, delta float64) (float64, error) {
	key := userKey(userID)
	var balance float64

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		var user User
		if err := json.Unmarshal([]byte(data), &user); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}

		next := user.BalanceMinutes + delta
		if next < 0 {
			return ErrInsufficientBalance
		}
		user.BalanceMinutes = next
		user.LastSeen = time.Now().UTC()
		balance = next

		updated, err := json.Marshal(&user)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.rc.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust balance for user %d: %w", userID, err)
	}
	return balance, nil
}

// Debit subtracts minutes from the balance.
func (s *Store) Debit(ctx context.Context, userID int64, minutes float64) (float64, error) {
	return s.AdjustBalance(ctx, userID, -minutes)
}

// Refund returns minutes to the balance.
func (s *Store) Refund(ctx context.Context, userID int64, minutes float64) (float64, error) {
	return s.AdjustBalance(ctx, userID, minutes)
}

// RequestTrial records a pending trial request; only one per user.
func (s *Store) RequestTrial(ctx context.Context, userID int64) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TrialStatus != TrialNone {
		return fmt.Errorf("trial for user %d: %w", userID, ErrExists)
	}

	user.TrialStatus = TrialPending
	if err := s.UpdateUser(ctx, user); err != nil {
		return err
	}

	record := map[string]any{
		"user_id":      userID,
		"requested_at": time.Now().UTC(),
	}
	data, _ := json.Marshal(record)
	if err := s.rc.Set(ctx, trialKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to record trial request: %w", err)
	}
	return nil
}
