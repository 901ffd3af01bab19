package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the job lifecycle state. Transitions are forward-only.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job represents one transcription request.
type Job struct {
	JobID                string    `json:"job_id"`
	UserID               int64     `json:"user_id"`
	ChatID               int64     `json:"chat_id"`
	StatusMessageID      int       `json:"status_message_id"`
	Status               Status    `json:"status"`
	AudioRef             string    `json:"audio_ref"`
	FileType             string    `json:"file_type"`
	DurationSeconds      float64   `json:"duration_seconds"`
	DiarizationRequested bool      `json:"diarization_requested"`
	ResultText           string    `json:"result_text,omitempty"`
	ErrorDetail          string    `json:"error_detail,omitempty"`
	DebitedMinutes       float64   `json:"debited_minutes"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// CreateJob stores a new job, failing if the id is already taken.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusPending
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.rc.SetNX(ctx, jobKey(job.JobID), data, s.jobTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.JobID, err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", job.JobID, ErrExists)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return getJSON[Job](ctx, s.rc, jobKey(jobID))
}

// UpdateJob overwrites an existing job record.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.rc.SetXX(ctx, jobKey(job.JobID), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.JobID, err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", job.JobID, ErrNotFound)
	}
	return nil
}

// TryClaimJob moves a pending job to processing. A false return means
// another worker already claimed or finished it and the caller must
// skip the redelivered message.
func (s *Store) TryClaimJob(ctx context.Context, jobID string) (bool, error) {
	claimed := false
	err := s.mutateJob(ctx, jobID, func(job *Job) error {
		if job.Status != StatusPending {
			claimed = false
			return errSkipWrite
		}
		job.Status = StatusProcessing
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// CompleteJob finalizes a job with its result text.
func (s *Store) CompleteJob(ctx context.Context, jobID, resultText string, debitedMinutes float64) error {
	return s.mutateJob(ctx, jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return errSkipWrite
		}
		job.Status = StatusCompleted
		job.ResultText = resultText
		job.DebitedMinutes = debitedMinutes
		job.ErrorDetail = ""
		return nil
	})
}

// FailJob finalizes a job with an internal error detail.
func (s *Store) FailJob(ctx context.Context, jobID, errorDetail string) error {
	return s.mutateJob(ctx, jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return errSkipWrite
		}
		job.Status = StatusFailed
		job.ErrorDetail = errorDetail
		return nil
	})
}

// errSkipWrite aborts a mutation without writing, without surfacing an error.
var errSkipWrite = errors.New("skip write")

// mutateJob applies fn to the job under an optimistic WATCH loop.
func (s *Store) mutateJob(ctx context.Context, jobID string, fn func(*Job) error) error {
	key := jobKey(jobID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}

		if err := fn(&job); err != nil {
			if errors.Is(err, errSkipWrite) {
				return nil
			}
			return err
		}
		job.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
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
		return fmt.Errorf("failed to mutate job %s: %w", jobID, err)
	}
	return nil
}
