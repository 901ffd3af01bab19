package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AdminSettings holds operator toggles read at the start of each
// invocation instead of being kept in process globals.
type AdminSettings struct {
	AlertsMuted bool `json:"alerts_muted"`
	DebugMode   bool `json:"debug_mode"`
}

// GetAdminSettings loads operator settings, defaulting when unset.
func (s *Store) GetAdminSettings(ctx context.Context) (*AdminSettings, error) {
	settings, err := getJSON[AdminSettings](ctx, s.rc, adminSettingsKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &AdminSettings{}, nil
		}
		return nil, err
	}
	return settings, nil
}

// SetAdminSettings overwrites operator settings.
func (s *Store) SetAdminSettings(ctx context.Context, settings *AdminSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal admin settings: %w", err)
	}
	if err := s.rc.Set(ctx, adminSettingsKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set admin settings: %w", err)
	}
	return nil
}

// TranscriptionEntry is one line of the capped transcription log.
type TranscriptionEntry struct {
	JobID           string    `json:"job_id"`
	UserID          int64     `json:"user_id"`
	DurationSeconds float64   `json:"duration_seconds"`
	DebitedMinutes  float64   `json:"debited_minutes"`
	Diarized        bool      `json:"diarized"`
	CompletedAt     time.Time `json:"completed_at"`
}

// AppendTranscription records a completed job in the capped log.
func (s *Store) AppendTranscription(ctx context.Context, entry *TranscriptionEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal transcription entry: %w", err)
	}

	pipe := s.rc.TxPipeline()
	pipe.LPush(ctx, transcriptionLogKey, data)
	pipe.LTrim(ctx, transcriptionLogKey, 0, transcriptionLogCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append transcription log: %w", err)
	}
	return nil
}
