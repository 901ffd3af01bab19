// Package pipeline sequences a transcription job through download,
// transcode, recognition, alignment, formatting, billing and delivery,
// keeping the job record and the user-visible status message in step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/telescribe/telescribe/config"
	"github.com/telescribe/telescribe/ctxutil"
	"github.com/telescribe/telescribe/internal/align"
	"github.com/telescribe/telescribe/internal/asr"
	"github.com/telescribe/telescribe/internal/delivery"
	"github.com/telescribe/telescribe/internal/llm"
	"github.com/telescribe/telescribe/internal/queue"
	"github.com/telescribe/telescribe/internal/store"
	"github.com/telescribe/telescribe/internal/transcode"
	"github.com/telescribe/telescribe/logging/logger"
)

// user-facing failure messages, kept separate from error_detail
const (
	msgNoAudio     = "В этом файле нет звуковой дорожки."
	msgNoSpeech    = "Не услышал речи в записи. Попробуйте другую запись."
	msgUnsupported = "Формат этой записи не поддерживается."
	msgTooLong     = "Запись длиннее часа. Разбейте её на части и пришлите снова."
	msgGeneric     = "Не получилось обработать запись. Минуты не списаны, попробуйте позже."
)

// Stores is the persistence surface the orchestrator needs.
type Stores interface {
	GetJob(ctx context.Context, jobID string) (*store.Job, error)
	TryClaimJob(ctx context.Context, jobID string) (bool, error)
	CompleteJob(ctx context.Context, jobID, resultText string, debitedMinutes float64) error
	FailJob(ctx context.Context, jobID, errorDetail string) error
	GetUser(ctx context.Context, userID int64) (*store.User, error)
	Debit(ctx context.Context, userID int64, minutes float64) (float64, error)
	Refund(ctx context.Context, userID int64, minutes float64) (float64, error)
	AppendTranscription(ctx context.Context, entry *store.TranscriptionEntry) error
}

// MediaSource fetches the original recording by its platform ref.
type MediaSource interface {
	DownloadFile(ctx context.Context, fileID string) (string, error)
}

// AudioProcessor normalizes recordings for recognition.
type AudioProcessor interface {
	Normalize(ctx context.Context, inputPath string) (string, transcode.Probe, error)
}

// Recognizer runs speech recognition.
type Recognizer interface {
	Transcribe(ctx context.Context, path, lang string) (string, error)
	TranscribeDiarized(ctx context.Context, path, lang string, speakerCount int) (*asr.DiarizedResult, error)
}

// Formatter cleans up the raw transcript.
type Formatter interface {
	Format(ctx context.Context, text string, opts llm.Options) string
}

// Deliverer returns the final text to the chat.
type Deliverer interface {
	Deliver(ctx context.Context, job *store.Job, text string, settings store.Settings) error
}

// Alerter forwards infrastructure errors to the operator channel.
type Alerter interface {
	Infra(ctx context.Context, key string, err error)
}

// Deps bundles the orchestrator collaborators.
type Deps struct {
	Store     Stores
	Media     MediaSource
	Audio     AudioProcessor
	ASR       Recognizer
	Formatter Formatter
	Delivery  Deliverer
	Messenger delivery.Messenger
	Alerts    Alerter
}

// Orchestrator represents the job pipeline.
type Orchestrator struct {
	cfg    *config.Pipeline
	limits *config.Limits
	lang   string
	deps   Deps
}

// New creates a pipeline orchestrator.
func New(cfg *config.Pipeline, limits *config.Limits, lang string, deps Deps) *Orchestrator {
	return &Orchestrator{cfg: cfg, limits: limits, lang: lang, deps: deps}
}

// ShouldQueue reports whether a recording must go through the worker
// queue: too long for synchronous in-webhook processing, or of unknown
// duration until the worker probes the file.
func (o *Orchestrator) ShouldQueue(durationSeconds float64) bool {
	return durationSeconds <= 0 || durationSeconds >= float64(o.cfg.SyncThresholdSeconds)
}

// ProcessSync runs a short job inside the webhook invocation.
func (o *Orchestrator) ProcessSync(ctx context.Context, jobID string) error {
	return o.process(ctx, jobID)
}

// HandleQueued is the queue consumer handler for long jobs.
func (o *Orchestrator) HandleQueued(ctx context.Context, msg *queue.JobMessage) error {
	return o.process(ctx, msg.JobID)
}

// process claims the job and runs the pipeline. A claim miss means a
// redelivered or concurrently handled message and is not an error.
func (o *Orchestrator) process(ctx context.Context, jobID string) error {
	ctx = ctxutil.SetJobID(ctx, jobID)

	claimed, err := o.deps.Store.TryClaimJob(ctx, jobID)
	if err != nil {
		o.deps.Alerts.Infra(ctx, "pipeline.store", err)
		return fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	if !claimed {
		logger.Infof(ctx, "job %s already claimed or finished, skipping", jobID)
		return nil
	}

	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		o.deps.Alerts.Infra(ctx, "pipeline.store", err)
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	ctx = ctxutil.SetUserID(ctx, job.UserID)

	user, err := o.deps.Store.GetUser(ctx, job.UserID)
	if err != nil {
		o.deps.Alerts.Infra(ctx, "pipeline.store", err)
		return o.failJob(ctx, job, 0, msgGeneric, fmt.Errorf("failed to load user: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.WorkerBudget)
	defer cancel()

	return o.run(ctx, job, user)
}

func (o *Orchestrator) run(ctx context.Context, job *store.Job, user *store.User) error {
	progress := delivery.NewProgress(o.deps.Messenger, job.ChatID, job.StatusMessageID, int(job.DurationSeconds))

	progress.Update(ctx, delivery.StageDownloading)
	path, err := o.deps.Media.DownloadFile(ctx, job.AudioRef)
	if err != nil {
		o.deps.Alerts.Infra(ctx, "pipeline.download", err)
		return o.failJob(ctx, job, 0, msgGeneric, fmt.Errorf("download failed: %w", err))
	}
	defer os.Remove(path)

	normalized, probe, err := o.deps.Audio.Normalize(ctx, path)
	if err != nil {
		switch {
		case errors.Is(err, transcode.ErrNoAudioTrack):
			return o.failJob(ctx, job, 0, msgNoAudio, err)
		case errors.Is(err, transcode.ErrUnsupportedFormat):
			return o.failJob(ctx, job, 0, msgUnsupported, err)
		default:
			o.deps.Alerts.Infra(ctx, "pipeline.transcode", err)
			return o.failJob(ctx, job, 0, msgGeneric, fmt.Errorf("transcode failed: %w", err))
		}
	}
	if normalized != path {
		defer os.Remove(normalized)
	}

	duration := job.DurationSeconds
	if probe.DurationSeconds > 0 {
		duration = probe.DurationSeconds
	}

	// Documents arrive with an unreported duration; the cap is enforced
	// here against the probed value.
	if o.limits.MaxDurationSeconds > 0 && duration > float64(o.limits.MaxDurationSeconds) {
		return o.failJob(ctx, job, 0, msgTooLong,
			fmt.Errorf("recording runs %.0fs, limit is %ds", duration, o.limits.MaxDurationSeconds))
	}

	if warning, err := transcode.CheckQuality(probe); err != nil {
		return o.failJob(ctx, job, 0, msgUnsupported, err)
	} else if warning != "" {
		logger.Warnf(ctx, "low-quality source: %s", warning)
	}

	text, dialogue, diarized := o.transcribe(ctx, job, normalized, duration, progress)
	if text == "" {
		progress.Update(ctx, delivery.StageTranscribing)
		text, err = o.deps.ASR.Transcribe(ctx, normalized, o.lang)
		if err != nil {
			if errors.Is(err, asr.ErrNoSpeech) {
				return o.failJob(ctx, job, 0, msgNoSpeech, err)
			}
			o.deps.Alerts.Infra(ctx, "pipeline.asr", err)
			return o.failJob(ctx, job, 0, msgGeneric, fmt.Errorf("transcription failed: %w", err))
		}
	}

	if remaining := timeRemaining(ctx); remaining < o.cfg.FormatMargin {
		logger.Warnf(ctx, "skipping formatting, %v left in budget", remaining)
	} else {
		progress.Update(ctx, delivery.StageFormatting)
		text = o.deps.Formatter.Format(ctx, text, llm.Options{
			UseYo:    user.Settings.UseYo,
			Dialogue: dialogue,
		})
	}

	minutes := o.debit(ctx, job, duration)

	progress.Update(ctx, delivery.StageDelivering)
	if err := o.deps.Delivery.Deliver(ctx, job, text, user.Settings); err != nil {
		o.deps.Alerts.Infra(ctx, "pipeline.delivery", err)
		return o.failJob(ctx, job, minutes, msgGeneric, fmt.Errorf("delivery failed: %w", err))
	}

	if err := o.deps.Store.CompleteJob(ctx, job.JobID, text, minutes); err != nil {
		o.deps.Alerts.Infra(ctx, "pipeline.store", err)
	}
	entry := &store.TranscriptionEntry{
		JobID:           job.JobID,
		UserID:          job.UserID,
		DurationSeconds: duration,
		DebitedMinutes:  minutes,
		Diarized:        diarized,
		CompletedAt:     time.Now().UTC(),
	}
	if err := o.deps.Store.AppendTranscription(ctx, entry); err != nil {
		logger.Warnf(ctx, "failed to append transcription log: %v", err)
	}

	logger.Infof(ctx, "job %s completed, %.0f min debited", job.JobID, minutes)
	return nil
}

// transcribe runs the diarized path when requested and eligible. An
// empty return means the caller must fall back to single-pass
// recognition.
func (o *Orchestrator) transcribe(ctx context.Context, job *store.Job, path string, duration float64, progress *delivery.Progress) (text string, dialogue, diarized bool) {
	if !job.DiarizationRequested || duration < float64(o.cfg.DiarizationMinSeconds) {
		return "", false, false
	}

	progress.Update(ctx, delivery.StageDiarizing)
	result, err := o.deps.ASR.TranscribeDiarized(ctx, path, o.lang, 0)
	if err != nil {
		logger.Warnf(ctx, "diarization failed, falling back to single pass: %v", err)
		return "", false, false
	}

	if len(result.Speakers) == 0 {
		return result.PlainText(), false, false
	}

	progress.Update(ctx, delivery.StageAligning)
	turns, labeled := align.Align(result.Speakers, result.Texts)
	if !labeled {
		return align.JoinText(turns), false, false
	}
	return align.RenderDialogue(turns), true, true
}

// debit charges the rounded-up minutes, clamping to the remaining
// balance if the user overdrew mid-flight. The debit lands after
// transcription succeeds and before delivery is confirmed.
func (o *Orchestrator) debit(ctx context.Context, job *store.Job, duration float64) float64 {
	minutes := billedMinutes(duration)

	if _, err := o.deps.Store.Debit(ctx, job.UserID, minutes); err == nil {
		return minutes
	} else if !errors.Is(err, store.ErrInsufficientBalance) {
		o.deps.Alerts.Infra(ctx, "pipeline.store", err)
		return 0
	}

	user, err := o.deps.Store.GetUser(ctx, job.UserID)
	if err != nil || user.BalanceMinutes <= 0 {
		logger.Warnf(ctx, "user %d has no balance left to debit", job.UserID)
		return 0
	}
	if _, err := o.deps.Store.Debit(ctx, job.UserID, user.BalanceMinutes); err != nil {
		logger.Warnf(ctx, "failed to debit remaining balance: %v", err)
		return 0
	}
	logger.Warnf(ctx, "debit clamped to remaining %.1f min for user %d", user.BalanceMinutes, job.UserID)
	return user.BalanceMinutes
}

// failJob refunds any debit, finalizes the record with the internal
// detail and tells the user a distinct, non-technical message.
func (o *Orchestrator) failJob(ctx context.Context, job *store.Job, debited float64, userMsg string, cause error) error {
	if debited > 0 {
		if _, err := o.deps.Store.Refund(ctx, job.UserID, debited); err != nil {
			o.deps.Alerts.Infra(ctx, "pipeline.refund", err)
		}
	}
	if err := o.deps.Store.FailJob(ctx, job.JobID, cause.Error()); err != nil {
		o.deps.Alerts.Infra(ctx, "pipeline.store", err)
	}
	o.tellUser(ctx, job, userMsg)
	return fmt.Errorf("job %s failed: %w", job.JobID, cause)
}

func (o *Orchestrator) tellUser(ctx context.Context, job *store.Job, msg string) {
	if job.StatusMessageID != 0 {
		if err := o.deps.Messenger.EditMessage(job.ChatID, job.StatusMessageID, msg); err == nil {
			return
		}
	}
	if _, err := o.deps.Messenger.SendMessage(job.ChatID, msg); err != nil {
		logger.Warnf(ctx, "failed to notify user %d: %v", job.UserID, err)
	}
}

func timeRemaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Hour
	}
	return time.Until(deadline)
}
