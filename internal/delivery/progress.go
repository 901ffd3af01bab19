package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telescribe/telescribe/logging/logger"
)

// Stage identifies a pipeline stage for progress reporting.
type Stage int

const (
	StageReceived Stage = iota
	StageQueued
	StageDownloading
	StageTranscribing
	StageDiarizing
	StageAligning
	StageFormatting
	StageDelivering
)

var stageLabels = map[Stage]string{
	StageReceived:     "Получил запись, начинаю обработку",
	StageQueued:       "Запись в очереди на обработку",
	StageDownloading:  "Скачиваю аудио",
	StageTranscribing: "Распознаю речь",
	StageDiarizing:    "Определяю собеседников",
	StageAligning:     "Сверяю реплики",
	StageFormatting:   "Привожу текст в порядок",
	StageDelivering:   "Отправляю результат",
}

const minEditInterval = 3 * time.Second

// Progress owns the single status message of a job and rate-limits
// edits to it.
type Progress struct {
	msgr            Messenger
	chatID          int64
	messageID       int
	durationSeconds int

	mu       sync.Mutex
	lastEdit time.Time
	lastText string
	pending  string
}

// NewProgress creates a progress reporter bound to an existing status
// message.
func NewProgress(msgr Messenger, chatID int64, messageID, durationSeconds int) *Progress {
	return &Progress{
		msgr:            msgr,
		chatID:          chatID,
		messageID:       messageID,
		durationSeconds: durationSeconds,
	}
}

// MessageID returns the status message id the reporter owns.
func (p *Progress) MessageID() int {
	return p.messageID
}

// Update edits the status message to the stage label. Edits come at
// most once per minEditInterval; an update suppressed by the rate
// limit is kept pending and pushed by a later Update or Flush.
// Identical text is never re-sent.
func (p *Progress) Update(ctx context.Context, stage Stage) {
	text := stageLabels[stage]
	if eta := estimate(stage, p.durationSeconds); eta != "" {
		text += "\n⏳ " + eta
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if text == p.lastText {
		return
	}
	if time.Since(p.lastEdit) < minEditInterval {
		p.pending = text
		return
	}
	p.edit(ctx, text)
}

// Flush pushes a pending suppressed update, if any.
func (p *Progress) Flush(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == "" || p.pending == p.lastText {
		return
	}
	p.edit(ctx, p.pending)
}

func (p *Progress) edit(ctx context.Context, text string) {
	if p.messageID == 0 {
		return
	}
	if err := p.msgr.EditMessage(p.chatID, p.messageID, text); err != nil {
		logger.Warnf(ctx, "failed to edit status message %d: %v", p.messageID, err)
		return
	}
	p.lastEdit = time.Now()
	p.lastText = text
	p.pending = ""
}

// estimate maps audio duration to a rough wait estimate for the heavy
// stages. Short stages carry no estimate.
func estimate(stage Stage, durationSeconds int) string {
	switch stage {
	case StageTranscribing, StageDiarizing:
	default:
		return ""
	}

	switch {
	case durationSeconds <= 0:
		return ""
	case durationSeconds < 60:
		return "примерно полминуты"
	case durationSeconds < 5*60:
		return "примерно 1-2 минуты"
	case durationSeconds < 20*60:
		return "примерно 3-5 минут"
	default:
		return fmt.Sprintf("до %d минут", durationSeconds/60/6+5)
	}
}
