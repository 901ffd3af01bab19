// Package server exposes the webhook endpoint that turns incoming chat
// updates into transcription jobs and bot command replies.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/telescribe/telescribe/config"
	"github.com/telescribe/telescribe/ctxutil"
	"github.com/telescribe/telescribe/internal/queue"
	"github.com/telescribe/telescribe/internal/store"
	"github.com/telescribe/telescribe/logging/logger"
	"github.com/telescribe/telescribe/nanoid"
)

const (
	msgSendAudio = "Пришлите голосовое сообщение, аудиофайл или видео, и я переведу его в текст."
	msgTooLarge  = "Файл слишком большой. Принимаю записи до 20 МБ."
	msgTooLong   = "Запись длиннее часа. Разбейте её на части и пришлите снова."
	msgNoBalance = "Минуты закончились. Отправьте /trial, чтобы запросить пробный пакет."
	msgReceived  = "Получил запись, начинаю обработку"
	msgQueueBusy = "Не получилось поставить запись в очередь. Попробуйте позже."
)

// UserStore is the persistence surface the webhook needs.
type UserStore interface {
	EnsureUser(ctx context.Context, userID int64, firstName, username string) (*store.User, error)
	UpdateUser(ctx context.Context, user *store.User) error
	CreateJob(ctx context.Context, job *store.Job) error
	FailJob(ctx context.Context, jobID, errorDetail string) error
	RequestTrial(ctx context.Context, userID int64) error
}

// JobPublisher hands long jobs to the worker queue.
type JobPublisher interface {
	PublishJob(ctx context.Context, msg *queue.JobMessage) error
}

// Processor routes and runs jobs.
type Processor interface {
	ShouldQueue(durationSeconds float64) bool
	ProcessSync(ctx context.Context, jobID string) error
}

// Messenger sends bot replies.
type Messenger interface {
	SendMessage(chatID int64, text string) (int, error)
	EditMessage(chatID int64, messageID int, text string) error
}

// Alerter forwards infrastructure errors to the operator channel.
type Alerter interface {
	Infra(ctx context.Context, key string, err error)
}

// Deps bundles the webhook collaborators.
type Deps struct {
	Store     UserStore
	Publisher JobPublisher
	Processor Processor
	Messenger Messenger
	Alerts    Alerter
}

// Server represents the webhook HTTP server.
type Server struct {
	telegram *config.Telegram
	limits   *config.Limits
	deps     Deps
	commands map[command]commandHandler
}

// New creates the webhook server.
func New(telegram *config.Telegram, limits *config.Limits, deps Deps) *Server {
	s := &Server{
		telegram: telegram,
		limits:   limits,
		deps:     deps,
	}
	s.commands = commandTable()
	return s
}

// Router builds the gin engine with the webhook routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), traceMiddleware())

	r.GET("/healthz", s.handleHealth)
	r.POST("/webhook", s.handleWebhook)
	return r
}

func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := ctxutil.WithGinContext(c.Request.Context(), c)
		ctx, _ = ctxutil.EnsureTraceID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebhook always answers 200 to processed updates so the
// platform does not retry them; failures are logged and alerted
// instead.
func (s *Server) handleWebhook(c *gin.Context) {
	if s.telegram.WebhookSecret != "" &&
		c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != s.telegram.WebhookSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad secret token"})
		return
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed update"})
		return
	}

	if update.Message != nil {
		ctx := c.Request.Context()
		if err := s.handleMessage(ctx, update.Message); err != nil {
			logger.Errorf(ctx, "failed to handle message: %v", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}
	ctx = ctxutil.SetUserID(ctx, msg.From.ID)

	user, err := s.deps.Store.EnsureUser(ctx, msg.From.ID, msg.From.FirstName, msg.From.UserName)
	if err != nil {
		s.deps.Alerts.Infra(ctx, "server.store", err)
		return fmt.Errorf("failed to ensure user %d: %w", msg.From.ID, err)
	}

	if msg.IsCommand() {
		return s.handleCommand(ctx, user, msg)
	}

	media, ok := extractMedia(msg)
	if !ok {
		s.reply(ctx, msg.Chat.ID, msgSendAudio)
		return nil
	}
	return s.handleMedia(ctx, user, msg.Chat.ID, media)
}

// media describes one transcribable attachment.
type media struct {
	fileID          string
	fileType        string
	fileSize        int64
	durationSeconds float64
}

// extractMedia picks the transcribable attachment out of a message.
// Documents qualify only with an audio or video MIME type; their
// duration is unknown until the worker probes the file.
func extractMedia(msg *tgbotapi.Message) (media, bool) {
	switch {
	case msg.Voice != nil:
		return media{msg.Voice.FileID, "voice", int64(msg.Voice.FileSize), float64(msg.Voice.Duration)}, true
	case msg.Audio != nil:
		return media{msg.Audio.FileID, "audio", int64(msg.Audio.FileSize), float64(msg.Audio.Duration)}, true
	case msg.Video != nil:
		return media{msg.Video.FileID, "video", int64(msg.Video.FileSize), float64(msg.Video.Duration)}, true
	case msg.VideoNote != nil:
		return media{msg.VideoNote.FileID, "video_note", int64(msg.VideoNote.FileSize), float64(msg.VideoNote.Duration)}, true
	case msg.Document != nil:
		mime := strings.ToLower(msg.Document.MimeType)
		if strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "video/") {
			return media{msg.Document.FileID, "document", int64(msg.Document.FileSize), 0}, true
		}
	}
	return media{}, false
}

func (s *Server) handleMedia(ctx context.Context, user *store.User, chatID int64, m media) error {
	if m.fileSize > s.limits.MaxFileBytes {
		s.reply(ctx, chatID, msgTooLarge)
		return nil
	}
	if m.durationSeconds > float64(s.limits.MaxDurationSeconds) {
		s.reply(ctx, chatID, msgTooLong)
		return nil
	}
	if user.BalanceMinutes <= 0 {
		s.reply(ctx, chatID, msgNoBalance)
		return nil
	}

	statusID, err := s.deps.Messenger.SendMessage(chatID, msgReceived)
	if err != nil {
		return fmt.Errorf("failed to send status message: %w", err)
	}

	job := &store.Job{
		JobID:                nanoid.PrimaryKey()(),
		UserID:               user.UserID,
		ChatID:               chatID,
		StatusMessageID:      statusID,
		AudioRef:             m.fileID,
		FileType:             m.fileType,
		DurationSeconds:      m.durationSeconds,
		DiarizationRequested: user.Settings.Diarization,
	}
	if err := s.deps.Store.CreateJob(ctx, job); err != nil {
		s.deps.Alerts.Infra(ctx, "server.store", err)
		return fmt.Errorf("failed to create job: %w", err)
	}
	ctx = ctxutil.SetJobID(ctx, job.JobID)

	if !s.deps.Processor.ShouldQueue(m.durationSeconds) {
		return s.deps.Processor.ProcessSync(ctx, job.JobID)
	}

	msg := &queue.JobMessage{
		JobID:                job.JobID,
		UserID:               job.UserID,
		ChatID:               job.ChatID,
		StatusMessageID:      job.StatusMessageID,
		AudioRef:             job.AudioRef,
		FileType:             job.FileType,
		DurationSeconds:      job.DurationSeconds,
		DiarizationRequested: job.DiarizationRequested,
	}
	if err := s.deps.Publisher.PublishJob(ctx, msg); err != nil {
		s.deps.Alerts.Infra(ctx, "server.queue", err)
		if ferr := s.deps.Store.FailJob(ctx, job.JobID, fmt.Sprintf("enqueue failed: %v", err)); ferr != nil {
			logger.Errorf(ctx, "failed to fail job %s: %v", job.JobID, ferr)
		}
		if eerr := s.deps.Messenger.EditMessage(chatID, statusID, msgQueueBusy); eerr != nil {
			logger.Warnf(ctx, "failed to edit status message: %v", eerr)
		}
		return fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}

	logger.Infof(ctx, "job %s enqueued, %.0fs %s", job.JobID, job.DurationSeconds, job.FileType)
	return nil
}

func (s *Server) reply(ctx context.Context, chatID int64, text string) {
	if _, err := s.deps.Messenger.SendMessage(chatID, text); err != nil {
		logger.Warnf(ctx, "failed to reply to chat %d: %v", chatID, err)
	}
}
