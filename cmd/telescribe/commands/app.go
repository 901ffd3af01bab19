package commands

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/telescribe/telescribe/config"
	"github.com/telescribe/telescribe/internal/alerts"
	"github.com/telescribe/telescribe/internal/asr"
	"github.com/telescribe/telescribe/internal/delivery"
	"github.com/telescribe/telescribe/internal/llm"
	"github.com/telescribe/telescribe/internal/objstore"
	"github.com/telescribe/telescribe/internal/pipeline"
	"github.com/telescribe/telescribe/internal/queue"
	"github.com/telescribe/telescribe/internal/store"
	"github.com/telescribe/telescribe/internal/telegram"
	"github.com/telescribe/telescribe/internal/transcode"
	"github.com/telescribe/telescribe/logging/logger"
	"github.com/telescribe/telescribe/version"
)

// app holds the wired collaborators shared by serve and worker.
type app struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Queue
	telegram *telegram.Client
	alerts   *alerts.Notifier
	orch     *pipeline.Orchestrator

	logCleanup func()
}

// bootstrap loads configuration and wires the full pipeline.
func bootstrap(ctx context.Context, configFile string) (*app, error) {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCleanup, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetVersion(version.Version)
	config.Watch(func(c *config.Config) {
		logger.SetLevel(c.Logger.Level)
	})

	st, err := store.Connect(ctx, cfg.Data.Redis)
	if err != nil {
		logCleanup()
		return nil, err
	}

	q, err := queue.Connect(cfg.Data.RabbitMQ)
	if err != nil {
		st.Close()
		logCleanup()
		return nil, err
	}

	tg, err := telegram.New(cfg.Telegram)
	if err != nil {
		q.Close()
		st.Close()
		logCleanup()
		return nil, err
	}

	s3, err := objstore.NewS3Adapter(ctx, cfg.Storage)
	if err != nil {
		q.Close()
		st.Close()
		logCleanup()
		return nil, err
	}

	notifier, err := alerts.New(cfg.Alerts, st)
	if err != nil {
		q.Close()
		st.Close()
		logCleanup()
		return nil, err
	}

	transcoder := transcode.New()
	recognizer := asr.New(cfg.ASR, s3, transcoder)
	formatter := llm.New(cfg.LLM)
	deliverer := delivery.New(tg)

	orch := pipeline.New(cfg.Pipeline, cfg.Limits, cfg.ASR.Language, pipeline.Deps{
		Store:     st,
		Media:     tg,
		Audio:     transcoder,
		ASR:       recognizer,
		Formatter: formatter,
		Delivery:  deliverer,
		Messenger: tg,
		Alerts:    notifier,
	})

	return &app{
		cfg:        cfg,
		store:      st,
		queue:      q,
		telegram:   tg,
		alerts:     notifier,
		orch:       orch,
		logCleanup: logCleanup,
	}, nil
}

// close releases connections in reverse wiring order.
func (a *app) close() {
	a.alerts.Flush()
	if err := a.queue.Close(); err != nil {
		logger.Warnf(context.Background(), "failed to close queue: %v", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Warnf(context.Background(), "failed to close store: %v", err)
	}
	a.logCleanup()
}
