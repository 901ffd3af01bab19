// Package alerts forwards infrastructure errors to the operator
// channel, rate-limited per event key to avoid alert storms.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/telescribe/telescribe/config"
	"github.com/telescribe/telescribe/internal/store"
	"github.com/telescribe/telescribe/logging/logger"
)

// Notifier sends operator alerts through Sentry.
type Notifier struct {
	cfg     *config.Alerts
	store   *store.Store
	enabled bool

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New initializes the Sentry SDK when a DSN is configured. Without a
// DSN alerts degrade to log lines.
func New(cfg *config.Alerts, st *store.Store) (*Notifier, error) {
	n := &Notifier{
		cfg:      cfg,
		store:    st,
		lastSent: make(map[string]time.Time),
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sentry: %w", err)
		}
		n.enabled = true
	}

	return n, nil
}

// Infra reports an infrastructure error under a stable event key.
// Alerts honor the persisted operator mute flag and a minimum interval
// per key.
func (n *Notifier) Infra(ctx context.Context, key string, err error) {
	logger.Errorf(ctx, "infra error [%s]: %v", key, err)

	if !n.enabled || !n.shouldSend(key) {
		return
	}

	if settings, serr := n.store.GetAdminSettings(ctx); serr == nil && settings.AlertsMuted {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("event_key", key)
		sentry.CaptureException(fmt.Errorf("%s: %w", key, err))
	})
}

// shouldSend enforces the per-key minimum interval.
func (n *Notifier) shouldSend(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cfg.MinInterval {
		return false
	}
	n.lastSent[key] = now
	return true
}

// Flush drains pending Sentry events before shutdown.
func (n *Notifier) Flush() {
	if n.enabled {
		sentry.Flush(2 * time.Second)
	}
}
