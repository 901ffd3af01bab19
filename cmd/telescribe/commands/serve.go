package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/telescribe/telescribe/internal/server"
	"github.com/telescribe/telescribe/logging/logger"
)

// NewServeCommand creates the webhook server command
func NewServeCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, configFile)
			if err != nil {
				return err
			}
			defer a.close()

			srv := server.New(a.cfg.Telegram, a.cfg.Limits, server.Deps{
				Store:     a.store,
				Publisher: a.queue,
				Processor: a.orch,
				Messenger: a.telegram,
				Alerts:    a.alerts,
			})

			addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
			httpSrv := &http.Server{
				Addr:    addr,
				Handler: srv.Router(),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Infof(ctx, "webhook server listening on %s as @%s", addr, a.telegram.Username())
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			logger.Infof(ctx, "shutting down webhook server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}
