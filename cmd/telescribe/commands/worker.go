package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/telescribe/telescribe/logging/logger"
)

// NewWorkerCommand creates the queue worker command
func NewWorkerCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the transcription queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, configFile)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.queue.ConsumeJobs(ctx, a.orch.HandleQueued); err != nil {
				return err
			}

			logger.Infof(ctx, "worker consuming transcription jobs")
			<-ctx.Done()
			logger.Infof(ctx, "worker shutting down")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}
