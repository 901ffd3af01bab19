package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/telescribe/telescribe/version"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "telescribe",
		Short: "Voice and video transcription bot",
	}

	rootCmd.AddCommand(
		NewServeCommand(),
		NewWorkerCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.GetVersionInfo()
			fmt.Println("Version:", info.Version)
			fmt.Println("Built At:", info.BuiltAt)
		},
	}
}
