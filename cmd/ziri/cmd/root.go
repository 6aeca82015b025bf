// Package cmd provides the CLI commands for ziri.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zirihq/ziri/internal/logging"
)

// Version is the CLI version, overridable at build time via
// -ldflags "-X github.com/zirihq/ziri/cmd/ziri/cmd.Version=...".
var Version = "dev"

var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the ziri CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ziri",
		Short: "Semantic code index for local repositories",
		Long: `Ziri indexes source repositories into vector embeddings for
semantic retrieval. It walks the tree, chunks text files, embeds each
chunk through a local or remote provider, and stores vectors plus
metadata in an isolated per-repository area under ~/.ziri.

Re-running detects changed files by content hash and re-embeds only
what changed.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("ziri version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.ziri/logs/")
	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newSetupCmd())
	cmd.AddCommand(newDeleteCmd())

	return cmd
}

func startLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.DefaultConfig()
	cfg.WriteToStderr = false
	if debugMode {
		cfg.Level = "debug"
	}
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		// Logging must never block the actual work.
		return nil
	}
	slog.SetDefault(logger)
	loggingCleanup = cleanup
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
