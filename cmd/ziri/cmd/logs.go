package cmd

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/zirihq/ziri/internal/logging"
	"github.com/zirihq/ziri/internal/ui"
)

func newLogsCmd() *cobra.Command {
	var (
		follow  bool
		lines   int
		level   string
		pattern string
		file    string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View the structured log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := logging.FindLogFile(file)
			if err != nil {
				return err
			}

			var re *regexp.Regexp
			if pattern != "" {
				re, err = regexp.Compile(pattern)
				if err != nil {
					return fmt.Errorf("invalid pattern: %w", err)
				}
			}

			viewer := logging.NewViewer(logging.ViewerConfig{
				Level:   level,
				Pattern: re,
				NoColor: ui.DetectNoColor(),
			}, cmd.OutOrStdout())

			entries, err := viewer.Tail(path, lines)
			if err != nil {
				return err
			}
			viewer.Print(entries)

			if follow {
				ch := make(chan logging.LogEntry, 64)
				go func() {
					for entry := range ch {
						_, _ = fmt.Fprintln(cmd.OutOrStdout(), viewer.FormatEntry(entry))
					}
				}()
				return viewer.Follow(cmd.Context(), path, ch)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow the log as it grows")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().StringVar(&level, "level", "", "Filter by level (debug, info, warn, error)")
	cmd.Flags().StringVar(&pattern, "grep", "", "Filter by regular expression")
	cmd.Flags().StringVar(&file, "file", "", "Explicit log file path")
	return cmd
}
