package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zirihq/ziri/internal/store"
)

func newResumeCmd() *cobra.Command {
	var baseDir string

	cmd := &cobra.Command{
		Use:   "resume [path]",
		Short: "Resume an interrupted indexing operation",
		Long: `Resume indexing from the most recent checkpoint. Fails if no
resumable checkpoint exists; a plain ` + "`ziri index`" + ` also picks up
recent checkpoints automatically, this command just refuses to start
from scratch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			absPath, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("failed to resolve path: %w", err)
			}

			st, err := store.New(baseDir)
			if err != nil {
				return err
			}
			id := store.DeriveRepositoryID(absPath)
			cp, err := st.LatestCheckpoint(id, store.OperationIndexing)
			if err != nil {
				return err
			}
			if cp == nil || (cp.CurrentPhase == "finalize" && !cp.Cancelled) {
				return fmt.Errorf("no resumable checkpoint for %s; run `ziri index` instead", absPath)
			}

			return runIndex(ctx, cmd, path, false, true, baseDir)
		},
	}

	cmd.Flags().StringVar(&baseDir, "base-dir", "", "Store root (default ~/.ziri)")
	return cmd
}
