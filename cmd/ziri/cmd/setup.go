package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zirihq/ziri/internal/embed"
	"github.com/zirihq/ziri/internal/output"
)

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download the local embedding model ahead of time",
		Long: `Download the quantized embedding model used by the local backend, so
the first index run doesn't stall on a multi-hundred-megabyte fetch.
Safe to re-run; an existing model is left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			mgr := embed.NewModelManager(embed.DefaultModelsDir())

			if mgr.ModelExists() {
				out.Successf("model already present at %s", mgr.ModelPath())
				return nil
			}

			out.Statusf("→", "downloading %s (~%d MB)", embed.DefaultModelFile, embed.DefaultModelSize/(1024*1024))
			err := embed.DownloadWithRetry(cmd.Context(), embed.DefaultRetryConfig(), func() error {
				_, err := mgr.EnsureModel(cmd.Context(), func(downloaded, total int64) {
					if total > 0 {
						out.Progress(int(downloaded/(1024*1024)), int(total/(1024*1024)), "MB")
					}
				})
				return err
			})
			out.ProgressDone()
			if err != nil {
				return fmt.Errorf("model download failed: %w", err)
			}
			out.Successf("model ready at %s", mgr.ModelPath())
			return nil
		},
	}
	return cmd
}
