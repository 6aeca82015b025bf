package cmd

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zirihq/ziri/internal/output"
	"github.com/zirihq/ziri/internal/store"
)

func newDeleteCmd() *cobra.Command {
	var (
		baseDir string
		yes     bool
	)

	cmd := &cobra.Command{
		Use:   "delete [path]",
		Short: "Remove everything stored for a repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			absPath, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("failed to resolve path: %w", err)
			}

			if !yes {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Delete all indexed data for %s? [y/N] ", absPath)
				reader := bufio.NewReader(cmd.InOrStdin())
				answer, _ := reader.ReadString('\n')
				if strings.ToLower(strings.TrimSpace(answer)) != "y" {
					return nil
				}
			}

			st, err := store.New(baseDir)
			if err != nil {
				return err
			}
			if err := st.DeleteRepository(store.DeriveRepositoryID(absPath)); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Success("repository data removed")
			return nil
		},
	}

	cmd.Flags().StringVar(&baseDir, "base-dir", "", "Store root (default ~/.ziri)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
