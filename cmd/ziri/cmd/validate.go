package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zirihq/ziri/internal/config"
	"github.com/zirihq/ziri/internal/embed"
	"github.com/zirihq/ziri/internal/hash"
	"github.com/zirihq/ziri/internal/output"
	"github.com/zirihq/ziri/internal/store"
)

func newValidateCmd() *cobra.Command {
	var (
		baseDir    string
		sampleSize int
		probe      bool
	)

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Check the stored index's structural and hash integrity",
		Long: `Validate a repository's on-disk area: structural checks (missing
metadata is an error, missing optional files are warnings) plus a
sampled recomputation of file hashes against the stored map.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runValidate(cmd, path, baseDir, sampleSize, probe)
		},
	}

	cmd.Flags().StringVar(&baseDir, "base-dir", "", "Store root (default ~/.ziri)")
	cmd.Flags().IntVar(&sampleSize, "sample", 25, "How many tracked files to re-hash (0 = all)")
	cmd.Flags().BoolVar(&probe, "probe", false, "Also probe the configured embedding provider")
	return cmd
}

func runValidate(cmd *cobra.Command, path, baseDir string, sampleSize int, probe bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	st, err := store.New(baseDir)
	if err != nil {
		return err
	}
	id := store.DeriveRepositoryID(absPath)

	out := output.New(cmd.OutOrStdout())

	report := st.Validate(id)
	for _, e := range report.Errors {
		out.Error(e)
	}
	for _, w := range report.Warnings {
		out.Warning(w)
	}
	if len(report.Errors) == 0 {
		out.Success("store layout OK")
	}

	stored, err := st.ReadHashes(id)
	if err != nil {
		return err
	}
	sample := make(map[string]string, sampleSize)
	for relPath := range stored {
		if sampleSize > 0 && len(sample) >= sampleSize {
			break
		}
		sample[relPath] = filepath.Join(absPath, filepath.FromSlash(relPath))
	}
	result := hash.Validate(stored, sample)
	out.Statusf("·", "hashes: %d valid, %d invalid, %d missing (of %d sampled)",
		len(result.Valid), len(result.Invalid), len(result.Missing), len(sample))
	for _, inv := range result.Invalid {
		out.Warningf("%s: stored %s, current %s", inv.Path, inv.Stored[:12], inv.Actual[:12])
	}

	if probe {
		cfg, err := config.Load(absPath)
		if err != nil {
			return err
		}
		embedder, err := embed.NewEmbedder(cmd.Context(), embed.ProviderType(cfg.Embeddings.Provider), cfg.Embeddings.Model)
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
		defer func() { _ = embedder.Close() }()

		probeResult := embed.NewProvider(embedder, 0).Test(cmd.Context())
		if probeResult.Success {
			out.Successf("provider %s responded in %s", probeResult.ModelInfo, probeResult.ResponseTime.Round(time.Millisecond))
		} else {
			out.Errorf("provider probe failed: %v", probeResult.Err)
			return fmt.Errorf("provider probe failed")
		}
	}

	if len(report.Errors) > 0 || len(result.Invalid) > 0 {
		return fmt.Errorf("validation found problems")
	}
	return nil
}
