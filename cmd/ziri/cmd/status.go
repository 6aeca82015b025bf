package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zirihq/ziri/internal/store"
	"github.com/zirihq/ziri/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var (
		jsonOut bool
		baseDir string
	)

	cmd := &cobra.Command{
		Use:   "status [path]",
		Short: "Show the stored index state for a repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runStatus(cmd, path, jsonOut, baseDir)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output status as JSON")
	cmd.Flags().StringVar(&baseDir, "base-dir", "", "Store root (default ~/.ziri)")
	return cmd
}

func runStatus(cmd *cobra.Command, path string, jsonOut bool, baseDir string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	st, err := store.New(baseDir)
	if err != nil {
		return err
	}
	id := store.DeriveRepositoryID(absPath)
	repo, err := st.ReadMetadata(id)
	if err != nil {
		return fmt.Errorf("repository not indexed yet: run `ziri index %s` first", path)
	}

	hashes, err := st.ReadHashes(id)
	if err != nil {
		return err
	}

	repoDir := repoDirFor(baseDir, id)
	info := ui.StatusInfo{
		ProjectName:    repo.Alias,
		TotalFiles:     len(hashes),
		TotalChunks:    repo.TotalChunks,
		LastIndexed:    repo.LastIndexed,
		MetadataSize:   fileSize(filepath.Join(repoDir, "metadata.json")),
		HashesSize:     fileSize(filepath.Join(repoDir, "file_hashes.json")),
		VectorSize:     fileSize(filepath.Join(repoDir, "data.db")),
		EmbedderType:   repo.EmbeddingProvider,
		EmbedderStatus: "ready",
		EmbedderModel:  repo.EmbeddingProvider,
		Dimensions:     repo.EmbeddingDimensions,
		Checkpoints:    countFiles(filepath.Join(repoDir, "checkpoints")),
	}
	info.TotalSize = info.MetadataSize + info.HashesSize + info.VectorSize

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), ui.DetectNoColor())
	if jsonOut {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}

func repoDirFor(baseDir string, id store.RepositoryID) string {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			baseDir = filepath.Join(home, store.DefaultBaseDir)
		}
	}
	return filepath.Join(baseDir, "repositories", string(id))
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var n int
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}
