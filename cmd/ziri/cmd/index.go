package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zirihq/ziri/internal/async"
	"github.com/zirihq/ziri/internal/config"
	"github.com/zirihq/ziri/internal/embed"
	"github.com/zirihq/ziri/internal/preflight"
	"github.com/zirihq/ziri/internal/progress"
	"github.com/zirihq/ziri/internal/store"
	"github.com/zirihq/ziri/internal/ui"
	"github.com/zirihq/ziri/pkg/indexer"
)

func newIndexCmd() *cobra.Command {
	var (
		update    bool
		backend   string
		skipCheck bool
		baseDir   string
	)

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a repository into vector embeddings",
		Long: `Index a repository: walk its files, chunk text content, embed each
chunk, and persist vectors under ~/.ziri/repositories/<id>/.

A second run detects changes by content hash and re-embeds only
affected files. Use --update to force the incremental operation type
(separate checkpoint lineage from full indexing).

Backend selection:
  (default)          Ollama; fails if Ollama is unavailable (no fallback)
  --backend=ollama   Ollama (cross-platform)
  --backend=local    Machine-local embedding server
  --backend=static   Hash-based static embeddings (no model needed)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			if backend != "" {
				_ = os.Setenv("ZIRI_EMBEDDER", backend)
			}
			return runIndex(ctx, cmd, path, update, skipCheck, baseDir)
		},
	}

	cmd.Flags().BoolVar(&update, "update", false, "Run an incremental update instead of a full index")
	cmd.Flags().StringVar(&backend, "backend", "", "Embedding backend: ollama, local, or static")
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip pre-flight system checks")
	cmd.Flags().StringVar(&baseDir, "base-dir", "", "Store root (default ~/.ziri)")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, update, skipCheck bool, baseDir string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	cfg, err := config.Load(absPath)
	if err != nil {
		return err
	}

	ziriDir := baseDir
	if ziriDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			ziriDir = filepath.Join(home, ".ziri")
		} else {
			ziriDir = os.TempDir()
		}
	}

	markerDir := filepath.Join(ziriDir, "repositories", string(store.DeriveRepositoryID(absPath)))
	if !skipCheck && preflight.NeedsCheck(markerDir) {
		checker := preflight.New(preflight.WithOutput(cmd.ErrOrStderr()))
		results := checker.RunAll(ctx, absPath)
		if checker.HasCriticalFailures(results) {
			checker.PrintResults(results)
			return fmt.Errorf("pre-flight checks failed; fix the issues above or pass --skip-check")
		}
		if err := preflight.MarkPassed(markerDir); err != nil {
			slog.Warn("could not persist preflight marker", slog.String("error", err.Error()))
		}
	}

	embedder, err := embed.NewEmbedder(ctx, embed.ProviderType(cfg.Embeddings.Provider), cfg.Embeddings.Model)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	defer func() { _ = embedder.Close() }()
	provider := embed.NewProvider(embedder, 0)

	ix, err := indexer.New(indexer.Options{BaseDir: baseDir, Config: cfg, Provider: provider})
	if err != nil {
		return err
	}
	defer func() { _ = ix.Close() }()

	renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(), ui.WithProjectDir(absPath)))
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = renderer.Stop() }()

	sink := &rendererSink{renderer: renderer, provider: provider, backend: cfg.Embeddings.Provider}

	// The pipeline runs on a background goroutine so signal handling and
	// the renderer stay responsive; Wait blocks until it finishes.
	var report progress.Report
	var runErr error
	bg := async.NewRunner(ziriDir, func(ctx context.Context) error {
		if update {
			report, runErr = ix.Update(ctx, absPath, sink)
		} else {
			report, runErr = ix.Index(ctx, absPath, sink)
		}
		return runErr
	})
	bg.Start(ctx)
	_ = bg.Wait()

	slog.Info("index_complete",
		slog.String("path", absPath),
		slog.Int("files_indexed", report.FilesIndexed),
		slog.Int("files_failed", report.FilesFailed),
		slog.Int("chunks", report.ChunksWritten),
		slog.Bool("cancelled", report.Cancelled),
	)

	for _, rec := range report.Recommendations {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "hint: %s\n", rec)
	}
	if report.Cancelled {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "cancelled: progress checkpointed, re-run to resume")
		return nil
	}
	return runErr
}

// rendererSink adapts the pipeline's progress.Sink capability to the
// terminal Renderer.
type rendererSink struct {
	renderer ui.Renderer
	provider embed.Provider
	backend  string

	mu    sync.Mutex
	stage ui.Stage
	files int
}

func (s *rendererSink) OnPhase(phase progress.Phase) {
	s.mu.Lock()
	message := string(phase)
	switch phase {
	case progress.PhaseDiscovery:
		s.stage = ui.StageScanning
	case progress.PhaseClassify:
		s.stage = ui.StageClassifying
	case progress.PhaseChunkEmbed:
		s.stage = ui.StageEmbedding
	case progress.PhasePaused:
		// Stage is unchanged; production resumes where it left off.
		message = "paused: memory pressure"
	case progress.PhaseFinalize, progress.PhaseCancelled:
		s.stage = ui.StageFinalizing
	}
	stage := s.stage
	s.mu.Unlock()

	s.renderer.UpdateProgress(ui.ProgressEvent{Stage: stage, Message: message})
}

func (s *rendererSink) OnFile(path string, outcome progress.FileOutcome) {
	s.mu.Lock()
	s.files++
	stage, files := s.stage, s.files
	s.mu.Unlock()

	s.renderer.UpdateProgress(ui.ProgressEvent{Stage: stage, Current: files, CurrentFile: path})
	if outcome == progress.FileFailed {
		s.renderer.AddError(ui.ErrorEvent{File: path, Err: fmt.Errorf("file failed, hash not updated"), IsWarn: false})
	}
}

func (s *rendererSink) OnBatch(progress.BatchResult) {}

func (s *rendererSink) OnError(err error) {
	if err == nil {
		return
	}
	s.renderer.AddError(ui.ErrorEvent{Err: err, IsWarn: true})
}

func (s *rendererSink) OnComplete(report progress.Report) {
	s.renderer.Complete(ui.CompletionStats{
		Files:    report.FilesIndexed,
		Chunks:   report.ChunksWritten,
		Duration: report.Duration,
		Errors:   report.FilesFailed,
		Warnings: report.FilesSkipped,
		Embedder: ui.EmbedderInfo{
			Backend:    s.backend,
			Model:      s.provider.ModelName(),
			Dimensions: s.provider.EmbeddingDimensions(),
		},
	})
}
