package indexer

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/zirihq/ziri/internal/batch"
	"github.com/zirihq/ziri/internal/checkpoint"
	"github.com/zirihq/ziri/internal/chunk"
	"github.com/zirihq/ziri/internal/config"
	"github.com/zirihq/ziri/internal/embed"
	"github.com/zirihq/ziri/internal/hash"
	"github.com/zirihq/ziri/internal/memory"
	"github.com/zirihq/ziri/internal/pipeline"
	"github.com/zirihq/ziri/internal/progress"
	"github.com/zirihq/ziri/internal/ratelimit"
	"github.com/zirihq/ziri/internal/scanner"
	"github.com/zirihq/ziri/internal/store"
	"github.com/zirihq/ziri/internal/zirierr"
)

// Options configures an Indexer.
type Options struct {
	// BaseDir is the store root; empty means ~/.ziri.
	BaseDir string
	// Config supplies the resolved configuration; nil means defaults.
	Config *config.Config
	// Provider is the embedding provider to index with. Required.
	Provider embed.Provider
}

// Indexer is the facade over one Store and one Provider.
type Indexer struct {
	store    *store.Store
	provider embed.Provider
	scanner  *scanner.Scanner
	cfg      *config.Config
}

// New constructs an Indexer. The provider must already be constructed
// and tested by the caller (providers are selected by a closed set of
// kinds in the embed package).
func New(opts Options) (*Indexer, error) {
	if opts.Provider == nil {
		return nil, &zirierr.Error{Kind: zirierr.Configuration, Message: "embedding provider is required"}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	st, err := store.New(opts.BaseDir)
	if err != nil {
		return nil, err
	}
	sc, err := scanner.New()
	if err != nil {
		return nil, &zirierr.Error{Kind: zirierr.Configuration, Message: "create scanner", Cause: err}
	}
	return &Indexer{store: st, provider: opts.Provider, scanner: sc, cfg: cfg}, nil
}

// RepositoryIDFor derives the stable repository id for a path.
func RepositoryIDFor(path string) (store.RepositoryID, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return store.DeriveRepositoryID(abs), nil
}

// Index runs a full indexing operation for repoPath. When the
// configured provider's dimensions differ from the repository's last
// indexed dimensions, the run becomes a provider-switch migration: the
// previous vector set is preserved until the re-embed completes, then
// discarded; a cancelled or failed migration rolls back.
func (ix *Indexer) Index(ctx context.Context, repoPath string, sink progress.Sink) (progress.Report, error) {
	return ix.run(ctx, repoPath, store.OperationIndexing, sink)
}

// Update runs an incremental update for repoPath: only files whose
// content hash changed are re-chunked and re-embedded.
func (ix *Indexer) Update(ctx context.Context, repoPath string, sink progress.Sink) (progress.Report, error) {
	return ix.run(ctx, repoPath, store.OperationUpdate, sink)
}

func (ix *Indexer) run(ctx context.Context, repoPath string, op store.OperationType, sink progress.Sink) (progress.Report, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return progress.Report{}, &zirierr.Error{Kind: zirierr.Configuration, Message: "resolve repository path", Cause: err}
	}
	id := store.DeriveRepositoryID(abs)

	migrating, err := ix.prepareMigration(id)
	if err != nil {
		return progress.Report{}, err
	}

	opts := ix.pipelineOptions(abs, op)
	opts.ForceReembed = migrating
	opts.Sink = sink

	report, runErr := pipeline.New(ix.store, ix.provider, ix.scanner).Run(ctx, opts)

	if migrating {
		if runErr != nil || report.Cancelled || report.FilesFailed > 0 {
			if rbErr := ix.store.RollbackVectorMigration(id); rbErr != nil {
				return report, rbErr
			}
		} else if cmErr := ix.store.CommitVectorMigration(id); cmErr != nil {
			return report, cmErr
		}
	}
	return report, runErr
}

// prepareMigration detects a provider-switch dimension mismatch and, if
// one exists, snapshots the current vector set and purges it so the
// pipeline re-embeds everything.
func (ix *Indexer) prepareMigration(id store.RepositoryID) (bool, error) {
	repo, err := ix.store.ReadMetadata(id)
	if err != nil {
		var zerr *zirierr.Error
		if errors.As(err, &zerr) && zerr.Kind == zirierr.Storage {
			// First index of this repository: nothing to migrate.
			return false, nil
		}
		return false, err
	}
	if repo.EmbeddingDimensions == 0 || repo.EmbeddingDimensions == ix.provider.EmbeddingDimensions() {
		return false, nil
	}
	if err := ix.store.BeginVectorMigration(id); err != nil {
		return false, err
	}
	if err := ix.store.ResetVectors(id); err != nil {
		return false, err
	}
	return true, nil
}

func (ix *Indexer) pipelineOptions(absPath string, op store.OperationType) pipeline.Options {
	cfg := ix.cfg
	excludes := append([]string{}, cfg.Paths.Exclude...)
	return pipeline.Options{
		RepositoryPath: absPath,
		OperationType:  op,
		ChunkParams: chunk.TextChunkParams{
			TargetChars:           cfg.Chunking.TargetChars,
			MaxChars:              cfg.Chunking.MaxChars,
			MinChars:              cfg.Chunking.MinChars,
			OverlapRatio:          cfg.Chunking.OverlapRatio,
			RespectLineBreaks:     true,
			RespectWordBoundaries: true,
		},
		MaxFileSize: cfg.Paths.MaxFileSizeBytes,
		ScanOptions: scanner.ScanOptions{
			IncludePatterns:  cfg.Paths.Include,
			ExcludePatterns:  excludes,
			RespectGitignore: true,
			MaxFileSize:      cfg.Paths.MaxFileSizeBytes,
		},
		RateLimits: ratelimit.Limits{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			TokensPerMinute:   cfg.RateLimit.TokensPerMinute,
			MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
		},
		BatchTuning: batch.Tuning{
			MinBatchSize:       cfg.Pipeline.MinBatchSize,
			MaxBatchSize:       cfg.Pipeline.MaxBatchSize,
			TargetResponseTime: cfg.Pipeline.TargetResponseTime.Std(),
			SlowThresholdRatio: cfg.Pipeline.SlowThresholdRatio,
			FastThresholdRatio: cfg.Pipeline.FastThresholdRatio,
			DecrementRatio:     cfg.Pipeline.DecrementRatio,
			IncrementRatio:     cfg.Pipeline.IncrementRatio,
		},
		InitialBatchSize: cfg.Pipeline.InitialBatchSize,
		Concurrency:      cfg.Pipeline.Concurrency,
		MaxRetries:       cfg.Pipeline.MaxRetries,
		RetryDelay:       cfg.Pipeline.RetryDelay.Std(),
		Memory: memory.Thresholds{
			CapBytes:          cfg.Memory.CapBytes,
			WarningThreshold:  cfg.Memory.WarningThreshold,
			CriticalThreshold: cfg.Memory.CriticalThreshold,
			SampleInterval:    cfg.Memory.SampleInterval.Std(),
		},
		Checkpoint: checkpoint.Config{
			IntervalItems: cfg.Checkpoint.IntervalItems,
			MaxRetained:   cfg.Checkpoint.MaxRetained,
		},
	}
}

// Status returns the Repository Record for repoPath, or an error if it
// was never indexed.
func (ix *Indexer) Status(repoPath string) (*store.Repository, error) {
	id, err := RepositoryIDFor(repoPath)
	if err != nil {
		return nil, err
	}
	return ix.store.ReadMetadata(id)
}

// ValidationResult combines the store's structural check with a
// sampled hash integrity check.
type ValidationResult struct {
	Store  store.ValidationReport
	Hashes hash.ValidationResult
}

// Validate checks the on-disk area for repoPath and recomputes hashes
// for up to sampleSize tracked files.
func (ix *Indexer) Validate(repoPath string, sampleSize int) (ValidationResult, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return ValidationResult{}, err
	}
	id := store.DeriveRepositoryID(abs)

	var result ValidationResult
	result.Store = ix.store.Validate(id)

	stored, err := ix.store.ReadHashes(id)
	if err != nil {
		return result, err
	}
	sample := make(map[string]string, sampleSize)
	for relPath := range stored {
		if sampleSize > 0 && len(sample) >= sampleSize {
			break
		}
		sample[relPath] = filepath.Join(abs, filepath.FromSlash(relPath))
	}
	result.Hashes = hash.Validate(stored, sample)
	return result, nil
}

// Delete removes everything stored for repoPath.
func (ix *Indexer) Delete(repoPath string) error {
	id, err := RepositoryIDFor(repoPath)
	if err != nil {
		return err
	}
	return ix.store.DeleteRepository(id)
}

// Store exposes the underlying repository store for callers that need
// read access beyond the facade (the CLI's status rendering).
func (ix *Indexer) Store() *store.Store {
	return ix.store
}

// Close releases the store's database handles. The store holds one
// exclusive bbolt handle per touched repository, so an Indexer must be
// closed before another one opens the same base directory.
func (ix *Indexer) Close() error {
	return ix.store.Close()
}
