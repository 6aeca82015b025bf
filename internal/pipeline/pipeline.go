// Package pipeline implements the concurrent embedding pipeline: the
// central state machine gluing the file walker,
// change detector, chunker, rate limiter, adaptive batcher, memory
// monitor, checkpoint manager, repository store, and progress sink
// into one indexing run.
package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zirihq/ziri/internal/batch"
	"github.com/zirihq/ziri/internal/checkpoint"
	"github.com/zirihq/ziri/internal/chunk"
	"github.com/zirihq/ziri/internal/embed"
	"github.com/zirihq/ziri/internal/hash"
	"github.com/zirihq/ziri/internal/memory"
	"github.com/zirihq/ziri/internal/progress"
	"github.com/zirihq/ziri/internal/ratelimit"
	"github.com/zirihq/ziri/internal/scanner"
	"github.com/zirihq/ziri/internal/store"
	"github.com/zirihq/ziri/internal/zirierr"
)

// Phase aliases progress.Phase for callers that only import pipeline.
type Phase = progress.Phase

// errMemoryWarning is the advisory event emitted when heap usage
// crosses the warning threshold; it reaches sinks via OnError but is
// never fatal.
var errMemoryWarning = errors.New("memory pressure: heap usage crossed the warning threshold")

// Options configures one Run invocation.
type Options struct {
	RepositoryPath string
	OperationType  store.OperationType

	ChunkParams chunk.TextChunkParams
	MaxFileSize int64

	ScanOptions scanner.ScanOptions

	RateLimits       ratelimit.Limits
	BatchTuning      batch.Tuning
	InitialBatchSize int

	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration

	Memory memory.Thresholds

	Checkpoint checkpoint.Config

	// ForceReembed treats every candidate file as modified even when
	// its hash matches, used by the provider-switch migration:
	// hashes stay valid but every chunk needs a new vector.
	ForceReembed bool

	Sink progress.Sink

	// memorySample overrides the monitor's heap sampler; tests use it
	// to drive backpressure from synthetic load.
	memorySample memory.Sample
}

// Pipeline runs indexing operations against one Store and Provider.
type Pipeline struct {
	store    *store.Store
	provider embed.Provider
	scanner  *scanner.Scanner
}

// New creates a Pipeline backed by the given Store and Provider.
func New(st *store.Store, provider embed.Provider, sc *scanner.Scanner) *Pipeline {
	return &Pipeline{store: st, provider: provider, scanner: sc}
}

type runState struct {
	opts    Options
	repo    *store.Repository
	sink    progress.Sink
	stats   *progress.Stats
	tracker *hash.Tracker
	batcher *batch.Batcher
	limiter *ratelimit.Limiter
	monitor *memory.Monitor
	cpm     *checkpoint.Manager

	mu        sync.Mutex
	cancelled bool
}

func (rs *runState) markCancelled() {
	rs.mu.Lock()
	rs.cancelled = true
	rs.mu.Unlock()
}

func (rs *runState) isCancelled() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelled
}

// Run executes one indexing or update operation to completion,
// walking the phases Discovery, Classification,
// Chunking+Embedding (with Paused/Cancelled branches), Finalize.
// Once discovery has succeeded, Run writes a checkpoint before
// returning, including on cancellation; a failed store open or scan
// returns without one.
func (p *Pipeline) Run(ctx context.Context, opts Options) (progress.Report, error) {
	sink := progress.Safe(opts.Sink)
	stats := progress.NewStats()
	combined := progress.MultiSink(sink, stats)

	repo, err := p.store.CreateOrOpen(opts.RepositoryPath, store.RepoConfig{
		ChunkTargetChars:  opts.ChunkParams.TargetChars,
		ChunkMaxChars:     opts.ChunkParams.MaxChars,
		ChunkMinChars:     opts.ChunkParams.MinChars,
		ChunkOverlapRatio: opts.ChunkParams.OverlapRatio,
		ExcludePatterns:   opts.ScanOptions.ExcludePatterns,
		MaxFileSizeBytes:  opts.MaxFileSize,
	})
	if err != nil {
		return progress.Report{}, err
	}

	rs := &runState{
		opts:    opts,
		repo:    repo,
		sink:    combined,
		stats:   stats,
		tracker: hash.New(repo.AbsolutePath),
		batcher: batch.New(batch.Limits{MaxTokensPerRequest: p.provider.Limits().MaxTokensPerRequest}, opts.BatchTuning, opts.InitialBatchSize),
		limiter: ratelimit.New(opts.RateLimits),
		cpm:     checkpoint.NewManager(p.store, repo.ID, opts.OperationType, opts.Checkpoint),
	}
	rs.monitor = memory.NewWithSample(opts.Memory, opts.memorySample, func() {
		combined.OnError(errMemoryWarning)
	})
	if !opts.ForceReembed {
		// A provider-switch migration must cover every chunk; resuming
		// from an older checkpoint would leave mixed-dimension vectors.
		rs.cpm.Resume()
	}

	rs.monitor.Start()
	defer rs.monitor.Stop()

	report, runErr := p.run(ctx, rs)
	report.Duration = stats.Snapshot().Elapsed
	combined.OnComplete(report)
	return report, runErr
}

func (p *Pipeline) run(ctx context.Context, rs *runState) (progress.Report, error) {
	rs.sink.OnPhase(progress.PhaseDiscovery)
	candidates, err := p.discover(ctx, rs)
	if err != nil {
		return rs.stats.Report(), err
	}

	rs.sink.OnPhase(progress.PhaseClassify)
	if err := rs.cpm.Write(string(progress.PhaseClassify), false); err != nil {
		rs.sink.OnError(err)
	}
	changeSet, updatedHashes, storedHashes, err := p.classify(rs, candidates)
	if err != nil {
		return rs.stats.Report(), err
	}

	rs.sink.OnPhase(progress.PhaseChunkEmbed)
	if err := rs.cpm.Write(string(progress.PhaseChunkEmbed), false); err != nil {
		rs.sink.OnError(err)
	}
	p.chunkAndEmbed(ctx, rs, candidates, changeSet, updatedHashes)

	for _, deletedPath := range changeSet.Deleted {
		if err := p.store.DeleteChunksForPath(rs.repo.ID, deletedPath); err != nil {
			rs.sink.OnError(err)
		}
	}

	if err := p.store.WriteHashes(rs.repo.ID, mergeHashes(storedHashes, updatedHashes, changeSet.Deleted)); err != nil {
		rs.sink.OnError(err)
	}

	cancelled := rs.isCancelled()
	finalPhase := progress.PhaseFinalize
	if cancelled {
		finalPhase = progress.PhaseCancelled
	}
	rs.sink.OnPhase(finalPhase)

	p.finalizeMetadata(rs, cancelled)

	if err := rs.cpm.Write(string(finalPhase), cancelled); err != nil {
		rs.sink.OnError(err)
	}

	var runErr error
	if cancelled {
		runErr = &zirierr.Error{Kind: zirierr.Cancelled, Message: "operation cancelled"}
	}
	return rs.stats.Report(), runErr
}

// finalizeMetadata refreshes the Repository Record. The embedding
// provider name and dimensions are written only on a completed run: a
// cancelled provider-switch migration must leave the previous
// dimensions in place.
func (p *Pipeline) finalizeMetadata(rs *runState, cancelled bool) {
	total, err := p.store.CountChunks(rs.repo.ID)
	if err != nil {
		rs.sink.OnError(err)
		total = rs.repo.TotalChunks
	}
	if _, err := p.store.UpdateMetadata(rs.repo.ID, func(r *store.Repository) {
		r.TotalChunks = total
		if !cancelled {
			r.LastIndexed = time.Now()
			r.EmbeddingProvider = p.provider.ModelName()
			r.EmbeddingDimensions = p.provider.EmbeddingDimensions()
		}
	}); err != nil {
		rs.sink.OnError(err)
	}
}

func mergeHashes(stored, updated map[string]store.FileHashEntry, deleted []string) map[string]store.FileHashEntry {
	merged := make(map[string]store.FileHashEntry, len(stored)+len(updated))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range updated {
		merged[k] = v
	}
	for _, d := range deleted {
		delete(merged, d)
	}
	return merged
}

// discover runs the file walker, filtering out paths already
// recorded as processed in a resumed checkpoint.
func (p *Pipeline) discover(ctx context.Context, rs *runState) (map[string]*scanner.FileInfo, error) {
	scanOpts := rs.opts.ScanOptions
	scanOpts.RootDir = rs.repo.AbsolutePath

	results, err := p.scanner.Scan(ctx, &scanOpts)
	if err != nil {
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "scan repository", Cause: err}
	}

	candidates := make(map[string]*scanner.FileInfo)
	for result := range results {
		if result.Error != nil {
			rs.sink.OnError(&zirierr.Error{Kind: zirierr.FileRead, Message: "scan error", Cause: result.Error})
			continue
		}
		if result.File == nil {
			continue
		}
		if rs.cpm.IsProcessed(result.File.Path) {
			continue
		}
		candidates[result.File.Path] = result.File
	}
	return candidates, nil
}

// classify runs the change detector. With ForceReembed set,
// unchanged files are reclassified as modified: their stored hashes
// remain valid but every chunk needs a fresh vector.
func (p *Pipeline) classify(rs *runState, candidates map[string]*scanner.FileInfo) (store.ChangeSet, map[string]store.FileHashEntry, map[string]store.FileHashEntry, error) {
	stored, err := p.store.ReadHashes(rs.repo.ID)
	if err != nil {
		return store.ChangeSet{}, nil, nil, err
	}
	paths := make(map[string]string, len(candidates))
	for relPath, info := range candidates {
		paths[relPath] = info.AbsPath
	}
	changeSet, updated, _, warnings := rs.tracker.Classify(stored, paths)
	for _, w := range warnings {
		rs.sink.OnError(&zirierr.Error{Kind: zirierr.FileRead, Message: w.Message, Details: map[string]string{"path": w.Path}})
	}
	// Files a resumed checkpoint filtered out of the candidate set are
	// absent, not deleted; their stored state stands.
	kept := changeSet.Deleted[:0]
	for _, path := range changeSet.Deleted {
		if !rs.cpm.IsProcessed(path) {
			kept = append(kept, path)
		}
	}
	changeSet.Deleted = kept
	if rs.opts.ForceReembed {
		changeSet.Modified = append(changeSet.Modified, changeSet.Unchanged...)
		changeSet.Unchanged = nil
	}
	return changeSet, updated, stored, nil
}

// chunkAndEmbed drives the Chunking+Embedding phase's producer/consumer
// graph: changed files are chunked, chunks are formed into batches,
// batches are dispatched with bounded concurrency and retried on
// transient failure, and memory pressure pauses production between
// yields. Cancellation stops production at the next yield;
// in-flight batches finish and their results are written.
func (p *Pipeline) chunkAndEmbed(ctx context.Context, rs *runState, candidates map[string]*scanner.FileInfo, changeSet store.ChangeSet, updatedHashes map[string]store.FileHashEntry) {
	toProcess := append(append([]string{}, changeSet.Added...), changeSet.Modified...)
	sort.Strings(toProcess)

	concurrency := rs.opts.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	if concurrency > 10 {
		concurrency = 10
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	dropHash := func(relPath string) {
		rs.mu.Lock()
		delete(updatedHashes, relPath)
		rs.mu.Unlock()
	}

	reached := len(toProcess)
	for i, relPath := range toProcess {
		select {
		case <-ctx.Done():
			rs.markCancelled()
		default:
		}
		if rs.isCancelled() {
			reached = i
			break
		}

		if rs.monitor.Paused() {
			// Critical threshold crossed: producer yields until usage
			// drops back below warning. In-flight batches keep going.
			rs.sink.OnPhase(progress.PhasePaused)
			rs.monitor.WaitUntilUnpaused(ctx.Done())
			rs.sink.OnPhase(progress.PhaseChunkEmbed)
		}

		info := candidates[relPath]
		content, ok, err := chunk.ReadFileContent(info.AbsPath, rs.opts.MaxFileSize)
		if err != nil {
			rs.sink.OnError(&zirierr.Error{Kind: zirierr.FileRead, Message: "read file", Cause: err, Details: map[string]string{"path": relPath}})
			rs.sink.OnFile(relPath, progress.FileFailed)
			dropHash(relPath)
			continue
		}
		if !ok {
			// Binary or over the size cap: expected conditions, skipped
			// without a hash entry so they are never considered tracked.
			rs.sink.OnFile(relPath, progress.FileSkipped)
			dropHash(relPath)
			continue
		}

		chunks := chunk.ChunkText(info.AbsPath, content, rs.opts.ChunkParams)
		if len(chunks) == 0 {
			rs.sink.OnFile(relPath, progress.FileSkipped)
			continue
		}

		items := make([]batch.Item, len(chunks))
		for i, c := range chunks {
			items[i] = batch.Item{ID: c.ChunkID, Content: c.Content, EstimatedTokens: c.EstimatedTokens}
		}
		batches, dropped := rs.batcher.Form(items)
		for _, d := range dropped {
			rs.sink.OnError(&zirierr.Error{Kind: zirierr.Configuration, Message: "chunk exceeds provider token limit", Details: map[string]string{"chunk_id": d.ID}})
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			rs.markCancelled()
			reached = i
			break
		}
		wg.Add(1)
		go func(relPath string, chunks []chunk.TextChunk, batches [][]batch.Item) {
			defer wg.Done()
			defer sem.Release(1)
			// In-flight batches run against a background context so a
			// cancellation mid-dispatch lets them finish and be written
			// instead of being torn down mid-request.
			if !p.dispatchFileBatches(context.Background(), rs, info, chunks, batches) {
				dropHash(relPath)
			}
		}(relPath, chunks, batches)
	}

	// Files production never reached keep no updated hash entry, so the
	// next run classifies them as added or modified again.
	for _, relPath := range toProcess[reached:] {
		dropHash(relPath)
	}

	wg.Wait()
}

// dispatchFileBatches embeds and persists every batch belonging to one
// file, then updates the file's progress outcome and checkpoint
// counters. Per the per-file atomicity rule: if any batch
// fails, the file is reported failed and the caller must not retain
// its updated hash entry.
func (p *Pipeline) dispatchFileBatches(ctx context.Context, rs *runState, info *scanner.FileInfo, chunks []chunk.TextChunk, batches [][]batch.Item) bool {
	relPath := info.Path
	byID := make(map[string]chunk.TextChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ChunkID] = c
	}

	// Clear any previously stored chunks for this file before writing
	// the new set, so a modified file's stale chunk ids (from content
	// that no longer exists) don't linger alongside the fresh ones.
	if err := p.store.DeleteChunksForPath(rs.repo.ID, relPath); err != nil {
		rs.sink.OnError(err)
		rs.sink.OnFile(relPath, progress.FileFailed)
		return false
	}

	fileFailed := false
	for _, b := range batches {
		vectors, ok := p.dispatchBatchWithRetry(ctx, rs, b)
		if !ok {
			fileFailed = true
			continue
		}
		for i, item := range b {
			c := byID[item.ID]
			desc := store.ChunkDescriptor{
				ChunkID:         c.ChunkID,
				RepositoryID:    rs.repo.ID,
				FilePath:        info.AbsPath,
				RelativePath:    relPath,
				ChunkIndex:      c.Index,
				StartLine:       c.StartLine,
				EndLine:         c.EndLine,
				SizeChars:       len(c.Content),
				EstimatedTokens: c.EstimatedTokens,
				Content:         c.Content,
				Metadata:        chunkMetadata(info),
			}
			vec := store.VectorRecord{ChunkID: c.ChunkID, Vector: vectors[i], EmbeddedAt: time.Now(), ProviderName: p.provider.ModelName()}
			if err := p.store.PutChunk(rs.repo.ID, desc, vec); err != nil {
				rs.sink.OnError(err)
				fileFailed = true
			}
		}
	}

	if fileFailed {
		// A partially written file is reported failed and its hash
		// entry is not updated, so the next run retries it from
		// scratch. Remove whatever chunks did get written so the store
		// doesn't carry a half-embedded file forward.
		if err := p.store.DeleteChunksForPath(rs.repo.ID, relPath); err != nil {
			rs.sink.OnError(err)
		}
		rs.sink.OnFile(relPath, progress.FileFailed)
		return false
	}

	rs.sink.OnFile(relPath, progress.FileIndexed)
	if rs.cpm.RecordFile(relPath, len(chunks)) {
		if err := rs.cpm.Write(string(progress.PhaseChunkEmbed), false); err != nil {
			rs.sink.OnError(err)
		}
	}
	return true
}

// dispatchBatchWithRetry embeds one batch under the rate limiter, with
// retry/backoff. Non-retryable provider errors fail the batch
// immediately.
func (p *Pipeline) dispatchBatchWithRetry(ctx context.Context, rs *runState, b []batch.Item) ([][]float32, bool) {
	maxRetries := rs.opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := rs.opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	texts := make([]string, len(b))
	var tokens int
	for i, item := range b {
		texts[i] = item.Content
		tokens += item.EstimatedTokens
	}

	var lastErr error
	var attempt int
	for ; attempt <= maxRetries; attempt++ {
		start := time.Now()
		vectors, err := ratelimit.Execute(ctx, rs.limiter, tokens, func(ctx context.Context) ([][]float32, error) {
			return p.provider.Embed(ctx, texts)
		})
		elapsed := time.Since(start)

		if err == nil {
			rs.batcher.Observe(elapsed)
			rs.sink.OnBatch(progress.BatchResult{Size: len(b), SizeTokens: tokens, Succeeded: true, Retries: attempt, ResponseTime: elapsed})
			return vectors, true
		}

		lastErr = err
		if !zirierr.IsRetryable(err) || attempt == maxRetries {
			break
		}

		delay := backoffDelay(retryDelay, attempt, zirierr.KindOf(err) == zirierr.ProviderRateLimit)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxRetries // exit after this iteration
		case <-time.After(delay):
		}
	}

	rs.sink.OnError(lastErr)
	rs.sink.OnBatch(progress.BatchResult{Size: len(b), SizeTokens: tokens, Succeeded: false, Retries: attempt})
	return nil, false
}

// chunkMetadata carries the walker's structural classification along
// with each chunk. The engine itself never interprets these; they are
// pass-through context for retrieval-time consumers.
func chunkMetadata(info *scanner.FileInfo) map[string]string {
	meta := make(map[string]string, 3)
	if info.Language != "" {
		meta["language"] = info.Language
	}
	if info.ContentType != "" {
		meta["content_type"] = string(info.ContentType)
	}
	if info.IsGenerated {
		meta["generated"] = "true"
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// backoffDelay computes retryDelay*2^attempt with +/-25% jitter,
// doubled for rate-limit kinds, capped at 30s.
func backoffDelay(base time.Duration, attempt int, isRateLimit bool) time.Duration {
	d := base << attempt
	if isRateLimit {
		d *= 2
	}
	jitterRange := float64(d) * 0.25
	jitter := time.Duration((rand.Float64()*2 - 1) * jitterRange)
	d += jitter
	const maxDelay = 30 * time.Second
	if d > maxDelay {
		d = maxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
