package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zirihq/ziri/internal/batch"
	"github.com/zirihq/ziri/internal/checkpoint"
	"github.com/zirihq/ziri/internal/chunk"
	"github.com/zirihq/ziri/internal/embed"
	"github.com/zirihq/ziri/internal/memory"
	"github.com/zirihq/ziri/internal/progress"
	"github.com/zirihq/ziri/internal/ratelimit"
	"github.com/zirihq/ziri/internal/scanner"
	"github.com/zirihq/ziri/internal/store"
	"github.com/zirihq/ziri/internal/zirierr"
)

// fakeProvider is a deterministic in-memory Provider. failEvery > 0
// makes every Nth Embed call fail with failErr before succeeding on
// retry; onEmbed runs before each call (used to trigger cancellation).
type fakeProvider struct {
	dims      int
	maxTokens int
	failEvery int
	failErr   error
	delay     time.Duration
	onEmbed   func(call int)

	mu    sync.Mutex
	calls int
}

func newFakeProvider(dims int) *fakeProvider {
	return &fakeProvider{dims: dims, maxTokens: 100000}
}

func (f *fakeProvider) ModelName() string        { return fmt.Sprintf("fake-%dd", f.dims) }
func (f *fakeProvider) EmbeddingDimensions() int { return f.dims }
func (f *fakeProvider) GetRecommendedBatchSize() int {
	return 10
}

func (f *fakeProvider) Limits() embed.Limits {
	return embed.Limits{MaxTokensPerRequest: f.maxTokens, EmbeddingDimensions: f.dims}
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.onEmbed != nil {
		f.onEmbed(call)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failEvery > 0 && call%f.failEvery == 0 {
		return nil, f.failErr
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, f.dims)
		for j := range v {
			v[j] = float32(len(text)%7) + float32(j)
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (f *fakeProvider) Test(context.Context) embed.TestResult {
	return embed.TestResult{Success: true, ModelInfo: f.ModelName()}
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", relPath, err)
	}
}

func newTestPipeline(t *testing.T, provider embed.Provider) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	sc, err := scanner.New()
	if err != nil {
		t.Fatalf("scanner.New: %v", err)
	}
	return New(st, provider, sc), st
}

func testOptions(root string) Options {
	return Options{
		RepositoryPath: root,
		OperationType:  store.OperationIndexing,
		ChunkParams: chunk.TextChunkParams{
			TargetChars: 120, MaxChars: 200, MinChars: 20, OverlapRatio: 0.1,
			RespectLineBreaks: true, RespectWordBoundaries: true,
		},
		MaxFileSize: 1 << 20,
		ScanOptions: scanner.ScanOptions{},
		BatchTuning: batch.Tuning{
			MinBatchSize: 1, MaxBatchSize: 50, TargetResponseTime: time.Second,
			SlowThresholdRatio: 1.1, FastThresholdRatio: 0.9,
			DecrementRatio: 0.8, IncrementRatio: 1.2,
		},
		InitialBatchSize: 10,
		RateLimits:       ratelimit.Limits{},
		Concurrency:      2,
		MaxRetries:       3,
		RetryDelay:       time.Millisecond,
		Memory:           memory.Thresholds{CapBytes: 1 << 30, WarningThreshold: 0.7, CriticalThreshold: 0.85, SampleInterval: time.Hour},
		Checkpoint:       checkpoint.Config{IntervalItems: 1, MaxRetained: 3},
	}
}

func seedSmallRepo(t *testing.T, root string) {
	writeFile(t, root, "README.md", "A small project used to exercise the indexing pipeline end to end.\n")
	writeFile(t, root, "src/index.js", "export function main() { return 42 }\n")
	writeFile(t, root, "src/utils.js", "export const answer = 42\n")
	writeFile(t, root, "node_modules/x.js", "module.exports = {}\n")
	// PNG-ish header with a null byte in the first bytes.
	binary := append([]byte{0x89, 'P', 'N', 'G', 0x00, 0x1a}, make([]byte, 2048)...)
	full := filepath.Join(root, "src", "binary.png")
	if err := os.WriteFile(full, binary, 0o644); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

func TestFullIndexSmallRepo(t *testing.T) {
	root := t.TempDir()
	seedSmallRepo(t, root)

	provider := newFakeProvider(8)
	p, st := newTestPipeline(t, provider)

	report, err := p.Run(context.Background(), testOptions(root))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.FilesIndexed != 3 {
		t.Fatalf("expected 3 indexed files, got %d (report %+v)", report.FilesIndexed, report)
	}
	if report.FilesSkipped != 1 {
		t.Fatalf("expected the binary to be the one skipped file, got %d", report.FilesSkipped)
	}
	if report.FilesFailed != 0 {
		t.Fatalf("expected no failures, got %d", report.FilesFailed)
	}
	if report.ChunksWritten < 3 {
		t.Fatalf("expected at least one chunk per text file, got %d", report.ChunksWritten)
	}

	id := store.DeriveRepositoryID(root)
	hashes, err := st.ReadHashes(id)
	if err != nil {
		t.Fatalf("ReadHashes: %v", err)
	}
	var tracked []string
	for path := range hashes {
		tracked = append(tracked, path)
	}
	sort.Strings(tracked)
	want := []string{"README.md", "src/index.js", "src/utils.js"}
	if len(tracked) != len(want) {
		t.Fatalf("tracked files %v, want %v", tracked, want)
	}
	for i := range want {
		if tracked[i] != want[i] {
			t.Fatalf("tracked files %v, want %v", tracked, want)
		}
	}

	repo, err := st.ReadMetadata(id)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if repo.EmbeddingDimensions != 8 {
		t.Fatalf("metadata dimensions %d, want 8", repo.EmbeddingDimensions)
	}
	if repo.TotalChunks != report.ChunksWritten {
		t.Fatalf("metadata totalChunks %d, report %d", repo.TotalChunks, report.ChunksWritten)
	}
}

func TestReindexWithoutChangesEmbedsNothing(t *testing.T) {
	root := t.TempDir()
	seedSmallRepo(t, root)

	provider := newFakeProvider(8)
	p, _ := newTestPipeline(t, provider)

	if _, err := p.Run(context.Background(), testOptions(root)); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	callsAfterFirst := provider.callCount()

	report, err := p.Run(context.Background(), testOptions(root))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if provider.callCount() != callsAfterFirst {
		t.Fatalf("unchanged repository must not re-embed; calls went %d -> %d", callsAfterFirst, provider.callCount())
	}
	if report.FilesIndexed != 0 {
		t.Fatalf("no file should be re-indexed, got %d", report.FilesIndexed)
	}
}

func TestIncrementalUpdateAddModifyDelete(t *testing.T) {
	root := t.TempDir()
	seedSmallRepo(t, root)

	provider := newFakeProvider(8)
	p, st := newTestPipeline(t, provider)
	id := store.DeriveRepositoryID(root)

	if _, err := p.Run(context.Background(), testOptions(root)); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	readmeChunksBefore, err := st.ListChunksForPath(id, "README.md")
	if err != nil || len(readmeChunksBefore) == 0 {
		t.Fatalf("expected README chunks after first run: %v", err)
	}

	// Modify, add, delete; keep README untouched.
	writeFile(t, root, "src/index.js", "export function main() { return 43 } // changed\n")
	writeFile(t, root, "src/new.js", "export const fresh = true\n")
	if err := os.Remove(filepath.Join(root, "src", "utils.js")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// mtime granularity can hide a same-second edit from the stat fast
	// path; force it observable.
	past := time.Now().Add(-2 * time.Second)
	_ = os.Chtimes(filepath.Join(root, "src", "index.js"), past, past)

	report, err := p.Run(context.Background(), testOptions(root))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.FilesIndexed != 2 {
		t.Fatalf("expected exactly the added+modified files indexed, got %d", report.FilesIndexed)
	}

	if chunks, _ := st.ListChunksForPath(id, "src/utils.js"); len(chunks) != 0 {
		t.Fatalf("deleted file must have no remaining chunks, got %d", len(chunks))
	}
	hashes, _ := st.ReadHashes(id)
	if _, ok := hashes["src/utils.js"]; ok {
		t.Fatalf("deleted file must have no hash entry")
	}
	if _, ok := hashes["src/new.js"]; !ok {
		t.Fatalf("added file must be tracked")
	}

	readmeChunksAfter, _ := st.ListChunksForPath(id, "README.md")
	beforeIDs := chunkIDSet(readmeChunksBefore)
	afterIDs := chunkIDSet(readmeChunksAfter)
	if len(beforeIDs) != len(afterIDs) {
		t.Fatalf("README chunk ids changed: %v vs %v", beforeIDs, afterIDs)
	}
	for cid := range beforeIDs {
		if !afterIDs[cid] {
			t.Fatalf("README chunk id %s disappeared across runs", cid)
		}
	}
}

func chunkIDSet(descs []store.ChunkDescriptor) map[string]bool {
	set := make(map[string]bool, len(descs))
	for _, d := range descs {
		set[d.ChunkID] = true
	}
	return set
}

func TestRateLimitStormRetriesAndCompletes(t *testing.T) {
	root := t.TempDir()
	seedSmallRepo(t, root)

	provider := newFakeProvider(8)
	provider.failEvery = 3
	provider.failErr = &zirierr.Error{Kind: zirierr.ProviderRateLimit, Message: "429", Retryable: true}

	p, _ := newTestPipeline(t, provider)
	report, err := p.Run(context.Background(), testOptions(root))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FilesFailed != 0 {
		t.Fatalf("rate-limited batches must retry to success, got %d failures", report.FilesFailed)
	}
	if report.Retries == 0 {
		t.Fatalf("expected a positive retries counter")
	}
}

func TestNonRetryableFailureSkipsHashUpdate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "only.txt", "some plain text content that will fail to embed\n")

	provider := newFakeProvider(8)
	provider.failEvery = 1 // every call fails
	provider.failErr = &zirierr.Error{Kind: zirierr.ProviderClient, Message: "400", Retryable: false}

	p, st := newTestPipeline(t, provider)
	id := store.DeriveRepositoryID(root)

	report, err := p.Run(context.Background(), testOptions(root))
	if err != nil {
		t.Fatalf("Run should tolerate a failed batch: %v", err)
	}
	if report.FilesFailed != 1 {
		t.Fatalf("expected the file to be reported failed, got %+v", report)
	}
	// Exactly one attempt: non-retryable errors must not burn retries.
	if provider.callCount() != 1 {
		t.Fatalf("non-retryable failure must not retry, got %d calls", provider.callCount())
	}

	hashes, _ := st.ReadHashes(id)
	if _, ok := hashes["only.txt"]; ok {
		t.Fatalf("failed file's hash must not be updated")
	}
	if chunks, _ := st.ListChunksForPath(id, "only.txt"); len(chunks) != 0 {
		t.Fatalf("failed file must not keep partial chunks")
	}

	// A later run with a healthy provider picks the file up again.
	provider.failEvery = 0
	if _, err := p.Run(context.Background(), testOptions(root)); err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	hashes, _ = st.ReadHashes(id)
	if _, ok := hashes["only.txt"]; !ok {
		t.Fatalf("recovered file must be tracked after the retry run")
	}
}

func TestCancellationCheckpointsAndResumes(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 12; i++ {
		writeFile(t, root, fmt.Sprintf("file%02d.txt", i), fmt.Sprintf("content for file number %d with enough text to chunk\n", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	provider := newFakeProvider(8)
	provider.onEmbed = func(call int) {
		if call == 3 {
			cancel()
		}
	}

	p, st := newTestPipeline(t, provider)
	id := store.DeriveRepositoryID(root)

	opts := testOptions(root)
	opts.Concurrency = 1
	report, err := p.Run(ctx, opts)
	if err == nil {
		t.Fatalf("cancelled run must return the cancellation error")
	}
	var zerr *zirierr.Error
	if !errors.As(err, &zerr) || zerr.Kind != zirierr.Cancelled {
		t.Fatalf("expected Cancelled kind, got %v", err)
	}
	if !report.Cancelled {
		t.Fatalf("report must be marked cancelled")
	}
	if report.FilesIndexed == 0 || report.FilesIndexed >= 12 {
		t.Fatalf("expected a partial run, indexed %d", report.FilesIndexed)
	}

	cp, err := st.LatestCheckpoint(id, store.OperationIndexing)
	if err != nil || cp == nil {
		t.Fatalf("expected a checkpoint after cancellation: %v", err)
	}
	if len(cp.ProcessedFiles) != report.FilesIndexed {
		t.Fatalf("checkpoint has %d files, report indexed %d", len(cp.ProcessedFiles), report.FilesIndexed)
	}

	// Restart: the remainder completes without reprocessing checkpointed
	// files.
	provider.onEmbed = nil
	report2, err := p.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if report2.Cancelled {
		t.Fatalf("resumed run should complete")
	}
	if report.FilesIndexed+report2.FilesIndexed != 12 {
		t.Fatalf("runs together must cover all files: %d + %d", report.FilesIndexed, report2.FilesIndexed)
	}

	hashes, _ := st.ReadHashes(id)
	if len(hashes) != 12 {
		t.Fatalf("all 12 files tracked after resume, got %d", len(hashes))
	}
}

func TestForceReembedTreatsUnchangedAsModified(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha file content, long enough to pass the minimum\n")
	writeFile(t, root, "b.txt", "beta file content, long enough to pass the minimum\n")

	provider := newFakeProvider(8)
	p, _ := newTestPipeline(t, provider)

	if _, err := p.Run(context.Background(), testOptions(root)); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	callsAfterFirst := provider.callCount()

	opts := testOptions(root)
	opts.ForceReembed = true
	report, err := p.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("force Run: %v", err)
	}
	if provider.callCount() == callsAfterFirst {
		t.Fatalf("ForceReembed must re-embed unchanged files")
	}
	if report.FilesIndexed != 2 {
		t.Fatalf("both files re-embedded, got %d", report.FilesIndexed)
	}
}

// phaseRecorder captures every phase event for assertions.
type phaseRecorder struct {
	progress.NoopSink
	mu     sync.Mutex
	phases []progress.Phase
}

func (r *phaseRecorder) OnPhase(p progress.Phase) {
	r.mu.Lock()
	r.phases = append(r.phases, p)
	r.mu.Unlock()
}

func (r *phaseRecorder) saw(want progress.Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.phases {
		if p == want {
			return true
		}
	}
	return false
}

func TestMemoryPressurePausesAndResumes(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 4; i++ {
		writeFile(t, root, fmt.Sprintf("f%d.txt", i), fmt.Sprintf("file %d content, long enough to produce a chunk\n", i))
	}

	provider := newFakeProvider(4)
	provider.delay = 10 * time.Millisecond

	p, _ := newTestPipeline(t, provider)

	// Synthetic heap readings: critical for the first stretch of samples,
	// then comfortably below warning so the producer resumes.
	var samples int64
	recorder := &phaseRecorder{}

	opts := testOptions(root)
	opts.Concurrency = 1
	opts.Sink = recorder
	opts.Memory = memory.Thresholds{
		CapBytes:          100,
		WarningThreshold:  0.7,
		CriticalThreshold: 0.85,
		SampleInterval:    time.Millisecond,
	}
	opts.memorySample = func() int64 {
		if atomic.AddInt64(&samples, 1) < 25 {
			return 95
		}
		return 10
	}

	report, err := p.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FilesIndexed != 4 {
		t.Fatalf("pipeline must complete despite pauses, indexed %d", report.FilesIndexed)
	}
	if !recorder.saw(progress.PhasePaused) {
		t.Fatalf("expected at least one paused phase event, saw %v", recorder.phases)
	}
	if report.Pauses == 0 {
		t.Fatalf("expected the report to count pauses")
	}
}

func TestProgressCallbackPanicsAreSwallowed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "x.txt", "panicking sink must not take down the pipeline, ever\n")

	p, _ := newTestPipeline(t, newFakeProvider(4))
	opts := testOptions(root)
	opts.Sink = panickySink{}

	if _, err := p.Run(context.Background(), opts); err != nil {
		t.Fatalf("Run with panicking sink: %v", err)
	}
}

type panickySink struct{}

func (panickySink) OnPhase(progress.Phase)              { panic("phase") }
func (panickySink) OnFile(string, progress.FileOutcome) { panic("file") }
func (panickySink) OnBatch(progress.BatchResult)        { panic("batch") }
func (panickySink) OnError(error)                       { panic("error") }
func (panickySink) OnComplete(progress.Report)          { panic("complete") }
