package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestDeriveRepositoryIDDeterministic(t *testing.T) {
	a := DeriveRepositoryID("/home/user/project")
	b := DeriveRepositoryID("/home/user/project")
	if a != b {
		t.Fatalf("expected same id for same path, got %s vs %s", a, b)
	}
	c := DeriveRepositoryID("/home/user/other")
	if a == c {
		t.Fatalf("expected different ids for different paths")
	}
}

func TestCreateOrOpenIdempotent(t *testing.T) {
	s := newTestStore(t)
	cfg := RepoConfig{ChunkTargetChars: 1500, ChunkMaxChars: 2000, ChunkMinChars: 200, ChunkOverlapRatio: 0.15}

	repo1, err := s.CreateOrOpen("/tmp/proj", cfg)
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	repo2, err := s.CreateOrOpen("/tmp/proj", RepoConfig{ChunkTargetChars: 9999})
	if err != nil {
		t.Fatalf("CreateOrOpen second call: %v", err)
	}
	if repo1.ID != repo2.ID || repo2.Config.ChunkTargetChars != 1500 {
		t.Fatalf("expected idempotent open to keep original config, got %+v", repo2)
	}
}

func TestHashesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateOrOpen("/tmp/hashes", RepoConfig{})
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	hashes := map[string]FileHashEntry{
		"README.md": {Hash: "abc123", Size: 200, LastModified: time.Now().Truncate(time.Second)},
	}
	if err := s.WriteHashes(repo.ID, hashes); err != nil {
		t.Fatalf("WriteHashes: %v", err)
	}
	got, err := s.ReadHashes(repo.ID)
	if err != nil {
		t.Fatalf("ReadHashes: %v", err)
	}
	if got["README.md"].Hash != "abc123" {
		t.Fatalf("expected round-tripped hash, got %+v", got)
	}
}

func TestPutChunkAndDeleteForPath(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateOrOpen("/tmp/chunks", RepoConfig{})
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	desc := ChunkDescriptor{
		ChunkID:      "chunk_0123456789ab",
		RepositoryID: repo.ID,
		FilePath:     filepath.Join(repo.AbsolutePath, "main.go"),
		RelativePath: "main.go",
		StartLine:    1,
		EndLine:      10,
		Content:      "package main",
	}
	vec := VectorRecord{ChunkID: desc.ChunkID, Vector: []float32{0.1, 0.2}, EmbeddedAt: time.Now(), ProviderName: "static"}

	if err := s.PutChunk(repo.ID, desc, vec); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	list, err := s.ListChunksForPath(repo.ID, "main.go")
	if err != nil {
		t.Fatalf("ListChunksForPath: %v", err)
	}
	if len(list) != 1 || list[0].ChunkID != desc.ChunkID {
		t.Fatalf("expected one chunk back, got %+v", list)
	}

	if err := s.DeleteChunksForPath(repo.ID, "main.go"); err != nil {
		t.Fatalf("DeleteChunksForPath: %v", err)
	}
	list, err = s.ListChunksForPath(repo.ID, "main.go")
	if err != nil {
		t.Fatalf("ListChunksForPath after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no chunks after delete, got %+v", list)
	}
}

func TestResetVectorsKeepsChunks(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateOrOpen("/tmp/resetvec", RepoConfig{})
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	desc := ChunkDescriptor{ChunkID: "chunk_abc", RepositoryID: repo.ID, RelativePath: "a.go"}
	vec := VectorRecord{ChunkID: desc.ChunkID, Vector: []float32{1, 2, 3}}
	if err := s.PutChunk(repo.ID, desc, vec); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := s.ResetVectors(repo.ID); err != nil {
		t.Fatalf("ResetVectors: %v", err)
	}
	list, err := s.ListChunksForPath(repo.ID, "a.go")
	if err != nil {
		t.Fatalf("ListChunksForPath: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected chunk descriptor to survive vector reset, got %+v", list)
	}
}

func TestCheckpointMonotonicityAndResume(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateOrOpen("/tmp/ckpt", RepoConfig{})
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	cp1 := Checkpoint{
		RepositoryID:    repo.ID,
		OperationType:   OperationIndexing,
		StartedAt:       time.Now(),
		ProcessedFiles:  map[string]bool{"a.go": true},
		ProcessedChunks: 2,
		CurrentPhase:    "chunking",
		Serial:          1,
	}
	if err := s.WriteCheckpoint(repo.ID, cp1, 3); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}

	cp2 := cp1
	cp2.ProcessedFiles = map[string]bool{"a.go": true, "b.go": true}
	cp2.ProcessedChunks = 5
	cp2.Serial = 2
	if err := s.WriteCheckpoint(repo.ID, cp2, 3); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}

	latest, err := s.LatestCheckpoint(repo.ID, OperationIndexing)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if latest == nil || latest.Serial != 2 || latest.ProcessedChunks != 5 {
		t.Fatalf("expected latest checkpoint (serial 2), got %+v", latest)
	}
	for path := range cp1.ProcessedFiles {
		if !latest.ProcessedFiles[path] {
			t.Fatalf("expected processed files to only grow, missing %s", path)
		}
	}
}

func TestCheckpointTrimsToMaxRetained(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateOrOpen("/tmp/trim", RepoConfig{})
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	for i := 1; i <= 5; i++ {
		cp := Checkpoint{
			RepositoryID:  repo.ID,
			OperationType: OperationIndexing,
			StartedAt:     time.Now(),
			Serial:        i,
		}
		if err := s.WriteCheckpoint(repo.ID, cp, 3); err != nil {
			t.Fatalf("WriteCheckpoint %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.repoDir(repo.ID), "checkpoints"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected exactly 3 retained checkpoints, got %d", len(entries))
	}
}

func TestVectorMigrationCommitDiscardsSnapshot(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateOrOpen("/tmp/migrate-commit", RepoConfig{})
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	desc := ChunkDescriptor{ChunkID: "chunk_mig1", RepositoryID: repo.ID, RelativePath: "a.go"}
	if err := s.PutChunk(repo.ID, desc, VectorRecord{ChunkID: desc.ChunkID, Vector: []float32{1}}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	if err := s.BeginVectorMigration(repo.ID); err != nil {
		t.Fatalf("BeginVectorMigration: %v", err)
	}
	if !s.HasPendingVectorMigration(repo.ID) {
		t.Fatalf("expected a pending migration snapshot")
	}
	if err := s.CommitVectorMigration(repo.ID); err != nil {
		t.Fatalf("CommitVectorMigration: %v", err)
	}
	if s.HasPendingVectorMigration(repo.ID) {
		t.Fatalf("commit must remove the snapshot")
	}
}

func TestVectorMigrationRollbackRestoresData(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateOrOpen("/tmp/migrate-rollback", RepoConfig{})
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	desc := ChunkDescriptor{ChunkID: "chunk_mig2", RepositoryID: repo.ID, RelativePath: "a.go"}
	if err := s.PutChunk(repo.ID, desc, VectorRecord{ChunkID: desc.ChunkID, Vector: []float32{1, 2}}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	if err := s.BeginVectorMigration(repo.ID); err != nil {
		t.Fatalf("BeginVectorMigration: %v", err)
	}
	if err := s.ResetVectors(repo.ID); err != nil {
		t.Fatalf("ResetVectors: %v", err)
	}
	if err := s.DeleteChunksForPath(repo.ID, "a.go"); err != nil {
		t.Fatalf("DeleteChunksForPath: %v", err)
	}

	if err := s.RollbackVectorMigration(repo.ID); err != nil {
		t.Fatalf("RollbackVectorMigration: %v", err)
	}
	list, err := s.ListChunksForPath(repo.ID, "a.go")
	if err != nil {
		t.Fatalf("ListChunksForPath: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("rollback must restore the previous chunk set, got %+v", list)
	}
	if s.HasPendingVectorMigration(repo.ID) {
		t.Fatalf("rollback must consume the snapshot")
	}
}

func TestBeginVectorMigrationWithoutDataIsNoop(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateOrOpen("/tmp/migrate-empty", RepoConfig{})
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	if err := s.BeginVectorMigration(repo.ID); err != nil {
		t.Fatalf("BeginVectorMigration on empty repo: %v", err)
	}
	if s.HasPendingVectorMigration(repo.ID) {
		t.Fatalf("nothing to snapshot, nothing should be pending")
	}
}

func TestCountChunks(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateOrOpen("/tmp/count", RepoConfig{})
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("chunk_count%04d", i)
		if err := s.PutChunk(repo.ID, ChunkDescriptor{ChunkID: id, RepositoryID: repo.ID, RelativePath: "a.go"}, VectorRecord{ChunkID: id}); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
	}
	n, err := s.CountChunks(repo.ID)
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 chunks, got %d", n)
	}
}
