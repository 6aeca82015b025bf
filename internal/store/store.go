package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zirihq/ziri/internal/zirierr"
)

// DefaultBaseDir is the default root for all repository areas.
const DefaultBaseDir = ".ziri"

const (
	metadataFile = "metadata.json"
	hashesFile   = "file_hashes.json"
	configFile   = "config.json"
	dataFile     = "data.db"

	chunksBucket     = "chunks"
	vectorsBucket    = "vectors"
	pathIndexBucket  = "path_index"
)

// Store manages the on-disk area for every repository under baseDir. One
// Store instance is exclusively owned by the indexing invocation for the
// repositories it touches. Chunk/vector databases are opened once per
// repository and shared across the pipeline's concurrent writers; Close
// releases them.
type Store struct {
	baseDir string

	mu   sync.Mutex
	data map[RepositoryID]*bolt.DB
}

// New creates a Store rooted at baseDir, creating it if necessary. An
// empty baseDir resolves to "~/.ziri".
func New(baseDir string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "resolve home directory", Cause: err}
		}
		baseDir = filepath.Join(home, DefaultBaseDir)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "repositories"), 0o755); err != nil {
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "create base directory", Cause: err}
	}
	return &Store{baseDir: baseDir, data: make(map[RepositoryID]*bolt.DB)}, nil
}

// Close releases every open chunk/vector database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, db := range s.data {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.data, id)
	}
	return firstErr
}

// DeriveRepositoryID computes the stable identifier for an absolute
// repository path: the same path always yields the same id; distinct
// paths yield distinct ids with overwhelming probability.
func DeriveRepositoryID(absolutePath string) RepositoryID {
	clean := filepath.Clean(absolutePath)
	sum := sha256.Sum256([]byte(clean))
	return RepositoryID(hex.EncodeToString(sum[:])[:16])
}

func (s *Store) repoDir(id RepositoryID) string {
	return filepath.Join(s.baseDir, "repositories", string(id))
}

// CreateOrOpen is idempotent: if the directory already exists and its
// metadata is valid, the existing record is returned unchanged;
// otherwise the repository is initialized with initConfig exactly as
// given; no default values are merged into it.
func (s *Store) CreateOrOpen(absolutePath string, initConfig RepoConfig) (*Repository, error) {
	absolutePath = filepath.Clean(absolutePath)
	id := DeriveRepositoryID(absolutePath)
	dir := s.repoDir(id)

	if existing, err := s.readMetadata(id); err == nil {
		return existing, nil
	}

	for _, sub := range []string{"vectors", "chunks", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "create repository directory", Cause: err, Details: map[string]string{"repository": string(id)}}
		}
	}

	now := time.Now()
	repo := &Repository{
		ID:           id,
		Alias:        filepath.Base(absolutePath),
		AbsolutePath: absolutePath,
		CreatedAt:    now,
		LastUpdated:  now,
		Config:       initConfig,
		Version:      CurrentSchemaVersion,
	}
	if err := s.writeMetadata(id, repo); err != nil {
		return nil, err
	}
	if err := s.WriteConfig(id, initConfig); err != nil {
		return nil, err
	}
	if err := s.WriteHashes(id, map[string]FileHashEntry{}); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *Store) readMetadata(id RepositoryID) (*Repository, error) {
	path := filepath.Join(s.repoDir(id), metadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var repo Repository
	if err := json.Unmarshal(data, &repo); err != nil {
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "corrupt metadata.json", Cause: err, Details: map[string]string{"repository": string(id)}}
	}
	if repo.Version > CurrentSchemaVersion {
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: fmt.Sprintf("metadata schema version %d is newer than supported %d", repo.Version, CurrentSchemaVersion)}
	}
	if repo.Version < CurrentSchemaVersion {
		repo.Version = CurrentSchemaVersion
		if err := s.writeMetadata(id, &repo); err != nil {
			return nil, err
		}
	}
	return &repo, nil
}

// ReadMetadata returns the Repository Record for id.
func (s *Store) ReadMetadata(id RepositoryID) (*Repository, error) {
	repo, err := s.readMetadata(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "repository not found", Cause: err, Details: map[string]string{"repository": string(id)}}
		}
		return nil, err
	}
	return repo, nil
}

func (s *Store) writeMetadata(id RepositoryID, repo *Repository) error {
	data, err := json.MarshalIndent(repo, "", "  ")
	if err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "marshal metadata", Cause: err}
	}
	return writeAtomic(filepath.Join(s.repoDir(id), metadataFile), data)
}

// UpdateMetadata loads, mutates via fn, and atomically persists the
// Repository Record.
func (s *Store) UpdateMetadata(id RepositoryID, fn func(*Repository)) (*Repository, error) {
	repo, err := s.readMetadata(id)
	if err != nil {
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "read metadata for update", Cause: err}
	}
	fn(repo)
	repo.LastUpdated = time.Now()
	if err := s.writeMetadata(id, repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// ReadHashes returns the map of relative path to FileHashEntry.
func (s *Store) ReadHashes(id RepositoryID) (map[string]FileHashEntry, error) {
	path := filepath.Join(s.repoDir(id), hashesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]FileHashEntry{}, nil
		}
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "read file_hashes.json", Cause: err}
	}
	var hashes map[string]FileHashEntry
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "corrupt file_hashes.json", Cause: err}
	}
	return hashes, nil
}

// WriteHashes atomically replaces the file-hash map.
func (s *Store) WriteHashes(id RepositoryID, hashes map[string]FileHashEntry) error {
	data, err := json.MarshalIndent(hashes, "", "  ")
	if err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "marshal file hashes", Cause: err}
	}
	return writeAtomic(filepath.Join(s.repoDir(id), hashesFile), data)
}

// WriteConfig atomically persists the repository's effective config.
func (s *Store) WriteConfig(id RepositoryID, cfg RepoConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "marshal repo config", Cause: err}
	}
	return writeAtomic(filepath.Join(s.repoDir(id), configFile), data)
}

// ReadConfig returns the repository's persisted config.json.
func (s *Store) ReadConfig(id RepositoryID) (RepoConfig, error) {
	path := filepath.Join(s.repoDir(id), configFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return RepoConfig{}, &zirierr.Error{Kind: zirierr.Storage, Message: "read config.json", Cause: err}
	}
	var cfg RepoConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RepoConfig{}, &zirierr.Error{Kind: zirierr.Storage, Message: "corrupt config.json", Cause: err}
	}
	return cfg, nil
}

// dataDB returns the shared chunk/vector database handle for id,
// opening it on first use. bbolt holds an exclusive file lock, so the
// pipeline's concurrent writers must share one handle rather than
// re-opening per operation.
func (s *Store) dataDB(id RepositoryID) (*bolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.data[id]; ok {
		return db, nil
	}

	path := filepath.Join(s.repoDir(id), dataFile)
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "open chunk/vector database", Cause: err, Details: map[string]string{"repository": string(id)}}
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{chunksBucket, vectorsBucket, pathIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "initialize buckets", Cause: err}
	}
	s.data[id] = db
	return db, nil
}

// closeData drops and closes id's shared handle, for operations that
// replace or remove the database file underneath it.
func (s *Store) closeData(id RepositoryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.data[id]
	if !ok {
		return nil
	}
	delete(s.data, id)
	return db.Close()
}

// PutChunk persists a chunk descriptor and its vector together, and
// records the chunk id under its file's path index so the whole file's
// chunks can later be listed or deleted as a unit (the per-file
// atomicity rule is enforced by the caller, which must not
// update the file's hash entry until every PutChunk for that file has
// returned).
func (s *Store) PutChunk(id RepositoryID, desc ChunkDescriptor, vector VectorRecord) error {
	db, err := s.dataDB(id)
	if err != nil {
		return err
	}

	descData, err := json.Marshal(desc)
	if err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "marshal chunk descriptor", Cause: err}
	}
	vecData, err := json.Marshal(vector)
	if err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "marshal vector record", Cause: err}
	}

	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(chunksBucket)).Put([]byte(desc.ChunkID), descData); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(vectorsBucket)).Put([]byte(desc.ChunkID), vecData); err != nil {
			return err
		}
		return addToPathIndex(tx, desc.RelativePath, desc.ChunkID)
	})
}

func addToPathIndex(tx *bolt.Tx, relativePath, chunkID string) error {
	b := tx.Bucket([]byte(pathIndexBucket))
	ids := decodeIDList(b.Get([]byte(relativePath)))
	for _, existing := range ids {
		if existing == chunkID {
			return nil
		}
	}
	ids = append(ids, chunkID)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return b.Put([]byte(relativePath), data)
}

func decodeIDList(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var ids []string
	_ = json.Unmarshal(data, &ids)
	return ids
}

// DeleteChunksForPath removes every chunk descriptor and vector
// belonging to relativePath, e.g. because the file was deleted or its
// content changed and is about to be re-chunked.
func (s *Store) DeleteChunksForPath(id RepositoryID, relativePath string) error {
	db, err := s.dataDB(id)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		pathBucket := tx.Bucket([]byte(pathIndexBucket))
		ids := decodeIDList(pathBucket.Get([]byte(relativePath)))
		chunks := tx.Bucket([]byte(chunksBucket))
		vectors := tx.Bucket([]byte(vectorsBucket))
		for _, chunkID := range ids {
			if err := chunks.Delete([]byte(chunkID)); err != nil {
				return err
			}
			if err := vectors.Delete([]byte(chunkID)); err != nil {
				return err
			}
		}
		return pathBucket.Delete([]byte(relativePath))
	})
}

// ListChunksForPath returns every chunk descriptor currently stored for
// relativePath.
func (s *Store) ListChunksForPath(id RepositoryID, relativePath string) ([]ChunkDescriptor, error) {
	db, err := s.dataDB(id)
	if err != nil {
		return nil, err
	}

	var descs []ChunkDescriptor
	err = db.View(func(tx *bolt.Tx) error {
		ids := decodeIDList(tx.Bucket([]byte(pathIndexBucket)).Get([]byte(relativePath)))
		chunks := tx.Bucket([]byte(chunksBucket))
		for _, chunkID := range ids {
			raw := chunks.Get([]byte(chunkID))
			if raw == nil {
				continue
			}
			var desc ChunkDescriptor
			if err := json.Unmarshal(raw, &desc); err != nil {
				return err
			}
			descs = append(descs, desc)
		}
		return nil
	})
	if err != nil {
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "list chunks for path", Cause: err}
	}
	return descs, nil
}

// CountChunks returns the number of chunk descriptors currently stored
// for a repository, used to keep the Repository Record's totalChunks
// accurate after each run.
func (s *Store) CountChunks(id RepositoryID) (int, error) {
	db, err := s.dataDB(id)
	if err != nil {
		return 0, err
	}

	var count int
	err = db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(chunksBucket)).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, &zirierr.Error{Kind: zirierr.Storage, Message: "count chunks", Cause: err}
	}
	return count, nil
}

// ResetVectors purges every vector record for a repository while
// leaving chunk descriptors and file hashes intact, for the
// provider-dimension-change migration: the pipeline then re-embeds all
// chunks as if every file had been modified.
func (s *Store) ResetVectors(id RepositoryID) error {
	db, err := s.dataDB(id)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(vectorsBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket([]byte(vectorsBucket))
		return err
	})
}

const migrationBackupFile = "data_prev.db"

// BeginVectorMigration snapshots the chunk/vector database before a
// provider-switch re-embed: the previous vector set is preserved
// until the new embedding completes, so a cancelled or failed migration
// can roll back instead of leaving a mixed-dimension store behind.
func (s *Store) BeginVectorMigration(id RepositoryID) error {
	src := filepath.Join(s.repoDir(id), dataFile)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil // nothing embedded yet, nothing to preserve
		}
		return &zirierr.Error{Kind: zirierr.Storage, Message: "snapshot vector database", Cause: err}
	}

	db, err := s.dataDB(id)
	if err != nil {
		return err
	}
	// Copy inside a read transaction so the snapshot is consistent even
	// with the shared handle open; write to a temp file and rename so a
	// partial copy is never mistaken for a valid snapshot.
	backup := filepath.Join(s.repoDir(id), migrationBackupFile)
	tmp := backup + ".tmp"
	err = db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(tmp, 0o644)
	})
	if err != nil {
		_ = os.Remove(tmp)
		return &zirierr.Error{Kind: zirierr.Storage, Message: "snapshot vector database", Cause: err}
	}
	if err := os.Rename(tmp, backup); err != nil {
		_ = os.Remove(tmp)
		return &zirierr.Error{Kind: zirierr.Storage, Message: "snapshot vector database", Cause: err}
	}
	return nil
}

// CommitVectorMigration discards the pre-migration snapshot after a
// provider-switch re-embed completed successfully.
func (s *Store) CommitVectorMigration(id RepositoryID) error {
	err := os.Remove(filepath.Join(s.repoDir(id), migrationBackupFile))
	if err != nil && !os.IsNotExist(err) {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "remove migration snapshot", Cause: err}
	}
	return nil
}

// RollbackVectorMigration restores the pre-migration chunk/vector
// database, discarding partial re-embed results.
func (s *Store) RollbackVectorMigration(id RepositoryID) error {
	backup := filepath.Join(s.repoDir(id), migrationBackupFile)
	if _, err := os.Stat(backup); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &zirierr.Error{Kind: zirierr.Storage, Message: "stat migration snapshot", Cause: err}
	}
	if err := s.closeData(id); err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "close database before restore", Cause: err}
	}
	if err := os.Rename(backup, filepath.Join(s.repoDir(id), dataFile)); err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "restore migration snapshot", Cause: err}
	}
	return nil
}

// HasPendingVectorMigration reports whether a provider-switch re-embed
// started but neither committed nor rolled back.
func (s *Store) HasPendingVectorMigration(id RepositoryID) bool {
	_, err := os.Stat(filepath.Join(s.repoDir(id), migrationBackupFile))
	return err == nil
}

// WriteCheckpoint appends a new numbered checkpoint file and trims the
// checkpoints directory to the most recent maxCheckpoints entries.
// Checkpoint filenames embed the serial and a timestamp so lexicographic
// order equals temporal order.
func (s *Store) WriteCheckpoint(id RepositoryID, cp Checkpoint, maxCheckpoints int) error {
	cp.WrittenAt = time.Now()
	dir := filepath.Join(s.repoDir(id), "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "create checkpoints directory", Cause: err}
	}

	name := fmt.Sprintf("%020d-%s.json", cp.Serial, cp.WrittenAt.UTC().Format("20060102T150405.000000000Z"))
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "marshal checkpoint", Cause: err}
	}
	if err := writeAtomic(filepath.Join(dir, name), data); err != nil {
		return err
	}
	return s.trimCheckpoints(id, maxCheckpoints)
}

func (s *Store) trimCheckpoints(id RepositoryID, maxCheckpoints int) error {
	if maxCheckpoints <= 0 {
		maxCheckpoints = 3
	}
	dir := filepath.Join(s.repoDir(id), "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "read checkpoints directory", Cause: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= maxCheckpoints {
		return nil
	}
	for _, name := range names[:len(names)-maxCheckpoints] {
		_ = os.Remove(filepath.Join(dir, name))
	}
	return nil
}

// LatestCheckpoint returns the newest valid checkpoint matching
// operationType, or nil if none exists. A partially written (corrupt)
// checkpoint is skipped; the next-newest valid one wins.
func (s *Store) LatestCheckpoint(id RepositoryID, operationType OperationType) (*Checkpoint, error) {
	dir := filepath.Join(s.repoDir(id), "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &zirierr.Error{Kind: zirierr.Storage, Message: "read checkpoints directory", Cause: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue // CHECKPOINT_CORRUPT: skip, try the next-newest
		}
		if cp.OperationType == operationType {
			return &cp, nil
		}
	}
	return nil, nil
}

// DeleteRepository recursively removes id's entire on-disk area.
func (s *Store) DeleteRepository(id RepositoryID) error {
	if err := s.closeData(id); err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "close database before delete", Cause: err}
	}
	if err := os.RemoveAll(s.repoDir(id)); err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "delete repository", Cause: err}
	}
	return nil
}

// Validate performs a structural check of a repository's on-disk area.
func (s *Store) Validate(id RepositoryID) ValidationReport {
	var report ValidationReport
	dir := s.repoDir(id)

	if _, err := os.Stat(filepath.Join(dir, metadataFile)); err != nil {
		report.Errors = append(report.Errors, "missing or unreadable metadata.json")
	}
	if _, err := os.Stat(filepath.Join(dir, hashesFile)); err != nil {
		report.Warnings = append(report.Warnings, "missing file_hashes.json")
	}
	if _, err := os.Stat(filepath.Join(dir, configFile)); err != nil {
		report.Warnings = append(report.Warnings, "missing config.json")
	}
	if _, err := os.Stat(filepath.Join(dir, dataFile)); err != nil {
		report.Warnings = append(report.Warnings, "missing chunk/vector database")
	}
	if _, err := os.Stat(filepath.Join(dir, "project_summary.md")); err != nil {
		report.Warnings = append(report.Warnings, "missing project_summary.md (written by an external collaborator)")
	}
	return report
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename, so concurrent readers never observe a partial
// write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "create temp file", Cause: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &zirierr.Error{Kind: zirierr.Storage, Message: "write temp file", Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &zirierr.Error{Kind: zirierr.Storage, Message: "sync temp file", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "close temp file", Cause: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &zirierr.Error{Kind: zirierr.Storage, Message: "rename temp file into place", Cause: err}
	}
	return nil
}
