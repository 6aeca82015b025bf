// Package hash implements the hash tracker and change detector:
// content hashing with a stat-based fast path, and
// classification of a repository's current files against previously
// tracked state into a Change Set.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zirihq/ziri/internal/store"
)

// Stat is the subset of filesystem metadata the fast path compares
// against stored state.
type Stat struct {
	Size         int64
	LastModified time.Time
}

// StatFunc retrieves the current Stat for a relative path, given the
// repository root. Tests substitute this instead of touching disk.
type StatFunc func(relativePath string) (Stat, error)

// Tracker computes file hashes and classifies changes. An in-memory
// cache keyed by relative path is private to one Tracker/invocation.
type Tracker struct {
	root string
	stat StatFunc

	mu    sync.Mutex
	cache map[string]store.FileHashEntry
}

// New creates a Tracker rooted at the repository's absolute path, using
// os.Stat by default.
func New(root string) *Tracker {
	t := &Tracker{root: root, cache: make(map[string]store.FileHashEntry)}
	t.stat = func(relativePath string) (Stat, error) {
		info, err := os.Stat(joinRoot(root, relativePath))
		if err != nil {
			return Stat{}, err
		}
		return Stat{Size: info.Size(), LastModified: info.ModTime()}, nil
	}
	return t
}

func joinRoot(root, relativePath string) string {
	if root == "" {
		return relativePath
	}
	return root + string(os.PathSeparator) + relativePath
}

// HashFile computes the SHA-256 hex digest of a file's current bytes.
func HashFile(absolutePath string) (string, error) {
	f, err := os.Open(absolutePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Classify computes the Change Set between the stored hash map and the
// current candidate file list, using the (size, lastModified) fast path
// to avoid rehashing unchanged files.
//
// candidates maps relative path to its absolute path, as produced by the
// file walker and already filtered by the change detector's caller
// for any checkpoint-resume exclusions.
func (t *Tracker) Classify(stored map[string]store.FileHashEntry, candidates map[string]string) (store.ChangeSet, map[string]store.FileHashEntry, Stats, []Warning) {
	var (
		changeSet store.ChangeSet
		warnings  []Warning
		stats     Stats
	)

	updated := make(map[string]store.FileHashEntry, len(candidates))
	seen := make(map[string]bool, len(candidates))

	for relPath, absPath := range candidates {
		seen[relPath] = true
		stats.TotalFiles++

		st, err := t.stat(relPath)
		if err != nil {
			warnings = append(warnings, Warning{Path: relPath, Message: "stat failed: " + err.Error()})
			continue
		}

		prior, hadPrior := stored[relPath]
		if hadPrior && prior.Size == st.Size && prior.LastModified.Equal(st.LastModified) {
			// Fast path: definitely unchanged, adopt the stored hash
			// without recomputation. A previously wrong stored hash
			// perpetuates until the file's stat changes; accepted
			// trade-off for throughput.
			stats.DefinitelyUnchanged++
			stats.HashCalculationsSkipped++
			changeSet.Unchanged = append(changeSet.Unchanged, relPath)
			updated[relPath] = prior
			t.remember(relPath, prior)
			continue
		}

		stats.PotentialChanges++
		digest, err := HashFile(absPath)
		if err != nil {
			warnings = append(warnings, Warning{Path: relPath, Message: "hash failed: " + err.Error()})
			continue
		}
		entry := store.FileHashEntry{Hash: digest, Size: st.Size, LastModified: st.LastModified}
		updated[relPath] = entry
		t.remember(relPath, entry)

		switch {
		case !hadPrior:
			changeSet.Added = append(changeSet.Added, relPath)
		case prior.Hash != digest:
			changeSet.Modified = append(changeSet.Modified, relPath)
		default:
			// Same hash despite a stat mismatch (e.g. touch without
			// edit): treat as unchanged but keep the refreshed stat.
			changeSet.Unchanged = append(changeSet.Unchanged, relPath)
		}
	}

	for relPath := range stored {
		if !seen[relPath] {
			changeSet.Deleted = append(changeSet.Deleted, relPath)
		}
	}

	return changeSet, updated, stats, warnings
}

func (t *Tracker) remember(relPath string, entry store.FileHashEntry) {
	t.mu.Lock()
	t.cache[relPath] = entry
	t.mu.Unlock()
}

// Stats are the optimization counters the detector reports alongside a
// Change Set.
type Stats struct {
	TotalFiles              int
	PotentialChanges        int
	DefinitelyUnchanged     int
	HashCalculationsSkipped int
}

// Warning describes a file the detector could not classify.
type Warning struct {
	Path    string
	Message string
}

// ValidationResult is returned by Validate.
type ValidationResult struct {
	Valid   []string
	Invalid []InvalidEntry
	Missing []string
}

// InvalidEntry records a path whose recomputed hash disagrees with the
// stored one.
type InvalidEntry struct {
	Path   string
	Stored string
	Actual string
}

// Validate recomputes hashes for a sample of paths and compares them
// against stored state, for operator-facing integrity checks.
func Validate(stored map[string]store.FileHashEntry, sampleAbsPaths map[string]string) ValidationResult {
	var result ValidationResult
	for relPath, absPath := range sampleAbsPaths {
		entry, ok := stored[relPath]
		if !ok {
			result.Missing = append(result.Missing, relPath)
			continue
		}
		digest, err := HashFile(absPath)
		if err != nil {
			result.Missing = append(result.Missing, relPath)
			continue
		}
		if digest == entry.Hash {
			result.Valid = append(result.Valid, relPath)
		} else {
			result.Invalid = append(result.Invalid, InvalidEntry{Path: relPath, Stored: entry.Hash, Actual: digest})
		}
	}
	return result
}

// Snapshot is a serializable copy of a repository's hash map, for
// backup/restore.
type Snapshot struct {
	RepositoryID store.RepositoryID
	TakenAt      time.Time
	Hashes       map[string]store.FileHashEntry
}

// TakeSnapshot captures the current hash map.
func TakeSnapshot(repoID store.RepositoryID, hashes map[string]store.FileHashEntry) Snapshot {
	cp := make(map[string]store.FileHashEntry, len(hashes))
	for k, v := range hashes {
		cp[k] = v
	}
	return Snapshot{RepositoryID: repoID, TakenAt: time.Now(), Hashes: cp}
}

// Restore returns the hash map contained in a snapshot, independent of
// the snapshot itself so later mutation can't alias it.
func Restore(snap Snapshot) map[string]store.FileHashEntry {
	cp := make(map[string]store.FileHashEntry, len(snap.Hashes))
	for k, v := range snap.Hashes {
		cp[k] = v
	}
	return cp
}
