package hash

import (
	"github.com/zirihq/ziri/internal/gitignore"
	"github.com/zirihq/ziri/internal/store"
)

// ReconcileResult is the outcome of comparing two exclusion pattern
// sets against the tracked file map.
type ReconcileResult struct {
	// NewlyExcluded lists tracked paths that match a pattern added
	// since the previous run; their chunks and hash entries should be
	// removed without re-walking the repository.
	NewlyExcluded []string
	// FullScanNeeded is set when patterns were removed: previously
	// ignored files may now be indexable, which only a walk can find.
	FullScanNeeded bool
	// AddedPatterns and RemovedPatterns record the computed diff.
	AddedPatterns   []string
	RemovedPatterns []string
}

// ReconcilePatterns decides how the tracked file set must be
// reconciled when the exclusion pattern set changes between runs
// without any file content changing.
//
// Patterns that were only added can be applied by filtering the
// tracked map directly, no filesystem walk required. Removed patterns
// may have un-ignored files the tracker has never seen, so the caller
// must fall back to a full scan.
func ReconcilePatterns(oldPatterns, newPatterns []string, tracked map[string]store.FileHashEntry) ReconcileResult {
	oldSet := make(map[string]bool, len(oldPatterns))
	for _, p := range oldPatterns {
		oldSet[p] = true
	}
	newSet := make(map[string]bool, len(newPatterns))
	for _, p := range newPatterns {
		newSet[p] = true
	}

	var result ReconcileResult
	for _, p := range newPatterns {
		if !oldSet[p] {
			result.AddedPatterns = append(result.AddedPatterns, p)
		}
	}
	for _, p := range oldPatterns {
		if !newSet[p] {
			result.RemovedPatterns = append(result.RemovedPatterns, p)
		}
	}

	if len(result.RemovedPatterns) > 0 {
		result.FullScanNeeded = true
		return result
	}

	for relPath := range tracked {
		if gitignore.MatchesAnyPattern(relPath, result.AddedPatterns) {
			result.NewlyExcluded = append(result.NewlyExcluded, relPath)
		}
	}
	return result
}
