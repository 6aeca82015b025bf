// Package checkpoint implements the checkpoint manager: periodic
// persistence of indexing progress and the resume
// decision on restart. Durable storage is delegated to the repository
// store; this package owns cadence, monotonicity, and the resume
// window.
package checkpoint

import (
	"sync"
	"time"

	"github.com/zirihq/ziri/internal/store"
)

// DefaultResumeWindow bounds how stale a checkpoint may be and still
// trigger a resume.
const DefaultResumeWindow = 24 * time.Hour

// finalPhase is the terminal phase a successfully completed operation
// records; its checkpoint describes finished work, not something to
// resume.
const finalPhase = "finalize"

// Persister is the slice of the repository store the manager needs.
type Persister interface {
	WriteCheckpoint(id store.RepositoryID, cp store.Checkpoint, maxCheckpoints int) error
	LatestCheckpoint(id store.RepositoryID, operationType store.OperationType) (*store.Checkpoint, error)
}

// Config tunes one manager instance.
type Config struct {
	// IntervalItems is how many processed chunks between periodic
	// writes (default 50).
	IntervalItems int
	// MaxRetained is how many checkpoint files the store keeps
	// (default 3).
	MaxRetained int
	// ResumeWindow is how recent a checkpoint must be to resume from
	// (default DefaultResumeWindow).
	ResumeWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.IntervalItems <= 0 {
		c.IntervalItems = 50
	}
	if c.MaxRetained <= 0 {
		c.MaxRetained = 3
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = DefaultResumeWindow
	}
	return c
}

// Manager accumulates progress for one operation and persists it on the
// configured cadence. Progress is monotonic within an operation:
// ProcessedFiles only grows and ProcessedChunks only grows, even if
// callers misreport.
type Manager struct {
	persister Persister
	repoID    store.RepositoryID
	op        store.OperationType
	cfg       Config

	mu              sync.Mutex
	startedAt       time.Time
	processedFiles  map[string]bool
	processedChunks int
	serial          int
	sinceLastWrite  int
}

// NewManager creates a Manager for one operation on one repository.
func NewManager(p Persister, repoID store.RepositoryID, op store.OperationType, cfg Config) *Manager {
	return &Manager{
		persister:      p,
		repoID:         repoID,
		op:             op,
		cfg:            cfg.withDefaults(),
		startedAt:      time.Now(),
		processedFiles: make(map[string]bool),
	}
}

// Resume checks for a recent checkpoint matching this manager's
// operation. When one exists inside the resume window, the manager
// seeds its progress from it and returns it; the caller filters the
// checkpoint's processed files out of the change-detection input.
// A corrupt or stale checkpoint yields (false, nil) and a
// fresh start.
func (m *Manager) Resume() (bool, *store.Checkpoint) {
	cp, err := m.persister.LatestCheckpoint(m.repoID, m.op)
	if err != nil || cp == nil {
		return false, nil
	}
	if time.Since(cp.StartedAt) > m.cfg.ResumeWindow {
		return false, nil
	}
	if cp.CurrentPhase == finalPhase && !cp.Cancelled {
		// The previous operation ran to completion; change detection
		// alone decides what the next one does.
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = cp.StartedAt
	for path := range cp.ProcessedFiles {
		m.processedFiles[path] = true
	}
	m.processedChunks = cp.ProcessedChunks
	m.serial = cp.Serial
	return true, cp
}

// RecordFile marks relPath processed with chunkCount chunks and
// returns true when the periodic write threshold was crossed, in which
// case the caller should invoke Write.
func (m *Manager) RecordFile(relPath string, chunkCount int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.processedFiles[relPath] {
		m.processedFiles[relPath] = true
	}
	if chunkCount > 0 {
		m.processedChunks += chunkCount
		m.sinceLastWrite += chunkCount
	}
	return m.sinceLastWrite >= m.cfg.IntervalItems
}

// IsProcessed reports whether relPath was already recorded (either this
// run or by the checkpoint this run resumed from).
func (m *Manager) IsProcessed(relPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processedFiles[relPath]
}

// ProcessedFiles returns a copy of the processed-file set.
func (m *Manager) ProcessedFiles() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]bool, len(m.processedFiles))
	for k, v := range m.processedFiles {
		cp[k] = v
	}
	return cp
}

// ProcessedChunks returns the monotonic chunk counter.
func (m *Manager) ProcessedChunks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processedChunks
}

// Write persists a checkpoint for the current progress. It is called
// on the periodic cadence, on every phase transition, and before
// returning from a cancelled operation.
func (m *Manager) Write(phase string, cancelled bool) error {
	m.mu.Lock()
	m.serial++
	cp := store.Checkpoint{
		RepositoryID:    m.repoID,
		OperationType:   m.op,
		StartedAt:       m.startedAt,
		ProcessedFiles:  make(map[string]bool, len(m.processedFiles)),
		ProcessedChunks: m.processedChunks,
		CurrentPhase:    phase,
		Serial:          m.serial,
		Cancelled:       cancelled,
	}
	for k, v := range m.processedFiles {
		cp.ProcessedFiles[k] = v
	}
	m.sinceLastWrite = 0
	maxRetained := m.cfg.MaxRetained
	m.mu.Unlock()

	return m.persister.WriteCheckpoint(m.repoID, cp, maxRetained)
}
