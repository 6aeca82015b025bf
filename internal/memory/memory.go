// Package memory implements the memory monitor and backpressure gate:
// periodic heap sampling against a configured
// cap, with warning/critical thresholds that signal the pipeline's
// producer to pause.
package memory

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Thresholds express the warning/critical lines as fractions of CapBytes.
type Thresholds struct {
	CapBytes          int64
	WarningThreshold  float64
	CriticalThreshold float64
	SampleInterval    time.Duration
}

// Sample returns the current resident heap usage in bytes. Tests
// substitute this to avoid depending on real GC behavior.
type Sample func() int64

// Stats are the monitor's exposed counters.
type Stats struct {
	CurrentUsage int64
	PeakUsage    int64
	AverageUsage int64
	GCCount      int64
	WarningCount int64
}

// Monitor samples heap usage on an interval and exposes a pause signal
// once usage crosses the critical threshold.
type Monitor struct {
	thresholds Thresholds
	sample     Sample
	onWarning  func()

	mu          sync.Mutex
	total       int64
	samples     int64
	peak        int64
	gcCount     int64
	warnCount   int64
	pausedState atomic.Bool
	wasWarning  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func defaultSample() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapAlloc)
}

// New creates a Monitor. If onWarning is non-nil, it's invoked
// (non-blocking, best-effort) the instant usage crosses the warning
// threshold, to let the caller attempt a GC trigger.
func New(thresholds Thresholds, onWarning func()) *Monitor {
	if thresholds.SampleInterval <= 0 {
		thresholds.SampleInterval = time.Second
	}
	return &Monitor{
		thresholds: thresholds,
		sample:     defaultSample,
		onWarning:  onWarning,
	}
}

// NewWithSample creates a Monitor with a custom sampler. A nil sample
// falls back to the runtime heap reading; callers inject a sampler to
// drive backpressure from synthetic load.
func NewWithSample(thresholds Thresholds, sample Sample, onWarning func()) *Monitor {
	m := New(thresholds, onWarning)
	if sample != nil {
		m.sample = sample
	}
	return m
}

// Start begins periodic sampling in a background goroutine. Stop must
// be called to release it.
func (m *Monitor) Start() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.thresholds.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// Tick performs one sampling cycle synchronously; exported for tests
// and for callers driving the monitor cooperatively instead of via
// Start's background goroutine.
func (m *Monitor) Tick() {
	m.tick()
}

func (m *Monitor) tick() {
	usage := m.sample()

	m.mu.Lock()
	m.total += usage
	m.samples++
	if usage > m.peak {
		m.peak = usage
	}
	m.mu.Unlock()

	if m.thresholds.CapBytes <= 0 {
		return
	}
	ratio := float64(usage) / float64(m.thresholds.CapBytes)

	switch {
	case ratio >= m.thresholds.CriticalThreshold:
		m.pausedState.Store(true)
	case ratio < m.thresholds.WarningThreshold:
		m.pausedState.Store(false)
		m.mu.Lock()
		m.wasWarning = false
		m.mu.Unlock()
	default:
		// Between warning and critical: leave any existing pause in
		// effect until usage drops back below warning.
	}

	if ratio >= m.thresholds.WarningThreshold {
		m.mu.Lock()
		crossed := !m.wasWarning
		if crossed {
			m.wasWarning = true
			m.warnCount++
		}
		m.mu.Unlock()
		if crossed {
			runtime.GC()
			m.mu.Lock()
			m.gcCount++
			m.mu.Unlock()
			if m.onWarning != nil {
				go safeCall(m.onWarning)
			}
		}
	}
}

func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// Paused reports whether the critical threshold has been crossed and
// not yet recovered below warning. The pipeline's producer yields
// while this is true; in-flight batches are unaffected.
func (m *Monitor) Paused() bool {
	return m.pausedState.Load()
}

// WaitUntilUnpaused blocks the caller until Paused() is false,
// polling at a fraction of the sample interval. A context-derived
// stop channel makes the wait cancellable.
func (m *Monitor) WaitUntilUnpaused(stop <-chan struct{}) {
	if !m.Paused() {
		return
	}
	interval := m.thresholds.SampleInterval / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for m.Paused() {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Stats returns the monitor's exposed counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var avg int64
	if m.samples > 0 {
		avg = m.total / m.samples
	}
	return Stats{
		CurrentUsage: m.currentUsageLocked(),
		PeakUsage:    m.peak,
		AverageUsage: avg,
		GCCount:      m.gcCount,
		WarningCount: m.warnCount,
	}
}

func (m *Monitor) currentUsageLocked() int64 {
	return m.sample()
}
