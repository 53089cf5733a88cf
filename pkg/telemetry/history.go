package telemetry

import (
	"sync"
	"time"

	"github.com/lucid-vigil/guardian/pkg/model"
)

const (
	// DefaultHistoryWindow is how far back per-process usage is kept.
	DefaultHistoryWindow = time.Hour
	// DefaultHistorySamples bounds each pid's window regardless of the
	// refresh rate.
	DefaultHistorySamples = 3600
)

// History keeps a rolling usage window per pid. Samples older than the window
// are pruned on every Record, and pids missing from the latest process table
// are forgotten.
type History struct {
	window     time.Duration
	maxSamples int

	mu   sync.RWMutex
	pids map[int32]*model.ProcessHistory
}

func NewHistory(window time.Duration, maxSamples int) *History {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if maxSamples <= 0 {
		maxSamples = DefaultHistorySamples
	}
	return &History{
		window:     window,
		maxSamples: maxSamples,
		pids:       make(map[int32]*model.ProcessHistory),
	}
}

// Record appends one observation for every process in procs.
func (h *History) Record(now time.Time, procs []model.ProcessInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-h.window)
	live := make(map[int32]bool, len(procs))
	for _, p := range procs {
		live[p.Pid] = true
		entry, ok := h.pids[p.Pid]
		if !ok || entry.Name != p.Name {
			// A different name under the same pid is a reused pid.
			entry = &model.ProcessHistory{Pid: p.Pid}
			h.pids[p.Pid] = entry
		}
		entry.Name = p.Name

		drop := 0
		for drop < len(entry.Samples) && entry.Samples[drop].Timestamp.Before(cutoff) {
			drop++
		}
		if over := len(entry.Samples) - drop + 1 - h.maxSamples; over > 0 {
			drop += over
		}
		if drop > 0 {
			entry.Samples = append(entry.Samples[:0], entry.Samples[drop:]...)
		}
		entry.Samples = append(entry.Samples, model.ProcessSample{
			Timestamp:   now,
			CPUUsage:    p.CPUUsage,
			MemoryUsage: p.MemoryUsage,
		})
	}

	for pid := range h.pids {
		if !live[pid] {
			delete(h.pids, pid)
		}
	}
}

// Get returns a copy of the window for pid.
func (h *History) Get(pid int32) (model.ProcessHistory, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry, ok := h.pids[pid]
	if !ok {
		return model.ProcessHistory{}, false
	}
	out := *entry
	out.Samples = append([]model.ProcessSample(nil), entry.Samples...)
	return out, true
}

// Len returns the number of pids tracked.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pids)
}
