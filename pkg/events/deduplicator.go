package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/lucid-vigil/guardian/pkg/model"
)

// Deduplicator suppresses identical alerts within a time window. Alerts are
// compared by source, severity and description; the alert timestamp is the
// clock. Stale entries are pruned on access.
type Deduplicator struct {
	seen   map[string]time.Time
	window time.Duration
	mu     sync.Mutex
}

// NewDeduplicator creates a new alert deduplicator
func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// IsDuplicate reports whether an identical alert was let through less than
// window before this one.
func (d *Deduplicator) IsDuplicate(a model.SecurityAlert) bool {
	hash := alertHash(a)
	at := a.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, ts := range d.seen {
		if at.Sub(ts) >= d.window {
			delete(d.seen, k)
		}
	}

	// Check if within deduplication window
	if lastSeen, exists := d.seen[hash]; exists && at.Sub(lastSeen) < d.window {
		return true
	}
	d.seen[hash] = at
	return false
}

// Len returns the number of tracked alert fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// alertHash creates a hash for alert deduplication
func alertHash(a model.SecurityAlert) string {
	data := fmt.Sprintf("%s:%s:%s", a.Source, a.Severity, a.Description)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
