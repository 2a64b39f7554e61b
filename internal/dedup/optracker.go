package dedup

import (
	"sync"
	"time"
)

// OperationTracker records operation identifiers the local client itself
// initiated, so later-arriving confirmations for those identifiers can be
// suppressed. It is distinct from the deduplication window: a duplicate can
// arrive from another client, and an echo can be the first delivery of an
// operation's confirmation, so both checks are required.
type OperationTracker struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	ops        map[string]time.Time
	registered uint64
	suppressed uint64
}

// TrackerStats is a diagnostic snapshot of tracker activity.
type TrackerStats struct {
	Pending    int    `json:"pending"`
	Registered uint64 `json:"registeredTotal"`
	Suppressed uint64 `json:"suppressedTotal"`
}

func NewOperationTracker(window time.Duration, maxEntries int) *OperationTracker {
	if window <= 0 {
		window = 2 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &OperationTracker{
		window:     window,
		maxEntries: maxEntries,
		ops:        map[string]time.Time{},
	}
}

// Register records opID as locally initiated. Registering the same id again
// refreshes its timestamp.
func (t *OperationTracker) Register(opID string) {
	if opID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.ops[opID] = now
	t.registered++
	if len(t.ops) > t.maxEntries {
		for id, at := range t.ops {
			if now.Sub(at) >= t.window {
				delete(t.ops, id)
			}
		}
	}
}

// IsOwn reports whether opID was registered by this client and is still
// within the retention window. The check does not consume the entry; an
// operation can echo more than once before it is released.
func (t *OperationTracker) IsOwn(opID string) bool {
	if opID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.ops[opID]
	if !ok {
		return false
	}
	if time.Since(at) >= t.window {
		delete(t.ops, opID)
		return false
	}
	t.suppressed++
	return true
}

// Release forgets opID once the caller knows no further echoes can arrive.
func (t *OperationTracker) Release(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ops, opID)
}

func (t *OperationTracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		Pending:    len(t.ops),
		Registered: t.registered,
		Suppressed: t.suppressed,
	}
}

// Clear drops all pending operations and resets counters.
func (t *OperationTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = map[string]time.Time{}
	t.registered = 0
	t.suppressed = 0
}
