package dedup

import (
	"sync"
	"time"

	"github.com/agentworkforce/livesync/internal/envelope"
)

// Logger matches the logger surface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

// Options tunes the deduplication window. Zero values select defaults.
type Options struct {
	// Window is how long a processed event id stays suppressed.
	Window time.Duration
	// MaxEntries is the high-water mark that triggers an expiry sweep.
	MaxEntries int
	Logger     Logger
}

// Deduplicator decides whether an incoming event is a duplicate delivery or
// an echo of this client's own action. A single instance is shared by every
// consumer of a transport; all methods are safe for concurrent use.
type Deduplicator struct {
	mu         sync.Mutex
	clientID   string
	window     time.Duration
	maxEntries int
	seen       map[string]time.Time
	ownEvents  uint64
	logger     Logger
}

func New(clientID string, opts Options) *Deduplicator {
	window := opts.Window
	if window <= 0 {
		window = 5 * time.Minute
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Deduplicator{
		clientID:   clientID,
		window:     window,
		maxEntries: maxEntries,
		seen:       map[string]time.Time{},
		logger:     opts.Logger,
	}
}

// ClientID returns the local client identifier echoes are matched against.
func (d *Deduplicator) ClientID() string {
	return d.clientID
}

// IsDuplicate reports whether id has already been seen within the window.
// The first call for an id records it and returns false; an entry whose
// window has elapsed is treated as fresh and its timestamp renewed.
func (d *Deduplicator) IsDuplicate(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.markLocked(id)
}

// IsEcho reports whether sourceID identifies this client. An empty source is
// never an echo: an event with no attributable origin must not be dropped.
func (d *Deduplicator) IsEcho(sourceID string) bool {
	return sourceID != "" && sourceID == d.clientID
}

// TrackEvent records id as processed. When sourceID is empty or matches the
// local client id the own-event counter is incremented; the counter is
// diagnostic only.
func (d *Deduplicator) TrackEvent(id, sourceID string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markLocked(id)
	if sourceID == "" || sourceID == d.clientID {
		d.ownEvents++
	}
}

// ShouldProcess is the composed acceptance policy for a decoded wire
// payload. Events without the required metadata fields are always processed.
// Otherwise echoes and duplicates are rejected; accepted events are marked
// processed as a side effect.
func (d *Deduplicator) ShouldProcess(raw map[string]any) bool {
	meta, ok := envelope.Extract(raw)
	if !ok {
		return true
	}
	if d.IsEcho(meta.SourceID) {
		d.logf("dedup: dropping echo of %s from %s", meta.ID, meta.SourceID)
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.markLocked(meta.ID) {
		d.logf("dedup: dropping duplicate %s", meta.ID)
		return false
	}
	return true
}

// OwnEvents returns the diagnostic count of self-originated events tracked.
func (d *Deduplicator) OwnEvents() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ownEvents
}

// WindowSize returns the number of retained window entries.
func (d *Deduplicator) WindowSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Destroy clears the window and counters synchronously.
func (d *Deduplicator) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = map[string]time.Time{}
	d.ownEvents = 0
}

// markLocked records id and reports whether it was already live in the
// window. Insertions past the high-water mark trigger an expiry sweep so the
// window stays bounded under event storms.
func (d *Deduplicator) markLocked(id string) bool {
	now := time.Now()
	if seenAt, ok := d.seen[id]; ok && now.Sub(seenAt) < d.window {
		return true
	}
	d.seen[id] = now
	if len(d.seen) > d.maxEntries {
		d.sweepLocked(now)
	}
	return false
}

func (d *Deduplicator) sweepLocked(now time.Time) {
	before := len(d.seen)
	for id, seenAt := range d.seen {
		if now.Sub(seenAt) >= d.window {
			delete(d.seen, id)
		}
	}
	if removed := before - len(d.seen); removed > 0 {
		d.logf("dedup: swept %d expired window entries", removed)
	}
}

func (d *Deduplicator) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
