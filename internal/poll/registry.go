package poll

import "sync"

// Handle is the lifecycle surface the registry needs from a poller.
type Handle interface {
	Start()
	Stop()
	Suspend()
	Resume()
}

// Registry coordinates independent resource pollers by key. Registering a
// new poller under an already-used key fully stops and replaces the previous
// one, so no orphaned schedule survives a re-registration. SuspendAll and
// ResumeAll exist for page-visibility and connectivity signals: suspended
// pollers keep their entity tags and resume with an immediate conditional
// poll.
type Registry struct {
	mu        sync.Mutex
	pollers   map[string]Handle
	suspended bool
	logger    Logger
}

func NewRegistry(logger Logger) *Registry {
	return &Registry{
		pollers: map[string]Handle{},
		logger:  logger,
	}
}

// Register installs p under key and starts it, replacing and stopping any
// previous poller for the same key. If the registry is currently suspended
// the poller is registered but immediately suspended as well. The whole
// stop-install-start sequence runs under the registry lock so concurrent
// registrations for one key cannot leave a replaced poller running.
func (r *Registry) Register(key string, p Handle) {
	if key == "" || p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous := r.pollers[key]; previous != nil {
		previous.Stop()
		r.logf("poll registry: replaced poller for %q", key)
	}
	r.pollers[key] = p
	p.Start()
	if r.suspended {
		p.Suspend()
	}
}

// Stop stops and removes the poller for key. Idempotent.
func (r *Registry) Stop(key string) {
	r.mu.Lock()
	p, ok := r.pollers[key]
	delete(r.pollers, key)
	r.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// StopAll stops and removes every registered poller.
func (r *Registry) StopAll() {
	r.mu.Lock()
	pollers := r.pollers
	r.pollers = map[string]Handle{}
	r.mu.Unlock()
	for _, p := range pollers {
		p.Stop()
	}
}

// SuspendAll pauses every registered poller, e.g. when the hosting page
// becomes hidden or connectivity is lost.
func (r *Registry) SuspendAll() {
	r.mu.Lock()
	r.suspended = true
	pollers := r.snapshotLocked()
	r.mu.Unlock()
	for _, p := range pollers {
		p.Suspend()
	}
}

// ResumeAll resumes every registered poller from a fresh immediate poll.
func (r *Registry) ResumeAll() {
	r.mu.Lock()
	r.suspended = false
	pollers := r.snapshotLocked()
	r.mu.Unlock()
	for _, p := range pollers {
		p.Resume()
	}
}

// Len returns the number of registered pollers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pollers)
}

func (r *Registry) snapshotLocked() []Handle {
	pollers := make([]Handle, 0, len(r.pollers))
	for _, p := range r.pollers {
		pollers = append(pollers, p)
	}
	return pollers
}

func (r *Registry) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
