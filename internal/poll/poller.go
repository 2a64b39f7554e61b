// Package poll provides update delivery over conditional HTTP polling for
// resources without reliable push delivery. Pollers expose the same
// onUpdate/onError/onComplete contract as the push path so consumers are
// agnostic to transport.
package poll

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Logger matches the logger surface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

// HTTPError is a terminal non-success poll response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// NotFoundPolicy selects how a 404 response is treated for a resource. The
// right policy depends on the resource: a progress record that has not been
// written yet is expected to 404 for a while, whereas a 404 for a resource
// presumed to exist is terminal. The policy is explicit per poller rather
// than inferred at the call site.
type NotFoundPolicy int

const (
	// NotFoundFatal stops polling and surfaces an error.
	NotFoundFatal NotFoundPolicy = iota
	// NotFoundRetry keeps polling until the resource appears.
	NotFoundRetry
)

// Callbacks is the consumer-facing contract shared by every update source.
// Any callback may be nil.
type Callbacks struct {
	OnUpdate   func(data []byte)
	OnError    func(err error)
	OnComplete func(data []byte)
}

// Config configures one resource poller. Zero values select defaults.
type Config struct {
	URL      string
	Interval time.Duration
	NotFound NotFoundPolicy
	Client   *http.Client
	Headers  map[string]string
	Logger   Logger
}

type pollResponse struct {
	status int
	header http.Header
	body   []byte
}

// pollOutcome is what a response handler decides about the rest of the
// session. A zero outcome means "keep polling at the current cadence".
type pollOutcome struct {
	terminal    bool
	newInterval time.Duration
}

type responseHandler func(res pollResponse, cb Callbacks) pollOutcome

// Poller issues conditional GETs for one resource on a fixed cadence. A 304
// response never invokes a callback; only a content-bearing response with a
// changed entity tag does. Transport-level errors are retried on the next
// tick; terminal responses stop the schedule and surface through OnError.
type Poller struct {
	cfg     Config
	cb      Callbacks
	handler responseHandler

	mu        sync.Mutex
	etag      string
	interval  time.Duration
	cancel    context.CancelFunc
	loopDone  chan struct{}
	suspended bool
	terminal  bool
}

func NewPoller(cfg Config, cb Callbacks) *Poller {
	p := &Poller{cfg: cfg, cb: cb}
	p.handler = p.defaultHandle
	p.init()
	return p
}

func (p *Poller) init() {
	if p.cfg.Interval <= 0 {
		p.cfg.Interval = 2 * time.Second
	}
	if p.cfg.Client == nil {
		p.cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	p.interval = p.cfg.Interval
}

// Start clears any prior schedule for this poller, performs one immediate
// poll, and then polls at the configured interval.
func (p *Poller) Start() {
	p.mu.Lock()
	p.stopLoopLocked()
	p.terminal = false
	p.suspended = false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.loopDone = done
	p.mu.Unlock()

	go p.run(ctx, done)
}

// Stop cancels future polls and forgets the entity tag. Idempotent. A poll
// already in flight is allowed to complete; its result is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopLoopLocked()
	p.etag = ""
	p.suspended = false
	p.mu.Unlock()
}

// Suspend pauses the schedule while keeping the entity tag, so the eventual
// resume can still poll conditionally instead of refetching a full payload.
func (p *Poller) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal || p.cancel == nil {
		return
	}
	p.stopLoopLocked()
	p.suspended = true
}

// Resume restarts a suspended poller from a fresh immediate poll, reusing
// the retained entity tag.
func (p *Poller) Resume() {
	p.mu.Lock()
	if !p.suspended || p.terminal {
		p.mu.Unlock()
		return
	}
	p.suspended = false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.loopDone = done
	p.mu.Unlock()

	go p.run(ctx, done)
}

func (p *Poller) stopLoopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.loopDone = nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if !p.pollOnce(ctx) {
			return
		}
		p.mu.Lock()
		interval := p.interval
		p.mu.Unlock()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce performs one conditional request. It returns false when the
// session is over, either because it was cancelled or because the response
// was terminal.
func (p *Poller) pollOnce(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		p.callError(fmt.Errorf("build poll request: %w", err))
		p.markTerminal()
		return false
	}
	p.mu.Lock()
	etag := p.etag
	p.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	for key, value := range p.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		// Transport error: retried transparently on the next tick.
		p.logf("poll %s: transient error: %v", p.cfg.URL, err)
		return true
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if ctx.Err() != nil {
		// Stopped while the request was in flight; discard the result.
		return false
	}
	if readErr != nil {
		p.logf("poll %s: transient read error: %v", p.cfg.URL, readErr)
		return true
	}

	outcome := p.handler(pollResponse{status: resp.StatusCode, header: resp.Header, body: body}, p.cb)
	p.mu.Lock()
	if outcome.newInterval > 0 {
		p.interval = outcome.newInterval
	}
	if outcome.terminal {
		p.terminal = true
	}
	p.mu.Unlock()
	return !outcome.terminal
}

// defaultHandle implements the generic response policy: 304 is a pure
// no-op, 2xx stores the new entity tag and delivers the body, 404 follows
// the configured policy, anything else is terminal.
func (p *Poller) defaultHandle(res pollResponse, cb Callbacks) pollOutcome {
	switch {
	case res.status == http.StatusNotModified:
		return pollOutcome{}
	case res.status >= 200 && res.status <= 299:
		if etag := res.header.Get("ETag"); etag != "" {
			p.mu.Lock()
			p.etag = etag
			p.mu.Unlock()
		}
		if cb.OnUpdate != nil {
			cb.OnUpdate(res.body)
		}
		return pollOutcome{}
	case res.status == http.StatusNotFound && p.cfg.NotFound == NotFoundRetry:
		return pollOutcome{}
	default:
		if cb.OnError != nil {
			cb.OnError(&HTTPError{StatusCode: res.status, Message: string(res.body)})
		}
		return pollOutcome{terminal: true}
	}
}

func (p *Poller) markTerminal() {
	p.mu.Lock()
	p.terminal = true
	p.mu.Unlock()
}

func (p *Poller) callError(err error) {
	if p.cb.OnError != nil {
		p.cb.OnError(err)
	}
}

func (p *Poller) logf(format string, args ...any) {
	if p.cfg.Logger == nil {
		return
	}
	p.cfg.Logger.Printf(format, args...)
}
