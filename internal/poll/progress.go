package poll

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Operation status values reported by the progress endpoint.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// pollIntervalHeader carries the server's polling cadence hint in
// milliseconds; "0" means the operation no longer needs polling.
const pollIntervalHeader = "X-Poll-Interval"

// ProgressState is the progress record for one long-running operation.
type ProgressState struct {
	OperationID string  `json:"operation_id"`
	Status      string  `json:"status"`
	Percentage  float64 `json:"percentage"`
	Message     string  `json:"message"`
	Error       string  `json:"error,omitempty"`
}

// OperationError is a terminal failure reported by the operation itself, as
// opposed to a transport or protocol failure reaching it.
type OperationError struct {
	OperationID string
	Message     string
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("operation %s failed", e.OperationID)
	}
	return fmt.Sprintf("operation %s failed: %s", e.OperationID, e.Message)
}

// ProgressPoller polls one operation's progress record until it reaches a
// terminal status. Progress records are written asynchronously, so a 404 is
// treated as "not yet created" and polling continues. The server's
// X-Poll-Interval hint, when present, overrides the configured cadence. A
// completed operation is delivered through OnComplete, a failed one through
// OnError; both stop the schedule.
type ProgressPoller struct {
	*Poller
}

func NewProgressPoller(cfg Config, cb Callbacks) *ProgressPoller {
	cfg.NotFound = NotFoundRetry
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	p := &Poller{cfg: cfg, cb: cb}
	p.init()
	pp := &ProgressPoller{Poller: p}
	p.handler = pp.handleProgress
	return pp
}

func (pp *ProgressPoller) handleProgress(res pollResponse, cb Callbacks) pollOutcome {
	if res.status < 200 || res.status > 299 {
		return pp.defaultHandle(res, cb)
	}

	if etag := res.header.Get("ETag"); etag != "" {
		pp.mu.Lock()
		pp.etag = etag
		pp.mu.Unlock()
	}

	var state ProgressState
	if err := json.Unmarshal(res.body, &state); err != nil {
		// Protocol error: fail open and deliver the raw body rather than
		// dropping a payload we merely failed to classify.
		pp.logf("progress poll: unparseable body, delivering as-is: %v", err)
		if cb.OnUpdate != nil {
			cb.OnUpdate(res.body)
		}
		return pollOutcome{}
	}

	switch state.Status {
	case StatusCompleted:
		if cb.OnComplete != nil {
			cb.OnComplete(res.body)
		}
		return pollOutcome{terminal: true}
	case StatusFailed:
		if cb.OnError != nil {
			cb.OnError(&OperationError{OperationID: state.OperationID, Message: state.Error})
		}
		return pollOutcome{terminal: true}
	}

	if cb.OnUpdate != nil {
		cb.OnUpdate(res.body)
	}
	return pollOutcome{newInterval: parsePollHint(res.header)}
}

// parsePollHint converts the X-Poll-Interval header to a cadence override.
// Zero means no override: either the header is absent, malformed, or the
// server signalled that polling is no longer needed (which terminal status
// handling already covers).
func parsePollHint(header http.Header) time.Duration {
	raw := header.Get(pollIntervalHeader)
	if raw == "" {
		return 0
	}
	millis, err := strconv.Atoi(raw)
	if err != nil || millis <= 0 {
		return 0
	}
	return time.Duration(millis) * time.Millisecond
}
