// Package room manages joining, leaving, and switching logical update
// channels over a push transport. Transition requests on one handle are
// serialized through an internal queue, incoming room events are filtered
// through the shared deduplicator, and outgoing events are stamped with
// self-identifying metadata for echo suppression by receivers.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/livesync/internal/dedup"
	"github.com/agentworkforce/livesync/internal/envelope"
)

// State is the membership state of one room handle.
type State string

const (
	StateIdle    State = "IDLE"
	StateJoining State = "JOINING"
	StateJoined  State = "JOINED"
	StateLeaving State = "LEAVING"
)

// Room protocol events understood by the server.
const (
	eventJoinRoom  = "join_room"
	eventLeaveRoom = "leave_room"
)

// Transition is one entry of the diagnostic room history. Empty From/To
// mean "no room". The history is not authoritative state.
type Transition struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type transitionKind int

const (
	kindJoin transitionKind = iota
	kindLeave
	kindSwitch
	// kindFlushLeave is the fire-and-forget leave Cleanup routes through
	// the queue so it stays ordered with later transitions. It has no
	// waiter and is never coalesced away.
	kindFlushLeave
)

type intent struct {
	kind transitionKind
	room string
	ctx  context.Context
	done chan error
}

// stateNotice is one queued subscriber notification. Notices are drained in
// transition order by a single goroutine.
type stateNotice struct {
	state State
	room  string
	subs  []func(State, string)
}

// ManagerOptions configures a room handle. Zero values select defaults.
type ManagerOptions struct {
	// AckTimeout bounds join/leave acknowledgments.
	AckTimeout time.Duration
	// HistoryLimit bounds the transition history ring.
	HistoryLimit int
	// Tracker, when set, records the operation id of every emitted event
	// so its eventual confirmation can be recognized as self-originated.
	Tracker *dedup.OperationTracker
	Logger  Logger
}

// Manager is a room-scoped subscription handle: at most one active room at
// any time, with join/leave/switch requests serialized so concurrent calls
// queue behind the one in flight. When several requests pile up behind an
// in-flight transition only the last queued intent is executed; all waiting
// callers observe the same final state.
type Manager struct {
	transport Transport
	dedup     *dedup.Deduplicator
	tracker   *dedup.OperationTracker

	ackTimeout   time.Duration
	historyLimit int
	logger       Logger

	mu        sync.Mutex
	state     State
	room      string
	gen       uint64
	queue     []*intent
	working   bool
	history   []Transition
	stateSubs map[uint64]func(State, string)
	nextSub   uint64
	notices   []stateNotice
	notifying bool
}

func NewManager(transport Transport, deduper *dedup.Deduplicator, opts ManagerOptions) *Manager {
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Manager{
		transport:    transport,
		dedup:        deduper,
		tracker:      opts.Tracker,
		ackTimeout:   ackTimeout,
		historyLimit: historyLimit,
		logger:       opts.Logger,
		state:        StateIdle,
		stateSubs:    map[uint64]func(State, string){},
	}
}

// State returns the current membership state and room.
func (m *Manager) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.room
}

// JoinRoom joins id. No-op if the handle is already joined to id. A join
// whose acknowledgment times out resets the handle to IDLE and returns an
// error rather than leaving it stuck in JOINING.
func (m *Manager) JoinRoom(ctx context.Context, id string) error {
	return m.submit(&intent{kind: kindJoin, room: id, ctx: ctx})
}

// LeaveRoom leaves the current room. Resolves immediately when already
// IDLE. Local membership is always cleared, even when the transport-level
// leave acknowledgment fails: local state must never keep pointing at a
// room the application no longer intends to be in.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	return m.submit(&intent{kind: kindLeave, ctx: ctx})
}

// SwitchRoom composes a leave of the current room and a join of id as one
// serialized unit, so listeners observe at most one intermediate state and
// never a stale mix of old- and new-room events. No-op when id is already
// the current room.
func (m *Manager) SwitchRoom(ctx context.Context, id string) error {
	return m.submit(&intent{kind: kindSwitch, room: id, ctx: ctx})
}

func (m *Manager) submit(it *intent) error {
	it.done = make(chan error, 1)
	m.mu.Lock()
	m.queue = append(m.queue, it)
	if !m.working {
		m.working = true
		go m.work()
	}
	m.mu.Unlock()
	return <-it.done
}

// work drains the intent queue one transition at a time. Requests that
// piled up while one was in flight collapse to the last queued intent; the
// superseded callers are resolved with that final intent's result. Flush
// leaves from Cleanup are executed in place, before any transition queued
// after them.
func (m *Manager) work() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.working = false
			m.mu.Unlock()
			return
		}
		pending := m.queue
		m.queue = nil
		m.mu.Unlock()

		var transitions []*intent
		for _, it := range pending {
			if it.kind == kindFlushLeave {
				if err := m.transport.Emit(eventLeaveRoom, map[string]any{"room": it.room}); err != nil {
					m.logf("room: best-effort leave of %s failed: %v", it.room, err)
				}
				continue
			}
			transitions = append(transitions, it)
		}
		if len(transitions) == 0 {
			continue
		}

		last := transitions[len(transitions)-1]
		if len(transitions) > 1 {
			m.logf("room: coalescing %d queued transitions, last intent wins", len(transitions))
		}
		err := m.execute(last)
		for _, it := range transitions {
			it.done <- err
		}
	}
}

func (m *Manager) execute(it *intent) error {
	switch it.kind {
	case kindJoin:
		return m.executeJoin(it.ctx, it.room, "join")
	case kindLeave:
		return m.executeLeave(it.ctx, "leave")
	case kindSwitch:
		m.mu.Lock()
		already := m.state == StateJoined && m.room == it.room
		m.mu.Unlock()
		if already {
			return nil
		}
		if err := m.executeLeave(it.ctx, "switch"); err != nil {
			return err
		}
		return m.executeJoin(it.ctx, it.room, "switch")
	default:
		return nil
	}
}

func (m *Manager) executeJoin(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	if m.state == StateJoined && m.room == id {
		m.mu.Unlock()
		return nil
	}
	from := m.room
	gen := m.gen
	m.setStateLocked(StateJoining, id)
	m.mu.Unlock()

	ackCtx, cancel := m.ackContext(ctx)
	err := m.transport.EmitWithAck(ackCtx, eventJoinRoom, map[string]any{"room": id})
	cancel()

	m.mu.Lock()
	if m.gen != gen {
		// Cleanup ran while the ack was in flight; the result no longer
		// applies to the current handle state.
		m.mu.Unlock()
		m.logf("room: discarding stale join result for %s", id)
		return ErrCleanedUp
	}
	if err != nil {
		m.setStateLocked(StateIdle, "")
		m.mu.Unlock()
		m.logf("room: join %s failed: %v", id, err)
		return err
	}
	m.setStateLocked(StateJoined, id)
	m.recordLocked(Transition{From: from, To: id, Reason: reason, Timestamp: time.Now()})
	m.mu.Unlock()
	return nil
}

func (m *Manager) executeLeave(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return nil
	}
	from := m.room
	gen := m.gen
	m.setStateLocked(StateLeaving, from)
	m.mu.Unlock()

	ackCtx, cancel := m.ackContext(ctx)
	err := m.transport.EmitWithAck(ackCtx, eventLeaveRoom, map[string]any{"room": from})
	cancel()
	if err != nil {
		// Local membership is cleared regardless of the ack outcome.
		m.logf("room: leave %s ack failed, clearing local state anyway: %v", from, err)
	}

	m.mu.Lock()
	if m.gen != gen {
		// Cleanup already reset the handle and cleared the history.
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateIdle, "")
	m.recordLocked(Transition{From: from, Reason: reason, Timestamp: time.Now()})
	m.mu.Unlock()
	return nil
}

func (m *Manager) ackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, m.ackTimeout)
}

// OnRoomEvent registers a callback for a named room event and returns its
// unsubscribe function. Events are filtered through the deduplicator's
// acceptance policy first; rejected echoes and duplicates never reach the
// callback. Events arriving while the handle is not JOINED are dropped so a
// switch never leaks events from the previous room.
func (m *Manager) OnRoomEvent(eventType string, cb func(payload map[string]any)) func() {
	return m.transport.On(eventType, func(payload map[string]any) {
		m.mu.Lock()
		joined := m.state == StateJoined
		m.mu.Unlock()
		if !joined {
			return
		}
		if m.dedup != nil && !m.dedup.ShouldProcess(payload) {
			return
		}
		cb(payload)
	})
}

// OnStateChange registers a callback invoked on every state transition with
// the new state and room. It returns an unsubscribe function.
func (m *Manager) OnStateChange(cb func(state State, room string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.stateSubs[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

// EmitToRoom stamps payload with fresh event metadata and sends it to the
// current room. Without an active room there is nothing to target: the call
// is a no-op apart from a diagnostic warning.
func (m *Manager) EmitToRoom(eventType string, payload any) error {
	m.mu.Lock()
	joined := m.state == StateJoined
	room := m.room
	m.mu.Unlock()
	if !joined {
		m.logf("room: dropping emit of %s: no room joined", eventType)
		return ErrNotJoined
	}

	env := envelope.New(m.clientID(), eventType, payload)
	if m.tracker != nil {
		m.tracker.Register(env.ID)
	}
	if m.dedup != nil {
		m.dedup.TrackEvent(env.ID, env.SourceID)
	}
	m.logf("room: emitting %s to %s as %s", eventType, room, env.ID)
	return m.transport.Emit(eventType, env)
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Cleanup forces a best-effort leave, clears the history, and resets the
// handle to IDLE unconditionally. Queued transition requests resolve with
// ErrCleanedUp, an in-flight transition's eventual result is discarded, and
// the best-effort leave goes through the transition queue so it stays
// ordered ahead of any transition submitted after Cleanup returns.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	room := m.room
	joined := m.state == StateJoined
	pending := m.queue
	m.queue = nil
	m.gen++
	m.history = nil
	m.setStateLocked(StateIdle, "")
	if joined {
		m.queue = append(m.queue, &intent{kind: kindFlushLeave, room: room})
		if !m.working {
			m.working = true
			go m.work()
		}
	}
	m.mu.Unlock()

	for _, it := range pending {
		it.done <- ErrCleanedUp
	}
}

func (m *Manager) clientID() string {
	if m.dedup == nil {
		return ""
	}
	return m.dedup.ClientID()
}

// setStateLocked updates the state and queues subscriber notifications. A
// single drain goroutine delivers them in transition order; callbacks run
// outside the lock.
func (m *Manager) setStateLocked(state State, room string) {
	if m.state == state && m.room == room {
		return
	}
	m.state = state
	m.room = room
	if len(m.stateSubs) == 0 {
		return
	}
	subs := make([]func(State, string), 0, len(m.stateSubs))
	for _, cb := range m.stateSubs {
		subs = append(subs, cb)
	}
	m.notices = append(m.notices, stateNotice{state: state, room: room, subs: subs})
	if !m.notifying {
		m.notifying = true
		go m.notify()
	}
}

func (m *Manager) notify() {
	for {
		m.mu.Lock()
		if len(m.notices) == 0 {
			m.notifying = false
			m.mu.Unlock()
			return
		}
		next := m.notices[0]
		m.notices = m.notices[1:]
		m.mu.Unlock()
		for _, cb := range next.subs {
			cb(next.state, next.room)
		}
	}
}

func (m *Manager) recordLocked(t Transition) {
	m.history = append(m.history, t)
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
