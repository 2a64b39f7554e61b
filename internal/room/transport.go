package room

import (
	"context"
	"errors"
	"sync"

	"github.com/agentworkforce/livesync/internal/envelope"
)

// Logger matches the logger surface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

var (
	// ErrAckTimeout is returned when the server does not acknowledge a
	// join or leave request within the configured timeout.
	ErrAckTimeout = errors.New("acknowledgment timeout")
	// ErrNotJoined is returned when emitting without an active room.
	ErrNotJoined = errors.New("not joined to a room")
	// ErrTransportClosed is returned for operations on a closed transport.
	ErrTransportClosed = errors.New("transport closed")
	// ErrCleanedUp resolves transition requests whose result was discarded
	// because the handle was cleaned up first.
	ErrCleanedUp = errors.New("room handle cleaned up")
)

// Transport is the push channel the room machinery rides on. Implementations
// provide at-least-once delivery with no ordering guarantee across
// reconnects; everything above compensates with dedup and room state.
type Transport interface {
	Connect(ctx context.Context) error
	// Emit sends a fire-and-forget event.
	Emit(event string, payload any) error
	// EmitWithAck sends an event and waits for the server's single
	// acknowledgment, bounded by ctx.
	EmitWithAck(ctx context.Context, event string, payload any) error
	// On registers a listener for a named server event and returns its
	// unsubscribe function.
	On(event string, fn func(payload map[string]any)) (off func())
	Codec() envelope.Codec
	Close() error
}

// SharedTransport is a reference-counted handle around one Transport shared
// by multiple logical consumers. Each consumer acquires the handle at
// construction time and releases it on teardown; the last release closes the
// underlying connection. This replaces module-level singleton channels with
// an explicitly injected object.
type SharedTransport struct {
	mu        sync.Mutex
	transport Transport
	refs      int
	closed    bool
}

func NewSharedTransport(t Transport) *SharedTransport {
	return &SharedTransport{transport: t}
}

// Acquire returns the underlying transport and takes a reference on it.
func (s *SharedTransport) Acquire() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrTransportClosed
	}
	s.refs++
	return s.transport, nil
}

// Release drops one reference. The underlying transport is closed when the
// last consumer releases it.
func (s *SharedTransport) Release() error {
	s.mu.Lock()
	if s.closed || s.refs == 0 {
		s.mu.Unlock()
		return nil
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	transport := s.transport
	s.mu.Unlock()
	return transport.Close()
}

// Refs returns the current reference count.
func (s *SharedTransport) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
