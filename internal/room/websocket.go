package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/livesync/internal/envelope"
)

// ackEvent is the reserved event name the server uses to acknowledge a
// request that carried an ackId.
const ackEvent = "_ack"

// outFrame is the wire shape of a client-to-server message.
type outFrame struct {
	Event   string `json:"event" msgpack:"event"`
	Payload any    `json:"payload,omitempty" msgpack:"payload,omitempty"`
	AckID   uint64 `json:"ackId,omitempty" msgpack:"ackId,omitempty"`
}

// inFrame is the wire shape of a server-to-client message.
type inFrame struct {
	Event   string         `json:"event" msgpack:"event"`
	Payload map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
	AckID   uint64         `json:"ackId,omitempty" msgpack:"ackId,omitempty"`
}

// WebsocketOptions configures a websocket transport. Zero values select
// defaults.
type WebsocketOptions struct {
	// Codec frames messages on the wire; JSON by default.
	Codec envelope.Codec
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	Logger       Logger
}

// WebsocketTransport implements Transport over a single websocket
// connection. One read pump decodes incoming frames and fans them out to
// event listeners; acknowledgments are correlated back to waiting emitters
// by ackId.
type WebsocketTransport struct {
	url          string
	codec        envelope.Codec
	writeTimeout time.Duration
	logger       Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	listeners    map[string]map[uint64]func(map[string]any)
	nextListener uint64
	pending      map[uint64]chan map[string]any
	pumpCancel   context.CancelFunc
	closed       bool

	nextAck atomic.Uint64
}

func NewWebsocketTransport(url string, opts WebsocketOptions) *WebsocketTransport {
	codec := opts.Codec
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebsocketTransport{
		url:          url,
		codec:        codec,
		writeTimeout: writeTimeout,
		logger:       opts.Logger,
		listeners:    map[string]map[uint64]func(map[string]any){},
		pending:      map[uint64]chan map[string]any{},
	}
}

func (t *WebsocketTransport) Codec() envelope.Codec {
	return t.codec
}

// Connect dials the server and starts the read pump. Calling Connect on an
// already connected transport is a no-op.
func (t *WebsocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	pumpCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "closed during connect")
		return ErrTransportClosed
	}
	t.conn = conn
	t.pumpCancel = cancel
	t.mu.Unlock()

	go t.readPump(pumpCtx, conn)
	return nil
}

func (t *WebsocketTransport) Emit(event string, payload any) error {
	return t.writeFrame(outFrame{Event: event, Payload: payload})
}

func (t *WebsocketTransport) EmitWithAck(ctx context.Context, event string, payload any) error {
	ackID := t.nextAck.Add(1)
	ch := make(chan map[string]any, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.pending[ackID] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, ackID)
		t.mu.Unlock()
	}()

	if err := t.writeFrame(outFrame{Event: event, Payload: payload, AckID: ackID}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%s cancelled: %w", event, ctx.Err())
		}
		return fmt.Errorf("%w: %s", ErrAckTimeout, event)
	case ack, ok := <-ch:
		if !ok {
			return ErrTransportClosed
		}
		if msg, ok := ack["error"].(string); ok && msg != "" {
			return fmt.Errorf("%s rejected: %s", event, msg)
		}
		return nil
	}
}

func (t *WebsocketTransport) On(event string, fn func(payload map[string]any)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listeners[event] == nil {
		t.listeners[event] = map[uint64]func(map[string]any){}
	}
	t.nextListener++
	id := t.nextListener
	t.listeners[event][id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners[event], id)
	}
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	if t.pumpCancel != nil {
		t.pumpCancel()
		t.pumpCancel = nil
	}
	for ackID, ch := range t.pending {
		close(ch)
		delete(t.pending, ackID)
	}
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client shutdown")
}

func (t *WebsocketTransport) writeFrame(frame outFrame) error {
	data, err := t.codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Event, err)
	}

	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return ErrTransportClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()
	return conn.Write(ctx, t.messageType(), data)
}

func (t *WebsocketTransport) messageType() websocket.MessageType {
	if t.codec.Name() == "msgpack" {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}

func (t *WebsocketTransport) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logf("websocket: read loop ended: %v", err)
			}
			return
		}
		var frame inFrame
		if err := t.codec.Unmarshal(data, &frame); err != nil {
			t.logf("websocket: dropping undecodable frame: %v", err)
			continue
		}
		if frame.Event == ackEvent {
			t.deliverAck(frame)
			continue
		}
		t.dispatch(frame)
	}
}

func (t *WebsocketTransport) deliverAck(frame inFrame) {
	t.mu.Lock()
	ch, ok := t.pending[frame.AckID]
	delete(t.pending, frame.AckID)
	t.mu.Unlock()
	if !ok {
		// Stale acknowledgment for a request whose waiter has moved on.
		t.logf("websocket: discarding stale ack %d", frame.AckID)
		return
	}
	payload := frame.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	ch <- payload
}

func (t *WebsocketTransport) dispatch(frame inFrame) {
	t.mu.Lock()
	fns := make([]func(map[string]any), 0, len(t.listeners[frame.Event]))
	for _, fn := range t.listeners[frame.Event] {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(frame.Payload)
	}
}

func (t *WebsocketTransport) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}
