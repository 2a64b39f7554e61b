package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// startEchoServer runs a websocket server that acknowledges any frame
// carrying an ackId and answers "ping" events with a "pong" carrying the
// same payload.
func startEchoServer(t *testing.T, ack bool) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "server shutdown")
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame inFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.AckID != 0 && ack {
				reply, _ := json.Marshal(outFrame{Event: ackEvent, AckID: frame.AckID})
				if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
					return
				}
			}
			if frame.Event == "ping" {
				reply, _ := json.Marshal(outFrame{Event: "pong", Payload: frame.Payload})
				if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketTransportEmitWithAck(t *testing.T) {
	url := startEchoServer(t, true)
	transport := NewWebsocketTransport(url, WebsocketOptions{})
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("repeat connect must be a no-op, got %v", err)
	}

	if err := transport.EmitWithAck(ctx, eventJoinRoom, map[string]any{"room": "project-1"}); err != nil {
		t.Fatalf("join ack failed: %v", err)
	}
}

func TestWebsocketTransportDispatchesServerEvents(t *testing.T) {
	url := startEchoServer(t, true)
	transport := NewWebsocketTransport(url, WebsocketOptions{})
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	pongs := make(chan map[string]any, 1)
	off := transport.On("pong", func(payload map[string]any) { pongs <- payload })
	defer off()

	if err := transport.Emit("ping", map[string]any{"n": 1}); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	select {
	case payload := <-pongs:
		if payload["n"] != float64(1) {
			t.Fatalf("unexpected pong payload: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pong")
	}
}

func TestWebsocketTransportAckTimeout(t *testing.T) {
	url := startEchoServer(t, false)
	transport := NewWebsocketTransport(url, WebsocketOptions{})
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer ackCancel()
	err := transport.EmitWithAck(ackCtx, eventJoinRoom, map[string]any{"room": "project-1"})
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ack timeout, got %v", err)
	}
}

func TestWebsocketTransportAckCancellationIsNotATimeout(t *testing.T) {
	url := startEchoServer(t, false)
	transport := NewWebsocketTransport(url, WebsocketOptions{})
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ackCtx, ackCancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		ackCancel()
	}()
	err := transport.EmitWithAck(ackCtx, eventJoinRoom, map[string]any{"room": "project-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrAckTimeout) {
		t.Fatalf("caller cancellation must not be reported as an ack timeout")
	}
}

func TestWebsocketTransportCloseIsIdempotent(t *testing.T) {
	url := startEchoServer(t, true)
	transport := NewWebsocketTransport(url, WebsocketOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
	if err := transport.Emit("ping", nil); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("emit after close must fail with ErrTransportClosed, got %v", err)
	}
}
