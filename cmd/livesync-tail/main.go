// livesync-tail connects to a sync server, joins one room, and prints every
// event that survives echo and duplicate suppression.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/livesync/internal/dedup"
	"github.com/agentworkforce/livesync/internal/envelope"
	"github.com/agentworkforce/livesync/internal/room"
)

func main() {
	url := os.Getenv("LIVESYNC_URL")
	if url == "" {
		url = "ws://127.0.0.1:8080/ws"
	}
	roomID := os.Getenv("LIVESYNC_ROOM")
	if roomID == "" {
		log.Fatalf("LIVESYNC_ROOM is required")
	}
	clientID := os.Getenv("LIVESYNC_CLIENT_ID")
	if clientID == "" {
		clientID = envelope.NewEventID("tail")
	}
	eventType := os.Getenv("LIVESYNC_EVENT")
	if eventType == "" {
		eventType = "update"
	}
	codec, err := envelope.CodecByName(os.Getenv("LIVESYNC_CODEC"))
	if err != nil {
		log.Fatalf("invalid LIVESYNC_CODEC: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	transport := room.NewWebsocketTransport(url, room.WebsocketOptions{
		Codec:  codec,
		Logger: logger,
	})
	shared := room.NewSharedTransport(transport)
	handle, err := shared.Acquire()
	if err != nil {
		log.Fatalf("acquire transport: %v", err)
	}
	defer func() {
		if err := shared.Release(); err != nil {
			logger.Printf("release transport: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), durationEnv("LIVESYNC_CONNECT_TIMEOUT", 10*time.Second))
	err = handle.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	deduper := dedup.New(clientID, dedup.Options{
		Window: durationEnv("LIVESYNC_DEDUP_WINDOW", 5*time.Minute),
		Logger: logger,
	})
	manager := room.NewManager(handle, deduper, room.ManagerOptions{
		AckTimeout: durationEnv("LIVESYNC_ACK_TIMEOUT", 5*time.Second),
		Logger:     logger,
	})
	defer manager.Cleanup()

	off := manager.OnRoomEvent(eventType, func(payload map[string]any) {
		line, err := json.Marshal(payload)
		if err != nil {
			logger.Printf("unprintable payload: %v", err)
			return
		}
		os.Stdout.Write(append(line, '\n'))
	})
	defer off()

	if err := manager.JoinRoom(context.Background(), roomID); err != nil {
		log.Fatalf("join %s: %v", roomID, err)
	}
	logger.Printf("joined %s as %s, tailing %s events", roomID, clientID, eventType)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if err := manager.LeaveRoom(context.Background()); err != nil {
		logger.Printf("leave %s: %v", roomID, err)
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
