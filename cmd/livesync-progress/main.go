// livesync-progress polls one long-running operation's progress record until
// it completes or fails, printing each progress update as it arrives.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/livesync/internal/poll"
)

func main() {
	baseURL := strings.TrimRight(os.Getenv("LIVESYNC_URL"), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	operationID := os.Getenv("LIVESYNC_OPERATION")
	if operationID == "" {
		log.Fatalf("LIVESYNC_OPERATION is required")
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	done := make(chan int, 1)

	poller := poll.NewProgressPoller(poll.Config{
		URL:      fmt.Sprintf("%s/api/progress/%s", baseURL, operationID),
		Interval: durationEnv("LIVESYNC_POLL_INTERVAL", time.Second),
		Logger:   logger,
	}, poll.Callbacks{
		OnUpdate: func(data []byte) {
			var state poll.ProgressState
			if err := json.Unmarshal(data, &state); err != nil {
				logger.Printf("unparseable progress update: %v", err)
				return
			}
			logger.Printf("%s: %s %.0f%% %s", operationID, state.Status, state.Percentage, state.Message)
		},
		OnComplete: func(data []byte) {
			os.Stdout.Write(append(data, '\n'))
			done <- 0
		},
		OnError: func(err error) {
			logger.Printf("%s: %v", operationID, err)
			done <- 1
		},
	})

	registry := poll.NewRegistry(logger)
	registry.Register("progress:"+operationID, poller)

	code := <-done
	registry.StopAll()
	os.Exit(code)
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
