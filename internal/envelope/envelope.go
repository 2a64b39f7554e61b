package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MetaKey is the reserved payload key under which event metadata may be
// nested. Producers that cannot set top-level fields nest the metadata here.
const MetaKey = "_meta"

// Metadata identifies one logical event instance and the client that
// produced it. All four fields are required for an envelope to participate
// in echo and duplicate suppression; events without them are passed through
// untouched.
type Metadata struct {
	ID        string `json:"id" msgpack:"id"`
	SourceID  string `json:"sourceId" msgpack:"sourceId"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
	Type      string `json:"type" msgpack:"type"`
}

// Envelope is an immutable event envelope: metadata plus an opaque payload.
type Envelope struct {
	Metadata
	Payload any `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// New stamps a fresh envelope for an event produced by clientID. The id
// combines the client id, the producer clock, and a random suffix so it is
// collision-resistant across the client's lifetime.
func New(clientID, eventType string, payload any) Envelope {
	return Envelope{
		Metadata: Metadata{
			ID:        NewEventID(clientID),
			SourceID:  clientID,
			Timestamp: time.Now().UnixMilli(),
			Type:      eventType,
		},
		Payload: payload,
	}
}

// NewEventID returns a collision-resistant event identifier for clientID.
func NewEventID(clientID string) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("evt_%s_%d_%s", clientID, time.Now().UnixNano(), suffix)
}

// Extract pulls event metadata out of a decoded wire payload. The nested
// MetaKey form is checked first, then top-level fields. The boolean is false
// when any of the four required fields is absent; callers treat that as "no
// metadata" and process the event as-is.
func Extract(raw map[string]any) (Metadata, bool) {
	if raw == nil {
		return Metadata{}, false
	}
	if nested, ok := raw[MetaKey].(map[string]any); ok {
		if meta, ok := metadataFromMap(nested); ok {
			return meta, true
		}
	}
	return metadataFromMap(raw)
}

func metadataFromMap(m map[string]any) (Metadata, bool) {
	id, okID := stringField(m, "id")
	source, okSource := stringField(m, "sourceId")
	ts, okTS := numberField(m, "timestamp")
	eventType, okType := stringField(m, "type")
	if !okID || !okSource || !okTS || !okType {
		return Metadata{}, false
	}
	return Metadata{ID: id, SourceID: source, Timestamp: ts, Type: eventType}, true
}

func stringField(m map[string]any, key string) (string, bool) {
	value, ok := m[key].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch value := m[key].(type) {
	case int64:
		return value, true
	case int:
		return int64(value), true
	case int32:
		return int64(value), true
	case int16:
		return int64(value), true
	case int8:
		return int64(value), true
	case uint64:
		return int64(value), true
	case uint32:
		return int64(value), true
	case uint16:
		return int64(value), true
	case uint8:
		return int64(value), true
	case float64:
		return int64(value), true
	case float32:
		return int64(value), true
	default:
		return 0, false
	}
}
