package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one stream lifecycle notification. Payload is kept raw so
// consumers decode only the kinds they care about.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	StreamKey string          `json:"stream_key"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent stamps payload with a fresh ID and the current time.
func NewEvent(eventType, streamKey string, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		StreamKey: streamKey,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// UnmarshalPayload decodes the payload into v.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

func (e *Event) encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	return b, nil
}

// Publisher delivers lifecycle events to the configured bus. Publish must
// be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
	Close() error
}
