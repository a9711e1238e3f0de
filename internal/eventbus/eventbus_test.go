package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/aeronio/mediadriver/internal/types"
)

func TestNewWithEmptyURLReturnsNilDisabled(t *testing.T) {
	eb, err := New(types.EventBusConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v, want nil", err)
	}
	if eb != nil {
		t.Fatalf("New() = %v, want nil (disabled) when URL is empty", eb)
	}
}

func TestNilEventBusMethodsAreNoops(t *testing.T) {
	var eb *EventBus

	// None of these may panic on a nil receiver; a disabled event bus
	// must be safe to call unconditionally from cmd/mediadriverd.
	eb.Publish("publication_ready", 42)
	if err := eb.Close(); err != nil {
		t.Fatalf("Close() on nil EventBus = %v, want nil", err)
	}
	eb.Run(nil, make(chan struct{}))
}

func TestLifecycleEventMarshalsTypeAndPayload(t *testing.T) {
	event := LifecycleEvent{Type: "image_available", Timestamp: 123, Payload: map[string]int{"sessionId": 7}}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["type"] != "image_available" {
		t.Fatalf("decoded[type] = %v, want image_available", decoded["type"])
	}
	payload, ok := decoded["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("decoded[payload] = %#v, want a map", decoded["payload"])
	}
	if payload["sessionId"].(float64) != 7 {
		t.Fatalf("payload[sessionId] = %v, want 7", payload["sessionId"])
	}
}
