package debugserver

import (
	"encoding/json"
	"testing"

	"github.com/aeronio/mediadriver/internal/driverproto"
)

func TestEncodeLifecycleEventKnownTypes(t *testing.T) {
	cases := []struct {
		name    string
		value   interface{}
		wantTag string
	}{
		{"available", driverproto.AvailableImageResponse{SessionID: 1, StreamID: 2}, "image_available"},
		{"unavailable", driverproto.UnavailableImageResponse{SessionID: 1, StreamID: 2}, "image_unavailable"},
		{"pubReady", driverproto.PublicationReadyResponse{RegistrationID: 5}, "publication_ready"},
		{"subReady", driverproto.SubscriptionReadyResponse{RegistrationID: 6}, "subscription_ready"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := encodeLifecycleEvent(tc.value)
			if data == nil {
				t.Fatalf("encodeLifecycleEvent(%#v) = nil, want encoded JSON", tc.value)
			}
			var decoded map[string]interface{}
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if decoded["type"] != tc.wantTag {
				t.Fatalf("decoded[type] = %v, want %v", decoded["type"], tc.wantTag)
			}
		})
	}
}

func TestEncodeLifecycleEventUnknownTypeReturnsNil(t *testing.T) {
	if data := encodeLifecycleEvent("not a response"); data != nil {
		t.Fatalf("encodeLifecycleEvent(string) = %s, want nil", data)
	}
}

func TestHubPublishDropsWhenFull(t *testing.T) {
	h := &hub{broadcast: make(chan []byte, 1)}
	h.publish([]byte("one"))
	h.publish([]byte("two")) // channel full; must not block

	if got := len(h.broadcast); got != 1 {
		t.Fatalf("len(broadcast) = %d, want 1 (second publish dropped)", got)
	}
}

func TestHubClientCountReflectsMap(t *testing.T) {
	h := &hub{clients: make(map[*client]bool)}
	if got := h.clientCount(); got != 0 {
		t.Fatalf("clientCount() = %d, want 0", got)
	}
	h.clients[&client{id: "a"}] = true
	if got := h.clientCount(); got != 1 {
		t.Fatalf("clientCount() = %d, want 1", got)
	}
}
