package endpoint

import (
	"testing"

	"github.com/aeronio/mediadriver/internal/chanuri"
)

func mustParse(t *testing.T, raw string) chanuri.URI {
	t.Helper()
	u, err := chanuri.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return u
}

func TestAcquireSendBindsAndSharesByCanonicalForm(t *testing.T) {
	r := NewRegistry()
	u := mustParse(t, "aeron:udp?endpoint=127.0.0.1:0")

	a, err := r.AcquireSend(u)
	if err != nil {
		t.Fatalf("AcquireSend: %v", err)
	}
	defer r.ReleaseSend(a)

	b, err := r.AcquireSend(u)
	if err != nil {
		t.Fatalf("AcquireSend second: %v", err)
	}
	defer r.ReleaseSend(b)

	if a != b {
		t.Fatal("two acquires of the same canonical URI should return the same endpoint")
	}
	if a.Refcount() != 2 {
		t.Fatalf("Refcount() = %d, want 2", a.Refcount())
	}
	if a.Status() != StatusActive {
		t.Fatalf("Status() = %v, want Active", a.Status())
	}
}

func TestReleaseSendClosesOnLastHolder(t *testing.T) {
	r := NewRegistry()
	u := mustParse(t, "aeron:udp?endpoint=127.0.0.1:0")

	a, err := r.AcquireSend(u)
	if err != nil {
		t.Fatalf("AcquireSend: %v", err)
	}
	b, _ := r.AcquireSend(u)

	r.ReleaseSend(a)
	if _, stillThere := r.send[u.Canonical()]; !stillThere {
		t.Fatal("endpoint should remain while a holder is still attached")
	}

	r.ReleaseSend(b)
	if _, stillThere := r.send[u.Canonical()]; stillThere {
		t.Fatal("endpoint should be removed once the last holder releases it")
	}
}

func TestDistinctCanonicalFormsGetDistinctEndpoints(t *testing.T) {
	r := NewRegistry()
	a, err := r.AcquireSend(mustParse(t, "aeron:udp?endpoint=127.0.0.1:0"))
	if err != nil {
		t.Fatalf("AcquireSend a: %v", err)
	}
	defer r.ReleaseSend(a)

	b, err := r.AcquireSend(mustParse(t, "aeron:udp?endpoint=127.0.0.1:0|ttl=4"))
	if err != nil {
		t.Fatalf("AcquireSend b: %v", err)
	}
	defer r.ReleaseSend(b)

	if a == b {
		t.Fatal("endpoints with different canonical forms (here: ttl) must not be shared")
	}
}

func TestAddDestinationRejectedWithoutManualControlMode(t *testing.T) {
	r := NewRegistry()
	u := mustParse(t, "aeron:udp?endpoint=127.0.0.1:0")
	ep, err := r.AcquireSend(u)
	if err != nil {
		t.Fatalf("AcquireSend: %v", err)
	}
	defer r.ReleaseSend(ep)

	dest := mustParse(t, "aeron:udp?endpoint=127.0.0.1:1")
	if err := ep.AddDestination(dest); err == nil {
		t.Fatal("expected an error adding a destination to a non-manual-MDC endpoint")
	}
}

func TestAddDestinationAllowedOnManualMDCEndpoint(t *testing.T) {
	r := NewRegistry()
	u := mustParse(t, "aeron:udp?control=127.0.0.1:0|control-mode=manual")
	ep, err := r.AcquireSend(u)
	if err != nil {
		t.Fatalf("AcquireSend: %v", err)
	}
	defer r.ReleaseSend(ep)

	dest := mustParse(t, "aeron:udp?endpoint=127.0.0.1:1")
	if err := ep.AddDestination(dest); err != nil {
		t.Fatalf("AddDestination: %v", err)
	}
	if len(ep.destinations) != 1 {
		t.Fatalf("destinations = %d, want 1", len(ep.destinations))
	}

	if err := ep.RemoveDestination(dest); err != nil {
		t.Fatalf("RemoveDestination: %v", err)
	}
	if len(ep.destinations) != 0 {
		t.Fatalf("destinations = %d, want 0 after removal", len(ep.destinations))
	}
}

func TestAcquireReceiveRequiresEndpointParam(t *testing.T) {
	r := NewRegistry()
	u := mustParse(t, "aeron:udp?mtu=1408")
	if _, err := r.AcquireReceive(u); err == nil {
		t.Fatal("expected an error acquiring a receive endpoint with no endpoint param")
	}
}

func TestSendWritesToPrimaryWhenNoMDCDestinations(t *testing.T) {
	r := NewRegistry()

	receiver, err := r.AcquireReceive(mustParse(t, "aeron:udp?endpoint=127.0.0.1:0"))
	if err != nil {
		t.Fatalf("AcquireReceive: %v", err)
	}
	defer r.ReleaseReceive(receiver)

	dest := receiver.Conn().LocalAddr().String()
	sender, err := r.AcquireSend(mustParse(t, "aeron:udp?endpoint="+dest))
	if err != nil {
		t.Fatalf("AcquireSend: %v", err)
	}
	defer r.ReleaseSend(sender)

	n, err := sender.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 1 {
		t.Fatalf("Send reported %d destinations, want 1", n)
	}

	buf := make([]byte, 16)
	read, _, err := receiver.Conn().ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:read]) != "hello" {
		t.Fatalf("received %q, want %q", buf[:read], "hello")
	}
}
