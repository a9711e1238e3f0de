package chanuri

import "testing"

func TestParseUDPBasic(t *testing.T) {
	u, err := Parse("aeron:udp?endpoint=127.0.0.1:40123|mtu=1408|reliable=false")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Media != MediaUDP {
		t.Fatalf("Media = %v, want udp", u.Media)
	}
	if u.Endpoint() != "127.0.0.1:40123" {
		t.Fatalf("Endpoint() = %q", u.Endpoint())
	}
	if u.Reliable() {
		t.Fatal("Reliable() = true, want false")
	}
	if got := u.IntParam("mtu", 0); got != 1408 {
		t.Fatalf("IntParam(mtu) = %d, want 1408", got)
	}
}

func TestParseIPC(t *testing.T) {
	u, err := Parse("aeron:ipc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Media != MediaIPC {
		t.Fatalf("Media = %v, want ipc", u.Media)
	}
	if u.Canonical() != "aeron:ipc" {
		t.Fatalf("Canonical() = %q, want aeron:ipc", u.Canonical())
	}
}

func TestReliableDefaultsTrue(t *testing.T) {
	u, err := Parse("aeron:udp?endpoint=127.0.0.1:40123")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !u.Reliable() {
		t.Fatal("Reliable() should default to true when the param is absent")
	}
}

func TestParseRejectsUnknownMedia(t *testing.T) {
	if _, err := Parse("aeron:tcp?endpoint=127.0.0.1:1"); err == nil {
		t.Fatal("expected an error for an unrecognized media")
	}
}

func TestParseRejectsUnknownParam(t *testing.T) {
	if _, err := Parse("aeron:udp?endpoint=127.0.0.1:1|bogus=1"); err == nil {
		t.Fatal("expected an error for an unrecognized parameter")
	}
}

func TestParseRejectsMissingPrefix(t *testing.T) {
	if _, err := Parse("udp?endpoint=127.0.0.1:1"); err == nil {
		t.Fatal("expected an error for a URI missing the aeron: prefix")
	}
}

// TestCanonicalIgnoresStreamFramingParams covers spec.md §4.3/§4.4:
// channels differing only in stream-framing params (mtu, term-length,
// session-id, …) share one socket, so they must canonicalize identically.
func TestCanonicalIgnoresStreamFramingParams(t *testing.T) {
	a, err := Parse("aeron:udp?endpoint=127.0.0.1:40123|mtu=1408|term-length=65536")
	if err != nil {
		t.Fatalf("Parse a: %v", err)
	}
	b, err := Parse("aeron:udp?endpoint=127.0.0.1:40123|mtu=9000|session-id=77")
	if err != nil {
		t.Fatalf("Parse b: %v", err)
	}
	if a.Canonical() != b.Canonical() {
		t.Fatalf("canonical forms differ: %q vs %q", a.Canonical(), b.Canonical())
	}
}

// TestCanonicalDistinguishesEndpoints covers the converse: different
// endpoints never collide.
func TestCanonicalDistinguishesEndpoints(t *testing.T) {
	a, _ := Parse("aeron:udp?endpoint=127.0.0.1:40123")
	b, _ := Parse("aeron:udp?endpoint=127.0.0.1:40124")
	if a.Canonical() == b.Canonical() {
		t.Fatalf("distinct endpoints canonicalized identically: %q", a.Canonical())
	}
}

// TestCanonicalIsOrderIndependent covers the same params arriving in a
// different order producing the same canonical string.
func TestCanonicalIsOrderIndependent(t *testing.T) {
	a, _ := Parse("aeron:udp?endpoint=127.0.0.1:40123|control=127.0.0.1:40124|ttl=4")
	b, _ := Parse("aeron:udp?ttl=4|endpoint=127.0.0.1:40123|control=127.0.0.1:40124")
	if a.Canonical() != b.Canonical() {
		t.Fatalf("canonical forms should be order-independent: %q vs %q", a.Canonical(), b.Canonical())
	}
}

func TestTagsSplit(t *testing.T) {
	u, err := Parse("aeron:udp?endpoint=127.0.0.1:40123|tags=1,2,3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tags := u.Tags()
	if len(tags) != 3 || tags[0] != "1" || tags[2] != "3" {
		t.Fatalf("Tags() = %v", tags)
	}
}

func TestControlModeManual(t *testing.T) {
	u, err := Parse("aeron:udp?control=127.0.0.1:40124|control-mode=manual")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.ControlMode() != ControlModeManual {
		t.Fatalf("ControlMode() = %q, want manual", u.ControlMode())
	}
}
