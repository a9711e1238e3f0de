// Package chanuri parses and canonicalizes channel URIs of the form
// `aeron:<media>?<param>=<value>&…` (spec.md §6), and computes the
// canonical form two channel descriptions are matched by (spec.md §4.3's
// Send/ReceiveChannelEndpoint keying and the matching policy of spec.md
// §4.4).
//
// Grounded on the teacher's preference for hand-rolled message parsing
// over a framework (pkg/websocket/client.go's extractMessageType), using
// net/url only for the query-string mechanics.
package chanuri

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Media identifies the transport a channel runs over.
type Media string

const (
	MediaUDP Media = "udp"
	MediaIPC Media = "ipc"
)

// ControlMode governs how a multi-destination-cast publication's
// destinations are managed (spec.md §6 control-mode param).
type ControlMode string

const (
	ControlModeNone    ControlMode = ""
	ControlModeManual  ControlMode = "manual"
	ControlModeDynamic ControlMode = "dynamic"
)

// recognizedParams is the allow-list from spec.md §6; any other query
// parameter is a control-protocol error (spec.md §7).
var recognizedParams = map[string]bool{
	"endpoint":     true,
	"interface":    true,
	"control":      true,
	"control-mode": true,
	"ttl":          true,
	"mtu":          true,
	"term-length":  true,
	"init-term-id": true,
	"term-id":      true,
	"term-offset":  true,
	"session-id":   true,
	"reliable":     true,
	"tags":         true,
}

// URI is a parsed channel URI.
type URI struct {
	Media Media
	// Params holds every recognized query parameter verbatim (string
	// form); callers needing a typed param use the accessor methods.
	Params map[string]string
}

// Parse parses raw into a URI, rejecting unknown media and unrecognized
// parameters (spec.md §7 control-protocol errors).
func Parse(raw string) (URI, error) {
	const prefix = "aeron:"
	if !strings.HasPrefix(raw, prefix) {
		return URI{}, fmt.Errorf("chanuri: missing %q prefix", prefix)
	}
	rest := raw[len(prefix):]

	media, query, _ := strings.Cut(rest, "?")
	m := Media(media)
	if m != MediaUDP && m != MediaIPC {
		return URI{}, fmt.Errorf("chanuri: unknown media %q", media)
	}

	values, err := url.ParseQuery(strings.ReplaceAll(query, "|", "&"))
	if err != nil {
		return URI{}, fmt.Errorf("chanuri: malformed query: %w", err)
	}

	params := make(map[string]string, len(values))
	for k, v := range values {
		if !recognizedParams[k] {
			return URI{}, fmt.Errorf("chanuri: unrecognized parameter %q", k)
		}
		if len(v) > 0 {
			params[k] = v[len(v)-1]
		}
	}

	return URI{Media: m, Params: params}, nil
}

// Get returns a raw parameter value and whether it was present.
func (u URI) Get(key string) (string, bool) {
	v, ok := u.Params[key]
	return v, ok
}

// Endpoint returns the endpoint param (host:port for UDP unicast/MDC
// subscriber side).
func (u URI) Endpoint() string { v, _ := u.Get("endpoint"); return v }

// Control returns the control param (host:port for the MDC manual
// control address).
func (u URI) Control() string { v, _ := u.Get("control"); return v }

// ControlMode returns the control-mode param, defaulting to none.
func (u URI) ControlMode() ControlMode {
	v, _ := u.Get("control-mode")
	return ControlMode(v)
}

// Reliable returns the reliable param, defaulting to true (spec.md §6:
// reliable delivery is the default transport contract).
func (u URI) Reliable() bool {
	v, ok := u.Get("reliable")
	if !ok {
		return true
	}
	return v != "false"
}

// IntParam returns a numeric parameter, or fallback if absent or
// unparsable.
func (u URI) IntParam(key string, fallback int32) int32 {
	v, ok := u.Get(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fallback
	}
	return int32(n)
}

// Tags returns the comma-separated tags param split into a slice, or nil.
func (u URI) Tags() []string {
	v, ok := u.Get("tags")
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// Canonical computes the canonical form two channels are matched by
// (spec.md §4.3 endpoint keying, §4.4 matching policy): media plus the
// subset of params that identify the underlying socket/transport,
// in a fixed key order, giving a stable string regardless of original
// param order.
//
// For IPC, the canonical form is just "ipc" — all IPC channels on a
// machine share one shared-memory transport. For UDP, it's the
// endpoint/interface/control/control-mode/ttl tuple; params that only
// affect stream framing (mtu, term-length, init-term-id, …) do not
// distinguish one socket from another, since multiple streams can
// multiplex onto the same endpoint.
func (u URI) Canonical() string {
	if u.Media == MediaIPC {
		return "aeron:ipc"
	}

	keys := []string{"endpoint", "interface", "control", "control-mode", "ttl"}
	var b strings.Builder
	b.WriteString("aeron:udp")
	for _, k := range keys {
		v, ok := u.Get(k)
		if !ok || v == "" {
			continue
		}
		b.WriteByte('?')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// ParamKeys returns the sorted set of recognized parameter names, for
// diagnostics and tests.
func ParamKeys() []string {
	keys := make([]string, 0, len(recognizedParams))
	for k := range recognizedParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
