package broadcast

import (
	"testing"
	"time"

	"github.com/shuthost/shuthost/internal/codec"
	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/hoststatus"
	"github.com/shuthost/shuthost/internal/persistence"
)

type fakeConfigSource struct {
	snap *config.Snapshot
}

func (f *fakeConfigSource) Snapshot() *config.Snapshot { return f.snap }

type fakeStatusSetter struct {
	marked []string
}

func (f *fakeStatusSetter) MarkOnline(host string) { f.marked = append(f.marked, host) }

type fakeOverrideWriter struct {
	set map[string]hoststatus.Override
}

func newFakeOverrideWriter() *fakeOverrideWriter {
	return &fakeOverrideWriter{set: map[string]hoststatus.Override{}}
}

func (f *fakeOverrideWriter) Set(hostname string, ov hoststatus.Override) {
	f.set[hostname] = ov
}

type fakeDurable struct {
	saved map[string]persistence.HostOverride
	err   error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{saved: map[string]persistence.HostOverride{}}
}

func (f *fakeDurable) SaveHostOverride(hostname string, o persistence.HostOverride) error {
	if f.err != nil {
		return f.err
	}
	f.saved[hostname] = o
	return nil
}

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{Hosts: map[string]config.HostConfig{
		"testhost": {IP: "192.0.2.1", Port: 9, SharedSecret: "testsecret"},
	}}
}

func signedAnnouncement(t *testing.T, hostname, secret, ip string, port uint16) string {
	t.Helper()
	payload := `{"hostname":"` + hostname + `","ip_address":"` + ip + `","port":` + itoa(port) + `}`
	return codec.Sign(payload, secret, time.Now())
}

func itoa(port uint16) string {
	if port == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for port > 0 {
		i--
		digits[i] = byte('0' + port%10)
		port /= 10
	}
	return string(digits[i:])
}

func TestHandleMessageMarksHostOnlineOnValidAnnouncement(t *testing.T) {
	t.Parallel()

	status := &fakeStatusSetter{}
	overrides := newFakeOverrideWriter()
	durable := newFakeDurable()
	l := New(&fakeConfigSource{snap: testSnapshot()}, status, overrides, durable)

	raw := signedAnnouncement(t, "testhost", "testsecret", "192.0.2.1", 9)
	l.HandleMessage(raw)

	if len(status.marked) != 1 || status.marked[0] != "testhost" {
		t.Fatalf("marked = %v, want [testhost]", status.marked)
	}
	if len(overrides.set) != 0 {
		t.Fatalf("expected no override when announced address matches config, got %v", overrides.set)
	}
	if len(durable.saved) != 0 {
		t.Fatalf("expected no durable write when announced address matches config, got %v", durable.saved)
	}
}

func TestHandleMessageWritesOverrideOnAddressMismatch(t *testing.T) {
	t.Parallel()

	status := &fakeStatusSetter{}
	overrides := newFakeOverrideWriter()
	durable := newFakeDurable()
	l := New(&fakeConfigSource{snap: testSnapshot()}, status, overrides, durable)

	raw := signedAnnouncement(t, "testhost", "testsecret", "192.0.2.99", 9001)
	l.HandleMessage(raw)

	if len(status.marked) != 1 {
		t.Fatalf("expected host marked online, got %v", status.marked)
	}
	ov, ok := overrides.set["testhost"]
	if !ok || ov.IP != "192.0.2.99" || ov.Port != 9001 {
		t.Fatalf("override = %+v (ok=%v), want 192.0.2.99:9001", ov, ok)
	}
	saved, ok := durable.saved["testhost"]
	if !ok || saved.IP != "192.0.2.99" || saved.Port != 9001 {
		t.Fatalf("durable saved = %+v (ok=%v), want 192.0.2.99:9001", saved, ok)
	}
}

func TestHandleMessageDropsUnknownHostname(t *testing.T) {
	t.Parallel()

	status := &fakeStatusSetter{}
	overrides := newFakeOverrideWriter()
	l := New(&fakeConfigSource{snap: testSnapshot()}, status, overrides, nil)

	raw := signedAnnouncement(t, "unknownhost", "testsecret", "192.0.2.1", 9)
	l.HandleMessage(raw)

	if len(status.marked) != 0 {
		t.Fatalf("expected no status change for unknown host, got %v", status.marked)
	}
}

func TestHandleMessageDropsBadSignature(t *testing.T) {
	t.Parallel()

	status := &fakeStatusSetter{}
	overrides := newFakeOverrideWriter()
	l := New(&fakeConfigSource{snap: testSnapshot()}, status, overrides, nil)

	raw := signedAnnouncement(t, "testhost", "wrongsecret", "192.0.2.1", 9)
	l.HandleMessage(raw)

	if len(status.marked) != 0 {
		t.Fatalf("expected no status change for bad signature, got %v", status.marked)
	}
}

func TestHandleDatagramDropsPossiblyTruncatedPayload(t *testing.T) {
	t.Parallel()

	status := &fakeStatusSetter{}
	overrides := newFakeOverrideWriter()
	l := New(&fakeConfigSource{snap: testSnapshot()}, status, overrides, nil)

	raw := signedAnnouncement(t, "testhost", "testsecret", "192.0.2.1", 9)
	l.handleDatagram([]byte(raw), true)

	if len(status.marked) != 0 {
		t.Fatalf("expected possibly-truncated datagram to be dropped, got %v", status.marked)
	}
}

func TestHandleMessageDropsMalformedPayload(t *testing.T) {
	t.Parallel()

	status := &fakeStatusSetter{}
	overrides := newFakeOverrideWriter()
	l := New(&fakeConfigSource{snap: testSnapshot()}, status, overrides, nil)

	// A validly-signed message whose payload isn't a JSON object at all: the
	// hostname peek fails to parse it, so the message never resolves a
	// secret and is dropped before signature validation ever runs.
	raw := codec.Sign("not-json", "testsecret", time.Now())
	l.HandleMessage(raw)

	if len(status.marked) != 0 {
		t.Fatalf("expected no status change, got %v", status.marked)
	}
}

func TestHandleMessageDropsWrongFieldCount(t *testing.T) {
	t.Parallel()

	status := &fakeStatusSetter{}
	overrides := newFakeOverrideWriter()
	l := New(&fakeConfigSource{snap: testSnapshot()}, status, overrides, nil)

	l.HandleMessage("only|two")

	if len(status.marked) != 0 {
		t.Fatalf("expected no status change for malformed framing, got %v", status.marked)
	}
}
