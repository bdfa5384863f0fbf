package persistence

import (
	"path/filepath"
	"testing"

	"github.com/shuthost/shuthost/internal/leasestore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "shuthost.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLeaseRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.InsertLease("h1", leasestore.WebInterface()); err != nil {
		t.Fatalf("InsertLease() error = %v", err)
	}
	if err := s.InsertLease("h1", leasestore.Client("ci")); err != nil {
		t.Fatalf("InsertLease() error = %v", err)
	}

	loaded, err := s.LoadLeases()
	if err != nil {
		t.Fatalf("LoadLeases() error = %v", err)
	}
	if len(loaded["h1"]) != 2 {
		t.Fatalf("expected 2 leases for h1, got %d", len(loaded["h1"]))
	}

	if err := s.DeleteLease("h1", leasestore.WebInterface()); err != nil {
		t.Fatalf("DeleteLease() error = %v", err)
	}
	loaded, _ = s.LoadLeases()
	if len(loaded["h1"]) != 1 {
		t.Fatalf("expected 1 lease remaining for h1, got %d", len(loaded["h1"]))
	}
}

func TestDeleteClientLeasesAcrossHosts(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_ = s.InsertLease("h1", leasestore.Client("ci"))
	_ = s.InsertLease("h2", leasestore.Client("ci"))
	_ = s.InsertLease("h2", leasestore.WebInterface())

	if err := s.DeleteClientLeases("ci"); err != nil {
		t.Fatalf("DeleteClientLeases() error = %v", err)
	}

	loaded, _ := s.LoadLeases()
	if _, ok := loaded["h1"]; ok {
		t.Fatal("expected h1 to have no leases after client purge")
	}
	if len(loaded["h2"]) != 1 {
		t.Fatalf("expected h2 to retain its web lease, got %d leases", len(loaded["h2"]))
	}
}

func TestHostOverrideRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.SaveHostOverride("h1", HostOverride{IP: "10.0.0.5", Port: 1234}); err != nil {
		t.Fatalf("SaveHostOverride() error = %v", err)
	}

	overrides, err := s.LoadHostOverrides()
	if err != nil {
		t.Fatalf("LoadHostOverrides() error = %v", err)
	}
	got, ok := overrides["h1"]
	if !ok || got.IP != "10.0.0.5" || got.Port != 1234 {
		t.Fatalf("unexpected override: %+v (ok=%v)", got, ok)
	}

	// Upsert should replace, not duplicate.
	if err := s.SaveHostOverride("h1", HostOverride{IP: "10.0.0.6", Port: 4321}); err != nil {
		t.Fatalf("SaveHostOverride() update error = %v", err)
	}
	overrides, _ = s.LoadHostOverrides()
	if overrides["h1"].IP != "10.0.0.6" {
		t.Fatalf("expected override to be updated, got %+v", overrides["h1"])
	}
}

func TestKVRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if _, ok, err := s.GetKV("cookie_secret"); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}

	if err := s.SetKV("cookie_secret", "abc123"); err != nil {
		t.Fatalf("SetKV() error = %v", err)
	}

	val, ok, err := s.GetKV("cookie_secret")
	if err != nil || !ok || val != "abc123" {
		t.Fatalf("GetKV() = (%q, %v, %v), want (abc123, true, nil)", val, ok, err)
	}

	if err := s.SetKV("cookie_secret", "def456"); err != nil {
		t.Fatalf("SetKV() update error = %v", err)
	}
	val, _, _ = s.GetKV("cookie_secret")
	if val != "def456" {
		t.Fatalf("expected updated value, got %q", val)
	}
}

func TestLeasesSurviveReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "shuthost.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = s1.InsertLease("h1", leasestore.WebInterface())
	_ = s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer s2.Close()

	loaded, err := s2.LoadLeases()
	if err != nil {
		t.Fatalf("LoadLeases() error = %v", err)
	}
	if len(loaded["h1"]) != 1 {
		t.Fatalf("expected lease to survive restart, got %d", len(loaded["h1"]))
	}
}
