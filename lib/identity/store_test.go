package identity

import (
	"path/filepath"
	"testing"
)

func TestOpenGeneratesAndPersistsCertificate(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, "my-desktop")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s1.Local().DeviceID == "" {
		t.Fatal("expected generated device id")
	}
	fp1 := s1.LocalFingerprint()

	s2, err := Open(dir, "my-desktop")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.Local().DeviceID != s1.Local().DeviceID {
		t.Error("device id should be stable across restarts")
	}
	if s2.LocalFingerprint() != fp1 {
		t.Error("fingerprint should be stable across restarts")
	}
}

func TestPersistTrustAndVerify(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "desktop")
	if err != nil {
		t.Fatal(err)
	}

	const peer = "peer-1"
	if err := s.VerifyFingerprint(peer, "AA:BB"); err != ErrUntrusted {
		t.Fatalf("expected ErrUntrusted before pairing, got %v", err)
	}

	if err := s.PersistTrust(peer, "aa:bb:cc"); err != nil {
		t.Fatal(err)
	}
	if err := s.VerifyFingerprint(peer, "AA:BB:CC"); err != nil {
		t.Fatalf("expected case-insensitive match, got %v", err)
	}
	if err := s.VerifyFingerprint(peer, "DD:EE:FF"); err != ErrMismatch {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}

	if err := s.DeleteTrust(peer); err != nil {
		t.Fatal(err)
	}
	if err := s.VerifyFingerprint(peer, "AA:BB:CC"); err != ErrUntrusted {
		t.Fatalf("expected ErrUntrusted after unpair, got %v", err)
	}
	// Idempotent unpair.
	if err := s.DeleteTrust(peer); err != nil {
		t.Fatalf("second unpair should be a no-op, got %v", err)
	}
}

func TestDevicesPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "desktop")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PersistTrust("peer-2", "11:22:33"); err != nil {
		t.Fatal(err)
	}
	if err := s.Teardown(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir, "desktop")
	if err != nil {
		t.Fatal(err)
	}
	d, ok := s2.Device("peer-2")
	if !ok || d.State != Paired || d.Fingerprint != "11:22:33" {
		t.Fatalf("expected persisted paired device, got %+v ok=%v", d, ok)
	}
	if _, err := filepath.Abs(dir); err != nil {
		t.Fatal(err)
	}
}
