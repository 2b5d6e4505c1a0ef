package identity

import (
	"os"
	"testing"
)

func TestResolveHonoursSudoEnv(t *testing.T) {
	oldUID, hadUID := os.LookupEnv("SUDO_UID")
	oldGID, hadGID := os.LookupEnv("SUDO_GID")
	t.Cleanup(func() {
		restoreEnv(t, "SUDO_UID", oldUID, hadUID)
		restoreEnv(t, "SUDO_GID", oldGID, hadGID)
	})

	os.Setenv("SUDO_UID", "1000")
	os.Setenv("SUDO_GID", "1000")

	real, err := Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if real.UID != 1000 || real.GID != 1000 {
		t.Errorf("got %+v, want uid=gid=1000", real)
	}
}

func TestResolveFallsBackToKernelIdentityOnMalformedEnv(t *testing.T) {
	oldUID, hadUID := os.LookupEnv("SUDO_UID")
	t.Cleanup(func() { restoreEnv(t, "SUDO_UID", oldUID, hadUID) })

	os.Setenv("SUDO_UID", "not-a-number")

	if _, err := Resolve(); err != nil {
		t.Fatalf("malformed SUDO_UID should fall back, not error: %v", err)
	}
}

func TestMapRejectsNonPositivePID(t *testing.T) {
	m := New(RealIDs{UID: 1000, GID: 1000})
	if err := m.Map(0); err == nil {
		t.Error("expected error for pid 0")
	}
	if err := m.Map(-1); err == nil {
		t.Error("expected error for negative pid")
	}
}

func restoreEnv(t *testing.T, key, value string, had bool) {
	t.Helper()
	if had {
		os.Setenv(key, value)
	} else {
		os.Unsetenv(key)
	}
}
