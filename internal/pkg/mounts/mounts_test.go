package mounts

import (
	"strings"
	"testing"
)

func TestEssentialDevicesTableHasSevenEntries(t *testing.T) {
	if len(essentialDevices) != 7 {
		t.Errorf("got %d devices, want 7", len(essentialDevices))
	}
}

func TestEssentialDevicesHaveUniqueMajorMinorPairs(t *testing.T) {
	seen := map[[2]uint32]string{}
	for _, d := range essentialDevices {
		key := [2]uint32{d.major, d.minor}
		if other, ok := seen[key]; ok {
			t.Errorf("%s and %s share major:minor %d:%d", d.path, other, d.major, d.minor)
		}
		seen[key] = d.path
	}
}

func TestParentDir(t *testing.T) {
	cases := map[string]string{
		"/a/b/c": "/a/b",
		"/a":     "/",
		"/":      "/",
	}
	for in, want := range cases {
		if got := parentDir(in); got != want {
			t.Errorf("parentDir(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAlreadyMountedOnRoot(t *testing.T) {
	mounted, err := AlreadyMounted("/")
	if err != nil {
		t.Fatal(err)
	}
	if !mounted {
		t.Error("/ should always be reported as mounted")
	}
}

func TestRenderMeminfoReflectsCeiling(t *testing.T) {
	content := string(RenderMeminfo(1024 * 1024 * 1024))
	if !strings.Contains(content, "MemTotal:       1048576 kB") {
		t.Errorf("got %q, want a MemTotal line for 1048576 kB", content)
	}
	if !strings.Contains(content, "SwapTotal:           0 kB") {
		t.Error("synthetic meminfo should always report zero swap")
	}
}
