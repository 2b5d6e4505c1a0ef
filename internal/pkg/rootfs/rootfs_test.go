package rootfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDerivePathsAreSiblings(t *testing.T) {
	p := DerivePaths(42)
	if p.UpperDir != p.ContainerRoot+"_upper" {
		t.Errorf("upper dir %q is not derived from container root %q", p.UpperDir, p.ContainerRoot)
	}
	if p.WorkDir != p.ContainerRoot+"_work" {
		t.Errorf("work dir %q is not derived from container root %q", p.WorkDir, p.ContainerRoot)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	base := &BaseImage{Root: filepath.Join(dir, "base")}

	calls := 0
	provision := func(root string) error {
		calls++
		return os.WriteFile(filepath.Join(root, "marker"), []byte("x"), 0o644)
	}

	if err := base.Build(provision); err != nil {
		t.Fatal(err)
	}
	if err := base.Build(provision); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("provision ran %d times, want exactly 1", calls)
	}
	if !base.Ready() {
		t.Error("base image should report ready after Build")
	}
}

func TestTeardownIsIdempotentOnMissingPaths(t *testing.T) {
	dir := t.TempDir()
	p := Paths{
		ContainerRoot: filepath.Join(dir, "root"),
		UpperDir:      filepath.Join(dir, "root_upper"),
		WorkDir:       filepath.Join(dir, "root_work"),
	}
	if err := Teardown(p); err != nil {
		t.Error(err)
	}
	if err := Teardown(p); err != nil {
		t.Error(err)
	}
}

func TestCopyMaterialiseCopiesContent(t *testing.T) {
	dir := t.TempDir()
	baseRoot := filepath.Join(dir, "base")
	if err := os.MkdirAll(baseRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(baseRoot, "hello"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	base := &BaseImage{Root: baseRoot}
	paths := DerivePaths(7)
	paths.ContainerRoot = filepath.Join(dir, "container")

	used, err := Materialise(base, paths, StrategyCopy)
	if err != nil {
		t.Fatal(err)
	}
	if used != StrategyCopy {
		t.Errorf("got strategy %v, want StrategyCopy", used)
	}
	content, err := os.ReadFile(filepath.Join(paths.ContainerRoot, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hi" {
		t.Errorf("copied content %q, want %q", content, "hi")
	}
}
