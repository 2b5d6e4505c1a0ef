// Package rootfs implements the Rootfs Manager: one-time base image
// construction and per-container writable layering via Copy, Bind, or
// Overlay strategies, grounded on original_source/rootfs.c's
// setup_container_rootfs and the REDESIGN FLAGS guidance to replace its
// `cp -a` shell-outs with native filesystem APIs.
package rootfs

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/continuity/fs"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/cntr-run/cntr/internal/pkg/buildcfg"
	"github.com/cntr-run/cntr/pkg/rlog"
)

// Strategy selects how a per-container writable view of the base image is
// materialised.
type Strategy int

const (
	StrategyOverlay Strategy = iota
	StrategyBind
	StrategyCopy
)

// BaseImage is the shared, read-only (by convention) directory tree every
// container layers on top of.
type BaseImage struct {
	Root string
}

// Open returns the BaseImage rooted at buildcfg.BaseImageRoot without
// checking readiness; callers that need to know whether it requires
// construction should call Ready.
func Open() *BaseImage {
	return &BaseImage{Root: buildcfg.BaseImageRoot}
}

// Ready reports whether the sentinel marker is present.
func (b *BaseImage) Ready() bool {
	_, err := os.Stat(b.sentinelPath())
	return err == nil
}

func (b *BaseImage) sentinelPath() string {
	p, err := securejoin.SecureJoin(b.Root, buildcfg.ReadyMarker)
	if err != nil {
		return b.Root + "/" + buildcfg.ReadyMarker
	}
	return p
}

// ProvisionFunc performs the actual bulk content population of a fresh
// base image tree (copying host binaries, shared libraries, terminfo
// databases, package-manager state files). Its internals are outside the
// orchestrator's scope; the manager only owns sequencing, locking, and the
// sentinel.
type ProvisionFunc func(root string) error

// Build constructs the base image if it is not already marked ready.
// Construction is serialised with a file lock beside the sentinel so two
// concurrent first-run invocations cannot interleave mkdir/copy on the
// same tree — this is the resolution of the concurrency-safety open
// question rather than leaving the race undefined.
func (b *BaseImage) Build(provision ProvisionFunc) error {
	if b.Ready() {
		rlog.Debugf("rootfs: base image already present at %s", b.Root)
		return nil
	}

	if err := os.MkdirAll(b.Root, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("rootfs: creating base image root %s: %w", b.Root, err)
	}

	lockPath, err := securejoin.SecureJoin(b.Root, buildcfg.BuildLockFile)
	if err != nil {
		return fmt.Errorf("rootfs: resolving build lock path: %w", err)
	}
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("rootfs: acquiring base image build lock: %w", err)
	}
	defer lock.Unlock()

	// Re-check readiness now that we hold the lock: another process may
	// have finished the build while we were waiting.
	if b.Ready() {
		rlog.Debugf("rootfs: base image was built by a concurrent invocation")
		return nil
	}

	rlog.Infof("rootfs: building base image at %s", b.Root)
	if err := provision(b.Root); err != nil {
		return fmt.Errorf("rootfs: base image provisioning failed: %w", err)
	}

	if err := os.WriteFile(b.sentinelPath(), []byte{}, 0o644); err != nil {
		return fmt.Errorf("rootfs: writing ready marker: %w", err)
	}
	rlog.Infof("rootfs: base image ready")
	return nil
}

// Paths is the set of absolute paths a WritableOverlay owns, derived from
// a container id.
type Paths struct {
	ContainerRoot string
	UpperDir      string
	WorkDir       string
}

// DerivePaths returns the canonical paths for containerID.
func DerivePaths(containerID int) Paths {
	base := fmt.Sprintf("%s%d", buildcfg.ContainerRootPrefix, containerID)
	return Paths{
		ContainerRoot: base,
		UpperDir:      base + "_upper",
		WorkDir:       base + "_work",
	}
}

// PreCreateUpperDirs lists directories materialised inside the upper layer
// immediately after a successful Overlay mount, so they are guaranteed
// writable from the first instruction the guest executes. Resolves the
// open question in the design notes by exposing this as configuration
// rather than a hard-coded list; callers may extend it per deployment.
var PreCreateUpperDirs = []string{"/tmp"}

// Materialise builds the writable view for a container using strategy,
// falling back to Copy if Overlay is requested but refused by the kernel.
// It returns the Strategy actually used, which may differ from the one
// requested.
func Materialise(base *BaseImage, paths Paths, want Strategy) (Strategy, error) {
	switch want {
	case StrategyBind:
		if err := bindMaterialise(base, paths); err != nil {
			return StrategyBind, fmt.Errorf("rootfs: bind materialise: %w", err)
		}
		return StrategyBind, nil

	case StrategyOverlay:
		if err := overlayMaterialise(base, paths); err != nil {
			rlog.Warningf("rootfs: overlay mount refused, falling back to copy: %v", err)
			if cerr := copyMaterialise(base, paths); cerr != nil {
				return StrategyCopy, fmt.Errorf("rootfs: copy fallback after overlay refusal: %w", cerr)
			}
			return StrategyCopy, nil
		}
		return StrategyOverlay, nil

	default: // StrategyCopy
		if err := copyMaterialise(base, paths); err != nil {
			return StrategyCopy, fmt.Errorf("rootfs: copy materialise: %w", err)
		}
		return StrategyCopy, nil
	}
}

func copyMaterialise(base *BaseImage, paths Paths) error {
	if err := os.MkdirAll(paths.ContainerRoot, 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	return fs.CopyDir(paths.ContainerRoot, base.Root)
}

func bindMaterialise(base *BaseImage, paths Paths) error {
	if err := os.MkdirAll(paths.ContainerRoot, 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	return unix.Mount(base.Root, paths.ContainerRoot, "", unix.MS_BIND, "")
}

func overlayMaterialise(base *BaseImage, paths Paths) error {
	for _, dir := range []string{paths.ContainerRoot, paths.UpperDir, paths.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", base.Root, paths.UpperDir, paths.WorkDir)
	if err := unix.Mount("overlay", paths.ContainerRoot, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mounting overlay: %w", err)
	}

	if err := probeFunctional(paths.ContainerRoot); err != nil {
		_ = unix.Unmount(paths.ContainerRoot, 0)
		return fmt.Errorf("overlay functional probe failed: %w", err)
	}

	for _, rel := range PreCreateUpperDirs {
		dir, err := securejoin.SecureJoin(paths.UpperDir, rel)
		if err != nil {
			rlog.Warningf("rootfs: skipping pre-create of %s: %v", rel, err)
			continue
		}
		if err := os.MkdirAll(dir, 0o1777); err != nil && !os.IsExist(err) {
			rlog.Warningf("rootfs: pre-creating %s in upper layer: %v", rel, err)
		}
	}
	return nil
}

// probeFunctional performs the "touch then unlink" check that verifies the
// overlay mount actually accepts writes, rather than trusting the mount
// syscall's success alone.
func probeFunctional(containerRoot string) error {
	probe, err := securejoin.SecureJoin(containerRoot, ".cntr-overlay-probe")
	if err != nil {
		return err
	}
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

// Teardown removes a container's writable layer. It is idempotent: it is
// not an error for the directories to already be gone, or for the upper
// and work directories to never have existed (Copy and Bind strategies
// never create them). Bind/overlay mounts the child made live in the
// child's own, private mount namespace (stage2 marks "/" MS_PRIVATE
// before mounting anything) and vanish automatically when that namespace
// is destroyed at child exit, which always happens before Teardown runs
// — so the explicit Unmount attempt here only ever fires in the
// unexpected case where that assumption didn't hold, and its failure is
// tolerated rather than treated as an error.
func Teardown(paths Paths) error {
	var errs []error

	if err := unix.Unmount(paths.ContainerRoot, unix.MNT_DETACH); err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOENT) {
		rlog.Debugf("rootfs: teardown unmount of %s: %v", paths.ContainerRoot, err)
	}

	if err := os.RemoveAll(paths.ContainerRoot); err != nil {
		errs = append(errs, fmt.Errorf("removing %s: %w", paths.ContainerRoot, err))
	}
	if err := os.RemoveAll(paths.UpperDir); err != nil {
		errs = append(errs, fmt.Errorf("removing %s: %w", paths.UpperDir, err))
	}
	if err := os.RemoveAll(paths.WorkDir); err != nil {
		errs = append(errs, fmt.Errorf("removing %s: %w", paths.WorkDir, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("rootfs: teardown encountered errors: %v", errs)
	}
	return nil
}
