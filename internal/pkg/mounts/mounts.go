// Package mounts implements the Mount Topology Builder: device node
// staging, devtmpfs/devpts/proc/sysfs mounts, pivot, and the synthetic
// meminfo bind, grounded on original_source/rootfs.c's device table and
// the pre/post-pivot split the design notes call out as kernel-mandated.
package mounts

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	securejoin "github.com/cyphar/filepath-securejoin"
	mobymount "github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/cntr-run/cntr/pkg/rlog"
)

// RenderMeminfo fabricates the contents of a synthetic /proc/meminfo for a
// container capped at memoryBytes, the same approximate breakdown
// original_source/main.c's create_virtual_meminfo computes: 80% of the
// ceiling reported free, 75% reported available, 15% cached, 5% buffers,
// with no swap. It exists so tools inside the container that read
// /proc/meminfo directly (free, some language runtimes sizing a heap) see
// numbers consistent with the cgroup ceiling rather than the host's own
// memory, which the kernel's real /proc/meminfo would otherwise report
// unchanged regardless of the container's limit.
func RenderMeminfo(memoryBytes int64) []byte {
	totalKB := memoryBytes / 1024
	freeKB := totalKB * 80 / 100
	availableKB := totalKB * 75 / 100
	cachedKB := totalKB * 15 / 100
	buffersKB := totalKB * 5 / 100
	activeKB := totalKB - freeKB

	return []byte(fmt.Sprintf(
		"MemTotal:       %d kB\n"+
			"MemFree:        %d kB\n"+
			"MemAvailable:   %d kB\n"+
			"Buffers:        %d kB\n"+
			"Cached:         %d kB\n"+
			"SwapCached:          0 kB\n"+
			"Active:         %d kB\n"+
			"Inactive:            0 kB\n"+
			"SwapTotal:           0 kB\n"+
			"SwapFree:            0 kB\n"+
			"Dirty:               0 kB\n"+
			"Writeback:           0 kB\n"+
			"Shmem:               0 kB\n"+
			"Slab:                0 kB\n"+
			"SReclaimable:        0 kB\n"+
			"SUnreclaim:          0 kB\n",
		totalKB, freeKB, availableKB, buffersKB, cachedKB, activeKB))
}

// device describes one of the essential character devices staged before
// pivot, either by host bind mount or, failing that, by mknod with its
// canonical major/minor pair.
type device struct {
	path  string
	major uint32
	minor uint32
}

// essentialDevices is the canonical seven-device table. /dev/full is
// included alongside the six devices bound directly from the host,
// matching the fallback table original_source/main.c builds for mknod.
var essentialDevices = []device{
	{"/dev/null", 1, 3},
	{"/dev/zero", 1, 5},
	{"/dev/random", 1, 8},
	{"/dev/urandom", 1, 9},
	{"/dev/tty", 5, 0},
	{"/dev/console", 5, 1},
	{"/dev/full", 1, 7},
}

// hostBindable is the subset of essentialDevices bound directly from the
// host rather than only ever mknod'd; /dev/full has no reliable host
// source node on every distribution, so it is always mknod'd.
var hostBindable = map[string]bool{
	"/dev/null":    true,
	"/dev/zero":    true,
	"/dev/random":  true,
	"/dev/urandom": true,
	"/dev/tty":     true,
	"/dev/console": true,
}

// Topology drives the pre-pivot, pivot, and post-pivot mount sequence for
// a single container. All steps beyond pivot itself are best-effort: a
// failure is logged and staging continues so the guest shell still comes
// up, per the design's degrading-error policy.
type Topology struct {
	ContainerRoot  string
	MemoryBytes    int64
	MeminfoContent []byte // pre-rendered; generation is out of scope here
}

// StageDevices binds the host device nodes onto pre-created empty regular
// files inside the container tree, then attempts devtmpfs, falling back to
// manual mknod of the canonical table entries on failure.
func (t *Topology) StageDevices() {
	devDir, err := securejoin.SecureJoin(t.ContainerRoot, "dev")
	if err != nil {
		rlog.Warningf("mounts: resolving dev dir: %v", err)
		return
	}
	if err := os.MkdirAll(devDir, 0o755); err != nil && !os.IsExist(err) {
		rlog.Warningf("mounts: creating %s: %v", devDir, err)
	}

	for path, ok := range hostBindable {
		if !ok {
			continue
		}
		t.bindDevice(path)
	}

	if mounted, err := AlreadyMounted(devDir); err != nil {
		rlog.Warningf("mounts: checking whether %s is already mounted: %v", devDir, err)
	} else if mounted {
		rlog.Debugf("mounts: %s already mounted, skipping devtmpfs", devDir)
		return
	}

	if err := mobymount.Mount("devtmpfs", devDir, "devtmpfs", ""); err != nil {
		rlog.Warningf("mounts: devtmpfs refused (%v), falling back to manual device nodes", err)
		t.mknodFallback()
	}
}

func (t *Topology) bindDevice(hostPath string) {
	target, err := securejoin.SecureJoin(t.ContainerRoot, hostPath)
	if err != nil {
		rlog.Warningf("mounts: resolving target for %s: %v", hostPath, err)
		return
	}
	if err := os.MkdirAll(parentDir(target), 0o755); err != nil && !os.IsExist(err) {
		rlog.Warningf("mounts: creating parent of %s: %v", target, err)
	}
	if f, err := os.OpenFile(target, os.O_CREATE, 0o666); err == nil {
		f.Close()
	}
	if mounted, err := AlreadyMounted(target); err != nil {
		rlog.Warningf("mounts: checking whether %s is already mounted: %v", target, err)
	} else if mounted {
		rlog.Debugf("mounts: %s already mounted, skipping bind", target)
		return
	}
	if err := unix.Mount(hostPath, target, "", unix.MS_BIND, ""); err != nil {
		rlog.Warningf("mounts: binding %s onto %s: %v", hostPath, target, err)
	}
}

func (t *Topology) mknodFallback() {
	for _, d := range essentialDevices {
		target, err := securejoin.SecureJoin(t.ContainerRoot, d.path)
		if err != nil {
			rlog.Warningf("mounts: resolving mknod target %s: %v", d.path, err)
			continue
		}
		if err := os.MkdirAll(parentDir(target), 0o755); err != nil && !os.IsExist(err) {
			rlog.Warningf("mounts: creating parent of %s: %v", target, err)
		}
		dev := unix.Mkdev(d.major, d.minor)
		if err := unix.Mknod(target, unix.S_IFCHR|0o666, int(dev)); err != nil {
			rlog.Warningf("mounts: mknod %s (%d,%d): %v", target, d.major, d.minor, err)
		}
	}
}

// StagePts mounts a fresh devpts instance at <root>/dev/pts, falling back
// to a plain mount if "newinstance,ptmxmode=0666" is rejected, and creates
// the /dev/ptmx symlink.
func (t *Topology) StagePts() {
	ptsDir, err := securejoin.SecureJoin(t.ContainerRoot, "dev/pts")
	if err != nil {
		rlog.Warningf("mounts: resolving devpts dir: %v", err)
		return
	}
	if err := os.MkdirAll(ptsDir, 0o755); err != nil && !os.IsExist(err) {
		rlog.Warningf("mounts: creating %s: %v", ptsDir, err)
	}

	if mounted, err := AlreadyMounted(ptsDir); err != nil {
		rlog.Warningf("mounts: checking whether %s is already mounted: %v", ptsDir, err)
	} else if mounted {
		rlog.Debugf("mounts: %s already mounted, skipping devpts", ptsDir)
		t.relinkPtmx()
		return
	}

	if err := mobymount.Mount("devpts", ptsDir, "devpts", "newinstance,ptmxmode=0666"); err != nil {
		rlog.Warningf("mounts: devpts newinstance refused (%v), retrying without options", err)
		if err := mobymount.Mount("devpts", ptsDir, "devpts", ""); err != nil {
			rlog.Warningf("mounts: devpts mount failed entirely: %v", err)
			return
		}
	}
	t.relinkPtmx()
}

func (t *Topology) relinkPtmx() {
	ptmx, err := securejoin.SecureJoin(t.ContainerRoot, "dev/ptmx")
	if err != nil {
		rlog.Warningf("mounts: resolving /dev/ptmx: %v", err)
		return
	}
	_ = os.Remove(ptmx)
	if err := os.Symlink("pts/ptmx", ptmx); err != nil {
		rlog.Warningf("mounts: symlinking /dev/ptmx: %v", err)
	}
}

// StageMeminfo, when a memory ceiling is configured, writes the
// pre-rendered meminfo text to a scratch path inside <root>/tmp so it can
// be bind-mounted over /proc/meminfo after pivot. Returns the scratch path,
// or "" if no meminfo was staged.
func (t *Topology) StageMeminfo() string {
	if t.MemoryBytes <= 0 || len(t.MeminfoContent) == 0 {
		return ""
	}
	tmpDir, err := securejoin.SecureJoin(t.ContainerRoot, "tmp")
	if err != nil {
		rlog.Warningf("mounts: resolving tmp dir: %v", err)
		return ""
	}
	if err := os.MkdirAll(tmpDir, 0o1777); err != nil && !os.IsExist(err) {
		rlog.Warningf("mounts: creating %s: %v", tmpDir, err)
	}
	scratch, err := securejoin.SecureJoin(tmpDir, ".cntr-meminfo")
	if err != nil {
		rlog.Warningf("mounts: resolving meminfo scratch path: %v", err)
		return ""
	}
	if err := os.WriteFile(scratch, t.MeminfoContent, 0o444); err != nil {
		rlog.Warningf("mounts: staging synthetic meminfo: %v", err)
		return ""
	}
	return scratch
}

// Pivot changes root to the container tree and working directory to /. It
// is the one hard dependency point in the topology sequence: every
// subsequent mount targets container-internal paths rather than paths
// joined against the host view.
func Pivot(containerRoot string) error {
	if err := unix.Chroot(containerRoot); err != nil {
		return fmt.Errorf("mounts: chroot(%s): %w", containerRoot, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("mounts: chdir(/): %w", err)
	}
	return nil
}

// StagePostPivot mounts proc, sysfs, re-mounts devpts, and (if a scratch
// path was staged pre-pivot) bind-mounts the synthetic meminfo over
// /proc/meminfo. Must be called after Pivot. Every step here is
// best-effort.
func StagePostPivot(meminfoScratch string) {
	if mounted, err := AlreadyMounted("/proc"); err != nil {
		rlog.Warningf("mounts: checking whether /proc is already mounted: %v", err)
	} else if !mounted {
		if err := mobymount.Mount("proc", "/proc", "proc", ""); err != nil {
			rlog.Warningf("mounts: mounting /proc: %v (process-inspection tools may misbehave)", err)
		}
	}
	if mounted, err := AlreadyMounted("/sys"); err != nil {
		rlog.Warningf("mounts: checking whether /sys is already mounted: %v", err)
	} else if !mounted {
		if err := mobymount.Mount("sysfs", "/sys", "sysfs", ""); err != nil {
			rlog.Warningf("mounts: mounting /sys: %v", err)
		}
	}

	if err := os.MkdirAll("/dev/pts", 0o755); err != nil && !os.IsExist(err) {
		rlog.Warningf("mounts: creating /dev/pts post-pivot: %v", err)
	}
	if mounted, err := AlreadyMounted("/dev/pts"); err != nil {
		rlog.Warningf("mounts: checking whether /dev/pts is already mounted: %v", err)
	} else if !mounted {
		if err := mobymount.Mount("devpts", "/dev/pts", "devpts", "newinstance,ptmxmode=0666"); err != nil {
			if err := mobymount.Mount("devpts", "/dev/pts", "devpts", ""); err != nil {
				rlog.Warningf("mounts: post-pivot devpts mount failed: %v", err)
			}
		}
	}
	_ = os.Remove("/dev/ptmx")
	if err := os.Symlink("pts/ptmx", "/dev/ptmx"); err != nil {
		rlog.Warningf("mounts: post-pivot /dev/ptmx symlink: %v", err)
	}
	verifyPtsFunctional()

	if meminfoScratch != "" {
		if err := unix.Mount(meminfoScratch, "/proc/meminfo", "", unix.MS_BIND, ""); err != nil {
			rlog.Warningf("mounts: bind-mounting synthetic meminfo: %v (cgroup limit remains authoritative)", err)
		}
	}
}

// verifyPtsFunctional opens and immediately closes a pty pair against the
// just-mounted devpts instance. /dev/ptmx resolves inside the container's
// own tree at this point (we are past Pivot), so this exercises the
// container's own devpts instance rather than the host's. Failure is
// logged, not fatal: a guest shell started without a working pty still
// runs, just without job control.
func verifyPtsFunctional() {
	master, slave, err := pty.Open()
	if err != nil {
		rlog.Warningf("mounts: devpts functional check failed: %v", err)
		return
	}
	slave.Close()
	master.Close()
}

// AlreadyMounted reports whether target appears in the current mount
// namespace's mount table, used to make the overlay/copy fallback path and
// repeated pivots idempotent.
func AlreadyMounted(target string) (bool, error) {
	mounted, err := mountinfo.Mounted(target)
	if err != nil {
		return false, fmt.Errorf("mounts: checking mount table for %s: %w", target, err)
	}
	return mounted, nil
}

func parentDir(path string) string {
	i := len(path) - 1
	for i > 0 && path[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
