// Package cgroups implements the Cgroup Controller: hierarchy-version
// detection, per-container node creation, limit translation, PID
// enrollment, and cleanup. It is grounded directly on the control-file
// read/write sequence in original_source/cgroup.c (write order, clamp
// formula, tasks-vs-procs enrollment point), re-expressed with Go
// filesystem APIs in place of fopen/fprintf shell-adjacent calls.
package cgroups

import (
	"fmt"
	"os"

	"github.com/ccoveille/go-safecast"
	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/cntr-run/cntr/internal/pkg/buildcfg"
	"github.com/cntr-run/cntr/pkg/limits"
	"github.com/cntr-run/cntr/pkg/rlog"
)

// Version is the detected cgroup hierarchy kind.
type Version int

const (
	// VersionNone means no cgroup filesystem was found; the controller
	// enters degraded mode and every Attach call is a silent no-op.
	VersionNone Version = iota
	VersionV1
	VersionV2
)

// Layout is a tagged variant over the two supported hierarchy shapes. It is
// chosen once per process by Probe and never re-evaluated.
type Layout struct {
	Version Version
	// RootV2 is the unified hierarchy mountpoint, valid when Version == VersionV2.
	RootV2 string
	// RootV1 is the parent of the per-controller subsystem directories,
	// valid when Version == VersionV1.
	RootV1 string
}

// controllersV1 is the fixed set of v1 subsystems this controller manages.
var controllersV1 = []string{"memory", "cpu", "pids"}

// Probe inspects the host's cgroup filesystem and returns the Layout to
// use for the remainder of the process lifetime.
func Probe() Layout {
	if fi, err := os.Stat(buildcfg.CgroupRootV2 + "/cgroup.controllers"); err == nil && !fi.IsDir() {
		return Layout{Version: VersionV2, RootV2: buildcfg.CgroupRootV2}
	}
	if fi, err := os.Stat(buildcfg.CgroupRootV1 + "/memory"); err == nil && fi.IsDir() {
		return Layout{Version: VersionV1, RootV1: buildcfg.CgroupRootV1}
	}
	rlog.Warningf("no cgroup hierarchy detected, resource limits will not be enforced")
	return Layout{Version: VersionNone}
}

// Controller attaches a process to a named cgroup node under a probed
// Layout and translates a limits.Spec into the node's control files.
type Controller struct {
	layout Layout
}

// New constructs a Controller bound to layout.
func New(layout Layout) *Controller {
	return &Controller{layout: layout}
}

// Attach creates the cgroup node(s) for name, enrolls pid, and writes every
// non-zero field of spec. Every individual control-file write is
// non-fatal: a failure is logged as a warning and the remaining limits
// still apply, per the degrading-error-policy in the design.
func (c *Controller) Attach(pid int, spec limits.Spec, name string) error {
	if c.layout.Version == VersionNone {
		rlog.Debugf("cgroups: degraded mode, Attach(%s) is a no-op", name)
		return nil
	}

	safePid, err := ToPid(pid)
	if err != nil {
		return fmt.Errorf("cgroups: %w", err)
	}

	switch c.layout.Version {
	case VersionV2:
		return c.attachV2(safePid, spec, name)
	case VersionV1:
		return c.attachV1(safePid, spec, name)
	default:
		return nil
	}
}

func (c *Controller) attachV2(pid int, spec limits.Spec, name string) error {
	path, err := securejoin.SecureJoin(c.layout.RootV2, name)
	if err != nil {
		return fmt.Errorf("cgroups: resolving v2 node path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil && !os.IsExist(err) {
		rlog.Warningf("cgroups: cannot create v2 node %s: %v", path, err)
		return nil
	}

	// Enroll before writing limits: some kernels reject limit writes to an
	// empty group.
	writeFile(path, "cgroup.procs", fmt.Sprintf("%d", pid))

	// Best-effort controller enablement at the hierarchy root; a
	// pre-existing enablement is fine.
	writeFile(c.layout.RootV2, "cgroup.subtree_control", "+cpu +memory +pids")

	if spec.MemoryBytes > 0 {
		writeFile(path, "memory.max", fmt.Sprintf("%d", spec.MemoryBytes))
	}
	if spec.CPUShares > 0 {
		writeFile(path, "cpu.weight", fmt.Sprintf("%d", limits.CPUWeight(spec.CPUShares)))
	}
	if spec.CPUQuotaUS > 0 {
		writeFile(path, "cpu.max", fmt.Sprintf("%d 100000", spec.CPUQuotaUS))
	}
	if spec.PidsMax > 0 {
		writeFile(path, "pids.max", fmt.Sprintf("%d", spec.PidsMax))
	}
	return nil
}

func (c *Controller) attachV1(pid int, spec limits.Spec, name string) error {
	if spec.MemoryBytes > 0 {
		c.attachV1Controller(pid, "memory", name, "memory.limit_in_bytes", fmt.Sprintf("%d", spec.MemoryBytes))
	}
	if spec.CPUShares > 0 || spec.CPUQuotaUS > 0 {
		path, ok := c.ensureV1Node("cpu", name)
		if ok {
			if spec.CPUShares > 0 {
				writeFile(path, "cpu.shares", fmt.Sprintf("%d", spec.CPUShares))
			}
			if spec.CPUQuotaUS > 0 {
				writeFile(path, "cpu.cfs_quota_us", fmt.Sprintf("%d", spec.CPUQuotaUS))
			}
			writeFile(path, "tasks", fmt.Sprintf("%d", pid))
		}
	}
	if spec.PidsMax > 0 {
		c.attachV1Controller(pid, "pids", name, "pids.max", fmt.Sprintf("%d", spec.PidsMax))
	}
	return nil
}

// attachV1Controller creates <root>/<controller>/<name>, writes a single
// limit file, then enrolls pid into tasks — the v1 order is limit-then-pid,
// the inverse of v2.
func (c *Controller) attachV1Controller(pid int, controller, name, limitFile, limitValue string) {
	path, ok := c.ensureV1Node(controller, name)
	if !ok {
		return
	}
	writeFile(path, limitFile, limitValue)
	writeFile(path, "tasks", fmt.Sprintf("%d", pid))
}

func (c *Controller) ensureV1Node(controller, name string) (string, bool) {
	path, err := securejoin.SecureJoin(c.layout.RootV1, controller+"/"+name)
	if err != nil {
		rlog.Warningf("cgroups: resolving v1 node path for %s: %v", controller, err)
		return "", false
	}
	if err := os.MkdirAll(path, 0o755); err != nil && !os.IsExist(err) {
		rlog.Warningf("cgroups: cannot create %s cgroup %s: %v", controller, path, err)
		return "", false
	}
	return path, true
}

// Cleanup removes the cgroup node(s) for name. It is idempotent: removing a
// node that does not exist is not an error. The only reason removal can
// genuinely fail is a non-empty group, which implies a caller bug upstream
// (a process was not fully reaped before Cleanup ran).
func (c *Controller) Cleanup(name string) error {
	switch c.layout.Version {
	case VersionV2:
		path, err := securejoin.SecureJoin(c.layout.RootV2, name)
		if err != nil {
			return nil
		}
		return removeIgnoreBusy(path)
	case VersionV1:
		for _, controller := range controllersV1 {
			path, err := securejoin.SecureJoin(c.layout.RootV1, controller+"/"+name)
			if err != nil {
				continue
			}
			if err := removeIgnoreBusy(path); err != nil {
				rlog.Warningf("cgroups: cleanup of %s: %v", path, err)
			}
		}
		return nil
	default:
		return nil
	}
}

func removeIgnoreBusy(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

func writeFile(dir, filename, value string) {
	path, err := securejoin.SecureJoin(dir, filename)
	if err != nil {
		rlog.Warningf("cgroups: resolving %s/%s: %v", dir, filename, err)
		return
	}
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		rlog.Warningf("cgroups: writing %s: %v", path, err)
	}
}

// ToPid converts an os.Process pid (always non-negative once started) to
// the int the control files expect, matching the teacher's habit of
// routing every narrowing numeric conversion through go-safecast rather
// than a bare cast. Attach calls this once, up front, before dispatching
// to attachV1/attachV2, so every control-file write downstream formats an
// already-validated pid.
func ToPid(pid int) (int, error) {
	u, err := safecast.ToUint32(pid)
	if err != nil {
		return 0, fmt.Errorf("cgroups: pid %d out of range: %w", pid, err)
	}
	n, err := safecast.ToInt(u)
	if err != nil {
		return 0, fmt.Errorf("cgroups: pid %d out of range: %w", pid, err)
	}
	return n, nil
}
