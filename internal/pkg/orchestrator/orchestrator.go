// Package orchestrator implements the Lifecycle Orchestrator: the state
// machine driving namespace creation, the parent/child rendezvous,
// identity mapping, cgroup attachment, and teardown, in the strict order
// the design requires. Grounded on original_source/main.c's top-level
// control flow and the teacher's engine/starter split (the parent-side
// bookkeeping in internal/app/starter/host.go, re-expressed for cntr's
// simpler two-process model).
package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/moby/sys/reexec"

	"github.com/cntr-run/cntr/internal/pkg/buildcfg"
	"github.com/cntr-run/cntr/internal/pkg/cgroups"
	"github.com/cntr-run/cntr/internal/pkg/identity"
	"github.com/cntr-run/cntr/internal/pkg/rootfs"
	"github.com/cntr-run/cntr/pkg/limits"
	"github.com/cntr-run/cntr/pkg/rlog"
)

// StageName is the reexec-registered entry point name for the child
// process. internal/app/stage2 registers its Main function under this
// name in its package init.
const StageName = "cntr-stage2"

// State is the parent-side lifecycle position, per the design's state
// machine: Init -> Configured -> Spawned -> Mapped -> Running -> Reaped
// -> Cleaned.
type State int

const (
	StateInit State = iota
	StateConfigured
	StateSpawned
	StateMapped
	StateRunning
	StateReaped
	StateCleaned
)

// ContainerID is an integer derived at launch from wall-clock time and the
// parent PID. Uniqueness is only required among live containers on this
// host; a collision fails loudly later as a directory-already-exists
// error rather than being detected up front.
type ContainerID int

// NewContainerID derives a fresh id the way original_source/main.c does:
// (time(NULL) % 100000) + (getpid() % 1000).
func NewContainerID() ContainerID {
	return ContainerID(int(time.Now().Unix()%100000) + os.Getpid()%1000)
}

// Handle is owned by the parent for the lifetime of one container. It
// guarantees release of the cgroup node and writable layers on every exit
// path via Clean, which is idempotent.
type Handle struct {
	ID         ContainerID
	Limits     limits.Spec
	ChildPID   int
	Rendezvous *Rendezvous
	Paths      rootfs.Paths
	CgroupName string

	state State
	cmd   *exec.Cmd
}

// Orchestrator wires together the four leaf components and drives a
// single container's lifecycle through Configure/Spawn/Map/Release/Wait/Clean.
type Orchestrator struct {
	Layout       cgroups.Layout
	Controller   *cgroups.Controller
	Base         *rootfs.BaseImage
	RootStrategy rootfs.Strategy
	Provision    rootfs.ProvisionFunc
	RealIDs      identity.RealIDs
}

// New constructs an Orchestrator with a freshly probed cgroup layout and
// opened base image handle.
func New(strategy rootfs.Strategy, provision rootfs.ProvisionFunc) (*Orchestrator, error) {
	layout := cgroups.Probe()
	real, err := identity.Resolve()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolving real identity: %w", err)
	}
	if identity.InsideUserNamespace() {
		rlog.Debugf("orchestrator: already running inside a user namespace; nested user-namespace mapping ahead")
	}
	return &Orchestrator{
		Layout:       layout,
		Controller:   cgroups.New(layout),
		Base:         rootfs.Open(),
		RootStrategy: strategy,
		Provision:    provision,
		RealIDs:      real,
	}, nil
}

// Configure performs Init -> Configured: verifies or builds the base
// image, allocates a ContainerID and derived paths, and creates the
// rendezvous channel. Base image build failure is Fatal — the container
// cannot run without a rootfs.
func (o *Orchestrator) Configure(spec limits.Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := o.Base.Build(o.Provision); err != nil && Classify(PhaseBaseImageBuild, err) == SeverityFatal {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	id := NewContainerID()
	rv, err := NewRendezvous()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	h := &Handle{
		ID:         id,
		Limits:     spec,
		Rendezvous: rv,
		Paths:      rootfs.DerivePaths(int(id)),
		CgroupName: fmt.Sprintf("%s%d", buildcfg.CgroupNamePrefix, id),
		state:      StateConfigured,
	}
	rlog.Verbosef("orchestrator: configured container %d", id)
	return h, nil
}

// Spawn performs Configured -> Spawned: creates the child with a single
// clone-equivalent call that atomically places it into new PID, mount,
// UTS, IPC, and user namespaces, and arranges for SIGKILL delivery to the
// child if the parent dies first (the nearest portable analogue to the
// C source's child-death signal, applied in the opposite direction since
// Go's exec model spawns by forking+execing rather than the reverse).
// The child's entry point immediately blocks on the rendezvous; it is
// expected to be registered as StageName via moby/sys/reexec.
func (o *Orchestrator) Spawn(h *Handle) error {
	if h.state != StateConfigured {
		return fmt.Errorf("orchestrator: Spawn called out of order (state=%v)", h.state)
	}

	cmd := reexec.Command(StageName)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CNTR_CONTAINER_ID=%d", h.ID),
		fmt.Sprintf("CNTR_CONTAINER_ROOT=%s", h.Paths.ContainerRoot),
	)
	cmd.ExtraFiles = []*os.File{h.Rendezvous.ReadFile()}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:   cloneFlags(RequiredNamespaces),
		Pdeathsig:    syscall.SIGKILL,
		Unshareflags: 0,
	}

	if err := cmd.Start(); err != nil && Classify(PhaseSpawn, err) == SeverityFatal {
		return fmt.Errorf("orchestrator: clone-equivalent spawn failed: %w", err)
	}
	// The child now holds its own copy of the read end (fd 3, the first
	// ExtraFiles entry); the parent never reads from the rendezvous and
	// drops its reference so the pipe's read side closes once both
	// processes are done with it.
	if err := h.Rendezvous.CloseRead(); err != nil {
		rlog.Warningf("orchestrator: closing parent's rendezvous read end: %v", err)
	}

	h.cmd = cmd
	h.ChildPID = cmd.Process.Pid
	h.state = StateSpawned
	rlog.Verbosef("orchestrator: spawned child pid %d for container %d", h.ChildPID, h.ID)
	return nil
}

// Map performs Spawned -> Mapped: identity mapping followed by cgroup
// attachment against the child PID. Neither step is fatal; both log
// warnings and the container proceeds, per the design's degrading-error
// policy for post-spawn auxiliary steps.
func (o *Orchestrator) Map(h *Handle) error {
	if h.state != StateSpawned {
		return fmt.Errorf("orchestrator: Map called out of order (state=%v)", h.state)
	}

	mapper := identity.New(o.RealIDs)
	if err := mapper.Map(h.ChildPID); err != nil && Classify(PhaseAuxiliary, err) == SeverityDegrading {
		rlog.Warningf("orchestrator: identity mapping for pid %d: %v", h.ChildPID, err)
	}

	if err := o.Controller.Attach(h.ChildPID, h.Limits, h.CgroupName); err != nil && Classify(PhaseAuxiliary, err) == SeverityDegrading {
		rlog.Warningf("orchestrator: cgroup attach for pid %d: %v", h.ChildPID, err)
	}

	h.state = StateMapped
	return nil
}

// Release performs Mapped -> Running: unblocks the child. Every write the
// parent performed in Map is guaranteed observable to the child once this
// returns.
func (o *Orchestrator) Release(h *Handle) error {
	if h.state != StateMapped {
		return fmt.Errorf("orchestrator: Release called out of order (state=%v)", h.state)
	}
	if err := h.Rendezvous.Release(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	h.state = StateRunning
	rlog.Verbosef("orchestrator: released container %d", h.ID)
	return nil
}

// Wait performs Running -> Reaped: blocks until the guest process exits,
// with no timeout, and returns its exit code.
func (o *Orchestrator) Wait(h *Handle) (int, error) {
	if h.state != StateRunning {
		return 0, fmt.Errorf("orchestrator: Wait called out of order (state=%v)", h.state)
	}
	err := h.cmd.Wait()
	h.state = StateReaped

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return ws.ExitStatus(), nil
		}
	}
	return 0, fmt.Errorf("orchestrator: waiting for container %d: %w", h.ID, err)
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// Clean performs Reaped -> Cleaned: removes the cgroup node and the
// writable overlay/upper/work directories. It accumulates errors rather
// than stopping at the first one, the same pattern host_linux.go's
// CleanupHost uses for its FUSE/temp-dir teardown, and is idempotent —
// safe to call on a Handle that never made it past Spawn.
func (o *Orchestrator) Clean(h *Handle) error {
	var errs []error

	if err := o.Controller.Cleanup(h.CgroupName); err != nil {
		errs = append(errs, fmt.Errorf("cgroup cleanup: %w", err))
	}
	if err := rootfs.Teardown(h.Paths); err != nil {
		errs = append(errs, fmt.Errorf("rootfs teardown: %w", err))
	}

	h.state = StateCleaned
	if len(errs) > 0 {
		return fmt.Errorf("orchestrator: cleanup encountered errors: %v", errs)
	}
	rlog.Verbosef("orchestrator: cleaned container %d", h.ID)
	return nil
}

// State reports the handle's current lifecycle position.
func (h *Handle) State() State { return h.state }
