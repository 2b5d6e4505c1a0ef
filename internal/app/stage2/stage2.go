// Package stage2 is the child's entry point after the clone-equivalent
// spawn: it waits on the rendezvous, assumes the now-mapped root
// credentials, materialises and pivots into the container rootfs, stages
// the mount topology, and execs the guest program. Registered under
// orchestrator.StageName via moby/sys/reexec so cmd/cntr's single binary
// can re-exec itself into this code path.
package stage2

import (
	"fmt"
	"os"
	"strconv"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/cntr-run/cntr/internal/pkg/buildcfg"
	"github.com/cntr-run/cntr/internal/pkg/identity"
	"github.com/cntr-run/cntr/internal/pkg/mounts"
	"github.com/cntr-run/cntr/internal/pkg/orchestrator"
	"github.com/cntr-run/cntr/internal/pkg/rootfs"
	"github.com/cntr-run/cntr/pkg/limits"
	"github.com/cntr-run/cntr/pkg/rlog"
)

func init() {
	reexec.Register(orchestrator.StageName, Main)
}

// rendezvousFD is the fd number the read end of the rendezvous pipe
// arrives on: os/exec.Cmd reserves 0-2 for stdio, so the first
// ExtraFiles entry lands at fd 3.
const rendezvousFD = 3

// Config carries the pieces of a container's Handle the child needs but
// cannot recompute from environment variables alone (the rootfs layering
// strategy and base image, and the pre-rendered meminfo payload).
// cmd/cntr sets these as process-global state immediately before Spawn,
// since reexec.Init dispatches straight into Main with no argument
// passing mechanism of its own.
var Config struct {
	Base           *rootfs.BaseImage
	Strategy       rootfs.Strategy
	Limits         limits.Spec
	MeminfoContent []byte
}

// Main is the registered stage2 entry point. It never returns on the
// success path: it ends in execve. On failure it calls os.Exit directly,
// since there is no parent to propagate an error return to across the
// clone boundary.
func Main() {
	containerID := os.Getenv("CNTR_CONTAINER_ID")
	containerRoot := os.Getenv("CNTR_CONTAINER_ROOT")
	if containerID == "" || containerRoot == "" {
		rlog.Fatalf("stage2: missing CNTR_CONTAINER_ID/CNTR_CONTAINER_ROOT in environment")
	}

	rv := os.NewFile(rendezvousFD, "rendezvous")
	if rv == nil {
		rlog.Fatalf("stage2: rendezvous fd %d not inherited", rendezvousFD)
	}
	if err := orchestrator.Wait(rv); err != nil {
		rlog.Fatalf("stage2: %v", err)
	}

	if err := identity.BecomeRoot(); err != nil {
		rlog.Fatalf("stage2: %v", err)
	}

	// The new mount namespace starts as a clone of the host's mount table.
	// On most distributions those mounts are marked shared, which would
	// propagate every mount made from here back out to the host (and to
	// every other container's view). Marking the root subtree private
	// first is what actually gives the overlay/bind materialisation below
	// its isolation guarantee.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil &&
		orchestrator.Classify(orchestrator.PhaseAuxiliary, err) == orchestrator.SeverityDegrading {
		rlog.Warningf("stage2: making mount namespace private: %v", err)
	}

	id, err := strconv.Atoi(containerID)
	if err != nil {
		rlog.Fatalf("stage2: invalid container id %q: %v", containerID, err)
	}
	paths := rootfs.DerivePaths(id)

	if _, err := rootfs.Materialise(Config.Base, paths, Config.Strategy); err != nil &&
		orchestrator.Classify(orchestrator.PhaseRootfsMaterialise, err) == orchestrator.SeverityFatal {
		rlog.Fatalf("stage2: rootfs materialise: %v", err)
	}

	topology := &mounts.Topology{
		ContainerRoot:  paths.ContainerRoot,
		MemoryBytes:    Config.Limits.MemoryBytes,
		MeminfoContent: Config.MeminfoContent,
	}
	topology.StageDevices()
	topology.StagePts()
	meminfoScratch := topology.StageMeminfo()

	if err := mounts.Pivot(paths.ContainerRoot); err != nil &&
		orchestrator.Classify(orchestrator.PhasePivot, err) == orchestrator.SeverityFatal {
		rlog.Fatalf("stage2: %v", err)
	}

	mounts.StagePostPivot(meminfoScratch)

	if err := unix.Sethostname([]byte(fmt.Sprintf("%s-%d", buildcfg.VendorName, id))); err != nil &&
		orchestrator.Classify(orchestrator.PhaseAuxiliary, err) == orchestrator.SeverityDegrading {
		rlog.Warningf("stage2: sethostname: %v", err)
	}

	argv := buildcfg.GuestProgram
	if err := unix.Exec(argv[0], argv, buildcfg.GuestEnv); err != nil &&
		orchestrator.Classify(orchestrator.PhaseGuestExec, err) == orchestrator.SeverityFatal {
		rlog.Fatalf("stage2: exec of guest program %v failed: %v", argv, err)
	}
}
