// Namespace set representation, adapted from the OCI LinuxNamespace slice
// idiom in prepare_linux.go (hasNamespace/removeNamespace) and the
// type-to-flag table in config/starter/starter_linux.go's
// SetNsFlagsFromSpec, re-expressed without the cgo shared-memory struct
// that file's version depends on.
package orchestrator

import (
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// RequiredNamespaces is the fixed namespace set every container is placed
// into by the single clone-equivalent call: PID, mount, UTS, IPC, and
// user. Network and cgroup namespaces are deliberately absent — out of
// scope per the design's non-goals.
var RequiredNamespaces = []specs.LinuxNamespace{
	{Type: specs.PIDNamespace},
	{Type: specs.MountNamespace},
	{Type: specs.UTSNamespace},
	{Type: specs.IPCNamespace},
	{Type: specs.UserNamespace},
}

// cloneFlags translates an OCI namespace slice into the syscall flags
// os/exec.Cmd.SysProcAttr.Cloneflags expects, the same table
// starter_linux.go encodes for its cgo struct.
func cloneFlags(namespaces []specs.LinuxNamespace) uintptr {
	var flags uintptr
	for _, ns := range namespaces {
		switch ns.Type {
		case specs.PIDNamespace:
			flags |= syscall.CLONE_NEWPID
		case specs.MountNamespace:
			flags |= syscall.CLONE_NEWNS
		case specs.UTSNamespace:
			flags |= syscall.CLONE_NEWUTS
		case specs.IPCNamespace:
			flags |= syscall.CLONE_NEWIPC
		case specs.UserNamespace:
			flags |= syscall.CLONE_NEWUSER
		case specs.NetworkNamespace:
			flags |= syscall.CLONE_NEWNET
		case specs.CgroupNamespace:
			flags |= syscall.CLONE_NEWCGROUP
		}
	}
	return flags
}
