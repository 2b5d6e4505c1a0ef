// Package identity implements the Identity Mapper: resolving the true
// invoking user and writing the user-namespace id maps for a child
// process, grounded on original_source/namespace.c's
// get_real_uid/get_real_gid/setup_user_namespace sequence.
package identity

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ccoveille/go-safecast"
	"github.com/moby/sys/userns"
	"golang.org/x/sys/unix"

	"github.com/cntr-run/cntr/pkg/rlog"
)

// RealIDs is the true invoking user's uid/gid, resolved before any
// privilege elevation the caller may have applied.
type RealIDs struct {
	UID uint32
	GID uint32
}

// Resolve returns the true invoking user's ids. A setuid-style privilege
// helper that exports the original identity through SUDO_UID/SUDO_GID is
// honoured first; otherwise the kernel-reported identity is used. The
// mapper never requires actual host root.
func Resolve() (RealIDs, error) {
	uid, uidOK := envUint32("SUDO_UID")
	gid, gidOK := envUint32("SUDO_GID")
	if uidOK && gidOK {
		return RealIDs{UID: uid, GID: gid}, nil
	}

	rawUID, err := safecast.ToUint32(os.Getuid())
	if err != nil {
		return RealIDs{}, fmt.Errorf("identity: uid out of range: %w", err)
	}
	rawGID, err := safecast.ToUint32(os.Getgid())
	if err != nil {
		return RealIDs{}, fmt.Errorf("identity: gid out of range: %w", err)
	}
	return RealIDs{UID: rawUID, GID: rawGID}, nil
}

func envUint32(name string) (uint32, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		rlog.Warningf("identity: ignoring malformed %s=%q", name, v)
		return 0, false
	}
	return uint32(n), true
}

// Mapper writes the user-namespace id maps for a child PID.
type Mapper struct {
	real RealIDs
}

// New constructs a Mapper for the given resolved real identity.
func New(real RealIDs) *Mapper {
	return &Mapper{real: real}
}

// Map performs the three-write protocol against pid's /proc entries:
// deny setgroups, then map uid 0, then map gid 0, each to the true host
// user. This must run from the parent after the child has been spawned
// into a new user namespace but before the child changes its own
// credentials — the rendezvous in the orchestrator enforces that ordering.
func (m *Mapper) Map(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("identity: invalid pid %d", pid)
	}
	procDir := fmt.Sprintf("/proc/%d", pid)

	if err := os.WriteFile(procDir+"/setgroups", []byte("deny"), 0o644); err != nil {
		rlog.Warningf("identity: cannot disable setgroups for pid %d: %v", pid, err)
	}

	uidLine := fmt.Sprintf("0 %d 1", m.real.UID)
	if err := os.WriteFile(procDir+"/uid_map", []byte(uidLine), 0o644); err != nil {
		return fmt.Errorf("identity: writing uid_map for pid %d: %w", pid, err)
	}

	gidLine := fmt.Sprintf("0 %d 1", m.real.GID)
	if err := os.WriteFile(procDir+"/gid_map", []byte(gidLine), 0o644); err != nil {
		return fmt.Errorf("identity: writing gid_map for pid %d: %w", pid, err)
	}

	rlog.Debugf("identity: mapped container root to host uid=%d gid=%d for pid %d", m.real.UID, m.real.GID, pid)
	return nil
}

// BecomeRoot is called from the child, after the rendezvous unblocks it,
// to assume the now-mapped uid/gid 0. It must not be called before the
// parent's Map call has completed and been observed across the
// rendezvous, or the credential change will fail against an empty map.
func BecomeRoot() error {
	if err := unix.Setgid(0); err != nil {
		return fmt.Errorf("identity: setgid(0): %w", err)
	}
	if err := unix.Setuid(0); err != nil {
		return fmt.Errorf("identity: setuid(0): %w", err)
	}
	return nil
}

// InsideUserNamespace reports whether the calling process is itself
// already running in a non-root-mapped user namespace, a diagnostic
// logged at debug level before spawn.
func InsideUserNamespace() bool {
	return userns.RunningInUserNS()
}
