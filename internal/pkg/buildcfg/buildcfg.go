// Package buildcfg centralises the well-known absolute host paths the
// orchestrator depends on, mirroring the teacher's own buildcfg package:
// a single place that names filesystem locations baked in at compile time
// rather than scattering string literals through the components.
package buildcfg

// VendorName prefixes every host-visible artifact the orchestrator creates,
// so its files are easy to spot and clean up by hand.
const VendorName = "cntr"

// BaseImageRoot is the well-known location of the shared, read-only base
// image. It is built once per host on first use.
const BaseImageRoot = "/tmp/" + VendorName + "_base_rootfs"

// ReadyMarker is the sentinel filename inside BaseImageRoot that marks base
// image construction as complete.
const ReadyMarker = ".rootfs_ready"

// BuildLockFile is held for the duration of base image construction so two
// concurrent first-run invocations cannot interleave their mkdir/copy
// sequences.
const BuildLockFile = ".build.lock"

// ContainerRootPrefix is prepended to a ContainerId to derive a container's
// writable root path, and (with "_upper"/"_work" suffixes) its overlay
// auxiliary directories.
const ContainerRootPrefix = "/tmp/" + VendorName + "_container_"

// CgroupNamePrefix is prepended to a ContainerId to derive the cgroup node
// name.
const CgroupNamePrefix = VendorName + "_container_"

// CgroupRootV2 is the unified cgroup v2 hierarchy mountpoint.
const CgroupRootV2 = "/sys/fs/cgroup"

// CgroupRootV1 is the root under which each v1 controller has its own
// subdirectory (e.g. /sys/fs/cgroup/memory).
const CgroupRootV1 = "/sys/fs/cgroup"

// GuestProgram is the default guest program exec'd inside the container
// once mount staging and pivot are complete.
var GuestProgram = []string{"/bin/sh"}

// GuestEnv is the fixed environment handed to the guest program. TERM and
// TERMINFO are always set regardless of the host's own terminal type, per
// the base image's bundled terminfo databases.
var GuestEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/",
	"PS1=[" + VendorName + "] # ",
	"TERM=xterm",
	"TERMINFO=/usr/share/terminfo:/lib/terminfo:/etc/terminfo",
}
