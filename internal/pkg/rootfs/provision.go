package rootfs

import (
	"fmt"
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/cntr-run/cntr/pkg/rlog"
)

// DefaultProvision populates the minimum structure the base image needs
// to be usable: identity files, hostname, and the package-manager state
// files original_source/main.c creates post-chroot
// (/var/lib/dpkg/info/format, format-new). Bulk replication of host
// binaries, shared libraries, terminfo databases, and similar large,
// purely mechanical copying is deliberately not implemented here — it is
// a one-time provisioning chore with no algorithmic content, out of
// scope for the orchestrator. A deployment that needs a populated
// userland supplies its own ProvisionFunc (e.g. one that calls out to
// fs.CopyDir against a golden tree) in place of this one.
func DefaultProvision(root string) error {
	dirs := []string{
		"bin", "etc", "dev", "proc", "sys", "tmp",
		"var/lib/dpkg/info",
		"usr/share/terminfo", "lib/terminfo", "etc/terminfo",
	}
	for _, d := range dirs {
		p, err := securejoin.SecureJoin(root, d)
		if err != nil {
			return fmt.Errorf("rootfs: resolving %s: %w", d, err)
		}
		if err := os.MkdirAll(p, 0o755); err != nil && !os.IsExist(err) {
			return fmt.Errorf("rootfs: creating %s: %w", d, err)
		}
	}

	files := map[string]string{
		"etc/passwd":   "root:x:0:0:root:/:/bin/sh\n",
		"etc/group":    "root:x:0:\n",
		"etc/hostname": "cntr\n",
		// format/format-new mark dpkg's on-disk metadata layout version;
		// their absence makes some package tooling refuse to run.
		"var/lib/dpkg/info/format":     "2.0\n",
		"var/lib/dpkg/info/format-new": "2.0\n",
	}
	for rel, content := range files {
		p, err := securejoin.SecureJoin(root, rel)
		if err != nil {
			return fmt.Errorf("rootfs: resolving %s: %w", rel, err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return fmt.Errorf("rootfs: writing %s: %w", rel, err)
		}
	}

	rlog.Debugf("rootfs: default provisioning complete at %s", root)
	return nil
}
