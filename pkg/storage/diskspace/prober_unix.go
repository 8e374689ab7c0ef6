//go:build linux || darwin || freebsd

package diskspace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsProber probes free space via the statfs(2) family of syscalls.
type StatfsProber struct{}

// FreeBytes reports (Bavail * Bsize): blocks available to an unprivileged
// user times the filesystem block size, matching "free space for
// non-root" per §4.F.
func (StatfsProber) FreeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("diskspace: statfs %s: %w", path, err)
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}

// NewPlatformProber returns the statfs-backed Prober for this platform.
func NewPlatformProber() Prober {
	return StatfsProber{}
}
