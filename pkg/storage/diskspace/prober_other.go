//go:build !linux && !darwin && !freebsd

package diskspace

import "github.com/gridshare/storaged/pkg/storage/errs"

// UnknownProber is used on platforms with no free-space syscall wired up
// yet. Per §4.F, the server must report "unknown" and refuse new
// allocation rather than guess.
type UnknownProber struct{}

func (UnknownProber) FreeBytes(path string) (uint64, error) {
	return 0, errs.ErrSpaceUnknown
}

// NewPlatformProber returns the fallback Prober for this platform.
func NewPlatformProber() Prober {
	return UnknownProber{}
}
