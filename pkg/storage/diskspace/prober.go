// Package diskspace implements free-space probing and the reserved-space
// admission check used before every allocating operation (§4.F).
package diskspace

import (
	"errors"
	"fmt"

	"github.com/gridshare/storaged/pkg/storage/errs"
)

// Prober reports free disk space for a filesystem path. Implementations
// should return errs.ErrSpaceUnknown when the underlying platform
// provides no reliable free-space call, rather than guessing.
type Prober interface {
	// FreeBytes returns the number of bytes free for non-root writers at
	// path.
	FreeBytes(path string) (uint64, error)
}

// Accountant enforces the reserved-space floor: an allocating operation
// is permitted only if it would not drop free space below
// ReservedSpace.
type Accountant struct {
	Prober        Prober
	ReservedSpace uint64
}

// NewAccountant constructs an Accountant over prober with the given
// reserved-space floor in bytes.
func NewAccountant(prober Prober, reservedSpace uint64) *Accountant {
	return &Accountant{Prober: prober, ReservedSpace: reservedSpace}
}

// Available returns free space at basedir minus the reserved floor.
// Returns errs.ErrSpaceUnknown if the prober cannot determine free space.
func (a *Accountant) Available(basedir string) (int64, error) {
	free, err := a.Prober.FreeBytes(basedir)
	if err != nil {
		if errors.Is(err, errs.ErrSpaceUnknown) {
			return 0, errs.ErrSpaceUnknown
		}
		return 0, fmt.Errorf("diskspace: probing %s: %w", basedir, err)
	}

	available := int64(free) - int64(a.ReservedSpace)
	return available, nil
}

// CanAllocate reports whether bytesNeeded can be admitted at basedir
// without violating the reserved-space floor. An unknown available
// space refuses all new allocation (§4.F) — CanAllocate returns false,
// errs.ErrSpaceUnknown in that case, distinguishing "refuse" from
// "refuse and also explain why" for the caller's logging.
func (a *Accountant) CanAllocate(basedir string, bytesNeeded uint64) (bool, error) {
	available, err := a.Available(basedir)
	if err != nil {
		return false, err
	}
	return int64(bytesNeeded) <= available, nil
}
