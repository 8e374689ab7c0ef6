// Package lease implements the fixed-width lease record stored in the
// trailer of every share container: who holds the lease, the secrets
// needed to renew or cancel it, and when it expires.
package lease

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Size is the on-disk size of one lease record in bytes:
// owner_num (4) + renew_secret (32) + cancel_secret (32) + expiration_time (4).
const Size = 4 + 32 + 32 + 4

// Lease is one lease record: an owner-numbered claim on a share that
// keeps it from being reclaimed by the lease expirer, renewable and
// cancellable only by a holder of the matching secret.
type Lease struct {
	// OwnerNum identifies the client account that holds this lease. 0 is
	// reserved for leases with no associated account.
	OwnerNum uint32

	// RenewSecret must match the secret presented to add_lease/renew to
	// extend this lease's expiration.
	RenewSecret [32]byte

	// CancelSecret must match the secret presented to cancel this lease
	// outright. Retained for format compatibility; cancellation by
	// secret is deprecated in favor of letting leases expire (§7).
	CancelSecret [32]byte

	// ExpirationTime is a Unix timestamp (seconds) after which the lease
	// no longer protects its share from reclamation.
	ExpirationTime uint32
}

// Expired reports whether the lease's expiration time is at or before now.
func (l Lease) Expired(now time.Time) bool {
	return int64(l.ExpirationTime) <= now.Unix()
}

// ExpirationInstant returns the lease's raw ExpirationTime as a
// time.Time. This is the expiration deadline itself, not when the lease
// was last renewed; callers wanting the renewal instant must subtract
// the renewal period (add_lease always sets ExpirationTime to
// renewal-time-plus-duration) from this value themselves.
func (l Lease) ExpirationInstant() time.Time {
	return time.Unix(int64(l.ExpirationTime), 0).UTC()
}

// AgeDays returns how many days have elapsed since the lease was last
// renewed, computed from its remaining duration and defaultDuration (the
// renewal period applied at add_lease time), for use in the expirer's
// lease-age histogram (§4.H).
func (l Lease) AgeDays(now time.Time, defaultDuration time.Duration) float64 {
	remaining := l.ExpirationInstant().Sub(now)
	age := defaultDuration - remaining
	if age < 0 {
		return 0
	}
	return age.Hours() / 24
}

// Encode writes the lease's fixed 72-byte wire/disk representation.
func (l Lease) Encode() [Size]byte {
	var buf [Size]byte
	binary.BigEndian.PutUint32(buf[0:4], l.OwnerNum)
	copy(buf[4:36], l.RenewSecret[:])
	copy(buf[36:68], l.CancelSecret[:])
	binary.BigEndian.PutUint32(buf[68:72], l.ExpirationTime)
	return buf
}

// Decode parses a lease record from its fixed 72-byte representation.
func Decode(buf []byte) (Lease, error) {
	var l Lease
	if len(buf) != Size {
		return l, fmt.Errorf("lease: invalid record length %d, want %d", len(buf), Size)
	}
	l.OwnerNum = binary.BigEndian.Uint32(buf[0:4])
	copy(l.RenewSecret[:], buf[4:36])
	copy(l.CancelSecret[:], buf[36:68])
	l.ExpirationTime = binary.BigEndian.Uint32(buf[68:72])
	return l, nil
}

// IsEmpty reports whether the lease slot holds no live lease (an
// all-zero record, as left behind in unused fixed lease slots of a
// mutable container).
func (l Lease) IsEmpty() bool {
	return l == Lease{}
}

// NewFromSecrets constructs a Lease with its expiration set to now plus
// duration, used by add_lease and slot_testv_and_readv_and_writev when
// admitting a fresh lease.
func NewFromSecrets(ownerNum uint32, renewSecret, cancelSecret [32]byte, now time.Time, duration time.Duration) Lease {
	return Lease{
		OwnerNum:       ownerNum,
		RenewSecret:    renewSecret,
		CancelSecret:   cancelSecret,
		ExpirationTime: uint32(now.Add(duration).Unix()),
	}
}
