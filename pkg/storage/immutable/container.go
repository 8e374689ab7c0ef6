// Package immutable implements the write-once immutable share container:
// a fixed header recording the data region's length, the raw share bytes
// themselves, and a trailing table of lease records (§3.3).
package immutable

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/gridshare/storaged/pkg/storage/errs"
	"github.com/gridshare/storaged/pkg/storage/lease"
)

// Version identifies the header layout of an immutable share container.
type Version uint32

const (
	// Version1 uses 32-bit length fields, sufficient for shares up to
	// 2^32-1 bytes.
	Version1 Version = 1

	// Version2 uses 64-bit length fields, for shares that may exceed
	// 2^32-1 bytes.
	Version2 Version = 2
)

// headerSizeV1 and headerSizeV2 are the byte counts preceding the data
// region: a 4-byte version field followed by the length/offset fields for
// that version.
const (
	headerSizeV1 = 4 + 4 + 4 // version + data_length + lease_table_offset, 32-bit
	headerSizeV2 = 4 + 8 + 8 // version + data_length + lease_table_offset, 64-bit
)

// maxV1Size is the largest declared allocation that still fits Version1's
// 32-bit length fields; larger allocations upgrade to Version2.
const maxV1Size = 1<<32 - 1

// Header describes an immutable share container's fixed preamble.
type Header struct {
	Version         Version
	DataLength      uint64
	LeaseTableOffset uint64
}

// HeaderSize returns the on-disk size of h's version-specific header.
func (h Header) HeaderSize() int {
	if h.Version == Version1 {
		return headerSizeV1
	}
	return headerSizeV2
}

// VersionForSize selects Version1 when size fits 32-bit length fields,
// else Version2, matching the creation-time rule in §3.3.
func VersionForSize(size uint64) Version {
	if size <= maxV1Size {
		return Version1
	}
	return Version2
}

// EncodeHeader serializes h in big-endian form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, h.HeaderSize())
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Version))
	if h.Version == Version1 {
		binary.BigEndian.PutUint32(buf[4:8], uint32(h.DataLength))
		binary.BigEndian.PutUint32(buf[8:12], uint32(h.LeaseTableOffset))
		return buf
	}
	binary.BigEndian.PutUint64(buf[4:12], h.DataLength)
	binary.BigEndian.PutUint64(buf[12:20], h.LeaseTableOffset)
	return buf
}

// DecodeHeader reads an immutable container header from r. Returns
// errs.ErrUnknownImmutableVersion if the version field is neither 1 nor 2.
func DecodeHeader(r io.Reader) (Header, error) {
	var versionBuf [4]byte
	if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
		return Header{}, fmt.Errorf("immutable: reading version: %w", err)
	}
	version := Version(binary.BigEndian.Uint32(versionBuf[:]))

	switch version {
	case Version1:
		var rest [8]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return Header{}, fmt.Errorf("immutable: reading v1 header: %w", err)
		}
		return Header{
			Version:          Version1,
			DataLength:       uint64(binary.BigEndian.Uint32(rest[0:4])),
			LeaseTableOffset: uint64(binary.BigEndian.Uint32(rest[4:8])),
		}, nil
	case Version2:
		var rest [16]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return Header{}, fmt.Errorf("immutable: reading v2 header: %w", err)
		}
		return Header{
			Version:          Version2,
			DataLength:       binary.BigEndian.Uint64(rest[0:8]),
			LeaseTableOffset: binary.BigEndian.Uint64(rest[8:16]),
		}, nil
	default:
		return Header{}, fmt.Errorf("immutable: version %d: %w", version, errs.ErrUnknownImmutableVersion)
	}
}

// Validate opens path and checks that its header is well-formed, its
// declared data length matches the on-disk data region, and every lease
// record in the trailing table decodes cleanly. Used by the crawler to
// detect corrupt shares (§8 invariant 1).
func Validate(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("immutable: opening %s: %w", path, err)
	}
	defer f.Close()

	hdr, err := DecodeHeader(f)
	if err != nil {
		return Header{}, fmt.Errorf("immutable: %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("immutable: stat %s: %w", path, err)
	}

	wantSize := uint64(hdr.HeaderSize()) + hdr.DataLength
	if uint64(info.Size()) < wantSize {
		return Header{}, fmt.Errorf("immutable: %s: %w: declared data region extends past EOF", path, errs.ErrCorruptShare)
	}
	if hdr.LeaseTableOffset < wantSize {
		return Header{}, fmt.Errorf("immutable: %s: %w: lease table offset overlaps data region", path, errs.ErrCorruptShare)
	}

	leaseBytes := uint64(info.Size()) - hdr.LeaseTableOffset
	if leaseBytes%lease.Size != 0 {
		return Header{}, fmt.Errorf("immutable: %s: %w: trailing lease table is not a whole number of records", path, errs.ErrCorruptShare)
	}

	if _, err := f.Seek(int64(hdr.LeaseTableOffset), io.SeekStart); err != nil {
		return Header{}, fmt.Errorf("immutable: seeking to lease table: %w", err)
	}
	buf := make([]byte, lease.Size)
	for offset := hdr.LeaseTableOffset; offset < uint64(info.Size()); offset += lease.Size {
		if _, err := io.ReadFull(f, buf); err != nil {
			return Header{}, fmt.Errorf("immutable: %s: %w: reading lease record: %v", path, errs.ErrCorruptShare, err)
		}
		if _, err := lease.Decode(buf); err != nil {
			return Header{}, fmt.Errorf("immutable: %s: %w: %v", path, errs.ErrCorruptShare, err)
		}
	}

	return hdr, nil
}

// ReadLeases reads every lease record from the trailing table of an
// already-validated container.
func ReadLeases(path string, hdr Header) ([]lease.Lease, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("immutable: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("immutable: stat %s: %w", path, err)
	}

	if _, err := f.Seek(int64(hdr.LeaseTableOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("immutable: seeking to lease table: %w", err)
	}

	n := (uint64(info.Size()) - hdr.LeaseTableOffset) / lease.Size
	leases := make([]lease.Lease, 0, n)
	buf := make([]byte, lease.Size)
	for i := uint64(0); i < n; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, fmt.Errorf("immutable: reading lease record %d: %w", i, err)
		}
		l, err := lease.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("immutable: decoding lease record %d: %w", i, err)
		}
		if !l.IsEmpty() {
			leases = append(leases, l)
		}
	}
	return leases, nil
}

// WriteLeases rewrites the trailing lease table of the container at path
// in place, truncating to hdr's data region plus the new table. Callers
// must hold the per-SI lock (§5).
func WriteLeases(path string, hdr Header, leases []lease.Lease) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("immutable: opening %s for lease update: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(hdr.LeaseTableOffset), io.SeekStart); err != nil {
		return fmt.Errorf("immutable: seeking to lease table: %w", err)
	}
	for _, l := range leases {
		rec := l.Encode()
		if _, err := f.Write(rec[:]); err != nil {
			return fmt.Errorf("immutable: writing lease record: %w", err)
		}
	}
	newSize := hdr.LeaseTableOffset + uint64(len(leases))*lease.Size
	if err := f.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("immutable: truncating lease table: %w", err)
	}
	return f.Sync()
}
