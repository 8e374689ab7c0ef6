// Package mutable implements the versioned mutable slot container: a
// fixed header carrying the write-enabler, a data region mutated in
// place, four fixed lease slots, and room for extra leases appended
// beyond them (§3.4).
package mutable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/gridshare/storaged/pkg/storage/errs"
	"github.com/gridshare/storaged/pkg/storage/lease"
)

// Magic is the fixed 32-byte identifier distinguishing a mutable
// container from an immutable one; chosen to never collide with the
// 4-byte immutable version prefix.
var Magic = [32]byte{'s', 't', 'o', 'r', 'a', 'g', 'e', 'd', ':', 'm', 'u', 't', 'a', 'b', 'l', 'e', ':', 'v', '1'}

// Version1 is the only mutable container layout defined.
const Version1 = 1

// FixedLeaseSlots is the number of lease records stored inline in the
// header, before any extra-lease overflow region.
const FixedLeaseSlots = 4

// fixedLeaseRecordSize is 92 bytes: a 1-byte enabled flag plus a 72-byte
// lease.Lease record, padded to the layout's documented 92B per §3.4
// (19 bytes reserved for future per-record metadata).
const fixedLeaseRecordSize = 92

const fixedLeasesReserved = fixedLeaseRecordSize - 1 - lease.Size

// headerSize is 32 (magic) + 1 (version) + 20 (write-enabler node ID) +
// 32 (write-enabler secret) + 8 (data_length) + 8 (extra_lease_offset).
const headerSize = 32 + 1 + 20 + 32 + 8 + 8

const NodeIDSize = 20

// Header describes a mutable slot container's fixed preamble.
type Header struct {
	WriteEnablerNodeID [NodeIDSize]byte
	WriteEnablerSecret [32]byte
	DataLength         uint64
	ExtraLeaseOffset   uint64
}

// EncodeHeader serializes h, including the fixed magic and version
// fields, in big-endian form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:32], Magic[:])
	buf[32] = Version1
	copy(buf[33:53], h.WriteEnablerNodeID[:])
	copy(buf[53:85], h.WriteEnablerSecret[:])
	binary.BigEndian.PutUint64(buf[85:93], h.DataLength)
	binary.BigEndian.PutUint64(buf[93:101], h.ExtraLeaseOffset)
	return buf
}

// DecodeHeader reads a mutable slot header from r, verifying the magic
// and version fields.
func DecodeHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("mutable: reading header: %w", err)
	}
	if !bytes.Equal(buf[0:32], Magic[:]) {
		return Header{}, fmt.Errorf("mutable: bad magic: %w", errs.ErrUnknownMutableVersion)
	}
	if buf[32] != Version1 {
		return Header{}, fmt.Errorf("mutable: version %d: %w", buf[32], errs.ErrUnknownMutableVersion)
	}
	var h Header
	copy(h.WriteEnablerNodeID[:], buf[33:53])
	copy(h.WriteEnablerSecret[:], buf[53:85])
	h.DataLength = binary.BigEndian.Uint64(buf[85:93])
	h.ExtraLeaseOffset = binary.BigEndian.Uint64(buf[93:101])
	return h, nil
}

// DataOffset is the byte offset of the data region, immediately
// following the fixed header.
func DataOffset() int64 {
	return headerSize
}

// fixedLeaseTableOffset returns the byte offset of the 4 fixed lease
// slots, immediately following the data region.
func fixedLeaseTableOffset(h Header) int64 {
	return DataOffset() + int64(h.DataLength)
}

// fixedLeaseTableSize is the total size of the 4 fixed lease slots.
const fixedLeaseTableSize = FixedLeaseSlots * fixedLeaseRecordSize

// Validate opens path and checks that the header, data region, and fixed
// lease table are well-formed and that extra_lease_offset is consistent.
func Validate(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("mutable: opening %s: %w", path, err)
	}
	defer f.Close()

	hdr, err := DecodeHeader(f)
	if err != nil {
		return Header{}, fmt.Errorf("mutable: %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("mutable: stat %s: %w", path, err)
	}

	wantFixedEnd := fixedLeaseTableOffset(hdr) + fixedLeaseTableSize
	if hdr.ExtraLeaseOffset != 0 && int64(hdr.ExtraLeaseOffset) < wantFixedEnd {
		return Header{}, fmt.Errorf("mutable: %s: %w: extra lease offset overlaps fixed lease table", path, errs.ErrCorruptShare)
	}
	if info.Size() < wantFixedEnd {
		return Header{}, fmt.Errorf("mutable: %s: %w: file shorter than header+data+fixed leases", path, errs.ErrCorruptShare)
	}

	extraStart := hdr.ExtraLeaseOffset
	if extraStart == 0 {
		extraStart = uint64(wantFixedEnd)
	}
	extraBytes := uint64(info.Size()) - extraStart
	if extraBytes%lease.Size != 0 {
		return Header{}, fmt.Errorf("mutable: %s: %w: extra lease region is not a whole number of records", path, errs.ErrCorruptShare)
	}

	return hdr, nil
}

// ReadLeases returns every non-empty lease from the fixed slots followed
// by the extra-lease overflow region.
func ReadLeases(path string, hdr Header) ([]lease.Lease, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mutable: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mutable: stat %s: %w", path, err)
	}

	var leases []lease.Lease

	if _, err := f.Seek(fixedLeaseTableOffset(hdr), io.SeekStart); err != nil {
		return nil, fmt.Errorf("mutable: seeking to fixed lease table: %w", err)
	}
	for i := 0; i < FixedLeaseSlots; i++ {
		rec := make([]byte, fixedLeaseRecordSize)
		if _, err := io.ReadFull(f, rec); err != nil {
			return nil, fmt.Errorf("mutable: reading fixed lease slot %d: %w", i, err)
		}
		enabled := rec[0] != 0
		if !enabled {
			continue
		}
		l, err := lease.Decode(rec[1 : 1+lease.Size])
		if err != nil {
			return nil, fmt.Errorf("mutable: decoding fixed lease slot %d: %w", i, err)
		}
		leases = append(leases, l)
	}

	extraStart := int64(hdr.ExtraLeaseOffset)
	if extraStart == 0 {
		extraStart = fixedLeaseTableOffset(hdr) + fixedLeaseTableSize
	}
	if info.Size() > extraStart {
		if _, err := f.Seek(extraStart, io.SeekStart); err != nil {
			return nil, fmt.Errorf("mutable: seeking to extra leases: %w", err)
		}
		n := (info.Size() - extraStart) / lease.Size
		buf := make([]byte, lease.Size)
		for i := int64(0); i < n; i++ {
			if _, err := io.ReadFull(f, buf); err != nil {
				return nil, fmt.Errorf("mutable: reading extra lease %d: %w", i, err)
			}
			l, err := lease.Decode(buf)
			if err != nil {
				return nil, fmt.Errorf("mutable: decoding extra lease %d: %w", i, err)
			}
			if !l.IsEmpty() {
				leases = append(leases, l)
			}
		}
	}

	return leases, nil
}

// WriteLeases rewrites the fixed lease slots (first FixedLeaseSlots
// leases) and the extra-lease overflow region (remainder), truncating or
// extending the file as needed. Callers must hold the per-SI lock.
func WriteLeases(path string, hdr Header, leases []lease.Lease) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mutable: opening %s for lease update: %w", path, err)
	}
	defer f.Close()

	fixedOffset := fixedLeaseTableOffset(hdr)
	if _, err := f.Seek(fixedOffset, io.SeekStart); err != nil {
		return fmt.Errorf("mutable: seeking to fixed lease table: %w", err)
	}

	for i := 0; i < FixedLeaseSlots; i++ {
		rec := make([]byte, fixedLeaseRecordSize)
		if i < len(leases) {
			rec[0] = 1
			enc := leases[i].Encode()
			copy(rec[1:1+lease.Size], enc[:])
		}
		if _, err := f.Write(rec); err != nil {
			return fmt.Errorf("mutable: writing fixed lease slot %d: %w", i, err)
		}
	}

	extra := leases
	if len(leases) > FixedLeaseSlots {
		extra = leases[FixedLeaseSlots:]
	} else {
		extra = nil
	}

	for _, l := range extra {
		rec := l.Encode()
		if _, err := f.Write(rec[:]); err != nil {
			return fmt.Errorf("mutable: writing extra lease: %w", err)
		}
	}

	newSize := fixedOffset + fixedLeaseTableSize + int64(len(extra))*lease.Size
	if err := f.Truncate(newSize); err != nil {
		return fmt.Errorf("mutable: truncating extra lease region: %w", err)
	}
	return f.Sync()
}

// ReadRange reads length bytes starting at offset from the data region,
// truncating at end-of-data (zero-length reads past EOF return nil, not
// an error). Reads past the declared data length are truncated to
// whatever overlap exists (§4.E slot_readv).
func ReadRange(path string, hdr Header, offset, length uint64) ([]byte, error) {
	if offset >= hdr.DataLength {
		return nil, nil
	}
	if offset+length > hdr.DataLength {
		length = hdr.DataLength - offset
	}
	if length == 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mutable: opening %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, DataOffset()+int64(offset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("mutable: reading data region: %w", err)
	}
	return buf, nil
}

// ApplyWrite writes data at offset within the data region, zero-filling
// any hole between the current end-of-data and offset (§3.4,
// fills-holes-with-zero-bytes). Grows hdr.DataLength if the write
// extends past it. Does not touch the lease table or extra-lease region;
// callers relocate those if DataLength growth shifts their offsets.
//
// The padded span is zeroed explicitly rather than left to the
// filesystem's sparse-file behavior: on an existing share the fixed
// lease table physically follows the data region, so a hole opened by
// extending DataLength would otherwise expose stale lease-table bytes
// instead of zeros.
func ApplyWrite(path string, hdr *Header, offset uint64, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("mutable: opening %s for write: %w", path, err)
	}
	defer f.Close()

	if len(data) == 0 {
		return nil
	}

	if offset > hdr.DataLength {
		if err := zeroFill(f, DataOffset()+int64(hdr.DataLength), int64(offset-hdr.DataLength)); err != nil {
			return fmt.Errorf("mutable: zero-filling padding: %w", err)
		}
	}

	if _, err := f.WriteAt(data, DataOffset()+int64(offset)); err != nil {
		return fmt.Errorf("mutable: writing data region: %w", err)
	}

	newEnd := offset + uint64(len(data))
	if newEnd > hdr.DataLength {
		hdr.DataLength = newEnd
	}
	return nil
}

// zeroFill writes length zero bytes to f starting at offset, in bounded
// chunks so a large hole doesn't require an equally large allocation.
func zeroFill(f *os.File, offset, length int64) error {
	const chunkSize = 64 * 1024
	zeros := make([]byte, chunkSize)
	for length > 0 {
		n := int64(len(zeros))
		if n > length {
			n = length
		}
		if _, err := f.WriteAt(zeros[:n], offset); err != nil {
			return fmt.Errorf("mutable: writing zero padding: %w", err)
		}
		offset += n
		length -= n
	}
	return nil
}
