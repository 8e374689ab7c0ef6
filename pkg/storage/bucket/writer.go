// Package bucket implements the per-connection stateful objects mediating
// an immutable share upload (BucketWriter) and read (BucketReader), plus
// the canary-based abort mechanism that reclaims writers abandoned by a
// disconnected client (§4.D).
package bucket

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/gridshare/storaged/pkg/storage/errs"
	"github.com/gridshare/storaged/pkg/storage/immutable"
	"github.com/gridshare/storaged/pkg/storage/lease"
)

// WriterState is one state in the BucketWriter lifecycle: OPEN →
// (CLOSED | ABORTED).
type WriterState int

const (
	StateOpen WriterState = iota
	StateClosed
	StateAborted
)

func (s WriterState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// CloseFunc is invoked by Close/Abort to atomically publish or discard
// the in-progress file and drop this writer from the server's
// live-writers registry. The storage server supplies the implementation
// so that bucket stays ignorant of registry internals.
type CloseFunc func(finalize bool) error

// Writer mediates one immutable share upload. Its Subscribe channel is
// closed once the writer is closed or aborted; when a client's canary is
// lost, the server aborts the writer.
type Writer struct {
	mu sync.Mutex

	incomingPath  string
	allocatedSize uint64
	written       uint64
	ranges        []writtenRange

	state WriterState
	onClose CloseFunc

	canaryCh   chan struct{}
	canaryOnce sync.Once
}

// writtenRange records one prior Write call's (offset, data) so a later,
// overlapping Write can be checked for consistency (§7 ConflictingWriteError).
type writtenRange struct {
	offset uint64
	data   []byte
}

// NewWriter creates a Writer over a freshly allocated sparse file at
// incomingPath, sized to allocatedSize. onClose is called exactly once,
// from Close or Abort, to publish or discard the file.
func NewWriter(incomingPath string, allocatedSize uint64, onClose CloseFunc) (*Writer, error) {
	f, err := os.OpenFile(incomingPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bucket: creating incoming file %s: %w", incomingPath, err)
	}
	if err := f.Truncate(int64(allocatedSize)); err != nil {
		f.Close()
		os.Remove(incomingPath)
		return nil, fmt.Errorf("bucket: sizing incoming file %s: %w", incomingPath, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("bucket: closing incoming file %s: %w", incomingPath, err)
	}

	return &Writer{
		incomingPath:  incomingPath,
		allocatedSize: allocatedSize,
		state:         StateOpen,
		onClose:       onClose,
		canaryCh:      make(chan struct{}),
	}, nil
}

// Subscribe returns a channel closed when the writer's canary is lost
// (client disconnect) or the writer transitions to CLOSED/ABORTED. The
// transport layer's canary-loss callback should call Abort directly;
// Subscribe lets other observers (e.g. tests) notice the same event.
func (w *Writer) Subscribe() <-chan struct{} {
	return w.canaryCh
}

// Write appends data at offset to the sparse backing file. Requires
// offset+len(data) <= allocated_size; returns errs.ErrDataTooLarge
// otherwise. A zero-length write is accepted as a no-op (§8). A write
// overlapping a previously-written range whose overlapping bytes differ
// is rejected with errs.ErrConflictingWrite and not applied (§7).
func (w *Writer) Write(offset uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateOpen {
		return fmt.Errorf("bucket: write on %s writer", w.state)
	}
	if len(data) == 0 {
		return nil
	}
	if offset+uint64(len(data)) > w.allocatedSize {
		return errs.ErrDataTooLarge
	}
	for _, r := range w.ranges {
		if !overlapConsistent(offset, data, r.offset, r.data) {
			return errs.ErrConflictingWrite
		}
	}

	f, err := os.OpenFile(w.incomingPath, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bucket: opening incoming file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("bucket: writing: %w", err)
	}
	if end := offset + uint64(len(data)); end > w.written {
		w.written = end
	}
	w.ranges = append(w.ranges, writtenRange{offset: offset, data: append([]byte(nil), data...)})
	return nil
}

// overlapConsistent reports whether the overlapping span (if any) between
// two (offset, data) writes holds identical bytes.
func overlapConsistent(aOffset uint64, aData []byte, bOffset uint64, bData []byte) bool {
	aEnd := aOffset + uint64(len(aData))
	bEnd := bOffset + uint64(len(bData))
	start, end := aOffset, aEnd
	if bOffset > start {
		start = bOffset
	}
	if bEnd < end {
		end = bEnd
	}
	if start >= end {
		return true
	}
	return bytes.Equal(aData[start-aOffset:end-aOffset], bData[start-bOffset:end-bOffset])
}

// Close finalizes the upload: writes the immutable header and lease
// table, then invokes onClose(true) to atomically publish the file and
// drop this writer from the registry. Idempotent: calling Close on an
// already-closed or aborted writer is a no-op.
func (w *Writer) Close(leases []lease.Lease) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateOpen {
		return nil
	}

	version := immutable.VersionForSize(w.allocatedSize)
	hdr := immutable.Header{Version: version, DataLength: w.allocatedSize}
	hdr.LeaseTableOffset = uint64(hdr.HeaderSize()) + hdr.DataLength

	if err := prependHeaderAndAppendLeases(w.incomingPath, hdr, leases); err != nil {
		return fmt.Errorf("bucket: finalizing %s: %w", w.incomingPath, err)
	}

	w.state = StateClosed
	w.signalDone()

	if w.onClose != nil {
		return w.onClose(true)
	}
	return nil
}

// Abort discards the in-progress file and drops this writer from the
// registry. Idempotent. Invoked automatically when the canary signals
// client disconnection, or explicitly by the server on error paths.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateOpen {
		return nil
	}
	w.state = StateAborted
	w.signalDone()

	if err := os.Remove(w.incomingPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bucket: removing incoming file %s: %w", w.incomingPath, err)
	}
	if w.onClose != nil {
		return w.onClose(false)
	}
	return nil
}

// State returns the writer's current lifecycle state.
func (w *Writer) State() WriterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Writer) signalDone() {
	w.canaryOnce.Do(func() { close(w.canaryCh) })
}

// prependHeaderAndAppendLeases rewrites the sparse data-only incoming
// file into a complete immutable container: header + data + lease table.
func prependHeaderAndAppendLeases(path string, hdr immutable.Header, leases []lease.Lease) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading incoming data: %w", err)
	}

	buf := immutable.EncodeHeader(hdr)
	buf = append(buf, data...)
	for _, l := range leases {
		rec := l.Encode()
		buf = append(buf, rec[:]...)
	}

	tmp := path + ".finalizing"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("writing finalized container: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming finalized container: %w", err)
	}
	return nil
}
