package bucket

import (
	"fmt"
	"os"

	"github.com/gridshare/storaged/pkg/storage/immutable"
)

// Reader exposes read access to a finalized immutable share file.
type Reader struct {
	path string
	hdr  immutable.Header
}

// NewReader validates and opens the finalized container at path for
// reading.
func NewReader(path string) (*Reader, error) {
	hdr, err := immutable.Validate(path)
	if err != nil {
		return nil, err
	}
	return &Reader{path: path, hdr: hdr}, nil
}

// Read returns length bytes starting at offset from the share's data
// region, truncating at end-of-data.
func (r *Reader) Read(offset, length uint64) ([]byte, error) {
	if offset >= r.hdr.DataLength {
		return nil, nil
	}
	if offset+length > r.hdr.DataLength {
		length = r.hdr.DataLength - offset
	}
	if length == 0 {
		return nil, nil
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("bucket: opening %s: %w", r.path, err)
	}
	defer f.Close()

	dataStart := int64(r.hdr.HeaderSize())
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, dataStart+int64(offset)); err != nil {
		return nil, fmt.Errorf("bucket: reading %s: %w", r.path, err)
	}
	return buf, nil
}

// Header returns the underlying container's parsed header.
func (r *Reader) Header() immutable.Header {
	return r.hdr
}
