package mutable

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gridshare/storaged/pkg/storage/errs"
	"github.com/gridshare/storaged/pkg/storage/lease"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSlot(t *testing.T, dataLen uint64) (string, Header) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "0")

	hdr := Header{DataLength: dataLen}
	buf := EncodeHeader(hdr)
	buf = append(buf, make([]byte, dataLen)...)
	buf = append(buf, make([]byte, fixedLeaseTableSize)...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path, hdr
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	hdr := Header{
		WriteEnablerNodeID: [NodeIDSize]byte{1, 2, 3},
		WriteEnablerSecret: [32]byte{4, 5, 6},
		DataLength:         100,
	}
	buf := EncodeHeader(hdr)

	f, err := os.CreateTemp(t.TempDir(), "hdr")
	require.NoError(t, err)
	_, err = f.Write(buf)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)

	got, err := DecodeHeader(f)
	require.NoError(t, err)
	assert.Equal(t, hdr, got)
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, headerSize)
	_, err := DecodeHeader(bytes.NewReader(buf))
	assert.ErrorIs(t, err, errs.ErrUnknownMutableVersion)
}

func TestValidateWellFormedEmptySlot(t *testing.T) {
	path, _ := newSlot(t, 0)
	hdr, err := Validate(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), hdr.DataLength)
}

func TestWriteAndReadRange(t *testing.T) {
	path, hdr := newSlot(t, 0)

	require.NoError(t, ApplyWrite(path, &hdr, 0, []byte("hello")))
	assert.Equal(t, uint64(5), hdr.DataLength)

	got, err := ReadRange(path, hdr, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestReadRangeTruncatesAtEndOfData(t *testing.T) {
	path, hdr := newSlot(t, 0)
	require.NoError(t, ApplyWrite(path, &hdr, 0, []byte("hello")))

	got, err := ReadRange(path, hdr, 3, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("lo"), got)
}

func TestReadRangePastEndReturnsEmpty(t *testing.T) {
	path, hdr := newSlot(t, 0)
	require.NoError(t, ApplyWrite(path, &hdr, 0, []byte("hi")))

	got, err := ReadRange(path, hdr, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestApplyWriteZeroFillsHoles(t *testing.T) {
	path, hdr := newSlot(t, 0)
	require.NoError(t, ApplyWrite(path, &hdr, 10, []byte("end")))
	assert.Equal(t, uint64(13), hdr.DataLength)

	got, err := ReadRange(path, hdr, 0, 13)
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 10), []byte("end")...), got)
}

func TestLeaseRoundTripFixedSlotsOnly(t *testing.T) {
	path, hdr := newSlot(t, 0)

	leases := []lease.Lease{{OwnerNum: 1}, {OwnerNum: 2}}
	require.NoError(t, WriteLeases(path, hdr, leases))

	got, err := ReadLeases(path, hdr)
	require.NoError(t, err)
	assert.Equal(t, leases, got)
}

func TestLeaseRoundTripWithExtraLeases(t *testing.T) {
	path, hdr := newSlot(t, 0)

	leases := make([]lease.Lease, 0, 6)
	for i := uint32(1); i <= 6; i++ {
		leases = append(leases, lease.Lease{OwnerNum: i})
	}
	require.NoError(t, WriteLeases(path, hdr, leases))

	got, err := ReadLeases(path, hdr)
	require.NoError(t, err)
	assert.Equal(t, leases, got)
}
