package server

import (
	"testing"

	"github.com/gridshare/storaged/pkg/storage/diskspace"
	"github.com/gridshare/storaged/pkg/storage/errs"
	"github.com/gridshare/storaged/pkg/storage/si"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unlimitedProber struct{}

func (unlimitedProber) FreeBytes(path string) (uint64, error) {
	return 1 << 40, nil
}

type scarceProber struct{ free uint64 }

func (p scarceProber) FreeBytes(path string) (uint64, error) {
	return p.free, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{
		BaseDir:    t.TempDir(),
		Accountant: diskspace.NewAccountant(unlimitedProber{}, 0),
	})
	require.NoError(t, err)
	return s
}

func testSI(b byte) si.SI {
	var raw [si.Length]byte
	for i := range raw {
		raw[i] = b
	}
	return si.SI(raw)
}

func TestAllocateWriteCloseReadRoundTrip(t *testing.T) {
	s := newTestServer(t)
	storageIndex := testSI('a')

	result, err := s.AllocateBuckets(storageIndex, [32]byte{1}, [32]byte{2}, []int{0}, 1000, nil)
	require.NoError(t, err)
	assert.Empty(t, result.AlreadyHave)
	require.Contains(t, result.Allocated, 0)

	data := make([]byte, 1000)
	for i := range data {
		data[i] = 0xff
	}
	w := result.Allocated[0]
	require.NoError(t, w.Write(0, data))
	require.NoError(t, w.Close(nil))

	readers, err := s.GetBuckets(storageIndex)
	require.NoError(t, err)
	require.Contains(t, readers, 0)

	got, err := readers[0].Read(0, 1000)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestConflictingReallocateReturnsAlreadyHave(t *testing.T) {
	s := newTestServer(t)
	storageIndex := testSI('b')

	result, err := s.AllocateBuckets(storageIndex, [32]byte{1}, [32]byte{2}, []int{0}, 10, nil)
	require.NoError(t, err)
	require.NoError(t, result.Allocated[0].Write(0, []byte("0123456789")))
	require.NoError(t, result.Allocated[0].Close(nil))

	result2, err := s.AllocateBuckets(storageIndex, [32]byte{1}, [32]byte{2}, []int{0}, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, result2.AlreadyHave)
	assert.Empty(t, result2.Allocated)
}

func TestMutableTestAndSetSuccessThenReadv(t *testing.T) {
	s := newTestServer(t)
	storageIndex := testSI('c')

	ok, reads, err := s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'w'}},
		map[int]TestWriteVectors{
			0: {
				Test:  []TestVector{{Offset: 0, Length: 1, Operator: "eq", Specimen: []byte{}}},
				Write: []WriteVector{{Offset: 0, Data: []byte("hello")}},
			},
		},
		nil,
	)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[int][][]byte{0: {}}, reads)

	got, err := s.SlotReadv(storageIndex, []int{0}, []ReadVector{{Offset: 0, Length: 5}})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("hello")}, got[0])
}

func TestMutableTestAndSetFailureLeavesDataUnchanged(t *testing.T) {
	s := newTestServer(t)
	storageIndex := testSI('d')

	_, _, err := s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'w'}},
		map[int]TestWriteVectors{
			0: {Write: []WriteVector{{Offset: 0, Data: []byte("hello")}}},
		},
		nil,
	)
	require.NoError(t, err)

	ok, reads, err := s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'w'}},
		map[int]TestWriteVectors{
			0: {
				Test:  []TestVector{{Offset: 0, Length: 5, Operator: "eq", Specimen: []byte("world")}},
				Write: []WriteVector{{Offset: 0, Data: []byte("XXXXX")}},
			},
		},
		[]ReadVector{{Offset: 0, Length: 5}},
	)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, [][]byte{[]byte("hello")}, reads[0])

	got, err := s.SlotReadv(storageIndex, []int{0}, []ReadVector{{Offset: 0, Length: 5}})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("hello")}, got[0])
}

func TestBadWriteEnablerRejected(t *testing.T) {
	s := newTestServer(t)
	storageIndex := testSI('e')

	_, _, err := s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'w'}},
		map[int]TestWriteVectors{0: {Write: []WriteVector{{Offset: 0, Data: []byte("x")}}}},
		nil,
	)
	require.NoError(t, err)

	_, _, err = s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'z'}},
		map[int]TestWriteVectors{0: {Write: []WriteVector{{Offset: 0, Data: []byte("y")}}}},
		nil,
	)
	assert.Error(t, err)
}

func TestNewLengthZeroDeletesShare(t *testing.T) {
	s := newTestServer(t)
	storageIndex := testSI('f')

	_, _, err := s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'w'}},
		map[int]TestWriteVectors{0: {Write: []WriteVector{{Offset: 0, Data: []byte("x")}}}},
		nil,
	)
	require.NoError(t, err)

	zero := uint64(0)
	_, _, err = s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'w'}},
		map[int]TestWriteVectors{0: {NewLength: &zero}},
		nil,
	)
	require.NoError(t, err)

	got, err := s.SlotReadv(storageIndex, []int{0}, []ReadVector{{Offset: 0, Length: 1}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMutableWriteRefusedOnReadonlyServer(t *testing.T) {
	s, err := New(Config{
		BaseDir:         t.TempDir(),
		Accountant:      diskspace.NewAccountant(unlimitedProber{}, 0),
		ReadonlyStorage: true,
	})
	require.NoError(t, err)
	storageIndex := testSI('h')

	_, _, err = s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'w'}},
		map[int]TestWriteVectors{0: {Write: []WriteVector{{Offset: 0, Data: []byte("x")}}}},
		nil,
	)
	assert.ErrorIs(t, err, errs.ErrReadonlyStorage)

	got, err := s.SlotReadv(storageIndex, []int{0}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMutableWriteRefusedWhenBelowReservedFloor(t *testing.T) {
	s, err := New(Config{
		BaseDir:    t.TempDir(),
		Accountant: diskspace.NewAccountant(scarceProber{free: 0}, 0),
	})
	require.NoError(t, err)
	storageIndex := testSI('i')

	_, _, err = s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'w'}},
		map[int]TestWriteVectors{0: {Write: []WriteVector{{Offset: 0, Data: []byte("x")}}}},
		nil,
	)
	assert.ErrorIs(t, err, errs.ErrNoSpace)
}

func TestAddLeaseOnEmptySIIsSilentSuccess(t *testing.T) {
	s := newTestServer(t)
	storageIndex := testSI('g')
	assert.NoError(t, s.AddLease(storageIndex, [32]byte{1}, [32]byte{2}))
}

func TestAddLeaseRenewsInPlaceOnDuplicateSecret(t *testing.T) {
	s := newTestServer(t)
	storageIndex := testSI('h')

	result, err := s.AllocateBuckets(storageIndex, [32]byte{1}, [32]byte{2}, []int{0}, 5, nil)
	require.NoError(t, err)
	require.NoError(t, result.Allocated[0].Write(0, []byte("hello")))
	require.NoError(t, result.Allocated[0].Close(nil))

	require.NoError(t, s.AddLease(storageIndex, [32]byte{1}, [32]byte{2}))
	require.NoError(t, s.AddLease(storageIndex, [32]byte{1}, [32]byte{2}))

	leases, err := s.readLeasesForShare(storageIndex, 0)
	require.NoError(t, err)
	assert.Len(t, leases, 1)
}

func TestWriteAtOffsetPastEndZeroFillsPadding(t *testing.T) {
	s := newTestServer(t)
	storageIndex := testSI('i')

	_, _, err := s.SlotTestvAndReadvAndWritev(
		storageIndex,
		WriteEnablerSecrets{WriteEnabler: [32]byte{'w'}},
		map[int]TestWriteVectors{0: {Write: []WriteVector{{Offset: 10, Data: []byte("end")}}}},
		nil,
	)
	require.NoError(t, err)

	got, err := s.SlotReadv(storageIndex, []int{0}, []ReadVector{{Offset: 0, Length: 13}})
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 10), []byte("end")...), got[0][0])
}
