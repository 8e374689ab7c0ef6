package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	l := Lease{
		OwnerNum:       7,
		RenewSecret:    [32]byte{1, 2, 3},
		CancelSecret:   [32]byte{4, 5, 6},
		ExpirationTime: 1234567890,
	}

	buf := l.Encode()
	require.Len(t, buf, Size)

	decoded, err := Decode(buf[:])
	require.NoError(t, err)
	assert.Equal(t, l, decoded)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := Lease{ExpirationTime: uint32(now.Add(-time.Hour).Unix())}
	assert.True(t, l.Expired(now))

	l2 := Lease{ExpirationTime: uint32(now.Add(time.Hour).Unix())}
	assert.False(t, l2.Expired(now))
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, Lease{}.IsEmpty())
	assert.False(t, Lease{OwnerNum: 1}.IsEmpty())
}

func TestNewFromSecretsSetsExpiration(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewFromSecrets(1, [32]byte{9}, [32]byte{8}, now, 31*24*time.Hour)
	assert.Equal(t, uint32(now.Add(31*24*time.Hour).Unix()), l.ExpirationTime)
	assert.False(t, l.Expired(now))
}

func TestAgeDaysClampsAtZero(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	// Lease expires far in the future: more than defaultDuration away,
	// meaning it was renewed after now (age would be negative).
	l := Lease{ExpirationTime: uint32(now.Add(60 * 24 * time.Hour).Unix())}
	assert.Equal(t, 0.0, l.AgeDays(now, 31*24*time.Hour))
}

func TestAgeDaysComputesElapsed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	defaultDuration := 31 * 24 * time.Hour
	// Lease renewed 10 days ago: remaining = defaultDuration - 10 days.
	l := Lease{ExpirationTime: uint32(now.Add(defaultDuration - 10*24*time.Hour).Unix())}
	assert.InDelta(t, 10.0, l.AgeDays(now, defaultDuration), 0.01)
}
