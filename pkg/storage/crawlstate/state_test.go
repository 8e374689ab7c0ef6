package crawlstate

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), "lease_checker")

	st := NewState()
	st.CurrentCycle = 3
	st.LastCompletePrefix = "ab"
	st.CurrentCycleStartTime = time.Unix(1_700_000_000, 0).UTC()
	st.CycleToDate["examined"] = float64(42)

	require.NoError(t, store.SaveState(st))

	loaded, err := store.LoadState()
	require.NoError(t, err)
	assert.Equal(t, st.CurrentCycle, loaded.CurrentCycle)
	assert.Equal(t, st.LastCompletePrefix, loaded.LastCompletePrefix)
	assert.Equal(t, st.CurrentCycleStartTime.Unix(), loaded.CurrentCycleStartTime.Unix())
}

func TestLoadStateMissingFileReturnsFresh(t *testing.T) {
	store := NewStore(t.TempDir(), "lease_checker")
	st, err := store.LoadState()
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentCycle)
	assert.NotNil(t, st.CycleToDate)
}

func TestStateSerializeDeserializeIsFixedPoint(t *testing.T) {
	store := NewStore(t.TempDir(), "lease_checker")

	st := NewState()
	st.CurrentCycle = 7
	st.LastCompleteBucket = "si-xyz"

	require.NoError(t, store.SaveState(st))
	once, err := store.LoadState()
	require.NoError(t, err)
	require.NoError(t, store.SaveState(once))
	twice, err := store.LoadState()
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestHistoryAppendCapsAtTenEntries(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 15; i++ {
		h.Append(CycleSummary{Cycle: i, Summary: map[string]any{"examined": i}})
	}
	assert.Len(t, h.Cycles, MaxHistoryEntries)
	// The oldest 5 cycles should have been evicted.
	for i := 0; i < 5; i++ {
		_, ok := h.Cycles[itoa(i)]
		assert.False(t, ok, "cycle %d should have been evicted", i)
	}
	for i := 5; i < 15; i++ {
		_, ok := h.Cycles[itoa(i)]
		assert.True(t, ok, "cycle %d should be retained", i)
	}
}

func TestHistorySaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), "lease_checker")
	h := NewHistory()
	h.Append(CycleSummary{Cycle: 1, Summary: map[string]any{"actual-shares": float64(2)}})

	require.NoError(t, store.SaveHistory(h))
	loaded, err := store.LoadHistory()
	require.NoError(t, err)
	assert.Equal(t, h.Cycles, loaded.Cycles)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
