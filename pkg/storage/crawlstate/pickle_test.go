package crawlstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSimplePickle hand-assembles a protocol-2 pickle stream encoding
// {"current-cycle": 3, "last-complete-prefix": "ab"} using only the
// opcodes this decoder supports, mirroring what a legacy Python
// pickle.dumps(..., protocol=2) emits for a small flat dict.
func buildSimplePickle() []byte {
	var b []byte
	b = append(b, opProto, 2)
	b = append(b, opEmptyDict)
	b = append(b, opMark)

	pushShortStr := func(s string) {
		b = append(b, opShortBinStr, byte(len(s)))
		b = append(b, s...)
	}

	pushShortStr("current-cycle")
	b = append(b, opBinInt1, 3)

	pushShortStr("last-complete-prefix")
	pushShortStr("ab")

	b = append(b, opSetItems)
	b = append(b, opStop)
	return b
}

func TestDecodePickleSimpleDict(t *testing.T) {
	decoded, err := newPickleDecoder(buildSimplePickle()).Decode()
	require.NoError(t, err)

	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(3), m["current-cycle"])
	assert.Equal(t, "ab", m["last-complete-prefix"])
}

func TestMigrateLegacyPickleWritesJSONAndRemovesSource(t *testing.T) {
	dir := t.TempDir()
	picklePath := filepath.Join(dir, "lease_checker.state.pickle")
	jsonPath := filepath.Join(dir, "lease_checker.state")

	require.NoError(t, os.WriteFile(picklePath, buildSimplePickle(), 0o644))

	st, err := MigrateLegacyPickle(picklePath, jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 3, st.CurrentCycle)
	assert.Equal(t, "ab", st.LastCompletePrefix)

	_, err = os.ReadFile(jsonPath)
	require.NoError(t, err)

	_, err = os.ReadFile(picklePath)
	assert.True(t, os.IsNotExist(err))
}
