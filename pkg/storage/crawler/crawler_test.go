package crawler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridshare/storaged/pkg/storage/crawler/indexdb"
	"github.com/gridshare/storaged/pkg/storage/crawlstate"
	"github.com/gridshare/storaged/pkg/storage/si"
)

// makeBucket creates an empty directory under shareDir/prefix/name so the
// crawler's os.ReadDir walk finds it.
func makeBucket(t *testing.T, shareDir, prefix, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(shareDir, prefix, name), 0o755))
}

func TestCrawlerVisitsEveryBucketOnceAndFinishesCycle(t *testing.T) {
	shareDir := t.TempDir()
	stateDir := t.TempDir()

	firstPrefix := si.AllPrefixes()[0]
	makeBucket(t, shareDir, firstPrefix, "aaaa")
	makeBucket(t, shareDir, firstPrefix, "bbbb")

	var visited []string
	c := New(Config{
		ShareDir:         shareDir,
		Store:            crawlstate.NewStore(stateDir, "test"),
		CPUSlice:         time.Hour, // never yields mid-prefix in this test
		MinimumCycleTime: 0,
		VisitBucket: func(_ context.Context, id string) error {
			visited = append(visited, id)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.runOneCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"aaaa", "bbbb"}, visited)

	st, err := c.store.LoadState()
	require.NoError(t, err)
	assert.Equal(t, "", st.LastCompletePrefix)
	assert.Equal(t, 1, st.CurrentCycle)
	assert.NotNil(t, st.LastCycleFinished)
}

func TestCrawlerResumesFromLastCompletePrefix(t *testing.T) {
	shareDir := t.TempDir()
	stateDir := t.TempDir()
	store := crawlstate.NewStore(stateDir, "test")

	prefixes := si.AllPrefixes()
	makeBucket(t, shareDir, prefixes[0], "aaaa")
	makeBucket(t, shareDir, prefixes[1], "bbbb")

	pre := crawlstate.NewState()
	pre.LastCompletePrefix = prefixes[0]
	require.NoError(t, store.SaveState(pre))

	var visited []string
	c := New(Config{
		ShareDir: shareDir,
		Store:    store,
		CPUSlice: time.Hour,
		VisitBucket: func(_ context.Context, id string) error {
			visited = append(visited, id)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.runOneCycle(ctx))

	assert.Equal(t, []string{"bbbb"}, visited)
}

func TestCrawlerBucketErrorDoesNotAbortCycle(t *testing.T) {
	shareDir := t.TempDir()
	stateDir := t.TempDir()

	prefix := si.AllPrefixes()[0]
	makeBucket(t, shareDir, prefix, "aaaa")
	makeBucket(t, shareDir, prefix, "bbbb")

	var visited []string
	c := New(Config{
		ShareDir: shareDir,
		Store:    crawlstate.NewStore(stateDir, "test"),
		CPUSlice: time.Hour,
		VisitBucket: func(_ context.Context, id string) error {
			visited = append(visited, id)
			if id == "aaaa" {
				return assert.AnError
			}
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.runOneCycle(ctx))
	assert.Equal(t, []string{"aaaa", "bbbb"}, visited)
}

func TestCrawlerCheckpointsMidPrefixAndPersistsResumePoint(t *testing.T) {
	shareDir := t.TempDir()
	stateDir := t.TempDir()
	store := crawlstate.NewStore(stateDir, "test")

	prefix := si.AllPrefixes()[0]
	makeBucket(t, shareDir, prefix, "aaaa")
	makeBucket(t, shareDir, prefix, "bbbb")
	makeBucket(t, shareDir, prefix, "cccc")

	visitCount := 0
	c := New(Config{
		ShareDir: shareDir,
		Store:    store,
		CPUSlice: time.Millisecond,
		VisitBucket: func(_ context.Context, id string) error {
			visitCount++
			if visitCount == 1 {
				time.Sleep(5 * time.Millisecond)
			}
			if visitCount == 2 {
				st, err := store.LoadState()
				if assert.NoError(t, err) {
					assert.Equal(t, "aaaa", st.LastCompleteBucket)
				}
			}
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.runOneCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, visitCount)
}

func TestCrawlerSkipsBucketsAlreadyMarkedVisitedInIndex(t *testing.T) {
	shareDir := t.TempDir()
	stateDir := t.TempDir()
	store := crawlstate.NewStore(stateDir, "test")

	prefix := si.AllPrefixes()[0]
	makeBucket(t, shareDir, prefix, "aaaa")
	makeBucket(t, shareDir, prefix, "bbbb")

	idx, err := indexdb.Open(filepath.Join(t.TempDir(), "indexdb"), nil)
	require.NoError(t, err)
	defer idx.Close()
	idx.MarkVisited(0, "aaaa")

	var visited []string
	c := New(Config{
		ShareDir: shareDir,
		Store:    store,
		CPUSlice: time.Hour,
		Index:    idx,
		VisitBucket: func(_ context.Context, id string) error {
			visited = append(visited, id)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.runOneCycle(ctx))

	assert.Equal(t, []string{"bbbb"}, visited)
	assert.True(t, idx.WasVisited(0, "aaaa"))
	assert.True(t, idx.WasVisited(0, "bbbb"))
}
