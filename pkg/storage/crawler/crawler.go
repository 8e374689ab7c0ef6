// Package crawler implements a generic, time-sliced, persistent directory
// walker over the server's 1,024 base32 prefix shards (§4.G). It is the
// scheduling shell shared by the lease-expirer (pkg/storage/expirer) and any
// future bucket-visiting background job; the per-bucket logic itself is
// supplied by the caller as a BucketFunc.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gridshare/storaged/internal/logger"
	"github.com/gridshare/storaged/pkg/metrics"
	"github.com/gridshare/storaged/pkg/storage/crawlstate"
	"github.com/gridshare/storaged/pkg/storage/crawler/indexdb"
	"github.com/gridshare/storaged/pkg/storage/si"
)

// BucketFunc processes one storage-index directory. Returning an error logs
// it (per §4.G "Raised exceptions are logged ... but do not abort the
// cycle") and continues the crawl; it never aborts the cycle.
type BucketFunc func(ctx context.Context, storageIndex string) error

// CycleStartFunc is invoked once at the beginning of every cycle, before the
// first prefix is visited. CycleEndFunc is invoked once the 1,024th prefix
// completes, and returns the free-form summary recorded into history.
type CycleStartFunc func()
type CycleEndFunc func() map[string]any

// Config parameterizes one Crawler instance.
type Config struct {
	// ShareDir is the directory immediately containing the two-character
	// prefix subdirectories, each holding storage-index directories.
	ShareDir string

	// Store persists State/History between activations (§4.G
	// "Persistence").
	Store *crawlstate.Store

	// CPUSlice is how often, while walking a prefix, the crawler persists a
	// mid-prefix resume point and checks ctx. It then keeps walking on the
	// same goroutine; control does not return to the caller (§4.G).
	CPUSlice time.Duration

	// MinimumCycleTime throttles how soon a finished cycle may restart.
	MinimumCycleTime time.Duration

	// SlowStart delays the very first activation after process start.
	SlowStart time.Duration

	// VisitBucket is called once per storage-index directory.
	VisitBucket BucketFunc

	// OnCycleStart/OnCycleEnd bracket one full 1,024-prefix pass. Either
	// may be nil.
	OnCycleStart CycleStartFunc
	OnCycleEnd   CycleEndFunc

	Metrics metrics.CrawlerMetrics

	// Index is an optional best-effort visited-SI cache (§4.G expansion).
	// When set, the crawler consults WasVisited before calling VisitBucket
	// and records MarkVisited afterward, and discards stale cycles via
	// ResetCycle at the start of each new cycle. A nil Index (the
	// zero-value *indexdb.Index, which every method treats as a no-op)
	// disables the optimization entirely.
	Index *indexdb.Index
}

// Crawler drives one cooperatively-scheduled walk over si.AllPrefixes(),
// resuming from persisted state across restarts (§4.G).
type Crawler struct {
	cfg   Config
	log   *slog.Logger
	store *crawlstate.Store

	prefixes []string
	cycleID  string
}

// New constructs a Crawler. It does not start running until Run is called.
func New(cfg Config) *Crawler {
	return &Crawler{
		cfg:      cfg,
		log:      logger.With(logger.KeyOperation, "crawler"),
		store:    cfg.Store,
		prefixes: si.AllPrefixes(),
	}
}

// Run drives the crawl until ctx is cancelled, checkpointing a resume point
// every CPUSlice and re-persisting state after every completed prefix. It loops
// cycle after cycle, honoring MinimumCycleTime and (on the very first call)
// SlowStart.
func (c *Crawler) Run(ctx context.Context) error {
	if c.cfg.SlowStart > 0 {
		select {
		case <-time.After(c.cfg.SlowStart):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		if err := c.runOneCycle(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// runOneCycle resumes (or starts) a single cycle and runs it to completion,
// respecting MinimumCycleTime before beginning a brand-new cycle.
func (c *Crawler) runOneCycle(ctx context.Context) error {
	state, err := c.store.LoadState()
	if err != nil {
		return fmt.Errorf("crawler: loading state: %w", err)
	}

	startIdx := c.resumeIndex(state)

	// A fresh cycle (nothing yet completed this time around) is subject to
	// the minimum-cycle-time throttle measured from the previous cycle's
	// finish; a cycle already in progress resumes immediately regardless.
	if startIdx == 0 && state.LastCycleFinished != nil {
		elapsed := time.Since(*state.LastCycleFinished)
		if elapsed < c.cfg.MinimumCycleTime {
			select {
			case <-time.After(c.cfg.MinimumCycleTime - elapsed):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if startIdx == 0 {
		c.cycleID = uuid.NewString()
		state.CurrentCycleStartTime = time.Now()
		state.CycleToDate = make(map[string]any)
		if c.cfg.Index != nil {
			if err := c.cfg.Index.ResetCycle(state.CurrentCycle); err != nil {
				c.log.Warn("crawler: pruning stale indexdb cycles failed", logger.Err(err))
			}
		}
		if c.cfg.OnCycleStart != nil {
			c.cfg.OnCycleStart()
		}
		if err := c.store.SaveState(state); err != nil {
			return fmt.Errorf("crawler: persisting fresh cycle state: %w", err)
		}
		c.log.Info("cycle started", logger.Cycle(state.CurrentCycle), logger.CycleID(c.cycleID))
	} else if c.cycleID == "" {
		// Resumed mid-cycle after a process restart: no in-memory cycle id
		// survives the restart, so mint a fresh one for this activation's
		// log correlation rather than leaving log lines uncorrelated.
		c.cycleID = uuid.NewString()
	}

	for idx := startIdx; idx < len(c.prefixes); idx++ {
		if err := c.visitPrefix(ctx, state, c.prefixes[idx]); err != nil {
			return err
		}
		state.LastCompletePrefix = c.prefixes[idx]
		state.LastCompleteBucket = ""
		if err := c.store.SaveState(state); err != nil {
			return fmt.Errorf("crawler: persisting state after prefix %s: %w", c.prefixes[idx], err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return c.finishCycle(state)
}

// resumeIndex returns the prefix-slice index to resume from: 0 for a fresh
// cycle, or the index after LastCompletePrefix when one is recorded.
func (c *Crawler) resumeIndex(state *crawlstate.State) int {
	if state.LastCompletePrefix == "" {
		return 0
	}
	for i, p := range c.prefixes {
		if p == state.LastCompletePrefix {
			return i + 1
		}
	}
	return 0
}

// visitPrefix walks every storage-index directory under one two-character
// prefix, applying the CPUSlice budget across buckets and resuming
// mid-prefix from LastCompleteBucket when one was recorded (§4.G
// "Resumption").
func (c *Crawler) visitPrefix(ctx context.Context, state *crawlstate.State, prefix string) error {
	dir := filepath.Join(c.cfg.ShareDir, prefix)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("crawler: listing prefix %s: %w", prefix, err)
	}

	sliceDeadline := time.Now().Add(c.cfg.CPUSlice)
	resuming := state.LastCompleteBucket != ""

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()

		if resuming {
			if name <= state.LastCompleteBucket {
				continue
			}
			resuming = false
		}

		if time.Now().After(sliceDeadline) {
			state.LastCompleteBucket = priorBucket(entries, name)
			if err := c.store.SaveState(state); err != nil {
				return fmt.Errorf("crawler: persisting mid-prefix resume point: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sliceDeadline = time.Now().Add(c.cfg.CPUSlice)
		}

		if c.cfg.Index != nil && c.cfg.Index.WasVisited(state.CurrentCycle, name) {
			state.LastCompleteBucket = name
			continue
		}

		if err := c.cfg.VisitBucket(ctx, name); err != nil {
			c.log.Warn("bucket visit failed", logger.SIStr(name), logger.CycleID(c.cycleID), logger.Err(err))
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordBucketVisited()
		}
		if c.cfg.Index != nil {
			c.cfg.Index.MarkVisited(state.CurrentCycle, name)
		}
		state.LastCompleteBucket = name
	}

	return nil
}

// priorBucket returns the directory entry name immediately preceding
// current in entries, or "" if current is first — used so the persisted
// LastCompleteBucket always names a bucket that has actually finished.
func priorBucket(entries []os.DirEntry, current string) string {
	prev := ""
	for _, e := range entries {
		if e.Name() == current {
			return prev
		}
		if e.IsDir() {
			prev = e.Name()
		}
	}
	return prev
}

// finishCycle records cycle completion, appends to bounded history, and
// resets LastCompletePrefix so the next call to runOneCycle starts fresh.
func (c *Crawler) finishCycle(state *crawlstate.State) error {
	finish := time.Now()
	state.LastCycleFinished = &finish
	state.LastCompletePrefix = ""
	state.LastCompleteBucket = ""

	var summary map[string]any
	if c.cfg.OnCycleEnd != nil {
		summary = c.cfg.OnCycleEnd()
	}

	history, err := c.store.LoadHistory()
	if err != nil {
		return fmt.Errorf("crawler: loading history: %w", err)
	}
	history.Append(crawlstate.CycleSummary{
		Cycle:      state.CurrentCycle,
		StartTime:  state.CurrentCycleStartTime,
		FinishTime: finish,
		Summary:    summary,
	})
	if err := c.store.SaveHistory(history); err != nil {
		return fmt.Errorf("crawler: saving history: %w", err)
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordCycleComplete(finish.Sub(state.CurrentCycleStartTime).Seconds())
	}

	c.log.Info("cycle finished", logger.Cycle(state.CurrentCycle), logger.CycleID(c.cycleID))
	c.cycleID = ""

	state.CurrentCycle++
	state.CycleToDate = make(map[string]any)
	return c.store.SaveState(state)
}
