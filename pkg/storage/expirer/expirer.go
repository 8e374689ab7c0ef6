// Package expirer implements the lease-expirer, a crawler subclass that
// visits every share in every storage index once per cycle, tallies and
// histograms lease ages, and optionally deletes leases (and shares left
// with none) according to a fixed, construction-time policy (§4.H).
package expirer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gridshare/storaged/internal/logger"
	"github.com/gridshare/storaged/pkg/metrics"
	"github.com/gridshare/storaged/pkg/storage/errs"
	"github.com/gridshare/storaged/pkg/storage/immutable"
	"github.com/gridshare/storaged/pkg/storage/lease"
	"github.com/gridshare/storaged/pkg/storage/mutable"
	"github.com/gridshare/storaged/pkg/storage/si"
	"github.com/gridshare/storaged/pkg/storage/siguard"
)

// Mode selects how a lease's age is judged against the expiry policy
// (§4.H "expiration_mode").
type Mode string

const (
	ModeAge        Mode = "age"
	ModeCutoffDate Mode = "cutoff-date"
)

// defaultLeaseDuration is the 31-day renewal period every lease carries
// regardless of configuration, used to compute the "original" tally
// (§4.H step 4) and as AgeDays' reference duration.
const defaultLeaseDuration = 31 * 24 * time.Hour

// Config is the lease-expirer's fixed, construction-time policy (§4.H).
// It is immutable for the life of the server: changing expiry policy
// requires a restart.
type Config struct {
	// ShareDir is "<basedir>/shares", the directory of prefix
	// subdirectories each holding storage-index directories.
	ShareDir string

	// Guard is the storage server's per-storage-index mutual-exclusion
	// guard. A bucket visit acquires it for the storage index being
	// visited, so it can never interleave with an in-flight RPC on that
	// same index (§5). Production wiring must pass the same Guard the
	// storage server uses (via Server.Guard); a nil Guard gets a
	// private one of its own, which is only correct when nothing else
	// shares these share files (e.g. standalone tests).
	Guard *siguard.Guard

	// Enabled turns on lease removal and share deletion. When false the
	// expirer still enumerates leases and histograms their ages.
	Enabled bool

	// Mode is ModeAge or ModeCutoffDate; any other value is a
	// construction-time error (§4.H "other values -> fatal ValueError").
	Mode Mode

	// OverrideLeaseDuration is the lease lifetime used in ModeAge.
	OverrideLeaseDuration time.Duration

	// CutoffDate is the absolute instant used in ModeCutoffDate.
	CutoffDate time.Time

	// ShareTypes is the subset of {"mutable","immutable"} subject to
	// removal; both types are always histogrammed regardless.
	ShareTypes map[string]bool

	Metrics metrics.CrawlerMetrics
}

// New validates cfg and returns an Expirer, or an error if Mode is neither
// ModeAge nor ModeCutoffDate (§4.H "validated at construction").
func New(cfg Config) (*Expirer, error) {
	switch cfg.Mode {
	case ModeAge, ModeCutoffDate:
	default:
		return nil, fmt.Errorf("expirer: invalid expiration_mode %q, must be %q or %q", cfg.Mode, ModeAge, ModeCutoffDate)
	}
	if cfg.Guard == nil {
		cfg.Guard = siguard.New()
	}
	return &Expirer{
		cfg: cfg,
		log: logger.With(logger.KeyOperation, "lease_expirer"),
	}, nil
}

// Expirer is the lease-expirer's per-cycle state: the running tallies
// accumulated across VisitBucket calls and reset at cycle boundaries by
// the owning crawler via StartCycle/Summary.
type Expirer struct {
	cfg Config
	log *slog.Logger

	mu             sync.Mutex
	examined       int
	actual         int
	original       int
	configured     int
	leasesPerShare []int
	corrupt        []string
	diskBytes      uint64
	shareBytes     uint64
}

// StartCycle resets the per-cycle accumulators; wire as crawler.Config's
// OnCycleStart.
func (e *Expirer) StartCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.examined = 0
	e.actual = 0
	e.original = 0
	e.configured = 0
	e.leasesPerShare = nil
	e.corrupt = nil
	e.diskBytes = 0
	e.shareBytes = 0
}

// Summary returns the completed cycle's tallies as a map suitable for
// crawlstate.CycleSummary.Summary; wire as crawler.Config's OnCycleEnd.
func (e *Expirer) Summary() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"leases-examined":   e.examined,
		"leases-removed":    e.actual,
		"original-would-remove":  e.original,
		"configured-would-remove": e.configured,
		"leases-per-share":  append([]int(nil), e.leasesPerShare...),
		"corrupt-shares":    append([]string(nil), e.corrupt...),
		"disk-bytes":        e.diskBytes,
		"share-bytes":       e.shareBytes,
	}
}

// VisitBucket implements crawler.BucketFunc: it opens every share file
// under one storage index and applies the expiry policy to each lease.
// The whole visit runs under the storage index's guard, so it is atomic
// with respect to any RPC handler touching the same index (§5).
func (e *Expirer) VisitBucket(ctx context.Context, storageIndex string) error {
	id, err := si.Parse(storageIndex)
	if err != nil {
		return fmt.Errorf("expirer: bad storage index %q: %w", storageIndex, err)
	}

	return e.cfg.Guard.WithLock(storageIndex, func() error {
		dir := filepath.Join(e.cfg.ShareDir, id.Prefix(), id.String())
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("expirer: listing %s: %w", dir, err)
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			shnum, convErr := strconv.Atoi(entry.Name())
			if convErr != nil {
				continue
			}
			e.visitShare(filepath.Join(dir, entry.Name()), id, shnum)
		}
		return nil
	})
}

// visitShare classifies, tallies, and (if configured) prunes one share
// file's lease table.
func (e *Expirer) visitShare(path string, id si.SI, shnum int) {
	now := time.Now()

	shareType, leases, diskBytes, err := e.readShare(path)
	if err != nil {
		e.log.Warn("corrupt share during lease crawl", logger.SIStr(id.String()), logger.Shnum(shnum), logger.Err(err))
		e.mu.Lock()
		e.corrupt = append(e.corrupt, fmt.Sprintf("%s/%d", id.String(), shnum))
		e.mu.Unlock()
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordCorruptShare("unknown")
		}
		return
	}

	removable := e.cfg.ShareTypes[shareType]

	var keep []lease.Lease
	var removedHere, originalHere, configuredHere int

	for _, l := range leases {
		age := l.AgeDays(now, defaultLeaseDuration)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordLeaseAgeDays(age)
		}

		expiredOriginal := l.Expired(now)
		expiredConfigured := e.isExpired(l, now)

		if expiredOriginal {
			originalHere++
		}
		if expiredConfigured {
			configuredHere++
		}

		if e.cfg.Enabled && removable && expiredConfigured {
			removedHere++
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordExpiryTally("actual", shareType)
			}
			continue
		}
		keep = append(keep, l)
	}

	e.mu.Lock()
	e.examined += len(leases)
	e.actual += removedHere
	e.original += originalHere
	e.configured += configuredHere
	e.leasesPerShare = append(e.leasesPerShare, len(keep))
	e.diskBytes += diskBytes
	e.shareBytes += diskBytes
	e.mu.Unlock()

	if e.cfg.Metrics != nil {
		for i := 0; i < len(leases); i++ {
			e.cfg.Metrics.RecordExpiryTally("examined", shareType)
		}
		for i := 0; i < originalHere; i++ {
			e.cfg.Metrics.RecordExpiryTally("original", shareType)
		}
		for i := 0; i < configuredHere; i++ {
			e.cfg.Metrics.RecordExpiryTally("configured", shareType)
		}
	}

	if removedHere == 0 {
		return
	}

	if len(keep) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.log.Warn("failed to delete fully-expired share", logger.SIStr(id.String()), logger.Shnum(shnum), logger.Err(err))
			return
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordShareDeleted(shareType)
		}
		return
	}

	if err := e.writeBack(path, shareType, keep); err != nil {
		e.log.Warn("failed to prune expired leases", logger.SIStr(id.String()), logger.Shnum(shnum), logger.Err(err))
	}
}

// readShare classifies path as mutable or immutable, returning its
// current lease list and on-disk size.
func (e *Expirer) readShare(path string) (shareType string, leases []lease.Lease, diskBytes uint64, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return "", nil, 0, statErr
	}

	if hdr, mErr := mutable.Validate(path); mErr == nil {
		leases, err = mutable.ReadLeases(path, hdr)
		return "mutable", leases, uint64(info.Size()), err
	} else if !errors.Is(mErr, errs.ErrUnknownMutableVersion) {
		return "", nil, 0, mErr
	}

	if hdr, iErr := immutable.Validate(path); iErr == nil {
		leases, err = immutable.ReadLeases(path, hdr)
		return "immutable", leases, uint64(info.Size()), err
	} else if !errors.Is(iErr, errs.ErrUnknownImmutableVersion) {
		return "", nil, 0, iErr
	}

	return "", nil, 0, fmt.Errorf("expirer: %s: %w", path, errs.ErrCorruptShare)
}

// writeBack persists a pruned lease list back to path, re-validating the
// header first since mutable writes need the current DataLength to place
// the lease table.
func (e *Expirer) writeBack(path, shareType string, keep []lease.Lease) error {
	switch shareType {
	case "mutable":
		hdr, err := mutable.Validate(path)
		if err != nil {
			return err
		}
		return mutable.WriteLeases(path, hdr, keep)
	case "immutable":
		hdr, err := immutable.Validate(path)
		if err != nil {
			return err
		}
		return immutable.WriteLeases(path, hdr, keep)
	default:
		return fmt.Errorf("expirer: unknown share type %q", shareType)
	}
}

// isExpired applies the configured policy (Mode, OverrideLeaseDuration or
// CutoffDate) to l (§4.H step 2). Per §4.H, a lease's last-renewal instant
// is its expiration time minus the default 31-day renewal period, since
// every add_lease sets ExpirationTime to renewal-time-plus-31-days.
func (e *Expirer) isExpired(l lease.Lease, now time.Time) bool {
	lastRenewed := l.ExpirationInstant().Add(-defaultLeaseDuration)
	switch e.cfg.Mode {
	case ModeCutoffDate:
		return lastRenewed.Before(e.cfg.CutoffDate)
	default: // ModeAge
		duration := e.cfg.OverrideLeaseDuration
		if duration <= 0 {
			duration = defaultLeaseDuration
		}
		return now.Sub(lastRenewed) >= duration
	}
}
