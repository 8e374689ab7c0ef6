// Package server implements the top-level storage-server operations:
// get_version, allocate_buckets, get_buckets, add_lease, slot_readv,
// slot_testv_and_readv_and_writev, and advise_corrupt_share (§4.E). It
// holds the live-writers registry, the per-SI mutual-exclusion guard,
// and wires disk-space accounting into every allocating operation.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gridshare/storaged/internal/logger"
	"github.com/gridshare/storaged/pkg/metrics"
	"github.com/gridshare/storaged/pkg/storage/bucket"
	"github.com/gridshare/storaged/pkg/storage/diskspace"
	"github.com/gridshare/storaged/pkg/storage/si"
	"github.com/gridshare/storaged/pkg/storage/siguard"
)

// DefaultLeaseDuration is the renewal period applied by add_lease and
// slot_testv_and_readv_and_writev when admitting or renewing a lease
// (§4.E): 31 days.
const DefaultLeaseDuration = 31 * 24 * time.Hour

// MaxShnums is the largest number of shares a single storage index may
// hold (§6).
const MaxShnums = 256

// MaxWriteLength is the largest payload a single BucketWriter.Write or
// mutable write vector entry may carry (§6).
const MaxWriteLength = 1 << 20 // 1 MiB

// NodeIDSize is the length in bytes of a storage server's identity,
// stamped into write-enablers of mutable shares it originally accepts
// (§3.1).
const NodeIDSize = 20

// Server is the long-lived object backing every storage-server
// operation: base directory, node identity, disk-space accounting,
// read-only flag, and the live-writers registry (§4.E).
type Server struct {
	baseDir         string
	nodeID          [NodeIDSize]byte
	accountant      *diskspace.Accountant
	readonlyStorage bool
	metrics         metrics.StorageMetrics
	log             *slog.Logger

	guard *siguard.Guard

	writersMu sync.Mutex
	writers   map[string]map[int]*bucket.Writer // si -> shnum -> writer

	closed   chan struct{}
	closeOne sync.Once
}

// Config configures a new Server.
type Config struct {
	BaseDir         string
	NodeID          [NodeIDSize]byte
	Accountant      *diskspace.Accountant
	ReadonlyStorage bool
}

// New constructs a Server rooted at cfg.BaseDir, creating the on-disk
// layout (§6) if absent.
func New(cfg Config) (*Server, error) {
	for _, sub := range []string{
		filepath.Join(cfg.BaseDir, "shares", "incoming"),
		filepath.Join(cfg.BaseDir, "corruption-advisories"),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("server: creating %s: %w", sub, err)
		}
	}

	return &Server{
		baseDir:         cfg.BaseDir,
		nodeID:          cfg.NodeID,
		accountant:      cfg.Accountant,
		readonlyStorage: cfg.ReadonlyStorage,
		metrics:         metrics.NewStorageMetrics(),
		log:             logger.With(logger.KeyOperation, "storage_server"),
		guard:           siguard.New(),
		writers:         make(map[string]map[int]*bucket.Writer),
		closed:          make(chan struct{}),
	}, nil
}

// Close marks the server closed; it does not wait for in-progress
// operations. The crawler and any background goroutines should be
// stopped by the caller before calling Close; Close itself only closes
// the done channel observed by internal helpers.
func (s *Server) Close(ctx context.Context) error {
	s.closeOne.Do(func() { close(s.closed) })
	return nil
}

// Guard returns the per-storage-index mutual-exclusion guard this server
// uses for every RPC operation. Callers that mutate share files outside
// an RPC (e.g. the lease-expirer crawler) must run under this same
// Guard so a bucket visit can never interleave with an in-flight RPC on
// the same storage index (§5).
func (s *Server) Guard() *siguard.Guard {
	return s.guard
}

// shareDir returns the finalized share directory for si:
// <basedir>/shares/<prefix>/<si>.
func (s *Server) shareDir(storageIndex si.SI) string {
	return filepath.Join(s.baseDir, "shares", storageIndex.Prefix(), storageIndex.String())
}

// incomingDir returns the in-progress upload directory for si:
// <basedir>/shares/incoming/<prefix>/<si>.
func (s *Server) incomingDir(storageIndex si.SI) string {
	return filepath.Join(s.baseDir, "shares", "incoming", storageIndex.Prefix(), storageIndex.String())
}

func (s *Server) sharePath(storageIndex si.SI, shnum int) string {
	return filepath.Join(s.shareDir(storageIndex), fmt.Sprintf("%d", shnum))
}

func (s *Server) incomingPath(storageIndex si.SI, shnum int) string {
	return filepath.Join(s.incomingDir(storageIndex), fmt.Sprintf("%d", shnum))
}

func (s *Server) shareExists(storageIndex si.SI, shnum int) bool {
	_, err := os.Stat(s.sharePath(storageIndex, shnum))
	return err == nil
}

// VersionInfo is the return value of get_version (§4.E).
type VersionInfo struct {
	MaximumImmutableShareSize uint64
	AvailableSpace            int64
	SpaceUnknown              bool
	FillsHolesWithZeroBytes   bool
	ToleratesOverlappingWrite bool
}

// GetVersion returns a stable, side-effect-free description of this
// server's protocol features (§4.E).
func (s *Server) GetVersion() VersionInfo {
	available, err := s.accountant.Available(s.baseDir)
	info := VersionInfo{
		MaximumImmutableShareSize: 1<<64 - 1,
		FillsHolesWithZeroBytes:   true,
		ToleratesOverlappingWrite: false,
	}
	if err != nil {
		info.SpaceUnknown = true
		return info
	}
	info.AvailableSpace = available
	return info
}
