package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gridshare/storaged/internal/logger"
	"github.com/gridshare/storaged/pkg/storage/bucket"
	"github.com/gridshare/storaged/pkg/storage/errs"
	"github.com/gridshare/storaged/pkg/storage/immutable"
	"github.com/gridshare/storaged/pkg/storage/lease"
	"github.com/gridshare/storaged/pkg/storage/mutable"
	"github.com/gridshare/storaged/pkg/storage/si"
)

// Canary is an externally-managed liveness token for one client
// connection. Its loss (Done closes) must cause the server to abort all
// BucketWriters allocated under it (§4.E, §9 "Canary lifetime").
type Canary interface {
	Done() <-chan struct{}
}

// AllocateResult is the return value of AllocateBuckets.
type AllocateResult struct {
	AlreadyHave []int
	Allocated   map[int]*bucket.Writer
}

// AllocateBuckets implements the per-share admission protocol for an
// immutable upload (§4.E allocate_buckets).
func (s *Server) AllocateBuckets(storageIndex si.SI, renewSecret, cancelSecret [32]byte, shnums []int, allocatedSize uint64, canary Canary) (AllocateResult, error) {
	result := AllocateResult{Allocated: make(map[int]*bucket.Writer)}

	err := s.guard.WithLock(storageIndex.String(), func() error {
		var toCreate []int
		for _, shnum := range shnums {
			if s.shareExists(storageIndex, shnum) {
				result.AlreadyHave = append(result.AlreadyHave, shnum)
				s.refreshLeaseIfSpace(storageIndex, shnum, renewSecret, cancelSecret)
				continue
			}
			if s.writerExists(storageIndex, shnum) {
				// Already being written by another client: treat like
				// already_have for allocation purposes (§4.D conflict rule).
				result.AlreadyHave = append(result.AlreadyHave, shnum)
				continue
			}
			toCreate = append(toCreate, shnum)
		}

		if len(toCreate) == 0 {
			return nil
		}

		if s.readonlyStorage {
			return nil
		}

		needed := allocatedSize * uint64(len(toCreate))
		ok, err := s.accountant.CanAllocate(s.baseDir, needed)
		if err != nil || !ok {
			s.log.Warn("allocate_buckets: admission refused",
				logger.SIStr(storageIndex.String()), slog.Uint64("needed_bytes", needed))
			return nil
		}

		incomingDir := s.incomingDir(storageIndex)
		if err := os.MkdirAll(incomingDir, 0o755); err != nil {
			return fmt.Errorf("allocate_buckets: creating %s: %w", incomingDir, err)
		}

		created := make(map[int]*bucket.Writer, len(toCreate))
		for _, shnum := range toCreate {
			shnum := shnum
			w, err := bucket.NewWriter(s.incomingPath(storageIndex, shnum), allocatedSize, func(finalize bool) error {
				defer s.dropWriter(storageIndex, shnum)
				if !finalize {
					return nil
				}
				if err := s.publishShare(storageIndex, shnum); err != nil {
					return err
				}
				if s.metrics != nil {
					s.metrics.RecordWriterRegistrySize(s.writerCount())
				}
				return nil
			})
			if err != nil {
				for _, existing := range created {
					existing.Abort()
				}
				return fmt.Errorf("allocate_buckets: %w", err)
			}
			created[shnum] = w
		}

		s.registerWriters(storageIndex, created)
		if canary != nil {
			s.watchCanary(storageIndex, created, canary)
		}

		result.Allocated = created
		return nil
	})

	if s.metrics != nil {
		s.metrics.RecordAllocate(len(shnums), len(result.Allocated))
	}
	sort.Ints(result.AlreadyHave)
	return result, err
}

// GetBuckets enumerates finalized immutable shares for si (§4.E
// get_buckets).
func (s *Server) GetBuckets(storageIndex si.SI) (map[int]*bucket.Reader, error) {
	dir := s.shareDir(storageIndex)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[int]*bucket.Reader{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get_buckets: reading %s: %w", dir, err)
	}

	readers := make(map[int]*bucket.Reader, len(entries))
	for _, entry := range entries {
		var shnum int
		if _, err := fmt.Sscanf(entry.Name(), "%d", &shnum); err != nil {
			continue
		}
		r, err := bucket.NewReader(s.sharePath(storageIndex, shnum))
		if err != nil {
			s.log.Warn("get_buckets: skipping unreadable share",
				logger.SIStr(storageIndex.String()), logger.Shnum(shnum), logger.Err(err))
			continue
		}
		readers[shnum] = r
	}
	return readers, nil
}

// AddLease implements §4.E add_lease: renews an existing lease matching
// renewSecret or appends a new one, across every existing share of si.
// Silent no-op if si has no shares.
func (s *Server) AddLease(storageIndex si.SI, renewSecret, cancelSecret [32]byte) error {
	return s.guard.WithLock(storageIndex.String(), func() error {
		shnums := s.allShnums(storageIndex)
		if len(shnums) == 0 {
			return nil
		}

		needed := uint64(0)
		for _, shnum := range shnums {
			if !s.hasLeaseWithSecret(storageIndex, shnum, renewSecret) {
				needed += lease.Size
			}
		}
		if needed > 0 {
			ok, err := s.accountant.CanAllocate(s.baseDir, needed)
			if err != nil {
				return err
			}
			if !ok {
				return errs.ErrNoSpace
			}
		}

		for _, shnum := range shnums {
			if err := s.upsertLease(storageIndex, shnum, renewSecret, cancelSecret); err != nil {
				return err
			}
		}
		if s.metrics != nil {
			s.metrics.RecordAddLease()
		}
		return nil
	})
}

// ReadVector is one (offset, length) pair requested by slot_readv or
// the r_vector of slot_testv_and_readv_and_writev.
type ReadVector struct {
	Offset uint64
	Length uint64
}

// SlotReadv implements §4.E slot_readv: reads byte ranges from every
// existing mutable share in shnums (or all shares if shnums is empty).
func (s *Server) SlotReadv(storageIndex si.SI, shnums []int, readVector []ReadVector) (map[int][][]byte, error) {
	result := make(map[int][][]byte)
	err := s.guard.WithLock(storageIndex.String(), func() error {
		targets := shnums
		if len(targets) == 0 {
			targets = s.allShnums(storageIndex)
		}
		for _, shnum := range targets {
			path := s.sharePath(storageIndex, shnum)
			hdr, err := mutable.Validate(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return err
			}
			ranges := make([][]byte, 0, len(readVector))
			for _, rv := range readVector {
				b, err := mutable.ReadRange(path, hdr, rv.Offset, rv.Length)
				if err != nil {
					return err
				}
				ranges = append(ranges, b)
			}
			result[shnum] = ranges
		}
		return nil
	})
	return result, err
}

// TestVector is one (offset, length, operator, specimen) test condition
// (§4.E). Operator "eq" is the only operator this server honors
// semantically; others are accepted on the wire and always fail (§9 open
// question: accept eq only, document the rest as rejected).
type TestVector struct {
	Offset   uint64
	Length   uint64
	Operator string
	Specimen []byte
}

// WriteVector is one (offset, data) write instruction.
type WriteVector struct {
	Offset uint64
	Data   []byte
}

// TestWriteVectors is one shnum's (test_vector, write_vector,
// new_length) tuple.
type TestWriteVectors struct {
	Test      []TestVector
	Write     []WriteVector
	NewLength *uint64
}

// WriteEnablerSecrets bundles the (write_enabler, renew_secret,
// cancel_secret) triple presented to slot_testv_and_readv_and_writev.
type WriteEnablerSecrets struct {
	WriteEnabler [32]byte
	RenewSecret  [32]byte
	CancelSecret [32]byte
}

// SlotTestvAndReadvAndWritev implements the mutable test-and-set
// transaction (§4.E). The whole operation is atomic with respect to any
// other RPC or crawler step on the same storage index.
func (s *Server) SlotTestvAndReadvAndWritev(
	storageIndex si.SI,
	secrets WriteEnablerSecrets,
	twVectors map[int]TestWriteVectors,
	rVector []ReadVector,
) (bool, map[int][][]byte, error) {
	var ok bool
	reads := make(map[int][][]byte)

	err := s.guard.WithLock(storageIndex.String(), func() error {
		// Step 1: verify write enabler against every existing share.
		for shnum := range twVectors {
			path := s.sharePath(storageIndex, shnum)
			hdr, err := mutable.Validate(path)
			if errors.Is(err, os.ErrNotExist) {
				continue // defer check to creation time
			}
			if err != nil {
				return err
			}
			if hdr.WriteEnablerSecret != secrets.WriteEnabler {
				return errs.New("slot_testv_and_readv_and_writev", storageIndex.String(), shnum, errs.ErrBadWriteEnabler)
			}
		}

		// Step 2: read current data per r_vector from every existing share,
		// plus every shnum named in tw_vectors (even one not yet on disk,
		// which reads as an implicit empty share) so a fresh slot still
		// reports its shnum in the result (§8 scenario 3).
		targets := map[int]struct{}{}
		for _, shnum := range s.allShnums(storageIndex) {
			targets[shnum] = struct{}{}
		}
		for shnum := range twVectors {
			targets[shnum] = struct{}{}
		}
		for shnum := range targets {
			path := s.sharePath(storageIndex, shnum)
			hdr, err := mutable.Validate(path)
			exists := err == nil
			ranges := make([][]byte, 0, len(rVector))
			for _, rv := range rVector {
				if !exists {
					ranges = append(ranges, []byte{})
					continue
				}
				b, err := mutable.ReadRange(path, hdr, rv.Offset, rv.Length)
				if err != nil {
					return err
				}
				ranges = append(ranges, b)
			}
			reads[shnum] = ranges
		}

		// Step 3: evaluate every test vector; missing shares compare
		// against an implicit empty share.
		allPass := true
		for shnum, twv := range twVectors {
			path := s.sharePath(storageIndex, shnum)
			hdr, err := mutable.Validate(path)
			exists := err == nil
			for _, tv := range twv.Test {
				var current []byte
				if exists {
					current, err = mutable.ReadRange(path, hdr, tv.Offset, tv.Length)
					if err != nil {
						return err
					}
				}
				if !evaluateTest(tv, current) {
					allPass = false
				}
			}
		}

		if !allPass {
			ok = false
			return nil
		}

		// Step 4: apply writes.
		for shnum, twv := range twVectors {
			if len(twv.Write) == 0 && twv.NewLength == nil {
				continue
			}
			if err := s.applyMutableWrite(storageIndex, shnum, secrets, twv); err != nil {
				return err
			}
		}

		// Step 5: ensure a lease exists on every share touched or
		// already present.
		for _, shnum := range s.allShnums(storageIndex) {
			if err := s.upsertLease(storageIndex, shnum, secrets.RenewSecret, secrets.CancelSecret); err != nil {
				return err
			}
		}

		ok = true
		return nil
	})

	if s.metrics != nil {
		s.metrics.RecordTestvWritev(ok)
	}
	return ok, reads, err
}

func evaluateTest(tv TestVector, current []byte) bool {
	if tv.Operator != "eq" {
		// Non-"eq" operators are accepted on the wire for compatibility
		// but are not semantically honored (§9 open question).
		return false
	}
	if len(current) != len(tv.Specimen) {
		return false
	}
	for i := range current {
		if current[i] != tv.Specimen[i] {
			return false
		}
	}
	return true
}

// admitMutableWrite gates a mutable write the same way AllocateBuckets
// gates an immutable one (§4.F): creating a brand-new slot, or growing a
// slot's data_length, is an allocating operation subject to both
// readonly_storage and the reserved-space floor.
func (s *Server) admitMutableWrite(exists bool, hdr mutable.Header, twv TestWriteVectors) error {
	currentLen := uint64(0)
	if exists {
		currentLen = hdr.DataLength
	}

	prospective := currentLen
	for _, wv := range twv.Write {
		if end := wv.Offset + uint64(len(wv.Data)); end > prospective {
			prospective = end
		}
	}
	if twv.NewLength != nil && *twv.NewLength > prospective {
		prospective = *twv.NewLength
	}

	growing := prospective > currentLen
	if !exists || growing {
		if s.readonlyStorage {
			return errs.ErrReadonlyStorage
		}
	}
	if growing {
		needed := prospective - currentLen
		ok, err := s.accountant.CanAllocate(s.baseDir, needed)
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrNoSpace
		}
	}
	return nil
}

// applyMutableWrite creates the share if needed (installing the supplied
// write enabler), applies write_vector entries in order, and honors
// new_length truncate/delete semantics (§4.E step 4). Because the
// fixed lease table immediately follows the data region, any change to
// DataLength shifts where that table belongs; this relocates the
// existing leases to their new offset after the data mutation settles.
func (s *Server) applyMutableWrite(storageIndex si.SI, shnum int, secrets WriteEnablerSecrets, twv TestWriteVectors) error {
	path := s.sharePath(storageIndex, shnum)
	hdr, err := mutable.Validate(path)
	exists := err == nil

	if err := s.admitMutableWrite(exists, hdr, twv); err != nil {
		return err
	}

	var leases []lease.Lease
	if exists {
		leases, err = mutable.ReadLeases(path, hdr)
		if err != nil {
			return fmt.Errorf("reading leases before mutation: %w", err)
		}
	} else {
		if err := os.MkdirAll(s.shareDir(storageIndex), 0o755); err != nil {
			return fmt.Errorf("creating share dir: %w", err)
		}
		var nodeID [mutable.NodeIDSize]byte
		copy(nodeID[:], s.nodeID[:])
		hdr = mutable.Header{WriteEnablerNodeID: nodeID, WriteEnablerSecret: secrets.WriteEnabler}
		buf := mutable.EncodeHeader(hdr)
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			return fmt.Errorf("creating mutable share: %w", err)
		}
	}

	for _, wv := range twv.Write {
		if err := mutable.ApplyWrite(path, &hdr, wv.Offset, wv.Data); err != nil {
			return err
		}
	}

	if twv.NewLength != nil {
		if *twv.NewLength == 0 {
			return os.Remove(path)
		}
		if *twv.NewLength < hdr.DataLength {
			hdr.DataLength = *twv.NewLength
		}
	}

	// Persist the (possibly changed) data_length by rewriting the header.
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopening share for header update: %w", err)
	}
	buf := mutable.EncodeHeader(hdr)
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		return fmt.Errorf("writing updated header: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing share after header update: %w", err)
	}

	// Relocate the lease table (and truncate/extend the file) to the
	// offset implied by the new DataLength.
	if err := mutable.WriteLeases(path, hdr, leases); err != nil {
		return fmt.Errorf("relocating lease table: %w", err)
	}
	return nil
}

// AdviseCorruptShare implements §4.E advise_corrupt_share: appends an
// operator-visible record. No effect on persistence.
func (s *Server) AdviseCorruptShare(shareType string, storageIndex si.SI, shnum int, reason string) error {
	dir := filepath.Join(s.baseDir, "corruption-advisories")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("advise_corrupt_share: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%d-%d", shareType, storageIndex.String(), shnum, time.Now().UnixNano())
	path := filepath.Join(dir, name)
	body := fmt.Sprintf("share_type: %s\nsi: %s\nshnum: %d\nreason: %s\n", shareType, storageIndex.String(), shnum, reason)
	return os.WriteFile(path, []byte(body), 0o644)
}

// --- internal helpers -------------------------------------------------

func (s *Server) allShnums(storageIndex si.SI) []int {
	dir := s.shareDir(storageIndex)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	shnums := make([]int, 0, len(entries))
	for _, e := range entries {
		var shnum int
		if _, err := fmt.Sscanf(e.Name(), "%d", &shnum); err == nil {
			shnums = append(shnums, shnum)
		}
	}
	sort.Ints(shnums)
	return shnums
}

func (s *Server) refreshLeaseIfSpace(storageIndex si.SI, shnum int, renewSecret, cancelSecret [32]byte) {
	ok, err := s.accountant.CanAllocate(s.baseDir, lease.Size)
	if err != nil || !ok {
		return
	}
	_ = s.upsertLease(storageIndex, shnum, renewSecret, cancelSecret)
}

func (s *Server) hasLeaseWithSecret(storageIndex si.SI, shnum int, renewSecret [32]byte) bool {
	leases, err := s.readLeasesForShare(storageIndex, shnum)
	if err != nil {
		return false
	}
	for _, l := range leases {
		if l.RenewSecret == renewSecret {
			return true
		}
	}
	return false
}

func (s *Server) readLeasesForShare(storageIndex si.SI, shnum int) ([]lease.Lease, error) {
	path := s.sharePath(storageIndex, shnum)
	if hdr, err := immutable.Validate(path); err == nil {
		return immutable.ReadLeases(path, hdr)
	}
	if hdr, err := mutable.Validate(path); err == nil {
		return mutable.ReadLeases(path, hdr)
	}
	return nil, errs.ErrNoSuchShare
}

// upsertLease renews an existing lease matching renewSecret on the given
// share, or appends a new one expiring DefaultLeaseDuration from now
// (§4.E step 5, §8 "duplicate renew_secret renews in place").
func (s *Server) upsertLease(storageIndex si.SI, shnum int, renewSecret, cancelSecret [32]byte) error {
	path := s.sharePath(storageIndex, shnum)
	now := time.Now()

	if hdr, err := immutable.Validate(path); err == nil {
		leases, err := immutable.ReadLeases(path, hdr)
		if err != nil {
			return err
		}
		leases = upsertLeaseList(leases, renewSecret, cancelSecret, now)
		return immutable.WriteLeases(path, hdr, leases)
	}
	if hdr, err := mutable.Validate(path); err == nil {
		leases, err := mutable.ReadLeases(path, hdr)
		if err != nil {
			return err
		}
		leases = upsertLeaseList(leases, renewSecret, cancelSecret, now)
		return mutable.WriteLeases(path, hdr, leases)
	}
	return errs.ErrNoSuchShare
}

func upsertLeaseList(leases []lease.Lease, renewSecret, cancelSecret [32]byte, now time.Time) []lease.Lease {
	for i, l := range leases {
		if l.RenewSecret == renewSecret {
			leases[i].ExpirationTime = uint32(now.Add(DefaultLeaseDuration).Unix())
			leases[i].CancelSecret = cancelSecret
			return leases
		}
	}
	return append(leases, lease.NewFromSecrets(0, renewSecret, cancelSecret, now, DefaultLeaseDuration))
}

// publishShare moves a finalized immutable container from its incoming
// upload path into the finalized share directory, making it visible to
// GetBuckets and shareExists (§4.D close()).
func (s *Server) publishShare(storageIndex si.SI, shnum int) error {
	shareDir := s.shareDir(storageIndex)
	if err := os.MkdirAll(shareDir, 0o755); err != nil {
		return fmt.Errorf("allocate_buckets: creating %s: %w", shareDir, err)
	}
	incoming := s.incomingPath(storageIndex, shnum)
	final := s.sharePath(storageIndex, shnum)
	if err := os.Rename(incoming, final); err != nil {
		return fmt.Errorf("allocate_buckets: publishing %s/%d: %w", storageIndex.String(), shnum, err)
	}
	return nil
}

func (s *Server) writerExists(storageIndex si.SI, shnum int) bool {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	byShnum, ok := s.writers[storageIndex.String()]
	if !ok {
		return false
	}
	_, ok = byShnum[shnum]
	return ok
}

func (s *Server) registerWriters(storageIndex si.SI, created map[int]*bucket.Writer) {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	key := storageIndex.String()
	if s.writers[key] == nil {
		s.writers[key] = make(map[int]*bucket.Writer)
	}
	for shnum, w := range created {
		s.writers[key][shnum] = w
	}
	if s.metrics != nil {
		s.metrics.RecordWriterRegistrySize(s.writerCountLocked())
	}
}

func (s *Server) dropWriter(storageIndex si.SI, shnum int) {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	key := storageIndex.String()
	if byShnum, ok := s.writers[key]; ok {
		delete(byShnum, shnum)
		if len(byShnum) == 0 {
			delete(s.writers, key)
		}
	}
}

func (s *Server) writerCount() int {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	return s.writerCountLocked()
}

func (s *Server) writerCountLocked() int {
	n := 0
	for _, byShnum := range s.writers {
		n += len(byShnum)
	}
	return n
}

// watchCanary aborts every writer in created when canary signals loss.
func (s *Server) watchCanary(storageIndex si.SI, created map[int]*bucket.Writer, canary Canary) {
	go func() {
		select {
		case <-canary.Done():
			for _, w := range created {
				w.Abort()
			}
		case <-s.closed:
		}
	}()
}
