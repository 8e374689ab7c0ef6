// Package indexdb provides an optional, best-effort BadgerDB-backed record
// of which storage indices the crawler has already visited during the
// current cycle (§4.G expansion). It is never load-bearing: the crawler's
// prefix/bucket cursor in pkg/storage/crawlstate remains the sole source of
// truth for resumption, and a lost or absent index is rebuilt simply by
// letting the next full prefix scan repopulate it. indexdb exists purely to
// let a caller skip re-processing an SI it already knows it visited this
// cycle, for prefixes holding many thousands of storage indices.
package indexdb

import (
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/gridshare/storaged/internal/logger"
)

// keyVisited returns the Badger key recording that storageIndex was visited
// in cycle, namespaced so entries from stale cycles never collide with the
// current one.
func keyVisited(cycle int, storageIndex string) []byte {
	return []byte(fmt.Sprintf("visited:%d:%s", cycle, storageIndex))
}

// Metrics records indexdb cache-hit/miss and error counts. A nil Metrics
// passed to Open is replaced with a no-op implementation, so callers that
// don't care about these metrics never need to nil-check.
type Metrics interface {
	RecordEntryWritten()
	RecordCacheHit()
	RecordCacheMiss()
	RecordReadError()
	RecordWriteError()
}

type noopMetrics struct{}

func (noopMetrics) RecordEntryWritten() {}
func (noopMetrics) RecordCacheHit()     {}
func (noopMetrics) RecordCacheMiss()    {}
func (noopMetrics) RecordReadError()    {}
func (noopMetrics) RecordWriteError()   {}

// Index wraps a BadgerDB handle opened at a directory private to one
// crawler instance (§4.G expansion, grounded on the teacher's
// pkg/metadata/store/badger open/close/txn idiom).
type Index struct {
	db      *badgerdb.DB
	metrics Metrics
}

// Open opens (creating if absent) the Badger store at dir. A corrupt or
// unreadable store is treated as empty rather than fatal: Open logs a
// warning and returns an Index backed by a fresh in-memory database, since
// losing this index never compromises correctness.
func Open(dir string, metrics Metrics) (*Index, error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	opts := badgerdb.DefaultOptions(dir).WithLoggingLevel(badgerdb.WARNING)
	db, err := badgerdb.Open(opts)
	if err != nil {
		log := logger.With(logger.KeyOperation, "crawler_indexdb")
		log.Warn("opening visited-SI index failed, falling back to in-memory", logger.Err(err))
		fallbackOpts := badgerdb.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badgerdb.WARNING)
		db, err = badgerdb.Open(fallbackOpts)
		if err != nil {
			return nil, fmt.Errorf("indexdb: opening fallback in-memory store: %w", err)
		}
	}
	return &Index{db: db, metrics: metrics}, nil
}

// Close releases the underlying Badger handle.
func (idx *Index) Close() error {
	if idx == nil || idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// MarkVisited records that storageIndex has been processed during cycle.
// A write failure is logged but never returned as an error to the caller:
// losing this optimization never loses correctness.
func (idx *Index) MarkVisited(cycle int, storageIndex string) {
	if idx == nil {
		return
	}
	err := idx.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyVisited(cycle, storageIndex), []byte{1})
	})
	if err != nil {
		idx.metrics.RecordWriteError()
		return
	}
	idx.metrics.RecordEntryWritten()
}

// WasVisited reports whether storageIndex has already been recorded as
// visited in cycle. Any Badger error is treated as "not visited" — the
// caller falls back to processing the bucket again, which is always safe.
func (idx *Index) WasVisited(cycle int, storageIndex string) bool {
	if idx == nil {
		return false
	}
	var found bool
	err := idx.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyVisited(cycle, storageIndex))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		idx.metrics.RecordReadError()
		return false
	}
	if found {
		idx.metrics.RecordCacheHit()
	} else {
		idx.metrics.RecordCacheMiss()
	}
	return found
}

// ResetCycle discards every entry recorded for cycles strictly older than
// keepFrom, bounding the index's on-disk size across long-running servers.
func (idx *Index) ResetCycle(keepFrom int) error {
	if idx == nil {
		return nil
	}
	return idx.db.Update(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			var cycle int
			var si string
			if _, err := fmt.Sscanf(string(key), "visited:%d:%s", &cycle, &si); err != nil {
				continue
			}
			if cycle < keepFrom {
				stale = append(stale, key)
			}
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
