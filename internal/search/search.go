// Package search implements SearchIterator: the cross-file replay cursor
// consensus followers use to read WalEntry records back out in
// search_index order, reassembling entries that were split across a file
// boundary or across several fragments of one write, per spec section 4.7.
package search

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/iotdb/walnode/internal/diskmanager"
	"github.com/iotdb/walnode/internal/record"
	"github.com/iotdb/walnode/internal/walfile"
	"github.com/iotdb/walnode/internal/walreader"
)

// ErrTimeout is returned by WaitForNextReadyTimeout when no entry at the
// cursor's position becomes available within the given duration.
var ErrTimeout = errors.New("search: wait_for_next_ready timed out")

// FlushWaiter is the subset of walbuffer.Buffer the iterator needs to block
// on new writes becoming durable.
type FlushWaiter interface {
	WaitForFlush()
	WaitForFlushTimeout(d time.Duration) bool
}

// Iterator is a forward-only, resumable cursor over a WAL directory's
// entries in search_index order. It is safe for concurrent use; HasNext,
// Next and SkipTo all take the same lock.
type Iterator struct {
	dir    string
	dm     diskmanager.DiskManager
	buf    FlushWaiter
	logger log.Logger

	mu              sync.Mutex
	nextSearchIndex uint64
	pending         *Request
}

// NewIterator builds an Iterator starting at startSearchIndex (inclusive).
func NewIterator(dir string, dm diskmanager.DiskManager, buf FlushWaiter, startSearchIndex uint64, logger log.Logger) *Iterator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Iterator{
		dir:             dir,
		dm:              dm,
		buf:             buf,
		logger:          logger,
		nextSearchIndex: startSearchIndex,
	}
}

// HasNext reports whether the request at the cursor's current position has
// fully arrived on disk, per spec section 4.7's four-step algorithm.
func (it *Iterator) HasNext() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.hasNextLocked()
}

func (it *Iterator) hasNextLocked() bool {
	if it.pending != nil {
		return true
	}

	names, err := it.dm.List(it.dir, ".wal")
	if err != nil {
		level.Warn(it.logger).Log("msg", "search: list wal dir failed", "err", err)
		return false
	}
	files := walfile.ListMetas(names)
	walfile.AscendingSort(files)

	startIdx := walfile.BinarySearchBySearchIndex(files, it.nextSearchIndex)
	if startIdx == -1 {
		// nextSearchIndex is before the first known file: nothing to read yet.
		return false
	}

	target := it.nextSearchIndex
	var fragments []record.Entry
	closed := false

	for fi := startIdx; fi < len(files) && !closed; fi++ {
		path := filepath.Join(it.dir, files[fi].Name)
		fh, err := it.dm.Open(path, os.O_RDONLY, 0644)
		if err != nil {
			level.Warn(it.logger).Log("msg", "search: open wal file failed", "path", path, "err", err)
			continue
		}
		r := walreader.Open(fh)
		for {
			e, err := r.Next()
			if err != nil {
				break // clean EOF or corruption: move to the next file, if any
			}
			if !e.HasSearchIndex() || e.SearchIndex < target {
				continue // signal, or a stale fragment from an already-returned request
			}
			if e.SearchIndex > target {
				closed = true
				break
			}
			fragments = append(fragments, e)
		}
		_ = it.dm.Close(path)
	}

	if !closed || len(fragments) == 0 {
		// The group at target either never started or never closed within the
		// files currently on disk: report not-ready. The next HasNext call
		// re-lists and re-scans from here; WaitForNextReady paces that against
		// the buffer's own flush notifications instead of a busy loop.
		return false
	}

	req := mergeInsertNodes(fragments)
	it.pending = &req
	return true
}

// Next returns the merged request at the cursor and advances it past that
// request's search_index. It returns false if HasNext would currently
// return false.
func (it *Iterator) Next() (Request, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.hasNextLocked() {
		return Request{}, false
	}
	req := *it.pending
	it.pending = nil

	if req.SearchIndex > it.nextSearchIndex {
		level.Warn(it.logger).Log("msg", "search: gap in search_index sequence", "expected", it.nextSearchIndex, "got", req.SearchIndex)
	}
	it.nextSearchIndex = req.SearchIndex + 1
	return req, true
}

// SkipTo moves the cursor to target. Per spec section 8 scenario 6, moving
// backwards is logged and still honored (the iterator resets and replays
// from target), since a consensus follower may legitimately need to re-read
// entries it already consumed.
func (it *Iterator) SkipTo(target uint64) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if target < it.nextSearchIndex {
		level.Warn(it.logger).Log("msg", "search: skip_to moved the cursor backwards", "from", it.nextSearchIndex, "to", target)
	}
	it.nextSearchIndex = target
	it.pending = nil
}

// WaitForNextReady blocks until HasNext is true or ctx is done, interleaving
// HasNext checks with waits on the buffer's flush notification.
func (it *Iterator) WaitForNextReady(ctx context.Context) error {
	for {
		if it.HasNext() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		it.buf.WaitForFlush()
	}
}

// WaitForNextReadyTimeout is WaitForNextReady bounded by d; it returns
// ErrTimeout if nothing becomes ready in time.
func (it *Iterator) WaitForNextReadyTimeout(d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if it.HasNext() {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if !it.buf.WaitForFlushTimeout(remaining) {
			return ErrTimeout
		}
	}
}
