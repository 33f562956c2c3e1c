// Package walnode is a write-ahead log for a consensus-replicated
// time-series storage engine.
//
// It buffers inserts, deletes and memtable snapshots into rolling,
// CRC-guarded log files, tracks which files are still needed by the live
// memtable set, and reclaims outdated files once the storage engine has
// durably absorbed their contents. A replay cursor lets consensus
// followers read the log back out in the same order it was written,
// reassembling writes that were split across a file boundary.
//
// Example usage:
//
//	n, err := walnode.Open("/path/to/wal", nil, nil, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer n.Close()
//
//	listener, err := n.LogInsertRow(walnode.InsertRowPlan{
//		MemtableID:  "region-0",
//		SearchIndex: 1,
//		Payload:     payload,
//	})
//	if err != nil {
//		log.Printf("log failed: %v", err)
//	}
//	if err := listener.Wait(); err != nil {
//		log.Printf("entry did not become durable: %v", err)
//	}
package walnode

import (
	"context"

	"github.com/go-kit/log"

	"github.com/iotdb/walnode/internal/config"
	"github.com/iotdb/walnode/internal/diskmanager"
	"github.com/iotdb/walnode/internal/node"
	"github.com/iotdb/walnode/internal/search"
	"github.com/iotdb/walnode/internal/storageport"
	"github.com/iotdb/walnode/internal/walbuffer"
)

// Config is an alias for config.Config, re-exported for user convenience.
type Config = config.Config

// DefaultConfig returns a Config struct populated with default values.
// Re-exported for user convenience.
var DefaultConfig = config.DefaultConfig

// DiskManager is an alias for diskmanager.DiskManager, re-exported so
// callers can supply their own or use diskmanager.NewDiskManager().
type DiskManager = diskmanager.DiskManager

// Port is an alias for storageport.Port: the capability callers implement
// to let the node request flushes, poll their status, quiesce a region
// during a snapshot, and capture a memtable's contents.
type Port = storageport.Port

// FlushListener is an alias for walbuffer.FlushListener.
type FlushListener = walbuffer.FlushListener

// Request is an alias for search.Request: one reconstructed logical write.
type Request = search.Request

// Iterator is an alias for search.Iterator: the replay cursor.
type Iterator = search.Iterator

// InsertRowPlan, InsertTabletPlan, DeletePlan, SnapshotPlan are aliases for
// the node package's log plan types.
type (
	InsertRowPlan    = node.InsertRowPlan
	InsertTabletPlan = node.InsertTabletPlan
	DeletePlan       = node.DeletePlan
	SnapshotPlan     = node.SnapshotPlan
)

// Node is the WAL node: the façade applications construct and hold for
// the lifetime of one replicated region's log directory.
type Node struct {
	inner *node.Node
}

// Open opens or creates a WAL log at dir.
//
// dm defaults to a real on-disk diskmanager.DiskManager if nil. cfg
// defaults to DefaultConfig() if nil. port is the capability used to
// reach the storage engine (submit flushes, poll their status, quiesce a
// region during a snapshot); it is only exercised by the background
// reclaimer, so it may be nil if the caller runs without automatic
// reclamation.
//
// If dir already holds WAL files, Open replays their signal entries to
// rebuild the live-memtable checkpoint before returning, per the
// restart-recovery behavior a consensus-replicated log needs.
func Open(dir string, dm DiskManager, cfg *Config, port Port) (*Node, error) {
	if dm == nil {
		dm = diskmanager.NewDiskManager()
	}
	inner, err := node.Open(dir, dm, cfg, port, log.NewNopLogger())
	if err != nil {
		return nil, err
	}
	return &Node{inner: inner}, nil
}

// OpenWithLogger is Open, but lets the caller supply a go-kit logger
// instead of the default no-op one.
func OpenWithLogger(dir string, dm DiskManager, cfg *Config, port Port, logger log.Logger) (*Node, error) {
	if dm == nil {
		dm = diskmanager.NewDiskManager()
	}
	inner, err := node.Open(dir, dm, cfg, port, logger)
	if err != nil {
		return nil, err
	}
	return &Node{inner: inner}, nil
}

// LogInsertRow appends a whole-row insert.
func (n *Node) LogInsertRow(p InsertRowPlan) (*FlushListener, error) {
	return n.inner.LogInsertRow(p)
}

// LogInsertTablet appends a column-batch insert, optionally a [Start,End)
// slice of a larger tablet.
func (n *Node) LogInsertTablet(p InsertTabletPlan) (*FlushListener, error) {
	return n.inner.LogInsertTablet(p)
}

// LogDelete appends a deletion marker.
func (n *Node) LogDelete(p DeletePlan) (*FlushListener, error) {
	return n.inner.LogDelete(p)
}

// LogSnapshot appends a raw memtable snapshot.
func (n *Node) LogSnapshot(p SnapshotPlan) (*FlushListener, error) {
	return n.inner.LogSnapshot(p)
}

// OnMemtableCreated registers a newly created memtable as live.
func (n *Node) OnMemtableCreated(memtableID, tsfilePath string) error {
	return n.inner.OnMemtableCreated(memtableID, tsfilePath)
}

// OnMemtableFlushed removes a memtable from the live set once the storage
// engine has durably flushed it.
func (n *Node) OnMemtableFlushed(memtableID string) error {
	return n.inner.OnMemtableFlushed(memtableID)
}

// SetSafelyDeletedSearchIndex advances the watermark below which no
// consumer needs entries.
func (n *Node) SetSafelyDeletedSearchIndex(idx uint64) {
	n.inner.SetSafelyDeletedSearchIndex(idx)
}

// GetReq returns the merged request at searchIndex, or false if it isn't
// (yet, or any longer) reconstructible from durable files.
func (n *Node) GetReq(searchIndex uint64) (Request, bool) {
	return n.inner.GetReq(searchIndex)
}

// GetReqs returns up to count consecutive requests starting at start.
func (n *Node) GetReqs(start uint64, count int) []Request {
	return n.inner.GetReqs(start, count)
}

// GetReqIterator returns a fresh replay cursor starting at start. Per the
// WAL's concurrency model, an iterator is not cancellation-safe across
// goroutines and must not be shared.
func (n *Node) GetReqIterator(start uint64) *Iterator {
	return n.inner.GetReqIterator(start)
}

// DeleteOutdatedFiles runs one reclamation pass on demand, in addition to
// the background reclaimer's own schedule.
func (n *Node) DeleteOutdatedFiles(ctx context.Context) error {
	return n.inner.DeleteOutdatedFiles(ctx)
}

// Close stops the background reclaimer and closes the log.
func (n *Node) Close() error {
	return n.inner.Close()
}
