// Package node implements WalNode: the façade spec section 4.5 describes,
// wiring the buffer, checkpoint manager, reclaimer and search iterator into
// the single entry point callers use.
package node

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/iotdb/walnode/internal/checkpoint"
	"github.com/iotdb/walnode/internal/config"
	"github.com/iotdb/walnode/internal/diskmanager"
	"github.com/iotdb/walnode/internal/reclaim"
	"github.com/iotdb/walnode/internal/record"
	"github.com/iotdb/walnode/internal/search"
	"github.com/iotdb/walnode/internal/storageport"
	"github.com/iotdb/walnode/internal/walbuffer"
	"github.com/iotdb/walnode/internal/walfile"
	"github.com/iotdb/walnode/internal/walreader"
)

// InsertRowPlan is a whole-row insert, per spec section 4.5's "insert-row plan".
type InsertRowPlan struct {
	MemtableID        string
	SearchIndex       uint64
	SafelyDeletedHint uint64
	Payload           []byte
}

// InsertTabletPlan is a column-batch insert, optionally a [Start,End) slice
// of a larger tablet, per spec section 4.5.
type InsertTabletPlan struct {
	MemtableID        string
	SearchIndex       uint64
	SafelyDeletedHint uint64
	Start, End        int64
	Payload           []byte
}

// DeletePlan marks a deletion for one memtable.
type DeletePlan struct {
	MemtableID  string
	SearchIndex uint64
	Payload     []byte
}

// SnapshotPlan is a raw memtable snapshot logged directly by a caller,
// distinct from the reclaimer's own forced snapshots.
type SnapshotPlan struct {
	MemtableID string
	Payload    []byte
}

// Node is the WalNode façade: the one type applications construct.
type Node struct {
	dir    string
	dm     diskmanager.DiskManager
	cfg    *config.Config
	logger log.Logger

	buf    *walbuffer.Buffer
	ckpt   *checkpoint.Manager
	ledger *checkpoint.FlushLedger
	mark   *checkpoint.Watermark
	counts *checkpoint.ShardedMap[string, uint32]
	port   storageport.Port

	reclaimer     *reclaim.Reclaimer
	reclaimCancel context.CancelFunc

	closeOnce sync.Once
}

// Open replays dir's existing WAL files to rebuild checkpoint state (spec
// section 4.4's restart reconstruction), then opens a fresh WalBuffer and
// starts the background reclaimer.
func Open(dir string, dm diskmanager.DiskManager, cfg *config.Config, port storageport.Port, logger log.Logger) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.FillDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}

	ckpt := checkpoint.New()
	ledger := checkpoint.NewFlushLedger()
	mark := &checkpoint.Watermark{}
	counts := checkpoint.NewShardedMap[string, uint32](checkpoint.HashString)

	names, err := dm.List(dir, ".wal")
	if err != nil {
		return nil, errors.Wrap(err, "node: list wal dir")
	}
	metas := walfile.ListMetas(names)
	sort.Slice(metas, func(i, j int) bool { return metas[i].Version < metas[j].Version })

	for _, m := range metas {
		if err := replayFile(dir, dm, m, ckpt, ledger, logger); err != nil {
			level.Warn(logger).Log("msg", "node: failed to replay wal file during recovery", "file", m.Name, "err", err)
		}
	}

	startVersion := uint32(0)
	if len(metas) > 0 {
		startVersion = metas[len(metas)-1].Version + 1
	}

	buf, err := walbuffer.New(dir, dm, cfg, startVersion, walbuffer.WithLogger(logger))
	if err != nil {
		return nil, errors.Wrap(err, "node: open wal buffer")
	}

	reclaimer := reclaim.New(dir, dm, buf, ckpt, ledger, mark, counts, port, cfg, logger)

	n := &Node{
		dir:       dir,
		dm:        dm,
		cfg:       cfg,
		logger:    logger,
		buf:       buf,
		ckpt:      ckpt,
		ledger:    ledger,
		mark:      mark,
		counts:    counts,
		port:      port,
		reclaimer: reclaimer,
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.reclaimCancel = cancel
	go reclaimer.Run(ctx)

	return n, nil
}

// replayFile decodes one retained WAL file's Signal entries and applies
// them to ckpt/ledger, rebuilding the live-memtable set spec section 4.4
// says is reconstructible from the create/flush log at the start of each
// file.
func replayFile(dir string, dm diskmanager.DiskManager, m walfile.Meta, ckpt *checkpoint.Manager, ledger *checkpoint.FlushLedger, logger log.Logger) error {
	path := filepath.Join(dir, m.Name)
	fh, err := dm.Open(path, os.O_RDONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "open %s", m.Name)
	}
	defer func() { _ = dm.Close(path) }()

	entries, _ := walreader.ReadAll(fh, logger)
	for _, e := range entries {
		if e.Kind != record.Signal || e.SignalData == nil {
			continue
		}
		s := e.SignalData
		switch s.Kind {
		case record.MemtableRegistered:
			ckpt.RegisterMemtable(checkpoint.MemtableInfo{
				MemtableID:       s.MemtableID,
				TsfilePath:       s.TsfilePath,
				FirstFileVersion: s.FirstFileVersion,
				Cost:             s.Cost,
			})
		case record.MemtableFlushed:
			if info, ok := ckpt.Lookup(s.MemtableID); ok {
				ledger.AddCost(m.Version, info.Cost)
			}
			ckpt.FlushMemtable(s.MemtableID)
		}
	}
	return nil
}

// LogInsertRow appends an insert-row entry, per spec section 4.5.
func (n *Node) LogInsertRow(p InsertRowPlan) (*walbuffer.FlushListener, error) {
	n.adoptWatermarkHint(p.SafelyDeletedHint)
	return n.buf.Write(record.Entry{
		Kind:              record.InsertRow,
		MemtableID:        p.MemtableID,
		SearchIndex:       p.SearchIndex,
		SafelyDeletedHint: p.SafelyDeletedHint,
		Payload:           p.Payload,
	})
}

// LogInsertTablet appends an insert-tablet entry, optionally a [Start,End)
// slice of a larger tablet.
func (n *Node) LogInsertTablet(p InsertTabletPlan) (*walbuffer.FlushListener, error) {
	n.adoptWatermarkHint(p.SafelyDeletedHint)
	return n.buf.Write(record.Entry{
		Kind:              record.InsertTablet,
		MemtableID:        p.MemtableID,
		SearchIndex:       p.SearchIndex,
		SafelyDeletedHint: p.SafelyDeletedHint,
		TabletStart:       p.Start,
		TabletEnd:         p.End,
		Payload:           p.Payload,
	})
}

// LogDelete appends a delete entry.
func (n *Node) LogDelete(p DeletePlan) (*walbuffer.FlushListener, error) {
	return n.buf.Write(record.Entry{
		Kind:        record.Delete,
		MemtableID:  p.MemtableID,
		SearchIndex: p.SearchIndex,
		Payload:     p.Payload,
	})
}

// LogSnapshot appends a raw memtable snapshot entry logged directly by a
// caller (distinct from the reclaimer's own forced snapshots).
func (n *Node) LogSnapshot(p SnapshotPlan) (*walbuffer.FlushListener, error) {
	return n.buf.Write(record.Entry{
		Kind:        record.MemTableSnapshot,
		MemtableID:  p.MemtableID,
		SearchIndex: record.NoSearchIndex,
		Payload:     p.Payload,
	})
}

func (n *Node) adoptWatermarkHint(hint uint64) {
	if hint == 0 {
		return
	}
	n.mark.Advance(hint)
}

// OnMemtableCreated registers m as live, with first_file_version_id set to
// the buffer's current version, and durably records the registration so it
// survives restart.
func (n *Node) OnMemtableCreated(memtableID, tsfilePath string) error {
	version := n.buf.CurrentVersion()
	n.ckpt.RegisterMemtable(checkpoint.MemtableInfo{
		MemtableID:       memtableID,
		TsfilePath:       tsfilePath,
		FirstFileVersion: version,
	})
	l, err := n.buf.Write(record.Entry{
		Kind:        record.Signal,
		SearchIndex: record.NoSearchIndex,
		SignalData: &record.Signal{
			Kind:             record.MemtableRegistered,
			MemtableID:       memtableID,
			TsfilePath:       tsfilePath,
			FirstFileVersion: version,
		},
	})
	if err != nil {
		return errors.Wrap(err, "node: log memtable-registered signal")
	}
	return l.Wait()
}

// OnMemtableFlushed removes memtableID from the live set, moves its cost
// into the flushed ledger, and drops its snapshot-count bookkeeping.
func (n *Node) OnMemtableFlushed(memtableID string) error {
	info, ok := n.ckpt.Lookup(memtableID)
	if !ok {
		return nil
	}
	n.ledger.AddCost(n.buf.CurrentVersion(), info.Cost)
	n.ckpt.FlushMemtable(memtableID)
	n.counts.Delete(memtableID)

	l, err := n.buf.Write(record.Entry{
		Kind:        record.Signal,
		SearchIndex: record.NoSearchIndex,
		SignalData: &record.Signal{
			Kind:             record.MemtableFlushed,
			MemtableID:       memtableID,
			FirstFileVersion: info.FirstFileVersion,
			Cost:             info.Cost,
		},
	})
	if err != nil {
		return errors.Wrap(err, "node: log memtable-flushed signal")
	}
	return l.Wait()
}

// SetSafelyDeletedSearchIndex advances the watermark below which no
// consumer needs entries. It is the typed, preferred entry point; the
// permissive hint on insert plans also reaches the same watermark.
func (n *Node) SetSafelyDeletedSearchIndex(idx uint64) {
	n.mark.Advance(idx)
}

// GetReq returns the merged request at searchIndex, or false if it is not
// yet (or no longer) fully reconstructible from durable files.
func (n *Node) GetReq(searchIndex uint64) (search.Request, bool) {
	it := search.NewIterator(n.dir, n.dm, n.buf, searchIndex, n.logger)
	if !it.HasNext() {
		return search.Request{}, false
	}
	return it.Next()
}

// GetReqs returns up to count consecutive requests starting at start.
func (n *Node) GetReqs(start uint64, count int) []search.Request {
	it := search.NewIterator(n.dir, n.dm, n.buf, start, n.logger)
	out := make([]search.Request, 0, count)
	for len(out) < count && it.HasNext() {
		req, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, req)
	}
	return out
}

// GetReqIterator returns a fresh, independent SearchIterator starting at
// start. Per spec section 5, iterators are not cancellation-safe across
// threads and must not be shared.
func (n *Node) GetReqIterator(start uint64) *search.Iterator {
	return search.NewIterator(n.dir, n.dm, n.buf, start, n.logger)
}

// DeleteOutdatedFiles runs one reclamation pass on demand, in addition to
// the reclaimer's own background schedule.
func (n *Node) DeleteOutdatedFiles(ctx context.Context) error {
	return n.reclaimer.DeleteOutdatedFiles(ctx)
}

// Close stops the reclaimer and closes the buffer.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.reclaimCancel()
		n.reclaimer.Close()
		err = n.buf.Close()
	})
	return err
}
