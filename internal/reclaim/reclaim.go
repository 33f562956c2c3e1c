// Package reclaim implements the Reclaimer: the background task that
// deletes outdated WAL files and, when effective information is low,
// forces a memtable snapshot or flush to free more, per spec section 4.6.
package reclaim

import (
	"context"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/iotdb/walnode/internal/checkpoint"
	"github.com/iotdb/walnode/internal/config"
	"github.com/iotdb/walnode/internal/diskmanager"
	"github.com/iotdb/walnode/internal/record"
	"github.com/iotdb/walnode/internal/storageport"
	"github.com/iotdb/walnode/internal/walbuffer"
	"github.com/iotdb/walnode/internal/walfile"
)

// Flusher is the subset of walbuffer.Buffer the reclaimer needs: enough to
// force a roll and learn the current version.
type Flusher interface {
	Write(entry record.Entry) (*walbuffer.FlushListener, error)
	CurrentVersion() uint32
}

// Reclaimer runs DeleteOutdatedFiles periodically and on demand.
type Reclaimer struct {
	dir    string
	dm     diskmanager.DiskManager
	buf    Flusher
	ckpt   *checkpoint.Manager
	ledger *checkpoint.FlushLedger
	mark   *checkpoint.Watermark
	counts *checkpoint.ShardedMap[string, uint32]
	port   storageport.Port
	cfg    *config.Config
	logger log.Logger

	sf singleflight.Group

	closeChan chan struct{}
	doneChan  chan struct{}
}

// New builds a Reclaimer. snapshotCounts is shared with the node so both
// sides see the same memtable_snapshot_count bookkeeping.
func New(
	dir string,
	dm diskmanager.DiskManager,
	buf Flusher,
	ckpt *checkpoint.Manager,
	ledger *checkpoint.FlushLedger,
	mark *checkpoint.Watermark,
	snapshotCounts *checkpoint.ShardedMap[string, uint32],
	port storageport.Port,
	cfg *config.Config,
	logger log.Logger,
) *Reclaimer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Reclaimer{
		dir:       dir,
		dm:        dm,
		buf:       buf,
		ckpt:      ckpt,
		ledger:    ledger,
		mark:      mark,
		counts:    snapshotCounts,
		port:      port,
		cfg:       cfg,
		logger:    logger,
		closeChan: make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Run starts the periodic scheduler loop; it returns once Close is called.
func (r *Reclaimer) Run(ctx context.Context) {
	defer close(r.doneChan)
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.DeleteOutdatedFiles(ctx); err != nil {
				level.Warn(r.logger).Log("msg", "reclaim pass failed", "err", err)
			}
		case <-r.closeChan:
			return
		}
	}
}

// Close stops the scheduler loop and waits for it to exit.
func (r *Reclaimer) Close() {
	close(r.closeChan)
	<-r.doneChan
}

// DeleteOutdatedFiles runs one reclamation pass, per spec section 4.6. A
// scheduler tick and an on-demand call collapse into one in-flight pass via
// singleflight, so callers never duplicate work.
func (r *Reclaimer) DeleteOutdatedFiles(ctx context.Context) error {
	_, err, _ := r.sf.Do("reclaim", func() (any, error) {
		return nil, r.reclaimOnce(ctx, true)
	})
	return err
}

func (r *Reclaimer) reclaimOnce(ctx context.Context, allowRecurse bool) error {
	v := r.ckpt.FirstValidWalVersion()
	if v == checkpoint.NoValidVersion {
		// The forced roll seals whatever file is currently open, so that
		// using its (pre-roll) version as the threshold below never
		// reclaims a file that might still be receiving writes.
		sealedVersion := r.buf.CurrentVersion()
		listener, err := r.buf.Write(walbuffer.RollSignal(true))
		if err != nil {
			return errors.Wrap(err, "reclaim: force roll")
		}
		if err := listener.Wait(); err != nil {
			return errors.Wrap(err, "reclaim: force roll")
		}
		v = r.ckpt.FirstValidWalVersion()
		if v == checkpoint.NoValidVersion {
			v = sealedVersion
		}
	}

	if err := r.deleteBelow(ctx, v); err != nil {
		return err
	}

	// Note: the file-version deletion above is already a no-op when the
	// watermark is at its default sentinel (0), since no file's
	// start_search_index is ever < 0. The low-ratio snapshot/flush forcing
	// below runs regardless of the watermark — it reclaims by shrinking
	// logical cost, not by deleting search-pinned files.
	active := r.ckpt.TotalActiveCost()
	flushed := r.ledger.Total()
	if active+flushed == 0 {
		return nil
	}
	ratio := float64(active) / float64(active+flushed)
	if ratio >= r.cfg.MinEffectiveInfoRatio {
		return nil
	}

	oldest, ok := r.ckpt.OldestMemtable()
	if !ok {
		return nil
	}

	cnt, _ := r.counts.Get(oldest.MemtableID)
	var reclaimErr error
	if cnt >= r.cfg.MaxMemtableSnapshotNum || oldest.Cost > r.cfg.SnapshotThreshold {
		reclaimErr = r.flushMemtable(ctx, oldest)
	} else {
		reclaimErr = r.snapshotMemtable(ctx, oldest)
	}
	if reclaimErr != nil {
		level.Warn(r.logger).Log("msg", "reclaim low-ratio action failed", "memtable", oldest.MemtableID, "err", reclaimErr)
		return nil
	}

	if allowRecurse {
		return r.reclaimOnce(ctx, false)
	}
	return nil
}

// deleteBelow removes every file whose version < v and whose
// start_search_index < the safely-deleted watermark, per spec section 4.6
// step 2, fanning the os-level deletes out with errgroup so one slow
// removal doesn't serialize the rest.
func (r *Reclaimer) deleteBelow(ctx context.Context, v uint32) error {
	names, err := r.dm.List(r.dir, ".wal")
	if err != nil {
		return errors.Wrap(err, "reclaim: list wal dir")
	}
	metas := walfile.ListMetas(names)
	watermark := r.mark.Load()

	var toDelete []walfile.Meta
	for _, m := range metas {
		if m.Version < v && m.StartSearchIndex < watermark {
			toDelete = append(toDelete, m)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	for _, m := range toDelete {
		m := m
		g.Go(func() error {
			path := filepath.Join(r.dir, m.Name)
			if err := r.dm.Delete(path); err != nil {
				level.Warn(r.logger).Log("msg", "failed to delete outdated wal file", "path", path, "err", err)
				return nil
			}
			r.ledger.RemoveCost(m.Version)
			return nil
		})
	}
	return g.Wait()
}

// snapshotMemtable implements the Snapshot procedure of spec section 4.6.
func (r *Reclaimer) snapshotMemtable(ctx context.Context, m checkpoint.MemtableInfo) error {
	r.counts.Update(m.MemtableID, func(old uint32, _ bool) uint32 { return old + 1 })

	listener, err := r.buf.Write(walbuffer.RollSignal(true))
	if err != nil {
		return errors.Wrap(err, "reclaim: snapshot roll")
	}
	if err := listener.Wait(); err != nil {
		return errors.Wrap(err, "reclaim: snapshot roll")
	}

	newVersion := r.buf.CurrentVersion()
	r.ckpt.SetFirstFileVersion(m.MemtableID, newVersion)

	unlock, err := r.port.LockRegion(ctx, m.MemtableID)
	if err != nil {
		return errors.Wrap(err, "reclaim: lock region")
	}
	defer unlock()

	payload, err := r.port.SnapshotContents(ctx, m.MemtableID)
	if err != nil {
		return errors.Wrap(err, "reclaim: capture snapshot contents")
	}

	snapListener, err := r.buf.Write(record.Entry{
		Kind:        record.MemTableSnapshot,
		MemtableID:  m.MemtableID,
		SearchIndex: record.NoSearchIndex,
		Payload:     payload,
	})
	if err != nil {
		return errors.Wrap(err, "reclaim: append snapshot entry")
	}
	return snapListener.Wait()
}

// flushMemtable implements the Flush procedure of spec section 4.6: it
// requests the flush, then polls bounded by FlushPollTimeout. A timeout is
// non-fatal; reclamation retries on the next tick.
func (r *Reclaimer) flushMemtable(ctx context.Context, m checkpoint.MemtableInfo) error {
	if err := r.port.SubmitFlush(ctx, m.MemtableID); err != nil {
		return errors.Wrap(err, "reclaim: submit flush")
	}

	deadline := time.Now().Add(r.cfg.FlushPollTimeout)
	ticker := time.NewTicker(r.cfg.FlushPollInterval)
	defer ticker.Stop()
	for {
		state, err := r.port.FlushStatus(ctx, m.MemtableID)
		if err != nil {
			return errors.Wrap(err, "reclaim: poll flush status")
		}
		if state == storageport.FlushDone {
			return nil
		}
		if time.Now().After(deadline) {
			return nil // timeout is non-fatal, per spec section 4.6
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
