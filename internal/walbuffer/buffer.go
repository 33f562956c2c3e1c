// Package walbuffer implements WalBuffer: the single-writer append engine
// that batches entries, fsyncs them, rolls files, and resolves
// FlushListeners, per spec section 4.3.
package walbuffer

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/iotdb/walnode/internal/config"
	"github.com/iotdb/walnode/internal/diskmanager"
	"github.com/iotdb/walnode/internal/record"
	"github.com/iotdb/walnode/internal/walfile"
)

// ErrClosed is returned by Write once the buffer has started closing.
var ErrClosed = errors.New("walbuffer: closed")

type job struct {
	entry    record.Entry
	listener *FlushListener
}

// Buffer is the single-writer append engine for one region's WAL directory.
// Exactly one goroutine (serve) ever touches the open file descriptor.
type Buffer struct {
	dir    string
	dm     diskmanager.DiskManager
	cfg    *config.Config
	logger log.Logger

	// onPersistentFailure is invoked from the serializer goroutine when a
	// roll attempted after a write/fsync failure also fails, per spec
	// section 4.3's "repeated failure escalates via a configurable callback".
	onPersistentFailure func(error)

	queue     chan job
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	version atomic.Uint32

	// Touched only by the serve goroutine; no lock needed.
	file         diskmanager.FileHandle
	currentPath  string
	writeOffset  int64
	minSinceRoll uint64

	flushMu sync.Mutex
	flushCh chan struct{}
}

// Option configures optional Buffer behavior.
type Option func(*Buffer)

// WithLogger overrides the default no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(b *Buffer) { b.logger = logger }
}

// WithPersistentFailureCallback registers the escalation hook described in
// spec section 4.3.
func WithPersistentFailureCallback(cb func(error)) Option {
	return func(b *Buffer) { b.onPersistentFailure = cb }
}

// New opens a fresh WAL file at startVersion (the caller determines this
// from an existing walfile listing, or 0 for a brand-new region) and starts
// the serializer goroutine.
func New(dir string, dm diskmanager.DiskManager, cfg *config.Config, startVersion uint32, opts ...Option) (*Buffer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	b := &Buffer{
		dir:       dir,
		dm:        dm,
		cfg:       cfg,
		logger:    log.NewNopLogger(),
		queue:     make(chan job, cfg.QueueCapacity),
		closeChan: make(chan struct{}),
		flushCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.minSinceRoll = walfile.NoStartSearchIndex
	if err := b.openFile(startVersion, walfile.NoStartSearchIndex); err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go b.serve()
	return b, nil
}

func (b *Buffer) openFile(version uint32, start uint64) error {
	name := walfile.Format(version, start)
	path := filepath.Join(b.dir, name)
	fh, err := b.dm.Open(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "walbuffer: open %s", path)
	}
	b.file = fh
	b.currentPath = path
	b.writeOffset = 0
	b.version.Store(version)
	return nil
}

// renameActiveFile renames the file currently open for writing to reflect
// b.minSinceRoll, the moment that value changes. WalFileLayout's
// "startSearchIndex is the smallest search_index of any insert entry in
// the file" invariant must hold for a reader that lists the directory
// while this file is still open, not only once it's sealed, so the rename
// happens eagerly on the write that first makes the true minimum known
// (or lowers it further), not deferred to roll time.
func (b *Buffer) renameActiveFile() {
	newPath := filepath.Join(b.dir, walfile.Format(b.version.Load(), b.minSinceRoll))
	if newPath == b.currentPath {
		return
	}
	if err := b.dm.Rename(b.currentPath, newPath); err != nil {
		level.Warn(b.logger).Log("msg", "failed to rename active wal file", "from", b.currentPath, "to", newPath, "err", err)
		return
	}
	b.currentPath = newPath
}

// Write enqueues entry and returns a listener that resolves once the
// containing batch is durable. It blocks while the producer queue is full,
// per spec section 5's backpressure suspension point.
func (b *Buffer) Write(entry record.Entry) (*FlushListener, error) {
	select {
	case <-b.closeChan:
		return nil, ErrClosed
	default:
	}
	l := newListener()
	select {
	case b.queue <- job{entry: entry, listener: l}:
		return l, nil
	case <-b.closeChan:
		return nil, ErrClosed
	}
}

// CurrentVersion is the version of the currently open file.
func (b *Buffer) CurrentVersion() uint32 {
	return b.version.Load()
}

// WaitForFlush blocks until the next successful flush boundary (a batch
// write or a roll).
func (b *Buffer) WaitForFlush() {
	b.flushMu.Lock()
	ch := b.flushCh
	b.flushMu.Unlock()
	<-ch
}

// WaitForFlushTimeout is WaitForFlush bounded by d; it returns false if d
// elapses first.
func (b *Buffer) WaitForFlushTimeout(d time.Duration) bool {
	b.flushMu.Lock()
	ch := b.flushCh
	b.flushMu.Unlock()
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

func (b *Buffer) notifyFlush() {
	b.flushMu.Lock()
	close(b.flushCh)
	b.flushCh = make(chan struct{})
	b.flushMu.Unlock()
}

// Close drains pending writes, resolving their listeners Success if flushed
// or Failure otherwise, then releases the file descriptor.
func (b *Buffer) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closeChan)
		b.wg.Wait()
		if b.file != nil {
			err = b.dm.Close(b.currentPath)
		}
	})
	return err
}

// RollSignal builds the in-band Signal entry that requests a roll, per spec
// section 4.3. wait controls whether the listener only resolves after the
// roll's own fsync.
func RollSignal(wait bool) record.Entry {
	return record.Entry{
		Kind:        record.Signal,
		SearchIndex: record.NoSearchIndex,
		SignalData:  &record.Signal{Kind: record.RollWalLogWriter, Wait: wait},
	}
}

func (b *Buffer) serve() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FsyncInterval)
	defer ticker.Stop()

	var batch []job
	var pendingBytes int

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.writeBatch(batch)
		batch = nil
		pendingBytes = 0
	}

	for {
		select {
		case j, ok := <-b.queue:
			if !ok {
				flush()
				return
			}
			if isRollSignal(j.entry) {
				flush()
				b.roll(&j)
				continue
			}
			batch = append(batch, j)
			pendingBytes += entrySize(j.entry)
			if pendingBytes >= b.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.closeChan:
			flush()
			b.drainAndClose()
			return
		}
	}
}

// drainAndClose handles entries enqueued concurrently with Close: anything
// already buffered gets a final chance at durability before listeners fail.
func (b *Buffer) drainAndClose() {
	for {
		select {
		case j, ok := <-b.queue:
			if !ok {
				return
			}
			if isRollSignal(j.entry) {
				b.roll(&j)
				continue
			}
			b.writeBatch([]job{j})
		default:
			return
		}
	}
}

func isRollSignal(e record.Entry) bool {
	return e.Kind == record.Signal && e.SignalData != nil && e.SignalData.Kind == record.RollWalLogWriter
}

func entrySize(e record.Entry) int {
	return len(e.Payload) + len(e.MemtableID) + 32
}

func (b *Buffer) writeBatch(batch []job) {
	var buf []byte
	encoded := make([]job, 0, len(batch))
	minChanged := false
	for _, j := range batch {
		data, err := record.Marshal(j.entry)
		if err != nil {
			j.listener.resolve(errors.Wrap(err, "walbuffer: marshal"))
			continue
		}
		buf = append(buf, data...)
		if j.entry.HasSearchIndex() && j.entry.SearchIndex < b.minSinceRoll {
			b.minSinceRoll = j.entry.SearchIndex
			minChanged = true
		}
		encoded = append(encoded, j)
	}
	if len(buf) == 0 {
		return
	}
	if minChanged {
		b.renameActiveFile()
	}

	n, err := b.file.WriteAt(buf, b.writeOffset)
	if err != nil {
		b.failBatch(encoded, errors.Wrap(err, "walbuffer: write"))
		return
	}
	b.writeOffset += int64(n)

	if err := b.file.Sync(); err != nil {
		b.failBatch(encoded, errors.Wrap(err, "walbuffer: fsync"))
		return
	}

	for _, j := range encoded {
		j.listener.resolve(nil)
	}
	b.notifyFlush()

	if b.writeOffset >= b.cfg.FileRollSize {
		b.roll(nil)
	}
}

// failBatch marks every listener in a failed batch, then attempts to roll
// to a fresh file so the serializer can keep making progress, per spec
// section 4.3's failure semantics.
func (b *Buffer) failBatch(batch []job, cause error) {
	level.Warn(b.logger).Log("msg", "wal write failed", "err", cause, "version", b.version.Load())
	for _, j := range batch {
		j.listener.resolve(cause)
	}
	b.sealCurrentFile()
	if err := b.openFile(b.version.Load()+1, walfile.NoStartSearchIndex); err != nil {
		level.Error(b.logger).Log("msg", "wal roll after failure also failed", "err", err)
		if b.onPersistentFailure != nil {
			b.onPersistentFailure(err)
		}
		return
	}
	b.minSinceRoll = walfile.NoStartSearchIndex
}

// sealCurrentFile closes the file currently open for writing. Its name
// already reflects b.minSinceRoll (renameActiveFile keeps it in sync on
// every write that lowers the minimum), so the rename here only fires if
// that somehow didn't happen; it's a safety net, not the primary path.
func (b *Buffer) sealCurrentFile() {
	oldPath := b.currentPath

	if err := b.dm.Close(oldPath); err != nil {
		level.Warn(b.logger).Log("msg", "failed to close rolled file", "path", oldPath, "err", err)
	}

	sealedPath := filepath.Join(b.dir, walfile.Format(b.version.Load(), b.minSinceRoll))
	if sealedPath == oldPath {
		return
	}
	if err := b.dm.Rename(oldPath, sealedPath); err != nil {
		level.Warn(b.logger).Log("msg", "failed to seal rolled file", "from", oldPath, "to", sealedPath, "err", err)
	}
}

// roll seals the current file under its real, content-derived name, opens
// a fresh file (always under the placeholder name, since its own starting
// search_index isn't known until something is written to it), and
// resolves j's listener once the new file exists (and, if
// j.entry.SignalData.Wait, once it has been fsynced).
func (b *Buffer) roll(j *job) {
	nextVersion := b.version.Load() + 1

	b.sealCurrentFile()

	if err := b.openFile(nextVersion, walfile.NoStartSearchIndex); err != nil {
		if j != nil {
			j.listener.resolve(err)
		}
		level.Error(b.logger).Log("msg", "wal roll failed", "err", err)
		if b.onPersistentFailure != nil {
			b.onPersistentFailure(err)
		}
		return
	}
	b.minSinceRoll = walfile.NoStartSearchIndex

	if j != nil {
		if j.entry.SignalData != nil && j.entry.SignalData.Wait {
			if err := b.file.Sync(); err != nil {
				j.listener.resolve(errors.Wrap(err, "walbuffer: roll fsync"))
				return
			}
		}
		j.listener.resolve(nil)
	}
	b.notifyFlush()
}
