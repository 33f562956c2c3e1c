// Package storageport defines the outbound capability port the WAL node
// uses to talk to the (out-of-scope) storage engine: submitting flushes,
// polling their status, and quiescing a region during a snapshot, per spec
// section 9 ("cyclic coupling ... model as an outbound capability port").
package storageport

import "context"

// FlushState is the storage engine's reported progress on a submitted flush.
type FlushState int

const (
	// FlushUnknown means the engine has no record of the memtable flushing.
	FlushUnknown FlushState = iota
	// FlushWorking means a flush is in progress.
	FlushWorking
	// FlushDone means the flush completed and the memtable is durable outside the WAL.
	FlushDone
)

// Unlock releases a region write lock acquired by LockRegion.
type Unlock func()

// Port is the capability the node holds on the storage engine. Nothing in
// this module owns an engine instance; tests and node wiring supply a Port.
type Port interface {
	// SubmitFlush requests the engine flush memtableID's time-partition.
	SubmitFlush(ctx context.Context, memtableID string) error
	// FlushStatus reports the engine's current flush state for memtableID.
	FlushStatus(ctx context.Context, memtableID string) (FlushState, error)
	// LockRegion acquires the region's write lock, pausing inserts to
	// memtableID until the returned Unlock is called. Held only around a
	// snapshot entry append, per spec section 4.6.
	LockRegion(ctx context.Context, memtableID string) (Unlock, error)
	// SnapshotContents returns memtableID's current contents, to be written
	// as the payload of a MemTableSnapshot entry. The encoding of these
	// bytes is the storage engine's concern, not the WAL's.
	SnapshotContents(ctx context.Context, memtableID string) ([]byte, error)
}
