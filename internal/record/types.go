// Package record implements the WalEntry tagged union and its binary codec:
// the length-prefixed, CRC-guarded record format written to every WAL file.
package record

// Kind identifies which variant of the WalEntry tagged union a record holds.
type Kind byte

const (
	// InsertRow is a whole-row insert for one memtable.
	InsertRow Kind = iota
	// InsertTablet is a column-batch insert, optionally a [Start,End) slice of a larger tablet.
	InsertTablet
	// Delete marks a deletion for one memtable.
	Delete
	// MemTableSnapshot carries the full rewritten contents of a memtable.
	MemTableSnapshot
	// Signal is a control record: roll, or a create/flush checkpoint marker.
	Signal
)

// SignalKind identifies which control signal a Signal entry carries.
type SignalKind byte

const (
	// RollWalLogWriter closes the current file and opens the next one at this record's position.
	RollWalLogWriter SignalKind = iota
	// MemtableRegistered is the durable counterpart of CheckpointManager.register_memtable.
	MemtableRegistered
	// MemtableFlushed is the durable counterpart of CheckpointManager.flush_memtable.
	MemtableFlushed
)

// NoSearchIndex is the sentinel for "this entry or file has no search index",
// e.g. a Signal entry, or a file that has seen no inserts since the last roll.
const NoSearchIndex uint64 = ^uint64(0)

// Signal carries the payload for a control record.
type Signal struct {
	Kind SignalKind
	// Wait indicates the roll signal's listener should only complete after the
	// roll's own fsync, per spec section 4.3.
	Wait bool
	// MemtableID, TsfilePath, FirstFileVersion, Cost are populated for the two
	// checkpoint-marker kinds; zero-valued for RollWalLogWriter.
	MemtableID       string
	TsfilePath       string
	FirstFileVersion uint32
	Cost             uint64
}

// Entry is the in-memory representation of one WalEntry.
type Entry struct {
	Kind Kind

	// MemtableID is the owning memtable, populated for every kind except Signal.
	MemtableID string

	// SearchIndex is the consensus sequence number for this entry, or
	// NoSearchIndex for entries that don't carry one (plain deletes, snapshots,
	// signals).
	SearchIndex uint64

	// SafelyDeletedHint is an optional watermark an insert payload may carry;
	// non-zero values are adopted by WalNode.log as the new
	// safely_deleted_search_index, per spec section 4.5 and the Open Questions
	// decision to preserve this permissive behavior.
	SafelyDeletedHint uint64

	// TabletStart, TabletEnd describe the half-open row range [Start,End) an
	// InsertTablet entry covers, enabling slicing across entries. Unused for
	// other kinds.
	TabletStart int64
	TabletEnd   int64

	// Payload is the opaque, typed-discriminator byte payload for InsertRow,
	// InsertTablet, Delete and MemTableSnapshot. Its internal encoding is out of
	// scope for this module.
	Payload []byte

	// SignalData is populated only when Kind == Signal.
	SignalData *Signal
}

// HasSearchIndex reports whether e carries a real (non-sentinel) search index.
func (e Entry) HasSearchIndex() bool {
	return e.Kind != Signal && e.SearchIndex != NoSearchIndex
}
