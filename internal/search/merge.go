package search

import "github.com/iotdb/walnode/internal/record"

// RequestKind classifies a reconstructed Request, per the merge_insert_nodes
// rule of spec section 4.7.
type RequestKind int

const (
	// KindInsertRow is a single, unmerged insert-row entry.
	KindInsertRow RequestKind = iota
	// KindInsertTablet is one or more InsertTablet fragments sharing a
	// search_index, folded into a multi-tablet request preserving slice order.
	KindInsertTablet
	// KindRowsOneDevice is multiple InsertRow entries sharing a search_index
	// and a memtable id.
	KindRowsOneDevice
	// KindRowsGeneric is multiple InsertRow entries sharing a search_index
	// but spanning more than one memtable id.
	KindRowsGeneric
	// KindDelete is a single delete entry.
	KindDelete
	// KindSnapshot is a single memtable-snapshot entry.
	KindSnapshot
	// KindMixed covers the edge case of fragments of more than one kind
	// sharing a search_index; spec does not define this, so fragments are
	// preserved as-is for the caller to interpret.
	KindMixed
)

// Request is the reconstructed logical write spec section 4.7 returns from
// the iterator: the merge of every WalEntry fragment sharing one search_index.
type Request struct {
	SearchIndex uint64
	Kind        RequestKind
	MemtableID  string
	Fragments   []record.Entry
}

func requestKindForSingle(k record.Kind) RequestKind {
	switch k {
	case record.InsertRow:
		return KindInsertRow
	case record.InsertTablet:
		return KindInsertTablet
	case record.Delete:
		return KindDelete
	case record.MemTableSnapshot:
		return KindSnapshot
	default:
		return KindMixed
	}
}

// mergeInsertNodes implements spec section 4.7's merge_insert_nodes: one
// entry returns as-is; multiple InsertTablet entries fold into a
// multi-tablet request preserving slice order; multiple InsertRow entries
// fold into a rows-of-one-device request if all devices match (here, a
// proxy for "device" since individual row payloads are opaque: the owning
// memtable id), else into a generic rows request.
func mergeInsertNodes(fragments []record.Entry) Request {
	if len(fragments) == 0 {
		return Request{}
	}
	searchIndex := fragments[0].SearchIndex
	if len(fragments) == 1 {
		return Request{
			SearchIndex: searchIndex,
			Kind:        requestKindForSingle(fragments[0].Kind),
			MemtableID:  fragments[0].MemtableID,
			Fragments:   fragments,
		}
	}

	allTablet, allRow, sameMemtable := true, true, true
	memtableID := fragments[0].MemtableID
	for _, f := range fragments {
		if f.Kind != record.InsertTablet {
			allTablet = false
		}
		if f.Kind != record.InsertRow {
			allRow = false
		}
		if f.MemtableID != memtableID {
			sameMemtable = false
		}
	}

	switch {
	case allTablet:
		return Request{SearchIndex: searchIndex, Kind: KindInsertTablet, MemtableID: memtableID, Fragments: fragments}
	case allRow && sameMemtable:
		return Request{SearchIndex: searchIndex, Kind: KindRowsOneDevice, MemtableID: memtableID, Fragments: fragments}
	case allRow:
		return Request{SearchIndex: searchIndex, Kind: KindRowsGeneric, Fragments: fragments}
	default:
		return Request{SearchIndex: searchIndex, Kind: KindMixed, Fragments: fragments}
	}
}
