// Package walfile implements WalFileLayout: the naming, parsing, and
// ordering rules for WAL files on disk, per spec section 6:
// `_<versionId>-<startSearchIndex>-<suffix>.wal`.
package walfile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NoStartSearchIndex is the sentinel startSearchIndex for a file that has
// seen no insert entries since it was opened.
const NoStartSearchIndex uint64 = ^uint64(0)

const (
	prefix = "_"
	suffix = ".wal"
)

// Meta describes one WAL file's identity, as parsed from its name.
type Meta struct {
	Name             string
	Version          uint32
	StartSearchIndex uint64
}

// Format builds the on-disk file name for a file starting at version with
// the given startSearchIndex. The trailing suffix segment is
// implementation-defined; here it is a short random token so two nodes
// racing to recreate a version after a crash never collide on name.
func Format(version uint32, startSearchIndex uint64) string {
	return fmt.Sprintf("%s%d-%d-%s%s", prefix, version, startSearchIndex, shortSuffix(), suffix)
}

func shortSuffix() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// Parse extracts the version and startSearchIndex from a file name produced
// by Format. It returns an error for any name that doesn't match the
// `_<version>-<start>-<suffix>.wal` shape; callers doing directory listings
// should skip such names rather than fail the whole listing.
func Parse(name string) (version uint32, startSearchIndex uint64, err error) {
	base := name
	if !strings.HasPrefix(base, prefix) {
		return 0, 0, fmt.Errorf("walfile: name %q missing %q prefix", name, prefix)
	}
	if !strings.HasSuffix(base, suffix) {
		return 0, 0, fmt.Errorf("walfile: name %q missing %q suffix", name, suffix)
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(base, prefix), suffix)
	parts := strings.SplitN(trimmed, "-", 3)
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("walfile: name %q has %d dash-separated fields, want 3", name, len(parts))
	}
	v, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("walfile: name %q has invalid version: %w", name, err)
	}
	s, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("walfile: name %q has invalid start search index: %w", name, err)
	}
	return uint32(v), s, nil
}

// ParseMeta is Parse, returning a Meta carrying the original name.
func ParseMeta(name string) (Meta, error) {
	v, s, err := Parse(name)
	if err != nil {
		return Meta{}, err
	}
	return Meta{Name: name, Version: v, StartSearchIndex: s}, nil
}

// ListMetas parses every name in names, silently skipping malformed ones per
// spec section 4.1 ("malformed names are skipped by listings").
func ListMetas(names []string) []Meta {
	metas := make([]Meta, 0, len(names))
	for _, n := range names {
		if m, err := ParseMeta(n); err == nil {
			metas = append(metas, m)
		}
	}
	return metas
}

// AscendingSort orders files primarily by StartSearchIndex, tie-breaking on
// Version, per spec section 4.1.
func AscendingSort(files []Meta) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].StartSearchIndex != files[j].StartSearchIndex {
			return files[i].StartSearchIndex < files[j].StartSearchIndex
		}
		return files[i].Version < files[j].Version
	})
}

// BinarySearchBySearchIndex returns the index of the file whose
// [StartSearchIndex_i, StartSearchIndex_{i+1}) range contains idx, or -1 if
// idx is before the first file's StartSearchIndex. files must already be
// sorted ascending (see AscendingSort).
func BinarySearchBySearchIndex(files []Meta, idx uint64) int {
	if len(files) == 0 || idx < files[0].StartSearchIndex {
		return -1
	}
	lo, hi := 0, len(files)-1
	result := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if files[mid].StartSearchIndex <= idx {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}
