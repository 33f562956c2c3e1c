package walfile_test

import (
	"testing"

	"github.com/iotdb/walnode/internal/walfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatParse_RoundTrips(t *testing.T) {
	name := walfile.Format(7, 1200)
	version, start, err := walfile.Parse(name)
	require.NoError(t, err)
	assert.EqualValues(t, 7, version)
	assert.EqualValues(t, 1200, start)
}

func TestFormat_DistinctSuffixes(t *testing.T) {
	a := walfile.Format(1, 0)
	b := walfile.Format(1, 0)
	assert.NotEqual(t, a, b, "two files at the same version/start must not collide on name")
}

func TestParse_RejectsMalformedNames(t *testing.T) {
	cases := []string{
		"not-a-wal-file.txt",
		"_5-10.wal",
		"5-10-abc.wal",
		"_five-10-abc.wal",
		"_5-ten-abc.wal",
	}
	for _, name := range cases {
		_, _, err := walfile.Parse(name)
		assert.Error(t, err, "expected parse error for %q", name)
	}
}

func TestListMetas_SkipsMalformed(t *testing.T) {
	names := []string{
		walfile.Format(1, 0),
		"garbage.txt",
		walfile.Format(2, 50),
	}
	metas := walfile.ListMetas(names)
	require.Len(t, metas, 2)
}

func TestAscendingSort_TieBreaksOnVersion(t *testing.T) {
	files := []walfile.Meta{
		{Name: "c", Version: 3, StartSearchIndex: 10},
		{Name: "a", Version: 1, StartSearchIndex: 10},
		{Name: "b", Version: 2, StartSearchIndex: 5},
	}
	walfile.AscendingSort(files)
	require.Len(t, files, 3)
	assert.Equal(t, "b", files[0].Name)
	assert.Equal(t, "a", files[1].Name)
	assert.Equal(t, "c", files[2].Name)
}

func TestBinarySearchBySearchIndex(t *testing.T) {
	files := []walfile.Meta{
		{Name: "f0", Version: 0, StartSearchIndex: 0},
		{Name: "f1", Version: 1, StartSearchIndex: 100},
		{Name: "f2", Version: 2, StartSearchIndex: 200},
	}

	assert.Equal(t, 0, walfile.BinarySearchBySearchIndex(files, 0))
	assert.Equal(t, 0, walfile.BinarySearchBySearchIndex(files, 50))
	assert.Equal(t, 1, walfile.BinarySearchBySearchIndex(files, 150))
	assert.Equal(t, 2, walfile.BinarySearchBySearchIndex(files, 500))
}

func TestBinarySearchBySearchIndex_Empty(t *testing.T) {
	assert.Equal(t, -1, walfile.BinarySearchBySearchIndex(nil, 5))
}

func TestBinarySearchBySearchIndex_BeforeFirstFile(t *testing.T) {
	files := []walfile.Meta{
		{Name: "f0", Version: 0, StartSearchIndex: 100},
		{Name: "f1", Version: 1, StartSearchIndex: 200},
	}
	assert.Equal(t, -1, walfile.BinarySearchBySearchIndex(files, 50))
}
