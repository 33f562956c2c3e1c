package search_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iotdb/walnode/internal/config"
	"github.com/iotdb/walnode/internal/diskmanager/mockdm"
	"github.com/iotdb/walnode/internal/record"
	"github.com/iotdb/walnode/internal/search"
	"github.com/iotdb/walnode/internal/walbuffer"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.FsyncInterval = time.Millisecond
	cfg.BatchSize = 1 << 20
	cfg.FileRollSize = 1 << 30
	return cfg
}

func writeRow(t *testing.T, buf *walbuffer.Buffer, idx uint64) {
	t.Helper()
	l, err := buf.Write(record.Entry{Kind: record.InsertRow, MemtableID: "m1", SearchIndex: idx, Payload: []byte("row")})
	require.NoError(t, err)
	require.NoError(t, l.Wait())
}

// TestIterator_SequentialInsertRows_ReturnsInOrder covers spec section 8
// scenario 1: three InsertRow entries, read back in order.
func TestIterator_SequentialInsertRows_ReturnsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	dm := mockdm.NewMockDiskManager()
	buf, err := walbuffer.New(dir, dm, testConfig(), 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, buf.Close()) }()

	for i := uint64(1); i <= 4; i++ {
		writeRow(t, buf, i)
	}

	it := search.NewIterator(dir, dm, buf, 1, nil)
	for want := uint64(1); want <= 3; want++ {
		require.True(t, it.HasNext())
		req, ok := it.Next()
		require.True(t, ok)
		assert.Equal(t, want, req.SearchIndex)
		assert.Equal(t, search.KindInsertRow, req.Kind)
	}
}

// TestIterator_MergesSameIndexInsertTablets covers spec section 8 scenario 2:
// two InsertTablet entries sharing search_index 7 over [0,100) and [100,200)
// fold into one multi-tablet request.
func TestIterator_MergesSameIndexInsertTablets(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	dm := mockdm.NewMockDiskManager()
	buf, err := walbuffer.New(dir, dm, testConfig(), 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, buf.Close()) }()

	l1, err := buf.Write(record.Entry{Kind: record.InsertTablet, MemtableID: "m1", SearchIndex: 7, TabletStart: 0, TabletEnd: 100, Payload: []byte("a")})
	require.NoError(t, err)
	require.NoError(t, l1.Wait())
	l2, err := buf.Write(record.Entry{Kind: record.InsertTablet, MemtableID: "m1", SearchIndex: 7, TabletStart: 100, TabletEnd: 200, Payload: []byte("b")})
	require.NoError(t, err)
	require.NoError(t, l2.Wait())
	writeRow(t, buf, 8) // closes index 7's group

	it := search.NewIterator(dir, dm, buf, 7, nil)
	require.True(t, it.HasNext())
	req, ok := it.Next()
	require.True(t, ok)

	assert.Equal(t, uint64(7), req.SearchIndex)
	assert.Equal(t, search.KindInsertTablet, req.Kind)
	require.Len(t, req.Fragments, 2)
	assert.EqualValues(t, 0, req.Fragments[0].TabletStart)
	assert.EqualValues(t, 100, req.Fragments[0].TabletEnd)
	assert.EqualValues(t, 100, req.Fragments[1].TabletStart)
	assert.EqualValues(t, 200, req.Fragments[1].TabletEnd)
}

// TestIterator_WaitForNextReadyUnblocksAfterFlush covers spec section 8
// scenario 5: an iterator started past the current durable max reports
// has_next false until a later flush extends the tail, at which point
// wait_for_next_ready returns and replay resumes from the cursor.
func TestIterator_WaitForNextReadyUnblocksAfterFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	dm := mockdm.NewMockDiskManager()
	buf, err := walbuffer.New(dir, dm, testConfig(), 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, buf.Close()) }()

	for i := uint64(1); i <= 90; i++ {
		writeRow(t, buf, i)
	}

	it := search.NewIterator(dir, dm, buf, 100, nil)
	assert.False(t, it.HasNext(), "nothing at or after index 100 has arrived yet")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(91); i <= 111; i++ {
			writeRow(t, buf, i)
		}
	}()

	require.NoError(t, it.WaitForNextReadyTimeout(time.Second))
	<-done

	var got []uint64
	for it.HasNext() {
		req, ok := it.Next()
		require.True(t, ok)
		got = append(got, req.SearchIndex)
	}

	want := make([]uint64, 0, 11)
	for i := uint64(100); i <= 110; i++ {
		want = append(want, i)
	}
	assert.Equal(t, want, got)
}

// TestIterator_SkipToRewindsCursor covers spec section 8 scenario 6: moving
// the cursor backwards with skip_to is honored (after a warning), and replay
// resumes from the new position as long as the data is still durable.
func TestIterator_SkipToRewindsCursor(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	dm := mockdm.NewMockDiskManager()
	buf, err := walbuffer.New(dir, dm, testConfig(), 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, buf.Close()) }()

	for i := uint64(1); i <= 250; i++ {
		writeRow(t, buf, i)
	}

	it := search.NewIterator(dir, dm, buf, 1, nil)
	require.True(t, it.HasNext())
	_, ok := it.Next()
	require.True(t, ok)

	it.SkipTo(200) // forward, not a rewind
	it.SkipTo(50)  // rewind: logged, but still honored

	require.True(t, it.HasNext())
	req, ok := it.Next()
	require.True(t, ok)
	assert.EqualValues(t, 50, req.SearchIndex)
}
