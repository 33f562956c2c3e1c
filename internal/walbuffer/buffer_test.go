package walbuffer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iotdb/walnode/internal/config"
	"github.com/iotdb/walnode/internal/diskmanager/mockdm"
	"github.com/iotdb/walnode/internal/record"
	"github.com/iotdb/walnode/internal/walbuffer"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.FsyncInterval = time.Millisecond
	cfg.BatchSize = 1 << 20
	cfg.FileRollSize = 1 << 20
	return cfg
}

func TestBuffer_WriteResolvesSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	dm := mockdm.NewMockDiskManager()
	buf, err := walbuffer.New(t.TempDir(), dm, testConfig(), 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, buf.Close()) }()

	listener, err := buf.Write(record.Entry{Kind: record.InsertRow, MemtableID: "m1", SearchIndex: 1, Payload: []byte("row")})
	require.NoError(t, err)
	require.NoError(t, listener.Wait())
}

func TestBuffer_CurrentVersionAdvancesOnRoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	dm := mockdm.NewMockDiskManager()
	buf, err := walbuffer.New(t.TempDir(), dm, testConfig(), 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, buf.Close()) }()

	assert.EqualValues(t, 0, buf.CurrentVersion())

	listener, err := buf.Write(walbuffer.RollSignal(true))
	require.NoError(t, err)
	require.NoError(t, listener.Wait())

	assert.EqualValues(t, 1, buf.CurrentVersion())
}

func TestBuffer_WaitForFlushUnblocksOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	dm := mockdm.NewMockDiskManager()
	buf, err := walbuffer.New(t.TempDir(), dm, testConfig(), 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, buf.Close()) }()

	done := make(chan struct{})
	go func() {
		buf.WaitForFlush()
		close(done)
	}()

	_, err = buf.Write(record.Entry{Kind: record.InsertRow, MemtableID: "m1", SearchIndex: 1, Payload: []byte("row")})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForFlush did not unblock after a successful write")
	}
}

func TestBuffer_WaitForFlushTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	dm := mockdm.NewMockDiskManager()
	cfg := testConfig()
	cfg.FsyncInterval = time.Hour
	buf, err := walbuffer.New(t.TempDir(), dm, cfg, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, buf.Close()) }()

	assert.False(t, buf.WaitForFlushTimeout(10*time.Millisecond))
}

func TestBuffer_CloseDrainsPendingWrites(t *testing.T) {
	defer goleak.VerifyNone(t)

	dm := mockdm.NewMockDiskManager()
	buf, err := walbuffer.New(t.TempDir(), dm, testConfig(), 0)
	require.NoError(t, err)

	listener, err := buf.Write(record.Entry{Kind: record.InsertRow, MemtableID: "m1", SearchIndex: 1, Payload: []byte("row")})
	require.NoError(t, err)

	require.NoError(t, buf.Close())
	require.NoError(t, listener.Wait())

	_, err = buf.Write(record.Entry{Kind: record.InsertRow, MemtableID: "m1", SearchIndex: 2, Payload: []byte("row")})
	assert.ErrorIs(t, err, walbuffer.ErrClosed)
}
