package record_test

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/iotdb/walnode/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, e record.Entry) record.Entry {
	t.Helper()
	data, err := record.Marshal(e)
	require.NoError(t, err)

	got, err := record.ReadFrom(bufio.NewReader(bytes.NewReader(data)))
	require.NoError(t, err)
	return got
}

func TestMarshal_InsertRow_RoundTrips(t *testing.T) {
	e := record.Entry{
		Kind:        record.InsertRow,
		MemtableID:  "mt-1",
		SearchIndex: 42,
		Payload:     []byte("row-payload"),
	}
	got := roundTrip(t, e)
	assert.Equal(t, record.InsertRow, got.Kind)
	assert.Equal(t, "mt-1", got.MemtableID)
	assert.EqualValues(t, 42, got.SearchIndex)
	assert.Equal(t, e.Payload, got.Payload)
}

func TestMarshal_InsertTablet_PreservesSlice(t *testing.T) {
	e := record.Entry{
		Kind:        record.InsertTablet,
		MemtableID:  "mt-2",
		SearchIndex: 7,
		TabletStart: 100,
		TabletEnd:   200,
		Payload:     []byte("tablet-slice"),
	}
	got := roundTrip(t, e)
	assert.Equal(t, int64(100), got.TabletStart)
	assert.Equal(t, int64(200), got.TabletEnd)
	assert.Equal(t, e.Payload, got.Payload)
}

func TestMarshal_Delete(t *testing.T) {
	e := record.Entry{Kind: record.Delete, MemtableID: "mt-3", SearchIndex: record.NoSearchIndex, Payload: []byte("k")}
	got := roundTrip(t, e)
	assert.Equal(t, record.Delete, got.Kind)
	assert.Equal(t, "mt-3", got.MemtableID)
}

func TestMarshal_MemTableSnapshot_Compresses(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	e := record.Entry{Kind: record.MemTableSnapshot, MemtableID: "mt-4", SearchIndex: record.NoSearchIndex, Payload: payload}

	data, err := record.Marshal(e)
	require.NoError(t, err)
	assert.Less(t, len(data), len(payload), "snapshot body should compress smaller than raw payload")

	got, err := record.ReadFrom(bufio.NewReader(bytes.NewReader(data)))
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestMarshal_Signal_RollWait(t *testing.T) {
	e := record.Entry{
		Kind:        record.Signal,
		SearchIndex: record.NoSearchIndex,
		SignalData:  &record.Signal{Kind: record.RollWalLogWriter, Wait: true},
	}
	got := roundTrip(t, e)
	require.NotNil(t, got.SignalData)
	assert.Equal(t, record.RollWalLogWriter, got.SignalData.Kind)
	assert.True(t, got.SignalData.Wait)
}

func TestMarshal_Signal_MemtableRegistered(t *testing.T) {
	e := record.Entry{
		Kind:        record.Signal,
		SearchIndex: record.NoSearchIndex,
		SignalData: &record.Signal{
			Kind:             record.MemtableRegistered,
			MemtableID:       "mt-5",
			TsfilePath:       "/data/t5.tsfile",
			FirstFileVersion: 9,
		},
	}
	got := roundTrip(t, e)
	assert.Equal(t, "mt-5", got.SignalData.MemtableID)
	assert.Equal(t, "/data/t5.tsfile", got.SignalData.TsfilePath)
	assert.EqualValues(t, 9, got.SignalData.FirstFileVersion)
}

func TestReadFrom_SequentialEntries(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		data, err := record.Marshal(record.Entry{Kind: record.InsertRow, MemtableID: "m", SearchIndex: i, Payload: []byte{byte(i)}})
		require.NoError(t, err)
		buf.Write(data)
	}

	r := bufio.NewReader(&buf)
	var got []uint64
	for {
		e, err := record.ReadFrom(r)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, e.SearchIndex)
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestReadFrom_CorruptCRCStopsIteration(t *testing.T) {
	good, err := record.Marshal(record.Entry{Kind: record.InsertRow, MemtableID: "m", SearchIndex: 1, Payload: []byte("a")})
	require.NoError(t, err)
	bad, err := record.Marshal(record.Entry{Kind: record.InsertRow, MemtableID: "m", SearchIndex: 2, Payload: []byte("b")})
	require.NoError(t, err)
	bad[len(bad)-1] ^= 0xFF // flip a byte of the trailing crc32

	var buf bytes.Buffer
	buf.Write(good)
	buf.Write(bad)

	r := bufio.NewReader(&buf)
	first, err := record.ReadFrom(r)
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.SearchIndex)

	_, err = record.ReadFrom(r)
	require.ErrorIs(t, err, record.ErrCorrupt)
}
