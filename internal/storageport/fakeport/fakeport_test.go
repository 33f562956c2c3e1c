package fakeport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotdb/walnode/internal/storageport"
	"github.com/iotdb/walnode/internal/storageport/fakeport"
)

func TestFake_SubmitFlushThenPollUntilDone(t *testing.T) {
	f := fakeport.New()
	ctx := context.Background()

	require.NoError(t, f.SubmitFlush(ctx, "m1"))
	state, err := f.FlushStatus(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, storageport.FlushWorking, state)

	f.SetState("m1", storageport.FlushDone)
	state, err = f.FlushStatus(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, storageport.FlushDone, state)

	assert.Equal(t, []string{"m1"}, f.Submitted())
}

func TestFake_LockRegionReturnsWorkingUnlock(t *testing.T) {
	f := fakeport.New()
	unlock, err := f.LockRegion(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, unlock)
	unlock()
}
