// Package fakeport is an in-memory storageport.Port for tests, in the same
// spirit as diskmanager/mockdm.
package fakeport

import (
	"context"
	"sync"

	"github.com/iotdb/walnode/internal/storageport"
)

// Fake is a configurable, in-memory storageport.Port.
type Fake struct {
	mu sync.Mutex

	// SubmitFlushErr, if set, is returned by every SubmitFlush call.
	SubmitFlushErr error
	// LockRegionErr, if set, is returned by every LockRegion call.
	LockRegionErr error

	states     map[string]storageport.FlushState
	submitted  []string
	lockedKeys []string
	contents   map[string][]byte
}

// New returns a Fake with every memtable reporting FlushUnknown.
func New() *Fake {
	return &Fake{
		states:   make(map[string]storageport.FlushState),
		contents: make(map[string][]byte),
	}
}

// SetContents lets a test control what SnapshotContents returns for
// memtableID.
func (f *Fake) SetContents(memtableID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents[memtableID] = data
}

// SetState lets a test drive a memtable's reported flush state, e.g. to
// simulate the engine completing a flush after a poll or two.
func (f *Fake) SetState(memtableID string, state storageport.FlushState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[memtableID] = state
}

// Submitted returns the memtable ids SubmitFlush was called with, in order.
func (f *Fake) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *Fake) SubmitFlush(_ context.Context, memtableID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, memtableID)
	if f.SubmitFlushErr != nil {
		return f.SubmitFlushErr
	}
	if _, ok := f.states[memtableID]; !ok {
		f.states[memtableID] = storageport.FlushWorking
	}
	return nil
}

func (f *Fake) FlushStatus(_ context.Context, memtableID string) (storageport.FlushState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[memtableID], nil
}

func (f *Fake) LockRegion(_ context.Context, memtableID string) (storageport.Unlock, error) {
	if f.LockRegionErr != nil {
		return nil, f.LockRegionErr
	}
	f.mu.Lock()
	f.lockedKeys = append(f.lockedKeys, memtableID)
	f.mu.Unlock()
	return func() {}, nil
}

func (f *Fake) SnapshotContents(_ context.Context, memtableID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.contents[memtableID]...), nil
}
