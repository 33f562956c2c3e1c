package checkpoint

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 16

// ShardedMap is a hash-sharded concurrent map permitting independent-key
// locking, per spec section 5 ("snapshot count and cost maps: concurrent
// maps permitting independent keys"). WalNode and the Reclaimer share one
// for memtable_snapshot_count (keyed by memtable id);
// flushed_cost_by_file_version is kept in FlushLedger instead.
type ShardedMap[K comparable, V any] struct {
	shards [shardCount]*shard[K, V]
	hash   func(K) uint64
}

type shard[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

// NewShardedMap builds an empty ShardedMap that hashes keys with hash.
func NewShardedMap[K comparable, V any](hash func(K) uint64) *ShardedMap[K, V] {
	sm := &ShardedMap[K, V]{hash: hash}
	for i := range sm.shards {
		sm.shards[i] = &shard[K, V]{m: make(map[K]V)}
	}
	return sm
}

// HashString hashes a string key with xxhash.
func HashString(s string) uint64 { return xxhash.Sum64String(s) }

// HashUint32 hashes a uint32 key with xxhash.
func HashUint32(v uint32) uint64 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return xxhash.Sum64(b[:])
}

func (sm *ShardedMap[K, V]) shardFor(k K) *shard[K, V] {
	return sm.shards[sm.hash(k)%shardCount]
}

// Get returns the value for k and whether it was present.
func (sm *ShardedMap[K, V]) Get(k K) (V, bool) {
	s := sm.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	return v, ok
}

// Set stores v for k, overwriting any previous value.
func (sm *ShardedMap[K, V]) Set(k K, v V) {
	s := sm.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
}

// Delete removes k, returning its prior value and whether it was present.
func (sm *ShardedMap[K, V]) Delete(k K) (V, bool) {
	s := sm.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	if ok {
		delete(s.m, k)
	}
	return v, ok
}

// Update atomically replaces k's value with fn(old, existed).
func (sm *ShardedMap[K, V]) Update(k K, fn func(old V, existed bool) V) {
	s := sm.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.m[k]
	s.m[k] = fn(old, ok)
}

// Sum totals every value currently stored, via add.
func (sm *ShardedMap[K, V]) Sum(add func(acc V, v V) V, zero V) V {
	acc := zero
	for _, s := range sm.shards {
		s.mu.Lock()
		for _, v := range s.m {
			acc = add(acc, v)
		}
		s.mu.Unlock()
	}
	return acc
}
