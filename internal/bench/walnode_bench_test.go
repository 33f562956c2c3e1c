package bench

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iotdb/walnode"
	"github.com/iotdb/walnode/internal/storageport/fakeport"
)

var writeCfg = &walnode.Config{
	FileRollSize:  32 * 1024 * 1024,
	BatchSize:     256 * 1024,
	FsyncInterval: 5 * time.Millisecond,
}

var readCfg = &walnode.Config{
	FileRollSize:  64 * 1024 * 1024,
	BatchSize:     256 * 1024,
	FsyncInterval: 10 * time.Millisecond,
}

func setupBenchNode(b *testing.B, cfg *walnode.Config) (*walnode.Node, func()) {
	tmpDir := filepath.Join(os.TempDir(), fmt.Sprintf("walnode_bench_%d", rand.Int63()))
	n, err := walnode.Open(tmpDir, nil, cfg, fakeport.New())
	if err != nil {
		b.Fatalf("Failed to open wal: %v", err)
	}

	cleanup := func() {
		_ = n.Close()
		_ = os.RemoveAll(tmpDir)
	}

	return n, cleanup
}

func generatePayload(size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(rand.Intn(256))
	}
	return payload
}

func BenchmarkLogInsertRow(b *testing.B) {
	n, cleanup := setupBenchNode(b, writeCfg)
	defer cleanup()

	payload := generatePayload(1024)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		l, err := n.LogInsertRow(walnode.InsertRowPlan{
			MemtableID:  "bench",
			SearchIndex: uint64(i + 1),
			Payload:     payload,
		})
		if err != nil {
			b.Fatalf("LogInsertRow failed: %v", err)
		}
		if err := l.Wait(); err != nil {
			b.Fatalf("entry did not become durable: %v", err)
		}
	}
}

func BenchmarkGetReq(b *testing.B) {
	n, cleanup := setupBenchNode(b, readCfg)
	defer cleanup()

	payload := generatePayload(1024)
	numEntries := 10000
	for i := 1; i <= numEntries; i++ {
		l, err := n.LogInsertRow(walnode.InsertRowPlan{
			MemtableID:  "bench",
			SearchIndex: uint64(i),
			Payload:     payload,
		})
		if err != nil {
			b.Fatalf("pre-populate LogInsertRow failed: %v", err)
		}
		if err := l.Wait(); err != nil {
			b.Fatalf("pre-populate entry did not become durable: %v", err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		idx := uint64(i%(numEntries-1) + 1)
		if _, ok := n.GetReq(idx); !ok {
			b.Fatalf("search_index %d not found", idx)
		}
	}
}

func BenchmarkSequentialIteratorScan(b *testing.B) {
	n, cleanup := setupBenchNode(b, readCfg)
	defer cleanup()

	payload := generatePayload(256)
	numEntries := 10000
	for i := 1; i <= numEntries; i++ {
		l, err := n.LogInsertRow(walnode.InsertRowPlan{
			MemtableID:  "bench",
			SearchIndex: uint64(i),
			Payload:     payload,
		})
		if err != nil {
			b.Fatalf("pre-populate LogInsertRow failed: %v", err)
		}
		if err := l.Wait(); err != nil {
			b.Fatalf("pre-populate entry did not become durable: %v", err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		it := n.GetReqIterator(1)
		count := 0
		for it.HasNext() {
			if _, ok := it.Next(); !ok {
				break
			}
			count++
			if count >= numEntries-1 {
				break
			}
		}
	}
}

func BenchmarkConcurrentLogInsertRow(b *testing.B) {
	n, cleanup := setupBenchNode(b, writeCfg)
	defer cleanup()

	payload := generatePayload(1024)

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			l, err := n.LogInsertRow(walnode.InsertRowPlan{
				MemtableID:  fmt.Sprintf("bench-%d", rand.Int63()),
				SearchIndex: uint64(rand.Int63()),
				Payload:     payload,
			})
			if err != nil {
				b.Fatalf("LogInsertRow failed: %v", err)
			}
			if err := l.Wait(); err != nil {
				b.Fatalf("entry did not become durable: %v", err)
			}
			i++
		}
	})
}
