package benchmark

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// KeyCounts defines the store sizes for benchmarking.
var KeyCounts = []int{1000, 10000, 100000}

// SmallKeyCounts for quick benchmarks.
var SmallKeyCounts = []int{1000, 10000}

// subkeysPerKey is the fan-out of every prefilled key.
const subkeysPerKey = 8

func keyName(i int) string {
	return fmt.Sprintf("user-%08d", i)
}

// prefillStore advances a new store until it holds count keys, in batches
// of 1000 keys per version.
func prefillStore(b *testing.B, count int, opts ...snapshot.Option) *snapshot.Store {
	b.Helper()
	store := snapshot.NewStore(opts...)
	value := domain.ValueOf("bench-value-0123456789")

	writes := make([]snapshot.Write, 0, 1000*subkeysPerKey)
	for i := 0; i < count; i++ {
		key := domain.KeyOf(keyName(i))
		for sub := domain.Subkey(0); sub < subkeysPerKey; sub++ {
			writes = append(writes, snapshot.Write{Key: key, Subkey: sub, Value: value})
		}
		if len(writes) == cap(writes) || i == count-1 {
			if _, err := store.Advance(writes); err != nil {
				b.Fatalf("prefill: %v", err)
			}
			writes = writes[:0]
		}
	}
	return store
}

// reportMemory reports memory usage.
func reportMemory(b *testing.B, prefix string) {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	b.ReportMetric(float64(m.Alloc)/(1024*1024), prefix+"_MB")
	b.ReportMetric(float64(m.NumGC), prefix+"_GC")
}

// runWithKeyCounts runs a benchmark function with various store sizes.
func runWithKeyCounts(b *testing.B, counts []int, benchFn func(b *testing.B, count int)) {
	for _, count := range counts {
		b.Run(fmt.Sprintf("keys_%d", count), func(b *testing.B) {
			benchFn(b, count)
		})
	}
}

// sizeLabel returns a human-readable size label.
func sizeLabel(size int) string {
	switch {
	case size >= 1024*1024:
		return fmt.Sprintf("%dMB", size/(1024*1024))
	case size >= 1024:
		return fmt.Sprintf("%dKB", size/1024)
	default:
		return fmt.Sprintf("%dB", size)
	}
}
