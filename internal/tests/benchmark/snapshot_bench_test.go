package benchmark

import (
	"testing"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// BenchmarkSnapshotAdvance measures one single-subkey write against stores
// of growing size. Structural sharing keeps it logarithmic.
func BenchmarkSnapshotAdvance(b *testing.B) {
	runWithKeyCounts(b, KeyCounts, func(b *testing.B, count int) {
		store := prefillStore(b, count)
		value := domain.ValueOf("updated")
		keys := make([]domain.Key, count)
		for i := range keys {
			keys[i] = domain.KeyOf(keyName(i))
		}

		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			w := []snapshot.Write{{Key: keys[i%count], Subkey: domain.Subkey(i % subkeysPerKey), Value: value}}
			if _, err := store.Advance(w); err != nil {
				b.Fatalf("Advance failed: %v", err)
			}
		}

		b.StopTimer()
		reportMemory(b, "mem")
	})
}

// BenchmarkSnapshotGet measures point reads on the current snapshot.
func BenchmarkSnapshotGet(b *testing.B) {
	runWithKeyCounts(b, KeyCounts, func(b *testing.B, count int) {
		store := prefillStore(b, count)
		snap := store.Current()
		keys := make([]domain.Key, count)
		for i := range keys {
			keys[i] = domain.KeyOf(keyName(i))
		}

		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			if _, ok := snap.Value(keys[i%count], domain.Subkey(i%subkeysPerKey)); !ok {
				b.Fatal("missing value")
			}
		}
	})
}

// BenchmarkSnapshotGetParallel measures concurrent readers sharing one
// snapshot.
func BenchmarkSnapshotGetParallel(b *testing.B) {
	const count = 10000
	store := prefillStore(b, count)
	snap := store.Current()
	keys := make([]domain.Key, count)
	for i := range keys {
		keys[i] = domain.KeyOf(keyName(i))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			snap.Value(keys[i%count], domain.Subkey(i%subkeysPerKey))
			i++
		}
	})
}

// BenchmarkSnapshotDiff measures the diff between adjacent versions that
// differ in a handful of keys. Shared subtrees are skipped.
func BenchmarkSnapshotDiff(b *testing.B) {
	runWithKeyCounts(b, KeyCounts, func(b *testing.B, count int) {
		store := prefillStore(b, count)
		older := store.Current()

		var writes []snapshot.Write
		for i := 0; i < 16; i++ {
			key := domain.KeyOf(keyName(i * (count / 16)))
			writes = append(writes, snapshot.Write{Key: key, Subkey: 1, Value: domain.ValueOf("changed")})
		}
		newer, err := store.Advance(writes)
		if err != nil {
			b.Fatalf("Advance failed: %v", err)
		}

		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			if got := snapshot.Diff(older, newer); len(got) != 16 {
				b.Fatalf("Diff returned %d keys, want 16", len(got))
			}
		}
	})
}

// BenchmarkSnapshotBuild measures assembling a full snapshot, the path a
// replica takes when it installs state from a checkpoint or a leader.
func BenchmarkSnapshotBuild(b *testing.B) {
	runWithKeyCounts(b, SmallKeyCounts, func(b *testing.B, count int) {
		keys := make([]domain.Key, count)
		for i := range keys {
			keys[i] = domain.KeyOf(keyName(i))
		}
		value := domain.ValueOf("bench-value")

		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			builder := snapshot.NewBuilder(1)
			for _, key := range keys {
				for sub := domain.Subkey(0); sub < subkeysPerKey; sub++ {
					builder.Put(key, 1, sub, 1, value)
				}
			}
			if _, err := builder.Snapshot(); err != nil {
				b.Fatalf("Snapshot failed: %v", err)
			}
		}

		b.StopTimer()
		reportMemory(b, "mem")
	})
}
