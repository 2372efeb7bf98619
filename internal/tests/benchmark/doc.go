// Package benchmark holds performance benchmarks for the state store.
//
// Run benchmarks with:
//
//	go test -bench=. -benchmem ./internal/tests/benchmark/...
//
// Run with a specific store size:
//
//	go test -bench='BenchmarkSnapshot.*/keys_10000' -benchmem -benchtime=10s ./internal/tests/benchmark/...
//
// Compare results:
//
//	benchstat old.txt new.txt
package benchmark
