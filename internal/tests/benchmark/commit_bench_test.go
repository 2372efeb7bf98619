package benchmark

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/service"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/telemetry/logger"
)

// BenchmarkTxnCommit measures validate-and-apply of a conditional write
// without the pipeline.
func BenchmarkTxnCommit(b *testing.B) {
	runWithKeyCounts(b, SmallKeyCounts, func(b *testing.B, count int) {
		store := prefillStore(b, count)
		keys := make([]domain.Key, count)
		for i := range keys {
			keys[i] = domain.KeyOf(keyName(i))
		}
		value := domain.ValueOf("committed")

		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			key := keys[i%count]
			tx, err := txn.NewBuilder(store.Current()).
				RequireExists(key).
				RequireSubkeyUnchanged(key, 0).
				Put(key, 0, value).
				Build()
			if err != nil {
				b.Fatalf("Build failed: %v", err)
			}
			if _, err := txn.Commit(store, tx); err != nil {
				b.Fatalf("Commit failed: %v", err)
			}
		}
	})
}

// BenchmarkTxnValidateConflict measures rejecting a stale transaction.
func BenchmarkTxnValidateConflict(b *testing.B) {
	store := prefillStore(b, 1000)
	key := domain.KeyOf(keyName(0))
	stale, err := txn.NewBuilder(store.Current()).RequireSubkeyUnchanged(key, 0).Put(key, 0, domain.ValueOf("x")).Build()
	if err != nil {
		b.Fatalf("Build failed: %v", err)
	}
	if _, err := txn.Commit(store, stale); err != nil {
		b.Fatalf("Commit failed: %v", err)
	}
	next, err := txn.NewBuilder(store.Current()).Put(key, 0, domain.ValueOf("y")).Build()
	if err != nil {
		b.Fatalf("Build failed: %v", err)
	}
	if _, err := txn.Commit(store, next); err != nil {
		b.Fatalf("Commit failed: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := txn.Validate(stale, store.Current()); err == nil {
			b.Fatal("stale transaction validated")
		}
	}
}

// BenchmarkReplicaCommitAndWait measures a standalone commit through the
// pipeline, including the notification dispatch.
func BenchmarkReplicaCommitAndWait(b *testing.B) {
	r := service.NewReplica(service.Config{Logger: logger.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		_ = r.Close()
	}()

	keys := make([]domain.Key, 1000)
	for i := range keys {
		keys[i] = domain.KeyOf(keyName(i))
	}
	value := domain.ValueOf("committed")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		tx, err := r.NewTransaction().Put(keys[i%len(keys)], domain.Subkey(i%subkeysPerKey), value).Build()
		if err != nil {
			b.Fatalf("Build failed: %v", err)
		}
		if _, err := r.CommitAndWait(ctx, tx); err != nil {
			b.Fatalf("CommitAndWait failed: %v", err)
		}
	}
}

var nextWorker atomic.Int64

// BenchmarkReplicaCommitParallel measures concurrent committers on one
// pipeline. Writes target disjoint keys so none conflict.
func BenchmarkReplicaCommitParallel(b *testing.B) {
	r := service.NewReplica(service.Config{Logger: logger.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		_ = r.Close()
	}()

	value := domain.ValueOf("committed")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		key := domain.KeyOf(keyName(int(nextWorker.Add(1))))
		sub := domain.Subkey(0)
		for pb.Next() {
			tx, err := r.NewTransaction().Put(key, sub, value).Build()
			if err != nil {
				b.Errorf("Build failed: %v", err)
				return
			}
			if _, err := r.CommitAndWait(ctx, tx); err != nil {
				b.Errorf("CommitAndWait failed: %v", err)
				return
			}
			sub++
		}
	})
}
