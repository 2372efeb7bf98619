package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/internal/telemetry/metric"
)

var keyK = domain.KeyOf("K")

type recorder struct {
	mu       sync.Mutex
	advanced [][2]domain.Version
	applied  []*txn.Transaction
	diffs    [][]snapshot.UpdatedKey
	failed   [][]txn.Precondition
}

func (r *recorder) OnStateAdvanced(prev, next *snapshot.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanced = append(r.advanced, [2]domain.Version{prev.Version(), next.Version()})
}

func (r *recorder) OnTransactionApplied(tx *txn.Transaction, _, _ *snapshot.Snapshot, diff []snapshot.UpdatedKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, tx)
	r.diffs = append(r.diffs, diff)
}

func (r *recorder) OnPrerequisitesFailed(_ *txn.Transaction, failed []txn.Precondition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, failed)
}

func newPipeline() *Pipeline {
	return New(snapshot.NewStore(), Config{Metrics: metric.NewRegistry()})
}

func putTx(t *testing.T, base *snapshot.Snapshot, sub domain.Subkey, v string) *txn.Transaction {
	t.Helper()
	tx, err := txn.NewBuilder(base).Put(keyK, sub, domain.ValueOf(v)).Build()
	require.NoError(t, err)
	return tx
}

func TestProcessSingleUpdate_EmptyQueue(t *testing.T) {
	p := newPipeline()
	snap, more, err := p.ProcessSingleUpdate(&recorder{})
	require.NoError(t, err)
	assert.False(t, more)
	assert.Same(t, p.Store().Current(), snap)
	assert.Equal(t, StateIdle, p.State())
}

func TestSubmit_AppliesInOrder(t *testing.T) {
	p := newPipeline()
	rec := &recorder{}

	base := p.Store().Current()
	tx1 := putTx(t, base, 1, "a")
	tx2 := putTx(t, base, 2, "b")

	h1, err := p.Submit(tx1)
	require.NoError(t, err)
	h2, err := p.Submit(tx2)
	require.NoError(t, err)
	assert.Equal(t, StateHasPending, p.State())
	assert.Equal(t, 2, p.Len())

	snap, more, err := p.ProcessSingleUpdate(rec)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, domain.Version(1), snap.Version())
	assert.Equal(t, StateHasPending, p.State())

	snap, more, err = p.ProcessSingleUpdate(rec)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, domain.Version(2), snap.Version())
	assert.Equal(t, StateIdle, p.State())

	ctx := context.Background()
	s1, err := h1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Version(1), s1.Version())
	s2, err := h2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Version(2), s2.Version())

	require.Len(t, rec.applied, 2)
	assert.Same(t, tx1, rec.applied[0])
	assert.Same(t, tx2, rec.applied[1])
	require.Len(t, rec.diffs[1], 1)
	assert.Equal(t, []domain.Subkey{2}, rec.diffs[1][0].Inserted)
	assert.Equal(t, txn.StateApplied, tx1.State())
}

func TestSubmit_ConflictReported(t *testing.T) {
	p := newPipeline()
	rec := &recorder{}
	base := p.Store().Current()

	first := putTx(t, base, 1, "a")
	second, err := txn.NewBuilder(base).Require(keyK).Put(keyK, 2, domain.ValueOf("b")).Build()
	require.NoError(t, err)

	_, err = p.Submit(first)
	require.NoError(t, err)
	h, err := p.Submit(second)
	require.NoError(t, err)

	_, err = p.Drain(rec, 0)
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrValidationConflict)
	var conflict *txn.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []domain.Key{keyK}, conflict.Keys())

	require.Len(t, rec.failed, 1)
	assert.Equal(t, keyK, rec.failed[0][0].Key)
	assert.Equal(t, domain.Version(1), p.Store().Current().Version())
	assert.Equal(t, txn.StateRejected, second.State())

	// A rejected transaction may be resubmitted; it conflicts again.
	h, err = p.Submit(second)
	require.NoError(t, err)
	_, _, err = p.ProcessSingleUpdate(rec)
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrValidationConflict)
}

func TestSubmit_RejectsDoubleSubmission(t *testing.T) {
	p := newPipeline()
	tx := putTx(t, nil, 1, "a")

	_, err := p.Submit(tx)
	require.NoError(t, err)
	_, err = p.Submit(tx)
	assert.ErrorIs(t, err, domain.ErrDisposedAccess)

	_, _, err = p.ProcessSingleUpdate(nil)
	require.NoError(t, err)
	_, err = p.Submit(tx)
	assert.ErrorIs(t, err, domain.ErrDisposedAccess)
}

func TestAwait_ResolvedByRemoteCopy(t *testing.T) {
	p := newPipeline()
	local := putTx(t, nil, 1, "a")

	h, err := p.Await(local)
	require.NoError(t, err)

	remote, err := txn.Assemble(local.ID(), local.BaseVersion(), local.Writes(), local.Preconditions())
	require.NoError(t, err)
	require.NoError(t, p.OnRemoteTransaction(remote))

	_, _, err = p.ProcessSingleUpdate(nil)
	require.NoError(t, err)

	snap, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Version(1), snap.Version())
	assert.Equal(t, txn.StateApplied, local.State())
}

func TestAbandon(t *testing.T) {
	p := newPipeline()
	tx := putTx(t, nil, 1, "a")
	h, err := p.Await(tx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Awaiting())

	p.Abandon(tx, domain.ErrTransportFailure)
	assert.Zero(t, p.Awaiting())
	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransportFailure)
}

func TestOnRemoteSnapshot(t *testing.T) {
	p := newPipeline()
	rec := &recorder{}

	_, err := p.Submit(putTx(t, nil, 1, "a"))
	require.NoError(t, err)

	b := snapshot.NewBuilder(10)
	b.Put(domain.KeyOf("other"), 9, 1, 9, domain.ValueOf("x"))
	full, err := b.Snapshot()
	require.NoError(t, err)
	require.NoError(t, p.OnRemoteSnapshot(full))

	_, err = p.Drain(rec, 0)
	require.NoError(t, err)

	assert.Same(t, full, p.Store().Current())
	assert.Equal(t, [][2]domain.Version{{1, 10}}, rec.advanced)

	// A replacement that does not advance is dropped as malformed.
	require.NoError(t, p.OnRemoteSnapshot(full))
	_, more, err := p.ProcessSingleUpdate(rec)
	assert.ErrorIs(t, err, domain.ErrStaleSnapshot)
	assert.False(t, more)
	assert.Len(t, rec.advanced, 1)
}

func TestMalformed_VersionExhaustion(t *testing.T) {
	b := snapshot.NewBuilder(domain.MaxVersion)
	b.Put(keyK, 1, 1, 1, domain.ValueOf("x"))
	last, err := b.Snapshot()
	require.NoError(t, err)
	p := New(snapshot.NewStore(snapshot.WithInitial(last)), Config{})

	h, err := p.Submit(putTx(t, last, 2, "y"))
	require.NoError(t, err)
	_, _, err = p.ProcessSingleUpdate(nil)
	assert.ErrorIs(t, err, domain.ErrMalformedTransaction)

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrMalformedTransaction)
	assert.Same(t, last, p.Store().Current())
}

type panicky struct{ NopListener }

func (panicky) OnTransactionApplied(*txn.Transaction, *snapshot.Snapshot, *snapshot.Snapshot, []snapshot.UpdatedKey) {
	panic("boom")
}

func TestListenerPanicIsIsolated(t *testing.T) {
	p := newPipeline()
	h, err := p.Submit(putTx(t, nil, 1, "a"))
	require.NoError(t, err)

	snap, _, err := p.ProcessSingleUpdate(panicky{})
	require.NoError(t, err)
	assert.Equal(t, domain.Version(1), snap.Version())

	got, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, got)
}

func TestWaitAndProcess_Cancellation(t *testing.T) {
	p := newPipeline()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	snap, more, err := p.WaitAndProcess(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, more)
	assert.Equal(t, domain.EpochVersion, snap.Version())
}

func TestWaitAndProcess_WakesOnSubmit(t *testing.T) {
	p := newPipeline()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx := putTx(t, nil, 1, "a")
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = p.Submit(tx)
	}()

	snap, _, err := p.WaitAndProcess(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Version(1), snap.Version())
}

func TestRun_ConcurrentSubmitters(t *testing.T) {
	p := newPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, nil) }()

	const writers, each = 8, 25
	var wg sync.WaitGroup
	handles := make(chan *Pending, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				tx, err := txn.NewBuilder(nil).
					Put(domain.KeyOf("w"), domain.Subkey(w*each+i), domain.ValueOf("v")).
					Build()
				if err != nil {
					t.Error(err)
					return
				}
				h, err := p.Submit(tx)
				if err != nil {
					t.Error(err)
					return
				}
				handles <- h
			}
		}(w)
	}
	wg.Wait()
	close(handles)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	for h := range handles {
		_, err := h.Wait(waitCtx)
		require.NoError(t, err)
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	cur := p.Store().Current()
	assert.Equal(t, domain.Version(writers*each), cur.Version())
	ks, ok := cur.Get(domain.KeyOf("w"))
	require.True(t, ok)
	assert.Equal(t, writers*each, ks.Count())
}

func TestClose(t *testing.T) {
	p := newPipeline()
	h, err := p.Submit(putTx(t, nil, 1, "a"))
	require.NoError(t, err)
	w, err := p.Await(putTx(t, nil, 2, "b"))
	require.NoError(t, err)

	p.Close()

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrDisposedAccess)
	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrDisposedAccess)

	_, err = p.Submit(putTx(t, nil, 3, "c"))
	assert.ErrorIs(t, err, domain.ErrDisposedAccess)
	assert.Zero(t, p.Len())
}
