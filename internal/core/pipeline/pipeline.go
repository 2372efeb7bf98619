package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/internal/telemetry/metric"
)

// State is the observable position of the pipeline.
type State int32

const (
	StateIdle State = iota
	StateHasPending
	StateValidating
	StateApplying
	StateConflictReported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHasPending:
		return "has_pending_transaction"
	case StateValidating:
		return "validating"
	case StateApplying:
		return "applying"
	case StateConflictReported:
		return "conflict_reported"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// item is one queued update: a transaction or a full-state replacement.
type item struct {
	tx      *txn.Transaction
	snap    *snapshot.Snapshot
	pending *Pending
	remote  bool
}

// Config configures a Pipeline.
type Config struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// Pipeline is the single per-replica total order of updates.
//
// Submit, Await, OnRemoteTransaction, OnRemoteSnapshot and Close are safe
// for concurrent use. ProcessSingleUpdate, WaitAndProcess and Run must be
// driven by one goroutine at a time.
type Pipeline struct {
	store   *snapshot.Store
	logger  *slog.Logger
	metrics *metric.Registry

	mu      sync.Mutex
	queue   []item
	head    int
	waiters map[ulid.ULID]*Pending
	closed  bool

	// wake has capacity 1 and is signalled on every enqueue.
	wake chan struct{}

	state    atomic.Int32
	draining atomic.Bool
}

// New creates a pipeline that applies updates to store.
func New(store *snapshot.Store, cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:   store,
		logger:  logger.With("component", "pipeline"),
		metrics: cfg.Metrics,
		waiters: make(map[ulid.ULID]*Pending),
		wake:    make(chan struct{}, 1),
	}
}

// Store returns the snapshot store the pipeline advances.
func (p *Pipeline) Store() *snapshot.Store {
	return p.store
}

// State returns the current pipeline state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Len returns the number of queued updates.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) - p.head
}

// Awaiting returns the number of transactions registered by Await that
// have not come back yet.
func (p *Pipeline) Awaiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Submit enqueues a locally built transaction.
//
// It fails with ErrDisposedAccess when tx is already pending or applied, or
// when the pipeline is closed.
func (p *Pipeline) Submit(tx *txn.Transaction) (*Pending, error) {
	if tx == nil {
		return nil, domain.ErrInvalidArgument.WithDetails("nil transaction")
	}
	if err := tx.MarkPending(); err != nil {
		return nil, err
	}
	pending := newPending(tx)
	if err := p.enqueue(item{tx: tx, pending: pending}); err != nil {
		tx.MarkRejected()
		return nil, err
	}
	return pending, nil
}

// Await registers a waiter for a local transaction that will come back
// through OnRemoteTransaction after being sequenced elsewhere.
func (p *Pipeline) Await(tx *txn.Transaction) (*Pending, error) {
	if tx == nil {
		return nil, domain.ErrInvalidArgument.WithDetails("nil transaction")
	}
	if err := tx.MarkPending(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		tx.MarkRejected()
		return nil, errClosed()
	}
	pending := newPending(tx)
	p.waiters[tx.ID()] = pending
	return pending, nil
}

// Abandon drops the waiter registered by Await and resolves it with err.
// If the transaction still arrives it is applied without a waiter.
func (p *Pipeline) Abandon(tx *txn.Transaction, err error) {
	p.mu.Lock()
	pending, ok := p.waiters[tx.ID()]
	delete(p.waiters, tx.ID())
	p.mu.Unlock()

	if ok {
		pending.resolve(nil, err)
	}
}

// OnRemoteTransaction enqueues a transaction received from a collaborator.
// It is validated locally like any other transaction.
func (p *Pipeline) OnRemoteTransaction(tx *txn.Transaction) error {
	if tx == nil {
		return domain.ErrInvalidArgument.WithDetails("nil transaction")
	}
	return p.enqueue(item{tx: tx, remote: true})
}

// OnRemoteSnapshot enqueues a full-state replacement.
func (p *Pipeline) OnRemoteSnapshot(snap *snapshot.Snapshot) error {
	if snap == nil {
		return domain.ErrInvalidArgument.WithDetails("nil snapshot")
	}
	return p.enqueue(item{snap: snap, remote: true})
}

// Close rejects further submissions and resolves every queued or awaited
// transaction with ErrDisposedAccess.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.queue[p.head:]
	p.queue, p.head = nil, 0
	waiters := p.waiters
	p.waiters = map[ulid.ULID]*Pending{}
	p.mu.Unlock()

	err := errClosed()
	for _, it := range queued {
		if it.pending != nil {
			it.tx.MarkRejected()
			it.pending.resolve(nil, err)
		}
	}
	for _, w := range waiters {
		w.resolve(nil, err)
	}
	p.state.Store(int32(StateIdle))
	p.metrics.SetPending(0)
}

func (p *Pipeline) enqueue(it item) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed()
	}
	p.queue = append(p.queue, it)
	n := len(p.queue) - p.head
	p.mu.Unlock()

	p.state.CompareAndSwap(int32(StateIdle), int32(StateHasPending))
	p.metrics.SetPending(n)

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the next item and reports whether more remain.
func (p *Pipeline) pop() (item, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.head == len(p.queue) {
		return item{}, false, false
	}
	it := p.queue[p.head]
	p.queue[p.head] = item{}
	p.head++
	if p.head == len(p.queue) {
		p.queue, p.head = p.queue[:0], 0
	}
	if it.remote && it.tx != nil {
		if w, ok := p.waiters[it.tx.ID()]; ok {
			it.pending = w
			delete(p.waiters, it.tx.ID())
		}
	}
	return it, true, len(p.queue)-p.head > 0
}

// ProcessSingleUpdate takes exactly one queued update and processes it.
//
// It never blocks. It returns the current snapshot after the update and
// whether more updates remain queued. A conflict is reported to l and to
// the pending handle, not as an error. Malformed updates are dropped and
// returned as an error.
func (p *Pipeline) ProcessSingleUpdate(l Listener) (*snapshot.Snapshot, bool, error) {
	if !p.draining.CompareAndSwap(false, true) {
		return p.store.Current(), false, domain.ErrInternal.WithDetails("concurrent ProcessSingleUpdate")
	}
	defer p.draining.Store(false)

	if l == nil {
		l = NopListener{}
	}

	it, ok, more := p.pop()
	if !ok {
		p.state.Store(int32(StateIdle))
		return p.store.Current(), false, nil
	}
	p.metrics.SetPending(p.Len())

	start := time.Now()
	var err error
	if it.snap != nil {
		err = p.replace(it.snap, l)
	} else {
		err = p.apply(it, l)
	}
	p.metrics.ObserveApply(time.Since(start).Seconds())

	if more {
		p.state.Store(int32(StateHasPending))
	} else {
		p.state.Store(int32(StateIdle))
		// An enqueue may have raced with the transition to idle.
		if p.Len() > 0 {
			p.state.Store(int32(StateHasPending))
			more = true
		}
	}
	return p.store.Current(), more, err
}

func (p *Pipeline) replace(snap *snapshot.Snapshot, l Listener) error {
	p.state.Store(int32(StateApplying))
	old := p.store.Current()
	if err := p.store.Replace(snap); err != nil {
		p.metrics.IncMalformed(reason(err))
		p.logger.Warn("dropping state replacement",
			"version", uint64(snap.Version()),
			"current", uint64(old.Version()),
			"error", err)
		return err
	}
	p.metrics.IncResync()
	p.metrics.SetSnapshotVersion(uint64(snap.Version()))

	p.guard("state_advanced", func() { l.OnStateAdvanced(old, snap) })
	return nil
}

func (p *Pipeline) apply(it item, l Listener) error {
	tx := it.tx
	origin := metric.OriginLocal
	if it.remote {
		origin = metric.OriginRemote
	}

	p.state.Store(int32(StateValidating))
	old := p.store.Current()
	if err := txn.Validate(tx, old); err != nil {
		p.state.Store(int32(StateConflictReported))
		p.metrics.IncConflicted(origin)
		p.reject(it, err)

		var conflict *txn.ConflictError
		if errors.As(err, &conflict) {
			p.logger.Debug("transaction conflicted",
				"txn", tx.ID().String(),
				"origin", origin,
				"version", uint64(old.Version()),
				"failed", len(conflict.Failed))
			p.guard("prerequisites_failed", func() { l.OnPrerequisitesFailed(tx, conflict.Failed) })
		}
		return nil
	}

	p.state.Store(int32(StateApplying))
	snap, err := txn.Apply(p.store, tx)
	if err != nil {
		p.metrics.IncMalformed(reason(err))
		p.logger.Error("dropping malformed transaction",
			"txn", tx.ID().String(),
			"origin", origin,
			"error", err)
		p.reject(it, err)
		return err
	}

	tx.MarkApplied()
	if it.pending != nil {
		it.pending.tx.MarkApplied()
	}
	p.metrics.IncApplied(origin)
	p.metrics.SetSnapshotVersion(uint64(snap.Version()))

	diff := snapshot.Diff(old, snap)
	p.guard("transaction_applied", func() { l.OnTransactionApplied(tx, old, snap, diff) })

	if it.pending != nil {
		it.pending.resolve(snap, nil)
	}
	return nil
}

func (p *Pipeline) reject(it item, err error) {
	it.tx.MarkRejected()
	if it.pending != nil {
		it.pending.tx.MarkRejected()
		it.pending.resolve(nil, err)
	}
}

// guard runs a listener callback, recovering and logging a panic.
func (p *Pipeline) guard(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.IncListenerPanic(callback)
			p.logger.Error("listener panicked",
				"callback", callback,
				"panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// WaitAndProcess blocks until an update is queued, then processes it.
//
// When ctx ends first it returns the current snapshot, false and ctx.Err()
// without touching the queue.
func (p *Pipeline) WaitAndProcess(ctx context.Context, l Listener) (*snapshot.Snapshot, bool, error) {
	for {
		if p.Len() > 0 {
			return p.ProcessSingleUpdate(l)
		}
		select {
		case <-ctx.Done():
			return p.store.Current(), false, ctx.Err()
		case <-p.wake:
		}
	}
}

// Drain processes at most limit queued updates without blocking and returns
// how many were processed. A limit of zero or less means no bound.
func (p *Pipeline) Drain(l Listener, limit int) (int, error) {
	var errs []error
	n := 0
	for limit <= 0 || n < limit {
		if p.Len() == 0 {
			break
		}
		_, more, err := p.ProcessSingleUpdate(l)
		n++
		if err != nil {
			errs = append(errs, err)
		}
		if !more {
			break
		}
	}
	return n, errors.Join(errs...)
}

// Run drives the pipeline until ctx ends. Malformed updates are logged by
// ProcessSingleUpdate and do not stop the loop.
func (p *Pipeline) Run(ctx context.Context, l Listener) error {
	p.logger.Info("pipeline started", "version", uint64(p.store.Current().Version()))
	defer p.logger.Info("pipeline stopped", "version", uint64(p.store.Current().Version()))

	for {
		_, _, err := p.WaitAndProcess(ctx, l)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && domain.IsDomainError(err, domain.ErrInternal.Code) {
			return err
		}
	}
}

func errClosed() error {
	return domain.ErrDisposedAccess.WithDetails("pipeline closed")
}

func reason(err error) string {
	if code := domain.GetErrorCode(err); code != "" {
		return code
	}
	return "unknown"
}
