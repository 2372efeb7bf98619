package pipeline

import (
	"context"
	"sync"

	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// Pending resolves once the pipeline has processed a submitted transaction.
type Pending struct {
	tx   *txn.Transaction
	once sync.Once
	done chan struct{}
	snap *snapshot.Snapshot
	err  error
}

func newPending(tx *txn.Transaction) *Pending {
	return &Pending{tx: tx, done: make(chan struct{})}
}

// Transaction returns the submitted transaction.
func (p *Pending) Transaction() *txn.Transaction {
	return p.tx
}

// Done is closed when the outcome is known.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the transaction is applied or rejected, or ctx ends.
// It returns the resulting snapshot, a *txn.ConflictError, or another error.
func (p *Pending) Wait(ctx context.Context) (*snapshot.Snapshot, error) {
	select {
	case <-p.done:
		return p.snap, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) resolve(snap *snapshot.Snapshot, err error) {
	p.once.Do(func() {
		p.snap, p.err = snap, err
		close(p.done)
	})
}
