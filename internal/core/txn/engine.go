package txn

import (
	"fmt"
	"strings"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// ConflictError lists the preconditions that failed validation.
// It matches domain.ErrValidationConflict with errors.Is.
type ConflictError struct {
	TxID    string
	Version domain.Version // version of the snapshot validated against
	Failed  []Precondition
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, p := range e.Failed {
		parts[i] = p.String()
	}
	return fmt.Sprintf("%s: txn %s at version %s: %s",
		domain.ErrValidationConflict.Error(), e.TxID, e.Version, strings.Join(parts, ", "))
}

func (e *ConflictError) Unwrap() error {
	return domain.ErrValidationConflict
}

// Keys returns the distinct keys named by the failed preconditions, in order.
func (e *ConflictError) Keys() []domain.Key {
	seen := make(map[domain.Key]struct{}, len(e.Failed))
	out := make([]domain.Key, 0, len(e.Failed))
	for _, p := range e.Failed {
		if _, ok := seen[p.Key]; ok {
			continue
		}
		seen[p.Key] = struct{}{}
		out = append(out, p.Key)
	}
	return out
}

// Validate evaluates every precondition of tx against snap. It returns nil
// or a *ConflictError naming all failed preconditions.
func Validate(tx *Transaction, snap *snapshot.Snapshot) error {
	var failed []Precondition
	for _, p := range tx.preconditions {
		if !p.Holds(snap) {
			failed = append(failed, p)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &ConflictError{
		TxID:    tx.id.String(),
		Version: snap.Version(),
		Failed:  failed,
	}
}

// Apply advances store by the writes of a validated transaction as one
// atomic step.
func Apply(store *snapshot.Store, tx *Transaction) (*snapshot.Snapshot, error) {
	snap, err := store.Advance(tx.writes)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", tx.id, err)
	}
	return snap, nil
}

// Commit validates tx against the current snapshot of store and applies it.
// The store must have a single writer.
func Commit(store *snapshot.Store, tx *Transaction) (*snapshot.Snapshot, error) {
	if err := Validate(tx, store.Current()); err != nil {
		return nil, err
	}
	return Apply(store, tx)
}
