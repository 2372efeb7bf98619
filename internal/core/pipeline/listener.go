package pipeline

import (
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// Listener observes the results of ProcessSingleUpdate.
//
// Callbacks run synchronously on the draining goroutine; a slow listener
// delays every later update of the replica.
type Listener interface {
	// OnStateAdvanced is called after a full-state replacement. Derived
	// indexes must be rebuilt from next.
	OnStateAdvanced(prev, next *snapshot.Snapshot)

	// OnTransactionApplied is called after tx advanced the store from prev to next.
	OnTransactionApplied(tx *txn.Transaction, prev, next *snapshot.Snapshot, diff []snapshot.UpdatedKey)

	// OnPrerequisitesFailed is called when tx was rejected by its preconditions.
	OnPrerequisitesFailed(tx *txn.Transaction, failed []txn.Precondition)
}

// NopListener ignores every callback.
type NopListener struct{}

func (NopListener) OnStateAdvanced(_, _ *snapshot.Snapshot) {}

func (NopListener) OnTransactionApplied(_ *txn.Transaction, _, _ *snapshot.Snapshot, _ []snapshot.UpdatedKey) {
}

func (NopListener) OnPrerequisitesFailed(_ *txn.Transaction, _ []txn.Precondition) {}
