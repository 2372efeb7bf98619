package txn

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// State is the lifecycle position of a Transaction.
type State int32

const (
	StateBuilt State = iota
	StatePending
	StateApplied
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StatePending:
		return "pending"
	case StateApplied:
		return "applied"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transaction is an immutable set of writes plus commit-time preconditions.
//
// Writes are sorted by (key, subkey) with one entry per pair. Only the
// lifecycle state changes after construction.
type Transaction struct {
	id            ulid.ULID
	base          domain.Version
	writes        []snapshot.Write
	preconditions []Precondition

	state atomic.Int32
}

// Assemble reconstructs a transaction received from a collaborator.
//
// Writes are normalized the same way a Builder does: later entries for the
// same (key, subkey) win.
func Assemble(id ulid.ULID, base domain.Version, writes []snapshot.Write, preconditions []Precondition) (*Transaction, error) {
	if !base.Valid() {
		return nil, domain.ErrMalformedTransaction.WithDetails("base version is reserved")
	}
	for _, w := range writes {
		if w.Key.IsZero() {
			return nil, domain.ErrMalformedTransaction.WithDetails("write with zero key")
		}
	}
	for _, p := range preconditions {
		if !p.Kind.Valid() {
			return nil, domain.ErrMalformedTransaction.WithDetails("unknown precondition " + p.Kind.String())
		}
		if p.Key.IsZero() {
			return nil, domain.ErrMalformedTransaction.WithDetails("precondition with zero key")
		}
	}

	return &Transaction{
		id:            id,
		base:          base,
		writes:        normalize(writes),
		preconditions: slices.Clone(preconditions),
	}, nil
}

// normalize sorts writes by (key, subkey), keeping the last write per pair.
func normalize(writes []snapshot.Write) []snapshot.Write {
	out := slices.Clone(writes)
	// Stable sort keeps submission order within a pair.
	slices.SortStableFunc(out, compareWrite)

	n := 0
	for i := range out {
		if n > 0 && compareWrite(out[n-1], out[i]) == 0 {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	clear(out[n:])
	return out[:n]
}

func compareWrite(a, b snapshot.Write) int {
	if c := a.Key.Compare(b.Key); c != 0 {
		return c
	}
	return cmp.Compare(a.Subkey, b.Subkey)
}

// ID returns the transaction identifier.
func (t *Transaction) ID() ulid.ULID {
	return t.id
}

// BaseVersion returns the version of the snapshot the transaction was built against.
func (t *Transaction) BaseVersion() domain.Version {
	return t.base
}

// Writes returns a copy of the staged writes.
func (t *Transaction) Writes() []snapshot.Write {
	return slices.Clone(t.writes)
}

// WriteCount returns the number of staged writes.
func (t *Transaction) WriteCount() int {
	return len(t.writes)
}

// Preconditions returns a copy of the staged preconditions.
func (t *Transaction) Preconditions() []Precondition {
	return slices.Clone(t.preconditions)
}

// State returns the lifecycle state.
func (t *Transaction) State() State {
	return State(t.state.Load())
}

// MarkPending moves a built or rejected transaction to pending.
// Submitting a pending or applied transaction fails with ErrDisposedAccess.
func (t *Transaction) MarkPending() error {
	for {
		cur := State(t.state.Load())
		if cur != StateBuilt && cur != StateRejected {
			return domain.ErrDisposedAccess.WithDetails(
				fmt.Sprintf("transaction %s is %s", t.id, cur))
		}
		if t.state.CompareAndSwap(int32(cur), int32(StatePending)) {
			return nil
		}
	}
}

// MarkApplied records that the transaction produced a snapshot.
func (t *Transaction) MarkApplied() {
	t.state.Store(int32(StateApplied))
}

// MarkRejected records a conflict or malformed rejection. The transaction
// may be submitted again.
func (t *Transaction) MarkRejected() {
	t.state.Store(int32(StateRejected))
}

// String returns a short description for logs.
func (t *Transaction) String() string {
	return fmt.Sprintf("txn %s base=%s writes=%d preconditions=%d",
		t.id, t.base, len(t.writes), len(t.preconditions))
}
