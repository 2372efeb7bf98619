package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

var (
	keyK = domain.KeyOf("K")
	keyL = domain.KeyOf("L")
)

func val(b ...byte) domain.Value {
	return domain.NewValue(b)
}

func build(t *testing.T, b *Builder) *Transaction {
	t.Helper()
	tx, err := b.Build()
	require.NoError(t, err)
	return tx
}

func TestScenarioA_RequireCountThenPut(t *testing.T) {
	store := snapshot.NewStore()

	tx := build(t, NewBuilder(store.Current()).
		RequireSubkeysCount(keyK, 0).
		Put(keyK, 0, val(1, 2, 3)).
		Put(keyK, 1, val(4, 5, 6)))

	snap, err := Commit(store, tx)
	require.NoError(t, err)
	assert.Equal(t, domain.Version(1), snap.Version())

	v0, ok := store.GetValue(keyK, 0)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, v0.Bytes())
	v1, ok := store.GetValue(keyK, 1)
	require.True(t, ok)
	assert.Equal(t, []byte{4, 5, 6}, v1.Bytes())
}

func TestScenarioB_ConcurrentWriterConflicts(t *testing.T) {
	store := snapshot.NewStore()
	_, err := Commit(store, build(t, NewBuilder(store.Current()).Put(keyK, 1, val(1))))
	require.NoError(t, err)

	base := store.Current()
	b1 := NewBuilder(base).Put(keyK, 2, val(2))
	b2 := NewBuilder(base).Require(keyK).Put(keyK, 3, val(3))

	_, err = Commit(store, build(t, b1))
	require.NoError(t, err)

	before := store.Current()
	_, err = Commit(store, build(t, b2))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidationConflict)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []domain.Key{keyK}, conflict.Keys())
	require.Len(t, conflict.Failed, 1)
	assert.Equal(t, KindUnchanged, conflict.Failed[0].Kind)
	assert.Same(t, before, store.Current(), "a rejected transaction must not advance the store")
}

func TestRequire_PassesWithoutInterveningWrite(t *testing.T) {
	store := snapshot.NewStore()
	base := store.Current()

	_, err := Commit(store, build(t, NewBuilder(store.Current()).Put(keyL, 1, val(1))))
	require.NoError(t, err)

	// K was absent at base and is still absent.
	_, err = Commit(store, build(t, NewBuilder(base).Require(keyK).Put(keyK, 1, val(9))))
	require.NoError(t, err)
}

func TestPreconditions(t *testing.T) {
	store := snapshot.NewStore()
	_, err := Commit(store, build(t, NewBuilder(nil).
		Put(keyK, 1, val(1)).
		Put(keyK, 2, val(2))))
	require.NoError(t, err)
	base := store.Current()
	_, err = Commit(store, build(t, NewBuilder(base).Put(keyK, 2, val(20))))
	require.NoError(t, err)
	cur := store.Current()

	b := NewBuilder(base)
	unchangedK := b.Require(keyK).preconditions[0]
	unchangedSub1 := b.RequireSubkeyUnchanged(keyK, 1).preconditions[1]
	unchangedSub2 := b.RequireSubkeyUnchanged(keyK, 2).preconditions[2]
	absentSub := b.RequireSubkeyUnchanged(keyK, 7).preconditions[3]

	tests := []struct {
		name string
		p    Precondition
		want bool
	}{
		{"unchanged after write", unchangedK, false},
		{"untouched subkey", unchangedSub1, true},
		{"rewritten subkey", unchangedSub2, false},
		{"still absent subkey", absentSub, true},
		{"count matches", Precondition{Kind: KindSubkeysCount, Key: keyK, Count: 2}, true},
		{"count differs", Precondition{Kind: KindSubkeysCount, Key: keyK, Count: 1}, false},
		{"absent key count zero", Precondition{Kind: KindSubkeysCount, Key: keyL, Count: 0}, true},
		{"absent on present", Precondition{Kind: KindAbsent, Key: keyK}, false},
		{"absent on absent", Precondition{Kind: KindAbsent, Key: keyL}, true},
		{"exists on present", Precondition{Kind: KindExists, Key: keyK}, true},
		{"exists on absent", Precondition{Kind: KindExists, Key: keyL}, false},
		{"version at most current", Precondition{Kind: KindVersionAtMost, Key: keyK, Version: 2}, true},
		{"version at most older", Precondition{Kind: KindVersionAtMost, Key: keyK, Version: 1}, false},
		{"version at most absent", Precondition{Kind: KindVersionAtMost, Key: keyL, Version: 0}, true},
		{"unknown kind", Precondition{Kind: 99, Key: keyK}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Holds(cur), tt.p.String())
		})
	}
}

func TestValidate_ReportsEveryFailure(t *testing.T) {
	store := snapshot.NewStore()
	_, err := Commit(store, build(t, NewBuilder(nil).Put(keyK, 1, val(1))))
	require.NoError(t, err)

	tx := build(t, NewBuilder(nil).
		RequireAbsent(keyK).
		RequireExists(keyL).
		RequireSubkeysCount(keyK, 1))

	err = Validate(tx, store.Current())
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Len(t, conflict.Failed, 2)
	assert.Equal(t, KindAbsent, conflict.Failed[0].Kind)
	assert.Equal(t, KindExists, conflict.Failed[1].Kind)
	assert.Equal(t, []domain.Key{keyK, keyL}, conflict.Keys())
	assert.Equal(t, domain.Version(1), conflict.Version)
	assert.Contains(t, err.Error(), "SM-TXN-4090")
}

func TestAtomicity(t *testing.T) {
	store := snapshot.NewStore()
	before := store.Current()

	tx := build(t, NewBuilder(nil).
		RequireAbsent(keyL).
		Put(keyK, 1, val(1)).
		Put(keyL, 1, val(2)).
		Put(keyL, 2, val(3)))

	snap, err := Commit(store, tx)
	require.NoError(t, err)
	for _, w := range tx.Writes() {
		v, ok := snap.Value(w.Key, w.Subkey)
		require.True(t, ok)
		assert.True(t, v.Equal(w.Value))
	}

	// Rerunning fails its precondition and leaves nothing behind.
	again := build(t, NewBuilder(before).
		RequireAbsent(keyL).
		Put(keyK, 9, val(9)).
		Put(domain.KeyOf("M"), 1, val(9)))
	_, err = Commit(store, again)
	require.ErrorIs(t, err, domain.ErrValidationConflict)
	assert.Same(t, snap, store.Current())
	assert.False(t, store.Current().Contains(domain.KeyOf("M")))
}

func TestBuilder_LastWriteWins(t *testing.T) {
	tx := build(t, NewBuilder(nil).
		Put(keyL, 2, val(1)).
		Put(keyK, 5, val(1)).
		Put(keyL, 2, val(2)).
		Delete(keyK, 5).
		Put(keyK, 1, val(3)))

	writes := tx.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, keyK, writes[0].Key)
	assert.Equal(t, domain.Subkey(1), writes[0].Subkey)
	assert.Equal(t, domain.Subkey(5), writes[1].Subkey)
	assert.True(t, writes[1].Delete)
	assert.Equal(t, keyL, writes[2].Key)
	assert.Equal(t, "\x02", writes[2].Value.String())
}

func TestBuilder_FrozenAfterBuild(t *testing.T) {
	b := NewBuilder(nil).Put(keyK, 1, val(1))
	_, err := b.Build()
	require.NoError(t, err)

	for name, fn := range map[string]func(){
		"Put":     func() { b.Put(keyK, 2, val(2)) },
		"Delete":  func() { b.Delete(keyK, 1) },
		"Require": func() { b.Require(keyK) },
		"Build":   func() { _, _ = b.Build() },
		"Base":    func() { b.Base() },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				r := recover()
				require.NotNil(t, r)
				err, ok := r.(error)
				require.True(t, ok)
				assert.ErrorIs(t, err, domain.ErrDisposedAccess)
			}()
			fn()
		})
	}
}

func TestBuilder_RejectsInvalidInput(t *testing.T) {
	_, err := NewBuilder(nil).Put(domain.Key{}, 1, val(1)).Build()
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = NewBuilder(nil).RequireSubkeysCount(keyK, -1).Build()
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTransaction_Lifecycle(t *testing.T) {
	tx := build(t, NewBuilder(nil).Put(keyK, 1, val(1)))
	assert.Equal(t, StateBuilt, tx.State())
	assert.False(t, tx.ID().IsZero())

	require.NoError(t, tx.MarkPending())
	assert.ErrorIs(t, tx.MarkPending(), domain.ErrDisposedAccess)

	tx.MarkRejected()
	require.NoError(t, tx.MarkPending(), "rejected transactions may be resubmitted")

	tx.MarkApplied()
	assert.ErrorIs(t, tx.MarkPending(), domain.ErrDisposedAccess)
}

func TestAssemble(t *testing.T) {
	src := build(t, NewBuilder(nil).Put(keyK, 1, val(1)).RequireAbsent(keyL))

	tx, err := Assemble(src.ID(), src.BaseVersion(), src.Writes(), src.Preconditions())
	require.NoError(t, err)
	assert.Equal(t, src.ID(), tx.ID())
	assert.Equal(t, src.Writes(), tx.Writes())
	assert.Equal(t, src.Preconditions(), tx.Preconditions())
	assert.Equal(t, StateBuilt, tx.State())

	_, err = Assemble(src.ID(), domain.InvalidVersion, nil, nil)
	assert.ErrorIs(t, err, domain.ErrMalformedTransaction)

	_, err = Assemble(src.ID(), 0, nil, []Precondition{{Kind: 42, Key: keyK}})
	assert.ErrorIs(t, err, domain.ErrMalformedTransaction)

	_, err = Assemble(src.ID(), 0, []snapshot.Write{{Subkey: 1}}, nil)
	assert.ErrorIs(t, err, domain.ErrMalformedTransaction)
}

func TestApply_VersionExhaustion(t *testing.T) {
	b := snapshot.NewBuilder(domain.MaxVersion)
	b.Put(keyK, 1, 1, 1, val(1))
	last, err := b.Snapshot()
	require.NoError(t, err)
	store := snapshot.NewStore(snapshot.WithInitial(last))

	_, err = Commit(store, build(t, NewBuilder(last).Put(keyK, 2, val(2))))
	assert.ErrorIs(t, err, domain.ErrMalformedTransaction)
}
