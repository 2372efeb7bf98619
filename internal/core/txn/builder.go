package txn

import (
	"github.com/oklog/ulid/v2"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// Builder stages writes and preconditions against a base snapshot.
//
// Builders are independent objects and may be used from any goroutine, but a
// single Builder is not safe for concurrent use. After Build every method
// panics with ErrDisposedAccess.
type Builder struct {
	base          *snapshot.Snapshot
	writes        []snapshot.Write
	preconditions []Precondition
	err           error
	built         bool
}

// NewBuilder starts a transaction bound to base. A nil base means the epoch snapshot.
func NewBuilder(base *snapshot.Snapshot) *Builder {
	if base == nil {
		base = snapshot.Empty()
	}
	return &Builder{base: base}
}

// Base returns the read view of the builder.
func (b *Builder) Base() *snapshot.Snapshot {
	b.mustOpen()
	return b.base
}

// Put stages value under (key, subkey). A later write to the same pair wins.
func (b *Builder) Put(key domain.Key, subkey domain.Subkey, value domain.Value) *Builder {
	b.mustOpen()
	if b.checkKey(key) {
		b.writes = append(b.writes, snapshot.Write{Key: key, Subkey: subkey, Value: value})
	}
	return b
}

// Delete stages removal of (key, subkey). Deleting an absent subkey is a no-op.
func (b *Builder) Delete(key domain.Key, subkey domain.Subkey) *Builder {
	b.mustOpen()
	if b.checkKey(key) {
		b.writes = append(b.writes, snapshot.Write{Key: key, Subkey: subkey, Delete: true})
	}
	return b
}

// Require fails the transaction if key changed between the base snapshot and commit.
func (b *Builder) Require(key domain.Key) *Builder {
	b.mustOpen()
	version := domain.InvalidVersion
	if ks, ok := b.base.Get(key); ok {
		version = ks.Version()
	}
	return b.add(Precondition{Kind: KindUnchanged, Key: key, Version: version})
}

// RequireSubkeysCount fails the transaction unless key has exactly n subkeys at commit.
func (b *Builder) RequireSubkeysCount(key domain.Key, n int) *Builder {
	b.mustOpen()
	if n < 0 {
		b.setErr(domain.ErrInvalidArgument.WithDetails("negative subkey count"))
		return b
	}
	return b.add(Precondition{Kind: KindSubkeysCount, Key: key, Count: n})
}

// RequireAbsent fails the transaction if key has any subkey at commit.
func (b *Builder) RequireAbsent(key domain.Key) *Builder {
	b.mustOpen()
	return b.add(Precondition{Kind: KindAbsent, Key: key})
}

// RequireExists fails the transaction if key has no subkey at commit.
func (b *Builder) RequireExists(key domain.Key) *Builder {
	b.mustOpen()
	return b.add(Precondition{Kind: KindExists, Key: key})
}

// RequireVersionAtMost fails the transaction if key was modified after version.
func (b *Builder) RequireVersionAtMost(key domain.Key, version domain.Version) *Builder {
	b.mustOpen()
	return b.add(Precondition{Kind: KindVersionAtMost, Key: key, Version: version})
}

// RequireSubkeyUnchanged fails the transaction if (key, subkey) was written or
// removed between the base snapshot and commit.
func (b *Builder) RequireSubkeyUnchanged(key domain.Key, subkey domain.Subkey) *Builder {
	b.mustOpen()
	version := domain.InvalidVersion
	if ks, ok := b.base.Get(key); ok {
		if v, ok := ks.SubkeyVersion(subkey); ok {
			version = v
		}
	}
	return b.add(Precondition{Kind: KindSubkeyUnchanged, Key: key, Subkey: subkey, Version: version})
}

// Build freezes the builder and returns the transaction.
func (b *Builder) Build() (*Transaction, error) {
	b.mustOpen()
	b.built = true
	if b.err != nil {
		return nil, b.err
	}

	tx := &Transaction{
		id:            ulid.Make(),
		base:          b.base.Version(),
		writes:        normalize(b.writes),
		preconditions: b.preconditions,
	}
	b.writes, b.preconditions = nil, nil
	return tx, nil
}

func (b *Builder) add(p Precondition) *Builder {
	if b.checkKey(p.Key) {
		b.preconditions = append(b.preconditions, p)
	}
	return b
}

func (b *Builder) checkKey(key domain.Key) bool {
	if key.IsZero() {
		b.setErr(domain.ErrInvalidArgument.WithDetails("zero key"))
		return false
	}
	return true
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) mustOpen() {
	if b.built {
		panic(domain.ErrDisposedAccess.WithDetails("transaction builder already built"))
	}
}
