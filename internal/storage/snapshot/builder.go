package snapshot

import (
	"fmt"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

// Builder assembles a detached snapshot entry by entry. It is used by
// decoders and checkpoint loaders; only a Store publishes the result.
type Builder struct {
	version domain.Version
	states  map[domain.Key]*keyState
	order   []domain.Key
	err     error
}

// NewBuilder starts a snapshot at version.
func NewBuilder(version domain.Version) *Builder {
	b := &Builder{
		version: version,
		states:  make(map[domain.Key]*keyState),
	}
	if !version.Valid() {
		b.err = domain.ErrMalformedTransaction.WithDetails("snapshot carries reserved version")
	}
	return b
}

// Put records subkey of key. keyVersion and subkeyVersion are the versions
// that last modified the key and the subkey; neither may exceed the
// snapshot version. The first error is kept and returned by Snapshot.
func (b *Builder) Put(key domain.Key, keyVersion domain.Version, subkey domain.Subkey, subkeyVersion domain.Version, value domain.Value) {
	if b.err != nil {
		return
	}
	if key.IsZero() {
		b.err = domain.ErrInvalidArgument.WithDetails("zero key")
		return
	}
	if keyVersion > b.version || subkeyVersion > keyVersion {
		b.err = domain.ErrInvalidArgument.WithDetails(fmt.Sprintf(
			"key %q: versions key=%d subkey=%d exceed snapshot %d",
			key.String(), keyVersion, subkeyVersion, b.version))
		return
	}

	ks, ok := b.states[key]
	if !ok {
		ks = &keyState{key: key, version: keyVersion}
		b.states[key] = ks
		b.order = append(b.order, key)
	} else if ks.version != keyVersion {
		b.err = domain.ErrInvalidArgument.WithDetails(fmt.Sprintf(
			"key %q: inconsistent key versions %d and %d", key.String(), ks.version, keyVersion))
		return
	}
	ks.subkeys = subkeyTree.put(ks.subkeys, subkey, subkeyEntry{value: value, version: subkeyVersion})
}

// Snapshot returns the assembled snapshot. The builder cannot be used afterwards.
func (b *Builder) Snapshot() (*Snapshot, error) {
	if b.err != nil {
		return nil, b.err
	}
	var keys *node[domain.Key, *keyState]
	for _, key := range b.order {
		keys = keyTree.put(keys, key, b.states[key])
	}
	b.err = domain.ErrDisposedAccess.WithDetails("snapshot builder already finished")
	b.states = nil
	return &Snapshot{version: b.version, keys: keys}, nil
}
