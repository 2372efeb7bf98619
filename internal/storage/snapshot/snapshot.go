package snapshot

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

type subkeyEntry struct {
	value   domain.Value
	version domain.Version
}

// keyState is the immutable per-key payload stored in the key tree.
type keyState struct {
	key     domain.Key
	version domain.Version
	subkeys *node[domain.Subkey, subkeyEntry]
}

var (
	keyTree = treap[domain.Key, *keyState]{
		cmp:  domain.Key.Compare,
		prio: domain.Key.Hash,
	}
	subkeyTree = treap[domain.Subkey, subkeyEntry]{
		cmp:  domain.Subkey.Compare,
		prio: subkeyPriority,
	}
)

func subkeyPriority(s domain.Subkey) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(s))
	return murmur3.Sum64(buf[:])
}

// Snapshot is an immutable, versioned view of the entire state.
// It is safe to share between goroutines.
type Snapshot struct {
	version domain.Version
	keys    *node[domain.Key, *keyState]
}

var epoch = &Snapshot{version: domain.EpochVersion}

// Empty returns the epoch-zero snapshot.
func Empty() *Snapshot {
	return epoch
}

// Version returns the snapshot version.
func (s *Snapshot) Version() domain.Version {
	return s.version
}

// KeyCount returns the number of keys holding at least one subkey.
func (s *Snapshot) KeyCount() int {
	return sizeOf(s.keys)
}

// Get returns the view of key, or false when the key has no subkeys.
func (s *Snapshot) Get(key domain.Key) (KeySnapshot, bool) {
	n := keyTree.get(s.keys, key)
	if n == nil {
		return KeySnapshot{}, false
	}
	return KeySnapshot{state: n.val}, true
}

// Value returns the value of (key, subkey).
func (s *Snapshot) Value(key domain.Key, subkey domain.Subkey) (domain.Value, bool) {
	ks, ok := s.Get(key)
	if !ok {
		return domain.Value{}, false
	}
	return ks.Get(subkey)
}

// Contains reports whether key exists in the snapshot.
func (s *Snapshot) Contains(key domain.Key) bool {
	return keyTree.get(s.keys, key) != nil
}

// Ascend visits keys in sorted order until fn returns false.
func (s *Snapshot) Ascend(fn func(KeySnapshot) bool) {
	ascend(s.keys, func(n *node[domain.Key, *keyState]) bool {
		return fn(KeySnapshot{state: n.val})
	})
}

// Keys returns every key in sorted order.
func (s *Snapshot) Keys() []domain.Key {
	out := make([]domain.Key, 0, s.KeyCount())
	s.Ascend(func(ks KeySnapshot) bool {
		out = append(out, ks.Key())
		return true
	})
	return out
}

// KeySnapshot is a lazily iterable view of one key within a snapshot.
// The zero KeySnapshot represents an absent key.
type KeySnapshot struct {
	state *keyState
}

// Exists reports whether the view refers to a present key.
func (k KeySnapshot) Exists() bool {
	return k.state != nil
}

// Key returns the key, or the zero Key for an absent view.
func (k KeySnapshot) Key() domain.Key {
	if k.state == nil {
		return domain.Key{}
	}
	return k.state.key
}

// Version returns the version of the snapshot that last modified the key.
func (k KeySnapshot) Version() domain.Version {
	if k.state == nil {
		return domain.InvalidVersion
	}
	return k.state.version
}

// Count returns the number of subkeys.
func (k KeySnapshot) Count() int {
	if k.state == nil {
		return 0
	}
	return sizeOf(k.state.subkeys)
}

// Get returns the value stored under subkey.
func (k KeySnapshot) Get(subkey domain.Subkey) (domain.Value, bool) {
	if k.state == nil {
		return domain.Value{}, false
	}
	n := subkeyTree.get(k.state.subkeys, subkey)
	if n == nil {
		return domain.Value{}, false
	}
	return n.val.value, true
}

// SubkeyVersion returns the version of the snapshot that last wrote subkey.
func (k KeySnapshot) SubkeyVersion(subkey domain.Subkey) (domain.Version, bool) {
	if k.state == nil {
		return domain.InvalidVersion, false
	}
	n := subkeyTree.get(k.state.subkeys, subkey)
	if n == nil {
		return domain.InvalidVersion, false
	}
	return n.val.version, true
}

// Has reports whether subkey is present.
func (k KeySnapshot) Has(subkey domain.Subkey) bool {
	_, ok := k.Get(subkey)
	return ok
}

// Ascend visits subkeys in order until fn returns false.
func (k KeySnapshot) Ascend(fn func(domain.Subkey, domain.Value) bool) {
	if k.state == nil {
		return
	}
	ascend(k.state.subkeys, func(n *node[domain.Subkey, subkeyEntry]) bool {
		return fn(n.key, n.val.value)
	})
}

// AscendEntries visits subkeys in order with the version that last wrote
// each one, until fn returns false.
func (k KeySnapshot) AscendEntries(fn func(domain.Subkey, domain.Value, domain.Version) bool) {
	if k.state == nil {
		return
	}
	ascend(k.state.subkeys, func(n *node[domain.Subkey, subkeyEntry]) bool {
		return fn(n.key, n.val.value, n.val.version)
	})
}

// Subkeys returns every subkey in order.
func (k KeySnapshot) Subkeys() []domain.Subkey {
	out := make([]domain.Subkey, 0, k.Count())
	k.Ascend(func(s domain.Subkey, _ domain.Value) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Write is a single staged mutation of (Key, Subkey). Delete removes the
// entry and ignores Value.
type Write struct {
	Key    domain.Key
	Subkey domain.Subkey
	Value  domain.Value
	Delete bool
}

// advance derives the successor of prev at version by applying writes in
// order. Deleting an absent subkey is a no-op; a key whose last subkey is
// removed disappears from the snapshot. A key whose writes cancel out (a
// put of a new subkey followed by its deletion) keeps its previous state
// and version.
func advance(prev *Snapshot, writes []Write, version domain.Version) *Snapshot {
	touched := make(map[domain.Key]*keyEdit, len(writes))
	order := make([]domain.Key, 0, len(writes))

	for _, w := range writes {
		p, ok := touched[w.Key]
		if !ok {
			p = &keyEdit{}
			if old := keyTree.get(prev.keys, w.Key); old != nil {
				p.orig = old.val.subkeys
				p.cur = old.val.subkeys
			}
			touched[w.Key] = p
			order = append(order, w.Key)
		}

		if w.Delete {
			p.cur, _ = subkeyTree.remove(p.cur, w.Subkey)
			continue
		}
		p.cur = subkeyTree.put(p.cur, w.Subkey, subkeyEntry{value: w.Value, version: version})
		p.puts = append(p.puts, w.Subkey)
	}

	keys := prev.keys
	for _, key := range order {
		p := touched[key]
		if !p.changed(version) {
			continue
		}
		if p.cur == nil {
			keys, _ = keyTree.remove(keys, key)
			continue
		}
		keys = keyTree.put(keys, key, &keyState{key: key, version: version, subkeys: p.cur})
	}

	return &Snapshot{version: version, keys: keys}
}

// keyEdit tracks the writes of one transaction against a single key.
type keyEdit struct {
	orig *node[domain.Subkey, subkeyEntry]
	cur  *node[domain.Subkey, subkeyEntry]
	puts []domain.Subkey
}

// changed reports whether the edit left a net change. Without a surviving
// put the final set is a subset of the original, so equal sizes mean equal sets.
func (e *keyEdit) changed(version domain.Version) bool {
	if e.cur == e.orig {
		return false
	}
	if sizeOf(e.cur) != sizeOf(e.orig) {
		return true
	}
	for _, sub := range e.puts {
		if n := subkeyTree.get(e.cur, sub); n != nil && n.val.version == version {
			return true
		}
	}
	return false
}
