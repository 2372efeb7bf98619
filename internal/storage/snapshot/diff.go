package snapshot

import "github.com/yndnr/statemesh-go/internal/core/domain"

// UpdatedKey describes how one key changed between two snapshots.
// Old and New are the key views in the older and newer snapshot; either may
// be absent. Subkey lists are sorted.
type UpdatedKey struct {
	Key      domain.Key
	Old      KeySnapshot
	New      KeySnapshot
	Inserted []domain.Subkey
	Updated  []domain.Subkey
	Removed  []domain.Subkey
}

// Empty reports whether the update carries no subkey change.
func (u UpdatedKey) Empty() bool {
	return len(u.Inserted) == 0 && len(u.Updated) == 0 && len(u.Removed) == 0
}

// Changes returns the number of subkeys touched.
func (u UpdatedKey) Changes() int {
	return len(u.Inserted) + len(u.Updated) + len(u.Removed)
}

// Diff returns every key whose subkeys differ between older and newer,
// sorted by key. Subtrees shared by both snapshots are skipped, so the cost
// follows the size of the change rather than the size of the state.
//
// A subkey rewritten with identical bytes by a later transaction is
// reported as updated.
func Diff(older, newer *Snapshot) []UpdatedKey {
	if older == nil {
		older = epoch
	}
	if newer == nil {
		newer = epoch
	}

	var out []UpdatedKey
	keyTree.diff(older.keys, newer.keys, sameKeyState, func(o, n *node[domain.Key, *keyState]) {
		u := UpdatedKey{}
		var oldSubs, newSubs *node[domain.Subkey, subkeyEntry]
		if o != nil {
			u.Key = o.key
			u.Old = KeySnapshot{state: o.val}
			oldSubs = o.val.subkeys
		}
		if n != nil {
			u.Key = n.key
			u.New = KeySnapshot{state: n.val}
			newSubs = n.val.subkeys
		}

		subkeyTree.diff(oldSubs, newSubs, sameSubkeyEntry, func(os, ns *node[domain.Subkey, subkeyEntry]) {
			switch {
			case os == nil:
				u.Inserted = append(u.Inserted, ns.key)
			case ns == nil:
				u.Removed = append(u.Removed, os.key)
			default:
				u.Updated = append(u.Updated, ns.key)
			}
		})

		if !u.Empty() {
			out = append(out, u)
		}
	})
	return out
}

// ContentEqual reports whether two snapshots hold identical keys, subkeys and
// values, regardless of version stamps.
func ContentEqual(a, b *Snapshot) bool {
	if a == b {
		return true
	}
	if a.KeyCount() != b.KeyCount() {
		return false
	}
	equal := true
	keyTree.diff(a.keys, b.keys, sameKeyContent, func(_, _ *node[domain.Key, *keyState]) {
		equal = false
	})
	return equal
}

func sameKeyState(a, b *keyState) bool {
	return a == b
}

func sameSubkeyEntry(a, b subkeyEntry) bool {
	return a.version == b.version && a.value.Equal(b.value)
}

func sameKeyContent(a, b *keyState) bool {
	if a == b {
		return true
	}
	if sizeOf(a.subkeys) != sizeOf(b.subkeys) {
		return false
	}
	same := true
	subkeyTree.diff(a.subkeys, b.subkeys, func(x, y subkeyEntry) bool {
		return x.value.Equal(y.value)
	}, func(_, _ *node[domain.Subkey, subkeyEntry]) {
		same = false
	})
	return same
}
