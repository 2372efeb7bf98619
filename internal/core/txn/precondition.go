package txn

import (
	"fmt"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// Kind identifies a precondition.
type Kind uint8

const (
	// KindUnchanged requires the key to have the same presence and version
	// as in the base snapshot.
	KindUnchanged Kind = iota + 1
	// KindSubkeysCount requires an exact subkey count. Absent keys count 0.
	KindSubkeysCount
	// KindAbsent requires the key to have no subkeys.
	KindAbsent
	// KindExists requires the key to have at least one subkey.
	KindExists
	// KindVersionAtMost requires the key to be absent or last modified at or
	// before Version.
	KindVersionAtMost
	// KindSubkeyUnchanged requires (Key, Subkey) to have the same presence
	// and version as in the base snapshot.
	KindSubkeyUnchanged
)

var kindNames = map[Kind]string{
	KindUnchanged:       "unchanged",
	KindSubkeysCount:    "subkeys_count",
	KindAbsent:          "absent",
	KindExists:          "exists",
	KindVersionAtMost:   "version_at_most",
	KindSubkeyUnchanged: "subkey_unchanged",
}

// String returns the kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Precondition is a condition evaluated against the commit-time snapshot.
//
// Version holds the base-snapshot version for the unchanged kinds
// (InvalidVersion when the key or subkey was absent at base) and the bound
// for KindVersionAtMost.
type Precondition struct {
	Kind    Kind
	Key     domain.Key
	Subkey  domain.Subkey
	Count   int
	Version domain.Version
}

// Holds evaluates the precondition against snap.
func (p Precondition) Holds(snap *snapshot.Snapshot) bool {
	ks, present := snap.Get(p.Key)

	switch p.Kind {
	case KindUnchanged:
		if !present {
			return p.Version == domain.InvalidVersion
		}
		return ks.Version() == p.Version
	case KindSubkeysCount:
		return ks.Count() == p.Count
	case KindAbsent:
		return !present
	case KindExists:
		return present
	case KindVersionAtMost:
		return !present || ks.Version() <= p.Version
	case KindSubkeyUnchanged:
		v, ok := ks.SubkeyVersion(p.Subkey)
		if !ok {
			return p.Version == domain.InvalidVersion
		}
		return v == p.Version
	default:
		return false
	}
}

// String renders the precondition for logs and error details.
func (p Precondition) String() string {
	switch p.Kind {
	case KindSubkeysCount:
		return fmt.Sprintf("%s(%q, %d)", p.Kind, p.Key.String(), p.Count)
	case KindAbsent, KindExists:
		return fmt.Sprintf("%s(%q)", p.Kind, p.Key.String())
	case KindSubkeyUnchanged:
		return fmt.Sprintf("%s(%q/%d@%s)", p.Kind, p.Key.String(), p.Subkey, p.Version)
	default:
		return fmt.Sprintf("%s(%q@%s)", p.Kind, p.Key.String(), p.Version)
	}
}
