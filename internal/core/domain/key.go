package domain

import (
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spaolacci/murmur3"
)

// Key is an interned, immutable byte sequence identifying a top-level entry.
//
// Keys with identical bytes share a single canonical handle, so two keys can
// be compared with == without touching their bytes. The zero Key is not a
// valid key; obtain keys through Intern or KeyOf.
type Key struct {
	d *keyData
}

type keyData struct {
	bytes string
	hash  uint64
}

// interned holds every key created by this process. Keys are never evicted.
var interned = xsync.NewMapOf[string, *keyData]()

// Intern returns the canonical Key for b. The bytes are copied.
func Intern(b []byte) Key {
	return KeyOf(string(b))
}

// KeyOf returns the canonical Key for s.
func KeyOf(s string) Key {
	if d, ok := interned.Load(s); ok {
		return Key{d: d}
	}
	d, _ := interned.LoadOrCompute(s, func() *keyData {
		return &keyData{
			bytes: s,
			hash:  murmur3.Sum64([]byte(s)),
		}
	})
	return Key{d: d}
}

// LookupKey returns the Key for s if it has been interned, without
// interning it. A key that was never interned cannot be present in any
// snapshot.
func LookupKey(s string) (Key, bool) {
	d, ok := interned.Load(s)
	if !ok {
		return Key{}, false
	}
	return Key{d: d}, true
}

// InternedCount returns the number of distinct keys interned so far.
func InternedCount() int {
	return interned.Size()
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k.d == nil
}

// Bytes returns a copy of the key bytes.
func (k Key) Bytes() []byte {
	if k.d == nil {
		return nil
	}
	return []byte(k.d.bytes)
}

// String returns the key bytes as a string.
func (k Key) String() string {
	if k.d == nil {
		return ""
	}
	return k.d.bytes
}

// Len returns the number of bytes in the key.
func (k Key) Len() int {
	if k.d == nil {
		return 0
	}
	return len(k.d.bytes)
}

// Hash returns the precomputed 64-bit murmur3 hash of the key bytes.
func (k Key) Hash() uint64 {
	if k.d == nil {
		return 0
	}
	return k.d.hash
}

// Compare orders keys byte-wise. The zero Key sorts before every valid key.
func (k Key) Compare(other Key) int {
	if k.d == other.d {
		return 0
	}
	if k.d == nil {
		return -1
	}
	if other.d == nil {
		return 1
	}
	return strings.Compare(k.d.bytes, other.d.bytes)
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// GoString renders the key quoted, for test failure output.
func (k Key) GoString() string {
	return "domain.KeyOf(" + strconv.Quote(k.String()) + ")"
}

// Subkey identifies one entry under a Key. Subkeys of a key are unique and
// totally ordered.
type Subkey uint64

// Compare orders subkeys numerically.
func (s Subkey) Compare(other Subkey) int {
	switch {
	case s < other:
		return -1
	case s > other:
		return 1
	default:
		return 0
	}
}
