package domain

import "encoding/hex"

// Value is an opaque immutable payload associated with one (Key, Subkey).
//
// A present empty Value differs from an absent one: lookups report absence
// through a separate boolean, never through an empty Value.
type Value struct {
	s string
}

// NewValue returns a Value holding a copy of b.
func NewValue(b []byte) Value {
	return Value{s: string(b)}
}

// ValueOf returns a Value holding s.
func ValueOf(s string) Value {
	return Value{s: s}
}

// Bytes returns a copy of the payload.
func (v Value) Bytes() []byte {
	return []byte(v.s)
}

// AppendTo appends the payload to dst and returns the extended slice.
func (v Value) AppendTo(dst []byte) []byte {
	return append(dst, v.s...)
}

// Len returns the payload length.
func (v Value) Len() int {
	return len(v.s)
}

// Equal reports whether both values hold the same bytes.
func (v Value) Equal(other Value) bool {
	return v.s == other.s
}

// String returns the payload as a string.
func (v Value) String() string {
	return v.s
}

// Hex returns the payload hex-encoded, for logging.
func (v Value) Hex() string {
	return hex.EncodeToString([]byte(v.s))
}
