package domain

import "strconv"

// Version is the monotonically increasing counter of a snapshot chain.
//
// Versions are 63-bit: InvalidVersion and every value above it are reserved.
type Version uint64

const (
	// EpochVersion is the version of the empty epoch-zero snapshot.
	EpochVersion Version = 0

	// InvalidVersion marks "no version yet". Encoders reject it and anything above.
	InvalidVersion Version = 0x7FFF_FFFF_FFFF_FFFF

	// MaxVersion is the largest version a snapshot may carry.
	MaxVersion Version = InvalidVersion - 1
)

// Valid reports whether v is below the reserved range.
func (v Version) Valid() bool {
	return v < InvalidVersion
}

// Next returns v+1, or false when the result would enter the reserved range.
func (v Version) Next() (Version, bool) {
	if v >= MaxVersion {
		return InvalidVersion, false
	}
	return v + 1, true
}

// String formats the version, rendering reserved values as "invalid".
func (v Version) String() string {
	if !v.Valid() {
		return "invalid"
	}
	return strconv.FormatUint(uint64(v), 10)
}
