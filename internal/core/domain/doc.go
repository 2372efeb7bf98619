// Package domain defines the core value types of statemesh.
//
// Domain types are immutable values without IO dependencies or
// framework coupling. This package contains:
//
//   - Key: interned byte-sequence identifier of a top-level entry
//   - Subkey: 64-bit identifier scoped to one Key
//   - Value: opaque immutable payload of a (Key, Subkey) pair
//   - Version: 63-bit snapshot counter with a reserved invalid range
//   - Errors: coded domain errors shared by every layer
package domain
