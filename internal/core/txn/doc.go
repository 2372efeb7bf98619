// Package txn builds and validates optimistic transactions.
//
// A Builder is bound to a base snapshot (the read view). It stages writes
// with last-write-wins per (key, subkey) and preconditions that are checked
// against the commit-time snapshot, not the base. A failed precondition
// rejects the whole transaction; the caller re-reads and retries.
package txn
