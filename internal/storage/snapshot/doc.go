// Package snapshot provides the versioned snapshot store of a replica.
//
// A Snapshot is an immutable, sorted Key -> (Subkey -> Value) mapping
// stamped with a Version. Snapshots are persistent treaps with
// deterministic murmur3 priorities: advancing a snapshot path-copies only
// the touched entries and shares everything else with its predecessor, so
// holders of old snapshots keep a valid, unmodified view for free and
// Diff can skip shared subtrees.
//
// Layout:
//
//   - tree.go: generic persistent treap (put, remove, split, diff)
//   - snapshot.go: Snapshot and KeySnapshot read views
//   - store.go: Store owning the version chain (Current, Advance, Replace, At)
//   - diff.go: UpdatedKey computation between any two snapshots
//   - builder.go: bulk construction for decoders and checkpoints
package snapshot
