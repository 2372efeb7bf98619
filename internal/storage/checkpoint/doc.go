// Package checkpoint keeps encoded snapshots in Badger for warm starts.
//
// Checkpoints are a cache: a replica that restores one still rejoins its
// collaborators and accepts a newer full-state replacement. Nothing here is
// a durability guarantee.
//
// Layout:
//
//	c/<version:8 big-endian>  wire-encoded snapshot frame
//	m/latest                  version of the newest checkpoint
package checkpoint
