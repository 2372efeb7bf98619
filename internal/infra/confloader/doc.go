// Package confloader provides configuration loading mechanism.
//
// This package implements a configuration loader that supports multiple
// sources using koanf as the underlying library, plus a file watcher
// for hot reload.
//
// Priority (highest to lowest):
//
//  1. Command-line flags (LoadMap)
//  2. Environment variables (STATEMESH_SECTION_FIELD)
//  3. Configuration file (YAML)
//  4. Values already present in the target struct
//
// Environment names map to keys by splitting at the first underscore
// after the prefix: STATEMESH_CLUSTER_RAFT_ADDR sets cluster.raft_addr.
package confloader
