// Package clusterserver sequences replica traffic across nodes.
//
// Every node runs a Raft member whose log is the single authoritative order
// of transaction and full-state frames. The FSM does not arbitrate
// conflicts: it hands every committed frame to the local replica, which
// validates it like any other update. Followers forward proposals to the
// leader over Connect RPC; memberlist gossip finds collaborators and
// carries their addresses in node metadata.
package clusterserver
