// Package cmap provides a sharded concurrent map.
//
// Keys are spread over a power-of-two number of shards by a murmur3 hash;
// each shard has its own RWMutex. statemesh uses it for registries that
// are read far more often than written, such as the gossip peer table.
//
//	peers := cmap.New[string, Collaborator]()
//	peers.Set(c.NodeID, c)
//	c, ok := peers.Get("node-b")
//
// Range, Keys and Values lock one shard at a time, so they do not observe
// a single consistent view across shards.
package cmap
