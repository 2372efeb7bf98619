package config

// Flatten returns every setting keyed by its dotted koanf path. Durations
// are rendered as strings so the result loads back through confloader.
func Flatten(cfg *ServerConfig) map[string]any {
	return map[string]any{
		"node.id": cfg.Node.ID,

		"cluster.enabled":       cfg.Cluster.Enabled,
		"cluster.raft_addr":     cfg.Cluster.RaftAddr,
		"cluster.gossip_addr":   cfg.Cluster.GossipAddr,
		"cluster.gossip_port":   cfg.Cluster.GossipPort,
		"cluster.rpc_addr":      cfg.Cluster.RPCAddr,
		"cluster.bootstrap":     cfg.Cluster.Bootstrap,
		"cluster.seeds":         cfg.Cluster.Seeds,
		"cluster.join":          cfg.Cluster.Join,
		"cluster.data_dir":      cfg.Cluster.DataDir,
		"cluster.forward_rate":  cfg.Cluster.ForwardRate,
		"cluster.forward_burst": cfg.Cluster.ForwardBurst,
		"cluster.apply_timeout": cfg.Cluster.ApplyTimeout.String(),

		"pipeline.max_per_tick":   cfg.Pipeline.MaxPerTick,
		"pipeline.history_limit":  cfg.Pipeline.HistoryLimit,
		"pipeline.commit_timeout": cfg.Pipeline.CommitTimeout.String(),

		"storage.checkpoint_dir":      cfg.Storage.CheckpointDir,
		"storage.checkpoint_keep":     cfg.Storage.CheckpointKeep,
		"storage.checkpoint_interval": cfg.Storage.CheckpointInterval.String(),

		"security.cluster_key": cfg.Security.ClusterKey,
		"security.cipher":      cfg.Security.Cipher,

		"http.addr":       cfg.HTTP.Addr,
		"http.socket":     cfg.HTTP.Socket,
		"http.allow_list": cfg.HTTP.AllowList,
		"http.rate_limit": cfg.HTTP.RateLimit,
		"http.rate_burst": cfg.HTTP.RateBurst,

		"redis.enabled":       cfg.Redis.Enabled,
		"redis.addr":          cfg.Redis.Addr,
		"redis.password":      cfg.Redis.Password,
		"redis.read_timeout":  cfg.Redis.ReadTimeout.String(),
		"redis.write_timeout": cfg.Redis.WriteTimeout.String(),
		"redis.idle_timeout":  cfg.Redis.IdleTimeout.String(),
		"redis.rate_limit":    cfg.Redis.RateLimit,
		"redis.rate_burst":    cfg.Redis.RateBurst,
		"redis.push_buffer":   cfg.Redis.PushBuffer,

		"log.level":  cfg.Log.Level,
		"log.format": cfg.Log.Format,
	}
}
