package config

import "time"

// ServerConfig is the root configuration for statemesh-server.
type ServerConfig struct {
	Node     NodeSection     `koanf:"node"`
	Cluster  ClusterSection  `koanf:"cluster"`
	Pipeline PipelineSection `koanf:"pipeline"`
	Storage  StorageSection  `koanf:"storage"`
	Security SecuritySection `koanf:"security"`
	HTTP     HTTPSection     `koanf:"http"`
	Redis    RedisSection    `koanf:"redis"`
	Log      LogSection      `koanf:"log"`
}

// NodeSection identifies this replica.
type NodeSection struct {
	// ID is the unique node identifier. If empty, one is generated at
	// startup.
	ID string `koanf:"id"`
}

// ClusterSection configures cluster mode. With Enabled false the server
// runs a standalone replica.
type ClusterSection struct {
	Enabled bool `koanf:"enabled"`

	// RaftAddr is the Raft TCP bind address (e.g., "192.168.1.10:5343").
	RaftAddr string `koanf:"raft_addr"`

	// GossipAddr is the gossip TCP/UDP bind address. Empty disables
	// discovery.
	GossipAddr string `koanf:"gossip_addr"`

	// GossipPort is the gossip bind port (e.g., 5344).
	GossipPort int `koanf:"gossip_port"`

	// RPCAddr is the cluster RPC listen address used for forwarding and
	// joins.
	RPCAddr string `koanf:"rpc_addr"`

	// Bootstrap starts a new cluster when no Raft state exists.
	Bootstrap bool `koanf:"bootstrap"`

	// Seeds are gossip addresses of existing members.
	// Format: ["192.168.1.10:5344", "192.168.1.11:5344"]
	Seeds []string `koanf:"seeds"`

	// Join are RPC addresses asked to add this node as a voter.
	Join []string `koanf:"join"`

	// DataDir holds the Raft log and snapshots. Empty keeps them in memory.
	DataDir string `koanf:"data_dir"`

	// ForwardRate limits proposals the leader accepts from followers, per
	// second. Zero disables the limit.
	ForwardRate  float64 `koanf:"forward_rate"`
	ForwardBurst int     `koanf:"forward_burst"`

	// ApplyTimeout bounds one Raft apply.
	ApplyTimeout time.Duration `koanf:"apply_timeout"`
}

// PipelineSection configures the update pipeline.
type PipelineSection struct {
	// MaxPerTick bounds the updates processed per pipeline tick.
	MaxPerTick int `koanf:"max_per_tick"`

	// HistoryLimit is how many recent snapshots stay addressable by version.
	HistoryLimit int `koanf:"history_limit"`

	// CommitTimeout bounds how long a client waits for a commit outcome.
	CommitTimeout time.Duration `koanf:"commit_timeout"`
}

// StorageSection configures warm-start checkpoints.
type StorageSection struct {
	// CheckpointDir is the checkpoint directory. Empty disables checkpoints.
	CheckpointDir string `koanf:"checkpoint_dir"`

	// CheckpointKeep is the number of checkpoints retained.
	CheckpointKeep int `koanf:"checkpoint_keep"`

	// CheckpointInterval is the period between checkpoints.
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`
}

// SecuritySection configures frame sealing.
type SecuritySection struct {
	// ClusterKey is the shared secret all replicas seal frames with.
	// Empty sends plaintext frames.
	ClusterKey string `koanf:"cluster_key"`

	// Cipher selects the AEAD ("aes-gcm" or "chacha20-poly1305"). Every
	// replica of a cluster must use the same one.
	Cipher string `koanf:"cipher"`
}

// HTTPSection configures the admin HTTP endpoint serving health, status
// and Prometheus metrics.
type HTTPSection struct {
	// Addr is the listen address. Empty disables the endpoint.
	Addr string `koanf:"addr"`

	// Socket is a Unix socket path serving the same endpoints to local
	// users, without the allow list and rate limit. Empty disables it.
	Socket string `koanf:"socket"`

	// AllowList restricts clients to these IPs or CIDRs. Empty allows all.
	AllowList []string `koanf:"allow_list"`

	// RateLimit is the per-client request rate, per second. Zero disables
	// the limit.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// RedisSection configures the RESP endpoint, which exposes replica state
// to Redis clients as hashes.
type RedisSection struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`

	// Password, when set, is required through AUTH before other commands.
	Password string `koanf:"password"`

	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`

	// RateLimit is the per-client command rate, per second. Zero disables
	// the limit.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	// PushBuffer is the number of key events queued per subscribed
	// connection before it is dropped.
	PushBuffer int `koanf:"push_buffer"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
