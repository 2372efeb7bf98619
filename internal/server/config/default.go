package config

import "time"

// Default configuration values.
const (
	DefaultRaftAddr     = "127.0.0.1:5343"
	DefaultGossipPort   = 5344
	DefaultRPCAddr      = "127.0.0.1:5345"
	DefaultApplyTimeout = 5 * time.Second
	DefaultForwardRate  = 1000
	DefaultForwardBurst = 100

	DefaultMaxPerTick    = 256
	DefaultHistoryLimit  = 64
	DefaultCommitTimeout = 10 * time.Second

	DefaultCheckpointKeep     = 3
	DefaultCheckpointInterval = time.Minute

	DefaultCipher = "chacha20-poly1305"

	DefaultHTTPAddr      = "127.0.0.1:9345"
	DefaultHTTPRateLimit = 50
	DefaultHTTPRateBurst = 100

	DefaultRedisAddr         = "127.0.0.1:6389"
	DefaultRedisReadTimeout  = 30 * time.Second
	DefaultRedisWriteTimeout = 30 * time.Second
	DefaultRedisIdleTimeout  = 5 * time.Minute
	DefaultRedisRateLimit    = 1000
	DefaultRedisRateBurst    = 1000
	DefaultRedisPushBuffer   = 1024

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Cluster: ClusterSection{
			RaftAddr:     DefaultRaftAddr,
			GossipPort:   DefaultGossipPort,
			RPCAddr:      DefaultRPCAddr,
			ApplyTimeout: DefaultApplyTimeout,
			ForwardRate:  DefaultForwardRate,
			ForwardBurst: DefaultForwardBurst,
		},
		Pipeline: PipelineSection{
			MaxPerTick:    DefaultMaxPerTick,
			HistoryLimit:  DefaultHistoryLimit,
			CommitTimeout: DefaultCommitTimeout,
		},
		Storage: StorageSection{
			CheckpointKeep:     DefaultCheckpointKeep,
			CheckpointInterval: DefaultCheckpointInterval,
		},
		Security: SecuritySection{
			Cipher: DefaultCipher,
		},
		HTTP: HTTPSection{
			Addr:      DefaultHTTPAddr,
			RateLimit: DefaultHTTPRateLimit,
			RateBurst: DefaultHTTPRateBurst,
		},
		Redis: RedisSection{
			Addr:         DefaultRedisAddr,
			ReadTimeout:  DefaultRedisReadTimeout,
			WriteTimeout: DefaultRedisWriteTimeout,
			IdleTimeout:  DefaultRedisIdleTimeout,
			RateLimit:    DefaultRedisRateLimit,
			RateBurst:    DefaultRedisRateBurst,
			PushBuffer:   DefaultRedisPushBuffer,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
