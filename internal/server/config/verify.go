package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/yndnr/statemesh-go/internal/telemetry/logger"
	"github.com/yndnr/statemesh-go/pkg/crypto/adaptive"
)

// Verify validates the configuration. It creates the checkpoint and Raft
// directories when they are missing.
func Verify(cfg *ServerConfig) error {
	if err := verifyCluster(&cfg.Cluster); err != nil {
		return err
	}
	if err := verifyPipeline(&cfg.Pipeline); err != nil {
		return err
	}
	if err := verifyStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := verifySecurity(&cfg.Security); err != nil {
		return err
	}
	if err := verifyHTTP(&cfg.HTTP); err != nil {
		return err
	}
	if err := verifyRedis(&cfg.Redis); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "", "json", "text", "console":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}
	return nil
}

func verifyCluster(cfg *ClusterSection) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.RaftAddr == "" {
		return errors.New("cluster.raft_addr is required in cluster mode")
	}
	if err := verifyAddr("cluster.raft_addr", cfg.RaftAddr); err != nil {
		return err
	}
	if cfg.RPCAddr != "" {
		if err := verifyAddr("cluster.rpc_addr", cfg.RPCAddr); err != nil {
			return err
		}
	}
	if cfg.GossipPort < 0 || cfg.GossipPort > 65535 {
		return fmt.Errorf("cluster.gossip_port out of range: %d", cfg.GossipPort)
	}
	if !cfg.Bootstrap && len(cfg.Seeds) == 0 && len(cfg.Join) == 0 {
		return errors.New("cluster mode needs bootstrap, seeds or join")
	}
	if cfg.ForwardRate < 0 {
		return errors.New("cluster.forward_rate must not be negative")
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return errors.New("cannot create cluster data directory: " + err.Error())
		}
	}
	return nil
}

func verifyPipeline(cfg *PipelineSection) error {
	if cfg.MaxPerTick < 1 {
		return errors.New("pipeline.max_per_tick must be at least 1")
	}
	if cfg.HistoryLimit < 1 {
		return errors.New("pipeline.history_limit must be at least 1")
	}
	if cfg.CommitTimeout <= 0 {
		return errors.New("pipeline.commit_timeout must be positive")
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	if cfg.CheckpointDir == "" {
		return nil
	}

	if err := os.MkdirAll(cfg.CheckpointDir, 0750); err != nil {
		return errors.New("cannot create checkpoint directory: " + err.Error())
	}

	if cfg.CheckpointKeep < 1 {
		return errors.New("storage.checkpoint_keep must be at least 1")
	}
	if cfg.CheckpointInterval <= 0 {
		return errors.New("storage.checkpoint_interval must be positive")
	}

	return nil
}

func verifySecurity(cfg *SecuritySection) error {
	switch adaptive.CipherType(cfg.Cipher) {
	case adaptive.CipherAESGCM, adaptive.CipherChaCha20:
	default:
		return fmt.Errorf("security.cipher: unknown cipher %q", cfg.Cipher)
	}
	if cfg.ClusterKey != "" && len(cfg.ClusterKey) < adaptive.MinSecretLength {
		return fmt.Errorf("security.cluster_key must be at least %d bytes", adaptive.MinSecretLength)
	}
	return nil
}

func verifyHTTP(cfg *HTTPSection) error {
	if cfg.Socket != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0750); err != nil {
			return errors.New("cannot create http.socket directory: " + err.Error())
		}
	}
	if cfg.Addr == "" {
		return nil
	}
	if err := verifyAddr("http.addr", cfg.Addr); err != nil {
		return err
	}
	for _, entry := range cfg.AllowList {
		if net.ParseIP(entry) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("http.allow_list: %q is neither an IP nor a CIDR", entry)
		}
	}
	if cfg.RateLimit < 0 {
		return errors.New("http.rate_limit must not be negative")
	}
	return nil
}

func verifyRedis(cfg *RedisSection) error {
	if !cfg.Enabled {
		return nil
	}
	if err := verifyAddr("redis.addr", cfg.Addr); err != nil {
		return err
	}
	if cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("redis timeouts must be positive")
	}
	if cfg.RateLimit < 0 {
		return errors.New("redis.rate_limit must not be negative")
	}
	if cfg.PushBuffer < 1 {
		return errors.New("redis.push_buffer must be at least 1")
	}
	return nil
}

func verifyAddr(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}
