package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/statemesh-go/internal/server/clusterserver"
	"github.com/yndnr/statemesh-go/internal/storage/wire"
	"github.com/yndnr/statemesh-go/internal/telemetry/metric"
	"github.com/yndnr/statemesh-go/pkg/crypto/adaptive"
)

// framePurpose binds derived frame keys to the wire format.
const framePurpose = "statemesh/wire/v1"

// NodeID returns the configured node ID, generating one when empty.
//
// Format: smnode-<lowercase ulid> (e.g., "smnode-01hv3k8c9z0m5q7w2e4r6t8y0u")
func NodeID(cfg *ServerConfig) string {
	if cfg.Node.ID != "" {
		return cfg.Node.ID
	}
	return "smnode-" + strings.ToLower(ulid.Make().String())
}

// Codec builds the wire codec. A configured cluster key seals every frame.
func Codec(cfg *SecuritySection) (*wire.Codec, error) {
	if cfg.ClusterKey == "" {
		return wire.NewCodec(), nil
	}
	key, err := adaptive.DeriveKey([]byte(cfg.ClusterKey), framePurpose)
	if err != nil {
		return nil, fmt.Errorf("derive frame key: %w", err)
	}
	cipherType := adaptive.CipherType(cfg.Cipher)
	if cipherType == "" {
		cipherType = DefaultCipher
	}
	c, err := adaptive.NewWithType(key, cipherType)
	if err != nil {
		return nil, err
	}
	return wire.NewCodec(wire.WithCipher(c)), nil
}

// ToClusterConfig converts ServerConfig to clusterserver.Config.
func ToClusterConfig(cfg *ServerConfig, nodeID string, codec *wire.Codec, logger *slog.Logger, metrics *metric.Registry) (clusterserver.Config, error) {
	if cfg == nil {
		return clusterserver.Config{}, fmt.Errorf("server config is nil")
	}
	if nodeID == "" {
		return clusterserver.Config{}, fmt.Errorf("node id is required")
	}

	return clusterserver.Config{
		NodeID:         nodeID,
		RaftBindAddr:   cfg.Cluster.RaftAddr,
		RaftDataDir:    cfg.Cluster.DataDir,
		Bootstrap:      cfg.Cluster.Bootstrap,
		GossipBindAddr: cfg.Cluster.GossipAddr,
		GossipBindPort: cfg.Cluster.GossipPort,
		Seeds:          cfg.Cluster.Seeds,
		RPCAddr:        cfg.Cluster.RPCAddr,
		JoinAddrs:      cfg.Cluster.Join,
		ForwardRate:    cfg.Cluster.ForwardRate,
		ForwardBurst:   cfg.Cluster.ForwardBurst,
		ApplyTimeout:   cfg.Cluster.ApplyTimeout,
		Codec:          codec,
		Logger:         logger,
		Metrics:        metrics,
	}, nil
}
