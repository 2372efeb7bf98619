package clusterserver

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftConfig configures the Raft node.
type RaftConfig struct {
	// NodeID is the unique node identifier.
	NodeID string

	// BindAddr is the address to bind for Raft communication.
	BindAddr string

	// DataDir holds the Bolt log and snapshots. Empty keeps everything in
	// memory; the node then forgets the log on restart.
	DataDir string

	// Bootstrap indicates if this is the bootstrap node.
	Bootstrap bool

	// Transport overrides the TCP transport (tests use raft.InmemTransport).
	Transport raft.Transport

	// Logger for logging.
	Logger *slog.Logger
}

// RaftNode wraps hashicorp/raft around the sequencer FSM.
type RaftNode struct {
	raft      *raft.Raft
	transport raft.Transport
	fsm       *FSM
	config    *raft.Config
	logger    *slog.Logger

	logStore      raft.LogStore
	stableStore   raft.StableStore
	snapshotStore raft.SnapshotStore

	leaderCh chan bool
}

// NewRaftNode creates a new Raft node.
func NewRaftNode(cfg RaftConfig, fsm *FSM) (*RaftNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft: node_id is required")
	}
	logger := cfg.Logger.With("component", "raft")

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = &raftHCLogger{logger: logger}

	// Tuning for lower latency
	raftConfig.HeartbeatTimeout = 1000 * time.Millisecond
	raftConfig.ElectionTimeout = 1000 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 500 * time.Millisecond

	transport := cfg.Transport
	if transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve bind addr: %w", err)
		}
		tcp, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, &slogWriter{logger: logger})
		if err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
		transport = tcp
	}

	logStore, stableStore, snapshotStore, err := openStores(cfg.DataDir, logger)
	if err != nil {
		closeTransport(transport)
		return nil, err
	}

	leaderCh := make(chan bool, 10)
	raftConfig.NotifyCh = leaderCh

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		closeStores(logStore, stableStore, logger)
		closeTransport(transport)
		return nil, fmt.Errorf("create raft: %w", err)
	}

	node := &RaftNode{
		raft:          r,
		transport:     transport,
		fsm:           fsm,
		config:        raftConfig,
		logger:        logger,
		logStore:      logStore,
		stableStore:   stableStore,
		snapshotStore: snapshotStore,
		leaderCh:      leaderCh,
	}

	if cfg.Bootstrap {
		existing, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			node.Close()
			return nil, fmt.Errorf("inspect raft state: %w", err)
		}
		if !existing {
			configuration := raft.Configuration{
				Servers: []raft.Server{{
					ID:      raft.ServerID(cfg.NodeID),
					Address: transport.LocalAddr(),
				}},
			}
			if err := r.BootstrapCluster(configuration).Error(); err != nil {
				node.Close()
				return nil, fmt.Errorf("bootstrap cluster: %w", err)
			}
			logger.Info("raft cluster bootstrapped",
				"node_id", cfg.NodeID,
				"addr", string(transport.LocalAddr()))
		}
	}

	logger.Info("raft node created",
		"node_id", cfg.NodeID,
		"bind_addr", string(transport.LocalAddr()),
		"data_dir", cfg.DataDir,
		"bootstrap", cfg.Bootstrap)

	return node, nil
}

func openStores(dataDir string, logger *slog.Logger) (raft.LogStore, raft.StableStore, raft.SnapshotStore, error) {
	if dataDir == "" {
		mem := raft.NewInmemStore()
		return mem, mem, raft.NewInmemSnapshotStore(), nil
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return nil, nil, nil, fmt.Errorf("create stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 3, &slogWriter{logger: logger})
	if err != nil {
		stableStore.Close()
		logStore.Close()
		return nil, nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}
	return logStore, stableStore, snapshotStore, nil
}

func closeStores(logStore raft.LogStore, stableStore raft.StableStore, logger *slog.Logger) {
	if s, ok := stableStore.(*raftboltdb.BoltStore); ok {
		if err := s.Close(); err != nil {
			logger.Error("close stable store failed", "error", err)
		}
	}
	if s, ok := logStore.(*raftboltdb.BoltStore); ok {
		if err := s.Close(); err != nil {
			logger.Error("close log store failed", "error", err)
		}
	}
}

func closeTransport(t raft.Transport) {
	if c, ok := t.(io.Closer); ok {
		_ = c.Close()
	}
}

// Apply appends data to the log, waits until it is committed and applied
// locally, and returns its index.
func (n *RaftNode) Apply(data []byte, timeout time.Duration) (uint64, error) {
	f := n.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		return 0, fmt.Errorf("raft apply: %w", err)
	}
	if resp := f.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return 0, err
		}
	}
	return f.Index(), nil
}

// IsLeader returns true if this node is the Raft leader.
func (n *RaftNode) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the current leader ID and Raft address.
func (n *RaftNode) Leader() (string, string) {
	addr, id := n.raft.LeaderWithID()
	return string(id), string(addr)
}

// LocalAddr returns the Raft transport address.
func (n *RaftNode) LocalAddr() string {
	return string(n.transport.LocalAddr())
}

// AddVoter adds a voting member to the Raft cluster.
func (n *RaftNode) AddVoter(nodeID, addr string, timeout time.Duration) error {
	f := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a server from the Raft cluster.
func (n *RaftNode) RemoveServer(nodeID string, timeout time.Duration) error {
	f := n.raft.RemoveServer(raft.ServerID(nodeID), 0, timeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// Snapshot triggers a snapshot.
func (n *RaftNode) Snapshot() error {
	if err := n.raft.Snapshot().Error(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

// Servers returns the IDs in the current Raft configuration.
func (n *RaftNode) Servers() ([]string, error) {
	f := n.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	servers := f.Configuration().Servers
	ids := make([]string, len(servers))
	for i, s := range servers {
		ids[i] = string(s.ID)
	}
	return ids, nil
}

// LeaderCh returns a channel that notifies on leadership changes.
func (n *RaftNode) LeaderCh() <-chan bool {
	return n.leaderCh
}

// Stats returns Raft statistics.
func (n *RaftNode) Stats() map[string]string {
	return n.raft.Stats()
}

// Close gracefully shuts down the Raft node.
func (n *RaftNode) Close() error {
	n.logger.Info("shutting down raft node")

	if err := n.raft.Shutdown().Error(); err != nil {
		n.logger.Error("raft shutdown failed", "error", err)
	}
	closeStores(n.logStore, n.stableStore, n.logger)
	closeTransport(n.transport)

	n.logger.Info("raft node shutdown complete")
	return nil
}

// raftHCLogger adapts slog.Logger to the hclog.Logger interface.
type raftHCLogger struct {
	logger *slog.Logger
	name   string
	args   []any
}

func (l *raftHCLogger) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.logger.Debug(msg, args...)
	case hclog.Info:
		l.logger.Info(msg, args...)
	case hclog.Warn:
		l.logger.Warn(msg, args...)
	case hclog.Error:
		l.logger.Error(msg, args...)
	default:
		l.logger.Info(msg, args...)
	}
}

func (l *raftHCLogger) Trace(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *raftHCLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *raftHCLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *raftHCLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *raftHCLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *raftHCLogger) IsTrace() bool { return false }
func (l *raftHCLogger) IsDebug() bool { return false }
func (l *raftHCLogger) IsInfo() bool  { return true }
func (l *raftHCLogger) IsWarn() bool  { return true }
func (l *raftHCLogger) IsError() bool { return true }

func (l *raftHCLogger) ImpliedArgs() []any { return l.args }

func (l *raftHCLogger) With(args ...any) hclog.Logger {
	return &raftHCLogger{
		logger: l.logger.With(args...),
		name:   l.name,
		args:   append(append([]any(nil), l.args...), args...),
	}
}

func (l *raftHCLogger) Name() string { return l.name }

func (l *raftHCLogger) Named(name string) hclog.Logger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return l.ResetNamed(name)
}

func (l *raftHCLogger) ResetNamed(name string) hclog.Logger {
	return &raftHCLogger{
		logger: l.logger.With("subsystem", name),
		name:   name,
		args:   l.args,
	}
}

func (l *raftHCLogger) SetLevel(hclog.Level)  {}
func (l *raftHCLogger) GetLevel() hclog.Level { return hclog.Info }

func (l *raftHCLogger) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return log.New(&slogWriter{logger: l.logger}, "", 0)
}

func (l *raftHCLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return &slogWriter{logger: l.logger}
}
