package clusterserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/hashicorp/raft"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/wire"
	"github.com/yndnr/statemesh-go/internal/telemetry/metric"
)

// DefaultApplyTimeout bounds one Raft apply when the caller's context has
// no deadline.
const DefaultApplyTimeout = 5 * time.Second

// Config configures a cluster server.
type Config struct {
	NodeID string

	// RaftBindAddr is the Raft TCP address. Ignored when RaftTransport is set.
	RaftBindAddr string
	// RaftDataDir holds the Raft log. Empty keeps it in memory.
	RaftDataDir string
	// RaftTransport overrides the TCP transport (tests).
	RaftTransport raft.Transport
	// Bootstrap starts a new single-voter cluster if no Raft state exists.
	Bootstrap bool

	// GossipBindAddr enables memberlist discovery when set.
	GossipBindAddr string
	GossipBindPort int
	// Seeds are gossip addresses joined at Start.
	Seeds []string

	// RPCAddr is the Connect RPC listen address. Empty disables the
	// listener; Handler can still be mounted elsewhere.
	RPCAddr string
	// JoinAddrs are RPC addresses asked to add this node as a voter at Start.
	JoinAddrs []string

	// ForwardRate limits proposals accepted from followers per second.
	ForwardRate  float64
	ForwardBurst int

	ApplyTimeout time.Duration

	Codec   *wire.Codec
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.RaftTransport == nil && c.RaftBindAddr == "" {
		return fmt.Errorf("raft_bind_addr is required")
	}
	if c.GossipBindPort < 0 || c.GossipBindPort > 65535 {
		return fmt.Errorf("invalid gossip_bind_port: %d", c.GossipBindPort)
	}
	if c.ForwardRate < 0 {
		return fmt.Errorf("forward_rate must not be negative")
	}
	return nil
}

// Stats summarizes the node.
type Stats struct {
	NodeID       string
	IsLeader     bool
	LeaderID     string
	AppliedIndex uint64
	Version      uint64
	Peers        int
}

// Server is one member of the sequencing cluster.
type Server struct {
	config  Config
	codec   *wire.Codec
	logger  *slog.Logger
	metrics *metric.Registry

	fsm       *FSM
	raft      *RaftNode
	discovery *Discovery
	handler   *Handler
	limiter   *RateLimitInterceptor

	httpClient *http.Client
	clientsMu  sync.Mutex
	clients    map[string]*peerClient

	rpcServer *http.Server
	rpcLn     net.Listener

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates the FSM and the Raft node. Networking starts in Start.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.NewCodec()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultApplyTimeout
	}
	logger := cfg.Logger.With("node_id", cfg.NodeID)

	fsm := NewFSM(cfg.Codec, logger)
	node, err := NewRaftNode(RaftConfig{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.RaftBindAddr,
		DataDir:   cfg.RaftDataDir,
		Bootstrap: cfg.Bootstrap,
		Transport: cfg.RaftTransport,
		Logger:    logger,
	}, fsm)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     cfg,
		codec:      cfg.Codec,
		logger:     logger.With("component", "clusterserver"),
		metrics:    cfg.Metrics,
		fsm:        fsm,
		raft:       node,
		limiter:    NewRateLimitInterceptor(cfg.ForwardRate, cfg.ForwardBurst, cfg.Metrics),
		httpClient: &http.Client{Timeout: cfg.ApplyTimeout + time.Second},
		clients:    make(map[string]*peerClient),
		stopCh:     make(chan struct{}),
	}
	s.handler = NewHandler(s, logger.With("component", "cluster_rpc"))
	return s, nil
}

// Start opens the RPC listener, starts gossip and joins the cluster.
func (s *Server) Start(ctx context.Context) error {
	if s.config.RPCAddr != "" {
		ln, err := net.Listen("tcp", s.config.RPCAddr)
		if err != nil {
			return fmt.Errorf("listen rpc: %w", err)
		}
		s.rpcLn = ln
		s.rpcServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.rpcServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("cluster rpc server failed", "error", err)
			}
		}()
	}

	if s.config.GossipBindAddr != "" {
		d, err := NewDiscovery(DiscoveryConfig{
			NodeID:   s.config.NodeID,
			BindAddr: s.config.GossipBindAddr,
			BindPort: s.config.GossipBindPort,
			RaftAddr: s.raft.LocalAddr(),
			RPCAddr:  s.RPCAddr(),
			Logger:   s.logger,
		})
		if err != nil {
			return err
		}
		s.discovery = d
		d.OnJoin(s.onCollaboratorJoin)
		d.OnLeave(func(Collaborator) { s.metrics.SetClusterPeers(len(d.Peers())) })
		if len(s.config.Seeds) > 0 {
			if _, err := d.Join(s.config.Seeds); err != nil {
				s.logger.Warn("gossip join failed", "seeds", s.config.Seeds, "error", err)
			}
		}
	}

	for _, addr := range s.config.JoinAddrs {
		if err := s.JoinVia(ctx, addr); err != nil {
			s.logger.Warn("join via rpc failed", "addr", addr, "error", err)
			continue
		}
		break
	}

	s.wg.Add(1)
	go s.watchLeadership()

	s.logger.Info("cluster server started",
		"raft_addr", s.raft.LocalAddr(),
		"rpc_addr", s.RPCAddr())
	return nil
}

// onCollaboratorJoin adds gossip-discovered nodes as voters when leading.
func (s *Server) onCollaboratorJoin(c Collaborator) {
	s.metrics.SetClusterPeers(len(s.discovery.Peers()))
	if !s.IsLeader() || c.RaftAddr == "" {
		return
	}
	if _, err := s.AddVoter(c.NodeID, c.RaftAddr); err != nil {
		s.logger.Warn("add discovered voter failed", "peer", c.NodeID, "error", err)
	}
}

func (s *Server) watchLeadership() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case leader, ok := <-s.raft.LeaderCh():
			if !ok {
				return
			}
			s.logger.Info("leadership changed", "is_leader", leader)
		}
	}
}

// RPCAddr returns the bound RPC address, or the configured one before Start.
func (s *Server) RPCAddr() string {
	if s.rpcLn != nil {
		return s.rpcLn.Addr().String()
	}
	return s.config.RPCAddr
}

// Handler returns the cluster RPC handler with the default interceptors.
func (s *Server) Handler() http.Handler {
	return s.handler.Mux(connect.WithInterceptors(DefaultInterceptors(s.logger, s.limiter)...))
}

// IsLeader reports whether this node sequences proposals.
func (s *Server) IsLeader() bool {
	return s.raft.IsLeader()
}

// Leader returns the leader's node ID and Raft address.
func (s *Server) Leader() (string, string) {
	return s.raft.Leader()
}

// Stats summarizes the node.
func (s *Server) Stats() Stats {
	leaderID, _ := s.raft.Leader()
	st := Stats{
		NodeID:       s.config.NodeID,
		IsLeader:     s.raft.IsLeader(),
		LeaderID:     leaderID,
		AppliedIndex: s.fsm.AppliedIndex(),
		Version:      uint64(s.fsm.Current().Version()),
	}
	if s.discovery != nil {
		st.Peers = len(s.discovery.Peers())
	}
	return st
}

// FSM exposes the state machine.
func (s *Server) FSM() *FSM {
	return s.fsm
}

// Discovery returns the gossip layer, or nil when gossip is disabled.
func (s *Server) Discovery() *Discovery {
	return s.discovery
}

// AddVoter adds nodeID to the Raft configuration and returns the servers.
func (s *Server) AddVoter(nodeID, raftAddr string) ([]string, error) {
	if err := s.raft.AddVoter(nodeID, raftAddr, s.config.ApplyTimeout); err != nil {
		return nil, err
	}
	s.logger.Info("voter added", "peer", nodeID, "raft_addr", raftAddr)
	return s.raft.Servers()
}

// JoinVia asks the node at rpcAddr to add this node, following one
// redirect to the leader it names.
func (s *Server) JoinVia(ctx context.Context, rpcAddr string) error {
	req := &JoinRequest{
		NodeID:   s.config.NodeID,
		RaftAddr: s.raft.LocalAddr(),
		RPCAddr:  s.RPCAddr(),
	}
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := s.client(rpcAddr).join.CallUnary(ctx, connect.NewRequest(req))
		if err != nil {
			return fmt.Errorf("join via %s: %w", rpcAddr, err)
		}
		if resp.Msg.Accepted {
			s.logger.Info("joined cluster", "via", rpcAddr, "leader", resp.Msg.LeaderID)
			return nil
		}
		next, ok := s.leaderRPC(resp.Msg.LeaderID)
		if !ok {
			return domain.ErrNotLeader.WithDetails("join redirected to unknown leader " + resp.Msg.LeaderID)
		}
		rpcAddr = next
	}
	return domain.ErrNotLeader.WithDetails("join redirect loop")
}

// Propose sequences frame: applied directly on the leader, forwarded to it
// otherwise. It returns once the frame is committed.
func (s *Server) Propose(ctx context.Context, frame []byte) error {
	if s.IsLeader() {
		_, err := s.ProposeLocal(ctx, frame)
		return err
	}

	leaderID, _ := s.raft.Leader()
	addr, ok := s.leaderRPC(leaderID)
	if !ok {
		s.metrics.RecordForward("no_leader")
		return domain.ErrNotLeader.WithDetails("no reachable leader")
	}
	_, err := s.client(addr).propose.CallUnary(ctx, connect.NewRequest(&ProposeRequest{
		NodeID: s.config.NodeID,
		Frame:  frame,
	}))
	if err != nil {
		s.metrics.RecordForward("error")
		return fmt.Errorf("forward to %s: %w", leaderID, err)
	}
	s.metrics.RecordForward("ok")
	return nil
}

// ProposeLocal appends frame to the Raft log. Only the leader may call it.
// Frames that do not decode never reach the log.
func (s *Server) ProposeLocal(ctx context.Context, frame []byte) (uint64, error) {
	if _, err := s.codec.Decode(frame); err != nil {
		return 0, err
	}
	if !s.IsLeader() {
		return 0, domain.ErrNotLeader
	}

	timeout := s.config.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return 0, context.DeadlineExceeded
		}
	}
	index, err := s.raft.Apply(frame, timeout)
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, domain.ErrNotLeader.WithCause(err)
		}
		return 0, err
	}
	return index, nil
}

// leaderRPC resolves the leader's RPC address through gossip.
func (s *Server) leaderRPC(leaderID string) (string, bool) {
	if leaderID == "" || s.discovery == nil {
		return "", false
	}
	c, ok := s.discovery.Peer(leaderID)
	if !ok || c.RPCAddr == "" {
		return "", false
	}
	return c.RPCAddr, true
}

func (s *Server) client(rpcAddr string) *peerClient {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	c, ok := s.clients[rpcAddr]
	if !ok {
		c = newPeerClient(s.httpClient, rpcAddr)
		s.clients[rpcAddr] = c
	}
	return c
}

// Transport returns the replica transport backed by this server.
func (s *Server) Transport() *Transport {
	return &Transport{server: s}
}

// Stop leaves gossip and shuts down RPC and Raft.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		close(s.stopCh)

		if s.discovery != nil {
			if err := s.discovery.Leave(); err != nil {
				errs = append(errs, err)
			}
			if err := s.discovery.Shutdown(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.rpcServer != nil {
			if err := s.rpcServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown rpc: %w", err))
			}
		}
		s.fsm.outbox.Close()
		if err := s.raft.Close(); err != nil {
			errs = append(errs, err)
		}
		s.wg.Wait()
		s.logger.Info("cluster server stopped")
	})
	return errors.Join(errs...)
}

// Transport adapts Server to the replica transport interface.
type Transport struct {
	server *Server
}

// Send proposes payload to the cluster.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	return t.server.Propose(ctx, payload)
}

// Receive returns the next committed frame in log order.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	return t.server.fsm.outbox.Pop(ctx)
}
