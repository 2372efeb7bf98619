package clusterserver

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/memberlist"

	"github.com/yndnr/statemesh-go/pkg/cmap"
)

// Collaborator describes another replica found through gossip. The engine
// never inspects it; the server uses it to route forwarded proposals and
// to add Raft voters.
type Collaborator struct {
	NodeID     string `cbor:"1,keyasint"`
	RaftAddr   string `cbor:"2,keyasint"`
	RPCAddr    string `cbor:"3,keyasint"`
	GossipAddr string `cbor:"-"`
}

// Discovery handles node discovery and membership using gossip.
type Discovery struct {
	config     *memberlist.Config
	memberList *memberlist.Memberlist
	peers      *cmap.Map[string, Collaborator]
	logger     *slog.Logger

	mu       sync.Mutex
	shutdown bool
	onJoin   func(Collaborator)
	onLeave  func(Collaborator)
}

// DiscoveryConfig configures the discovery mechanism.
type DiscoveryConfig struct {
	// NodeID is the unique node identifier.
	NodeID string

	// BindAddr is the address to bind for gossip communication.
	BindAddr string

	// BindPort is the port to bind for gossip communication. Zero picks a
	// free port.
	BindPort int

	// RaftAddr and RPCAddr are advertised in node metadata.
	RaftAddr string
	RPCAddr  string

	// SeedNodes are the initial gossip addresses to join.
	SeedNodes []string

	// Logger for logging.
	Logger *slog.Logger
}

// NewDiscovery creates a new discovery instance. Callbacks registered with
// OnJoin and OnLeave only see events after Join.
func NewDiscovery(cfg DiscoveryConfig) (*Discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "discovery")

	meta, err := cbor.Marshal(Collaborator{
		NodeID:   cfg.NodeID,
		RaftAddr: cfg.RaftAddr,
		RPCAddr:  cfg.RPCAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("encode node metadata: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node metadata is %d bytes, limit %d", len(meta), memberlist.MetaMaxSize)
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.Delegate = &metadataDelegate{meta: meta}
	mlConfig.LogOutput = &slogWriter{logger: logger}

	d := &Discovery{
		config: mlConfig,
		peers:  cmap.New[string, Collaborator](),
		logger: logger,
	}
	mlConfig.Events = &eventDelegate{discovery: d}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	d.memberList = ml

	logger.Info("discovery started",
		"node_id", cfg.NodeID,
		"gossip_addr", d.Addr())

	if len(cfg.SeedNodes) > 0 {
		if _, err := d.Join(cfg.SeedNodes); err != nil {
			ml.Shutdown()
			return nil, err
		}
	}
	return d, nil
}

// Join contacts seeds and returns how many were reached.
func (d *Discovery) Join(seeds []string) (int, error) {
	n, err := d.memberList.Join(seeds)
	if err != nil {
		return n, fmt.Errorf("join seed nodes: %w", err)
	}
	d.logger.Info("joined cluster", "seed_nodes", seeds, "joined_count", n)
	return n, nil
}

// Addr returns the local gossip address.
func (d *Discovery) Addr() string {
	n := d.memberList.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Peers returns the known collaborators, excluding the local node.
func (d *Discovery) Peers() []Collaborator {
	return d.peers.Values()
}

// Peer looks up a collaborator by node ID.
func (d *Discovery) Peer(nodeID string) (Collaborator, bool) {
	return d.peers.Get(nodeID)
}

// PeerByRaftAddr looks up a collaborator by its Raft address.
func (d *Discovery) PeerByRaftAddr(addr string) (Collaborator, bool) {
	var found Collaborator
	var ok bool
	d.peers.Range(func(_ string, c Collaborator) bool {
		if c.RaftAddr == addr {
			found, ok = c, true
			return false
		}
		return true
	})
	return found, ok
}

// NumMembers returns the gossip member count, including the local node.
func (d *Discovery) NumMembers() int {
	return d.memberList.NumMembers()
}

// OnJoin registers a callback for collaborator join events.
func (d *Discovery) OnJoin(fn func(Collaborator)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onJoin = fn
}

// OnLeave registers a callback for collaborator leave events.
func (d *Discovery) OnLeave(fn func(Collaborator)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLeave = fn
}

// Leave broadcasts a graceful leave.
func (d *Discovery) Leave() error {
	if err := d.memberList.Leave(0); err != nil {
		d.logger.Error("failed to leave cluster", "error", err)
		return err
	}
	d.logger.Info("left cluster")
	return nil
}

// Shutdown stops gossip. It is safe to call more than once.
func (d *Discovery) Shutdown() error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	d.mu.Unlock()

	if err := d.memberList.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	d.logger.Info("discovery shutdown complete")
	return nil
}

func (d *Discovery) callbacks() (func(Collaborator), func(Collaborator)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onJoin, d.onLeave
}

// decodeMeta reads a collaborator from gossip metadata.
func decodeMeta(node *memberlist.Node) (Collaborator, error) {
	var c Collaborator
	if err := cbor.Unmarshal(node.Meta, &c); err != nil {
		return Collaborator{}, fmt.Errorf("decode metadata of %s: %w", node.Name, err)
	}
	if c.NodeID == "" {
		c.NodeID = node.Name
	}
	c.GossipAddr = net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
	return c, nil
}

// eventDelegate implements memberlist.EventDelegate.
type eventDelegate struct {
	discovery *Discovery
}

func (e *eventDelegate) local(node *memberlist.Node) bool {
	return node.Name == e.discovery.config.Name
}

// NotifyJoin is called when a node joins.
func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	if e.local(node) {
		return
	}
	c, err := decodeMeta(node)
	if err != nil {
		e.discovery.logger.Warn("ignoring node with unreadable metadata",
			"node_id", node.Name,
			"error", err)
		return
	}
	e.discovery.peers.Set(c.NodeID, c)

	e.discovery.logger.Info("node joined",
		"node_id", c.NodeID,
		"gossip_addr", c.GossipAddr,
		"raft_addr", c.RaftAddr,
		"rpc_addr", c.RPCAddr)

	if onJoin, _ := e.discovery.callbacks(); onJoin != nil {
		onJoin(c)
	}
}

// NotifyLeave is called when a node leaves or is declared dead.
func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	if e.local(node) {
		return
	}
	c, ok := e.discovery.peers.Pop(node.Name)
	if !ok {
		return
	}
	e.discovery.logger.Info("node left", "node_id", c.NodeID)

	if _, onLeave := e.discovery.callbacks(); onLeave != nil {
		onLeave(c)
	}
}

// NotifyUpdate is called when a node's metadata changes.
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	if e.local(node) {
		return
	}
	c, err := decodeMeta(node)
	if err != nil {
		return
	}
	e.discovery.peers.Set(c.NodeID, c)
	e.discovery.logger.Debug("node updated", "node_id", c.NodeID)
}

// slogWriter adapts slog.Logger to io.Writer for memberlist and raft.
type slogWriter struct {
	logger *slog.Logger
}

// Write implements io.Writer.
func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Debug(string(p))
	return len(p), nil
}

// metadataDelegate publishes the CBOR-encoded collaborator record.
type metadataDelegate struct {
	meta []byte
}

// NodeMeta returns metadata about this node.
func (m *metadataDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return nil
	}
	return m.meta
}

func (m *metadataDelegate) NotifyMsg([]byte) {}

func (m *metadataDelegate) GetBroadcasts(_, _ int) [][]byte {
	return nil
}

func (m *metadataDelegate) LocalState(bool) []byte {
	return nil
}

func (m *metadataDelegate) MergeRemoteState([]byte, bool) {}
