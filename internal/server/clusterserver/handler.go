package clusterserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

// Cluster RPC procedures.
const (
	ProposeProcedure = "/statemesh.cluster.v1.ClusterService/Propose"
	JoinProcedure    = "/statemesh.cluster.v1.ClusterService/Join"
	PingProcedure    = "/statemesh.cluster.v1.ClusterService/Ping"
)

// ProposeRequest carries one encoded frame to the leader.
type ProposeRequest struct {
	NodeID string `cbor:"1,keyasint"`
	Frame  []byte `cbor:"2,keyasint"`
}

// ProposeResponse acknowledges a committed proposal.
type ProposeResponse struct {
	Index uint64 `cbor:"1,keyasint"`
}

// JoinRequest asks the leader to add a Raft voter.
type JoinRequest struct {
	NodeID   string `cbor:"1,keyasint"`
	RaftAddr string `cbor:"2,keyasint"`
	RPCAddr  string `cbor:"3,keyasint"`
}

// JoinResponse reports whether the join was accepted. A follower answers
// with the leader it knows of.
type JoinResponse struct {
	Accepted   bool     `cbor:"1,keyasint"`
	LeaderID   string   `cbor:"2,keyasint"`
	LeaderAddr string   `cbor:"3,keyasint"`
	Servers    []string `cbor:"4,keyasint"`
}

// PingRequest is a liveness probe.
type PingRequest struct {
	NodeID string `cbor:"1,keyasint"`
}

// PingResponse describes the answering node.
type PingResponse struct {
	NodeID    string `cbor:"1,keyasint"`
	IsLeader  bool   `cbor:"2,keyasint"`
	Version   uint64 `cbor:"3,keyasint"`
	Timestamp int64  `cbor:"4,keyasint"`
}

// sequencer is the part of Server the RPC handlers need.
type sequencer interface {
	IsLeader() bool
	Leader() (id, addr string)
	ProposeLocal(ctx context.Context, frame []byte) (uint64, error)
	AddVoter(nodeID, raftAddr string) ([]string, error)
	Stats() Stats
}

// Handler implements the cluster RPC handlers.
type Handler struct {
	server sequencer
	logger *slog.Logger
}

// NewHandler creates a new RPC handler.
func NewHandler(server sequencer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// Mux mounts the handlers on a new ServeMux. Every procedure speaks CBOR.
func (h *Handler) Mux(opts ...connect.HandlerOption) *http.ServeMux {
	opts = append([]connect.HandlerOption{connect.WithCodec(cborCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(ProposeProcedure, connect.NewUnaryHandler(ProposeProcedure, h.Propose, opts...))
	mux.Handle(JoinProcedure, connect.NewUnaryHandler(JoinProcedure, h.Join, opts...))
	mux.Handle(PingProcedure, connect.NewUnaryHandler(PingProcedure, h.Ping, opts...))
	return mux
}

// Propose handles a proposal forwarded by a follower.
func (h *Handler) Propose(
	ctx context.Context,
	req *connect.Request[ProposeRequest],
) (*connect.Response[ProposeResponse], error) {
	if !h.server.IsLeader() {
		leaderID, _ := h.server.Leader()
		h.logger.Warn("proposal rejected - not leader",
			"from", req.Msg.NodeID,
			"leader_id", leaderID)
		return nil, connect.NewError(connect.CodeFailedPrecondition,
			domain.ErrNotLeader.WithDetails("leader is "+leaderID))
	}

	index, err := h.server.ProposeLocal(ctx, req.Msg.Frame)
	if err != nil {
		return nil, connect.NewError(proposeCode(err), err)
	}

	h.logger.Debug("forwarded proposal committed",
		"from", req.Msg.NodeID,
		"index", index,
		"bytes", len(req.Msg.Frame))
	return connect.NewResponse(&ProposeResponse{Index: index}), nil
}

// Join handles a request to add a voter.
func (h *Handler) Join(
	ctx context.Context,
	req *connect.Request[JoinRequest],
) (*connect.Response[JoinResponse], error) {
	h.logger.Info("join request received",
		"node_id", req.Msg.NodeID,
		"raft_addr", req.Msg.RaftAddr)

	leaderID, leaderAddr := h.server.Leader()
	if !h.server.IsLeader() {
		return connect.NewResponse(&JoinResponse{
			Accepted:   false,
			LeaderID:   leaderID,
			LeaderAddr: leaderAddr,
		}), nil
	}

	if req.Msg.NodeID == "" || req.Msg.RaftAddr == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument,
			domain.ErrInvalidArgument.WithDetails("node_id and raft_addr are required"))
	}

	servers, err := h.server.AddVoter(req.Msg.NodeID, req.Msg.RaftAddr)
	if err != nil {
		h.logger.Error("failed to add voter",
			"node_id", req.Msg.NodeID,
			"error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	h.logger.Info("join request accepted",
		"node_id", req.Msg.NodeID,
		"servers", len(servers))

	return connect.NewResponse(&JoinResponse{
		Accepted:   true,
		LeaderID:   leaderID,
		LeaderAddr: leaderAddr,
		Servers:    servers,
	}), nil
}

// Ping handles the Ping RPC.
func (h *Handler) Ping(
	ctx context.Context,
	req *connect.Request[PingRequest],
) (*connect.Response[PingResponse], error) {
	h.logger.Debug("ping received", "from", req.Msg.NodeID)

	stats := h.server.Stats()
	return connect.NewResponse(&PingResponse{
		NodeID:    stats.NodeID,
		IsLeader:  stats.IsLeader,
		Version:   stats.Version,
		Timestamp: time.Now().Unix(),
	}), nil
}

func proposeCode(err error) connect.Code {
	switch {
	case errors.Is(err, domain.ErrCorruptedFrame), errors.Is(err, domain.ErrUnknownFrame):
		return connect.CodeInvalidArgument
	case errors.Is(err, domain.ErrNotLeader):
		return connect.CodeFailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	default:
		return connect.CodeUnavailable
	}
}

// peerClient calls the cluster RPCs of one collaborator.
type peerClient struct {
	propose *connect.Client[ProposeRequest, ProposeResponse]
	join    *connect.Client[JoinRequest, JoinResponse]
	ping    *connect.Client[PingRequest, PingResponse]
}

func newPeerClient(httpClient connect.HTTPClient, rpcAddr string) *peerClient {
	base := "http://" + rpcAddr
	opts := connect.WithClientOptions(connect.WithCodec(cborCodec{}))
	return &peerClient{
		propose: connect.NewClient[ProposeRequest, ProposeResponse](httpClient, base+ProposeProcedure, opts),
		join:    connect.NewClient[JoinRequest, JoinResponse](httpClient, base+JoinProcedure, opts),
		ping:    connect.NewClient[PingRequest, PingResponse](httpClient, base+PingProcedure, opts),
	}
}

// Ping probes the node serving cluster RPCs at rpcAddr. A nil httpClient
// uses http.DefaultClient.
func Ping(ctx context.Context, httpClient connect.HTTPClient, rpcAddr string) (*PingResponse, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := newPeerClient(httpClient, rpcAddr).ping.CallUnary(ctx, connect.NewRequest(&PingRequest{}))
	if err != nil {
		return nil, fmt.Errorf("ping %s: %w", rpcAddr, err)
	}
	return resp.Msg, nil
}
