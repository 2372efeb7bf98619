package command

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/statemesh-go/internal/cli/output"
	"github.com/yndnr/statemesh-go/internal/server/clusterserver"
	"github.com/yndnr/statemesh-go/internal/server/httpserver/handler"
	"github.com/yndnr/statemesh-go/internal/server/localserver"
)

// StatusCommand probes cluster nodes over their RPC address, or the local
// node over its admin socket.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Ping cluster nodes",
		ArgsUsage: "[RPC_ADDR...]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-node timeout",
				Value: 3 * time.Second,
			},
			&cli.StringFlag{
				Name:  "socket",
				Usage: "Query the local admin socket instead of RPC addresses",
			},
		},
		Action: status,
	}
}

func status(c *cli.Context) error {
	if path := c.String("socket"); path != "" {
		return render(c, nodeList{localStatus(c.Context, path, c.Duration("timeout"))})
	}

	addrs := c.Args().Slice()
	if len(addrs) == 0 {
		cfg, _, err := loadConfig(c, nil)
		if err != nil {
			return err
		}
		addrs = []string{cfg.Cluster.RPCAddr}
	}

	client := &http.Client{Timeout: c.Duration("timeout")}
	var rows nodeList
	for _, addr := range addrs {
		rows = append(rows, pingNode(c.Context, client, addr, c.Duration("timeout")))
	}
	return render(c, rows)
}

func pingNode(ctx context.Context, client *http.Client, addr string, timeout time.Duration) nodeStatus {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := clusterserver.Ping(ctx, client, addr)
	if err != nil {
		return nodeStatus{Addr: addr, Error: err.Error()}
	}
	return nodeStatus{
		Addr:     addr,
		NodeID:   resp.NodeID,
		IsLeader: resp.IsLeader,
		Version:  resp.Version,
		Reached:  true,
	}
}

// localStatus reads GET /v1/status through the admin socket at path.
func localStatus(ctx context.Context, path string, timeout time.Duration) nodeStatus {
	ns := nodeStatus{Addr: "unix:" + path}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://local/v1/status", nil)
	if err != nil {
		ns.Error = err.Error()
		return ns
	}
	resp, err := localserver.Client(path, timeout).Do(req)
	if err != nil {
		ns.Error = err.Error()
		return ns
	}
	defer resp.Body.Close()

	var env struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Data    handler.StatusResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		ns.Error = fmt.Sprintf("decode status: %v", err)
		return ns
	}
	if resp.StatusCode != http.StatusOK {
		ns.Error = env.Code + ": " + env.Message
		return ns
	}
	ns.Reached = true
	ns.NodeID = env.Data.NodeID
	ns.Version = env.Data.Version
	ns.IsLeader = env.Data.Cluster == nil || env.Data.Cluster.IsLeader
	return ns
}

type nodeStatus struct {
	Addr     string `json:"addr"`
	NodeID   string `json:"node_id,omitempty"`
	IsLeader bool   `json:"is_leader"`
	Version  uint64 `json:"version"`
	Reached  bool   `json:"reached"`
	Error    string `json:"error,omitempty"`
}

type nodeList []nodeStatus

func (l nodeList) Table() *output.Table {
	t := output.NewTable("ADDR", "NODE", "LEADER", "VERSION", "ERROR")
	for _, n := range l {
		version := ""
		if n.Reached {
			version = strconv.FormatUint(n.Version, 10)
		}
		t.AddRow(n.Addr, n.NodeID, strconv.FormatBool(n.IsLeader), version, n.Error)
	}
	return t
}
