package clusterserver

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/yndnr/statemesh-go/internal/storage/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitLeader(t *testing.T, isLeader func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if isLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no leader elected")
}

func TestRaftHCLogger(t *testing.T) {
	hcLogger := &raftHCLogger{logger: discardLogger()}

	t.Run("Log", func(t *testing.T) {
		for _, level := range []hclog.Level{hclog.Trace, hclog.Debug, hclog.Info, hclog.Warn, hclog.Error, hclog.Off} {
			hcLogger.Log(level, "test message", "key", "value")
		}
	})

	t.Run("Levels", func(t *testing.T) {
		if hcLogger.IsTrace() || hcLogger.IsDebug() {
			t.Error("trace and debug should be disabled")
		}
		if !hcLogger.IsInfo() || !hcLogger.IsWarn() || !hcLogger.IsError() {
			t.Error("info, warn and error should be enabled")
		}
		if hcLogger.GetLevel() != hclog.Info {
			t.Errorf("GetLevel() = %v, want Info", hcLogger.GetLevel())
		}
	})

	t.Run("Named", func(t *testing.T) {
		named := hcLogger.Named("snapshot").Named("store")
		if named.Name() != "snapshot.store" {
			t.Errorf("Name() = %q, want snapshot.store", named.Name())
		}
		if reset := named.ResetNamed("raft"); reset.Name() != "raft" {
			t.Errorf("ResetNamed().Name() = %q, want raft", reset.Name())
		}
	})

	t.Run("With", func(t *testing.T) {
		with := hcLogger.With("a", 1)
		if got := with.ImpliedArgs(); len(got) != 2 {
			t.Errorf("ImpliedArgs() = %v, want [a 1]", got)
		}
		if len(hcLogger.ImpliedArgs()) != 0 {
			t.Error("With must not modify the parent")
		}
	})

	t.Run("StandardLogger", func(t *testing.T) {
		if hcLogger.StandardLogger(nil) == nil {
			t.Error("StandardLogger() returned nil")
		}
		if hcLogger.StandardWriter(nil) == nil {
			t.Error("StandardWriter() returned nil")
		}
	})
}

func TestNewRaftNode_RequiresNodeID(t *testing.T) {
	_, trans := raft.NewInmemTransport("")
	if _, err := NewRaftNode(RaftConfig{Transport: trans}, NewFSM(nil, nil)); err == nil {
		t.Error("NewRaftNode without node_id should fail")
	}
}

func TestRaftNode_SingleNodeApply(t *testing.T) {
	_, trans := raft.NewInmemTransport("")
	codec := wire.NewCodec()
	fsm := NewFSM(codec, discardLogger())

	node, err := NewRaftNode(RaftConfig{
		NodeID:    "raft-1",
		Bootstrap: true,
		Transport: trans,
		Logger:    discardLogger(),
	}, fsm)
	if err != nil {
		t.Fatalf("NewRaftNode() error = %v", err)
	}
	defer node.Close()

	waitLeader(t, node.IsLeader)

	id, addr := node.Leader()
	if id != "raft-1" || addr != node.LocalAddr() {
		t.Errorf("Leader() = %q, %q", id, addr)
	}

	index, err := node.Apply(putFrame(t, codec, "k", 1, "v"), time.Second)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if index == 0 || fsm.AppliedIndex() != index {
		t.Errorf("index = %d, fsm applied = %d", index, fsm.AppliedIndex())
	}
	if fsm.Current().Version() != 1 {
		t.Errorf("mirror version = %d, want 1", fsm.Current().Version())
	}

	servers, err := node.Servers()
	if err != nil || len(servers) != 1 || servers[0] != "raft-1" {
		t.Errorf("Servers() = %v, %v", servers, err)
	}
	if err := node.Snapshot(); err != nil {
		t.Errorf("Snapshot() error = %v", err)
	}
	if len(node.Stats()) == 0 {
		t.Error("Stats() is empty")
	}
}

func TestRaftNode_BoltStore(t *testing.T) {
	dir := t.TempDir()
	_, trans := raft.NewInmemTransport("")
	node, err := NewRaftNode(RaftConfig{
		NodeID:    "raft-bolt",
		DataDir:   dir,
		Bootstrap: true,
		Transport: trans,
		Logger:    discardLogger(),
	}, NewFSM(nil, discardLogger()))
	if err != nil {
		t.Fatalf("NewRaftNode() error = %v", err)
	}
	waitLeader(t, node.IsLeader)
	if err := node.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
