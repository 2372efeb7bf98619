package command

import (
	"bytes"
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/server/config"
	"github.com/yndnr/statemesh-go/internal/storage/checkpoint"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// run executes the app with args and returns what it wrote.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := App()
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(append([]string{"statemesh-server"}, args...))
	return buf.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "statemesh.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestApp(t *testing.T) {
	app := App()
	if app.Name != "statemesh-server" {
		t.Errorf("Name = %q, want statemesh-server", app.Name)
	}

	names := make(map[string]bool)
	for _, cmd := range app.Commands {
		names[cmd.Name] = true
	}
	for _, want := range []string{"serve", "config", "inspect", "status", "version"} {
		if !names[want] {
			t.Errorf("missing command %q", want)
		}
	}

	flags := make(map[string]bool)
	for _, f := range app.Flags {
		flags[f.Names()[0]] = true
	}
	for _, want := range []string{"config", "output"} {
		if !flags[want] {
			t.Errorf("missing global flag %q", want)
		}
	}
}

func TestApp_RejectsUnknownOutput(t *testing.T) {
	if _, err := run(t, "-o", "xml", "version"); err == nil {
		t.Error("unknown output format should fail")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, `"go_version"`) || !strings.Contains(out, `"platform"`) {
		t.Errorf("output = %q", out)
	}
}

func TestConfigCheck(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := writeConfig(t, "log:\n  level: debug\npipeline:\n  max_per_tick: 32\n")
		out, err := run(t, "-c", path, "config", "check")
		if err != nil {
			t.Fatalf("config check error = %v", err)
		}
		if !strings.Contains(out, "configuration OK") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("invalid value", func(t *testing.T) {
		path := writeConfig(t, "pipeline:\n  max_per_tick: -1\n")
		_, err := run(t, "-c", path, "config", "check")
		if err == nil || !strings.Contains(err.Error(), "pipeline.max_per_tick") {
			t.Errorf("error = %v, want mention of pipeline.max_per_tick", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := run(t, "-c", filepath.Join(t.TempDir(), "none.yaml"), "config", "check"); err == nil {
			t.Error("missing config file should fail")
		}
	})
}

func TestConfigShow(t *testing.T) {
	path := writeConfig(t, "security:\n  cluster_key: very-secret-cluster-key\nnode:\n  id: node-a\n")

	t.Run("table", func(t *testing.T) {
		out, err := run(t, "-c", path, "config", "show")
		if err != nil {
			t.Fatalf("config show error = %v", err)
		}
		if strings.Contains(out, "very-secret-cluster-key") {
			t.Error("cluster key must be masked")
		}
		if !strings.Contains(out, "node.id") || !strings.Contains(out, "node-a") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("json is nested", func(t *testing.T) {
		out, err := run(t, "-c", path, "-o", "json", "config", "show")
		if err != nil {
			t.Fatalf("config show error = %v", err)
		}
		if !strings.Contains(out, `"security"`) || !strings.Contains(out, `"cluster_key"`) {
			t.Errorf("output = %q", out)
		}
		if strings.Contains(out, "very-secret-cluster-key") {
			t.Error("cluster key must be masked")
		}
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := run(t, "-c", path, "-o", "yaml", "config", "show")
		if err != nil {
			t.Fatalf("config show error = %v", err)
		}
		if !strings.Contains(out, "id: node-a") {
			t.Errorf("output = %q", out)
		}
	})
}

func TestServeOverrides(t *testing.T) {
	set := flag.NewFlagSet("serve", flag.ContinueOnError)
	for _, f := range serveFlags() {
		if err := f.Apply(set); err != nil {
			t.Fatalf("apply flag: %v", err)
		}
	}
	if err := set.Parse([]string{"--node-id", "n1", "--redis", "--redis-addr", ":7000", "--cluster", "--seed", "a:1", "--seed", "b:2"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	c := cli.NewContext(&cli.App{}, set, nil)

	got := serveOverrides(c)
	if got["node.id"] != "n1" {
		t.Errorf("node.id = %v", got["node.id"])
	}
	if got["redis.enabled"] != true || got["redis.addr"] != ":7000" {
		t.Errorf("redis = %v, %v", got["redis.enabled"], got["redis.addr"])
	}
	if got["cluster.enabled"] != true {
		t.Errorf("cluster.enabled = %v", got["cluster.enabled"])
	}
	if !reflect.DeepEqual(got["cluster.seeds"], []string{"a:1", "b:2"}) {
		t.Errorf("cluster.seeds = %v", got["cluster.seeds"])
	}
	if _, ok := got["log.level"]; ok {
		t.Error("unset flags must not override config")
	}
}

func saveCheckpoint(t *testing.T, dir string) {
	t.Helper()
	store, err := checkpoint.Open(checkpoint.DefaultConfig(dir), nil, nil, nil)
	if err != nil {
		t.Fatalf("open checkpoints: %v", err)
	}
	defer store.Close()

	b := snapshot.NewBuilder(4)
	b.Put(domain.KeyOf("users"), 4, 1, 3, domain.ValueOf("ada"))
	b.Put(domain.KeyOf("users"), 4, 2, 4, domain.ValueOf("bob"))
	snap, err := b.Snapshot()
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	saveCheckpoint(t, dir)

	t.Run("checkpoints", func(t *testing.T) {
		out, err := run(t, "-o", "json", "inspect", "checkpoints", "--dir", dir)
		if err != nil {
			t.Fatalf("inspect checkpoints error = %v", err)
		}
		if !strings.Contains(out, "4") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("keys", func(t *testing.T) {
		out, err := run(t, "inspect", "keys", "--dir", dir)
		if err != nil {
			t.Fatalf("inspect keys error = %v", err)
		}
		if !strings.Contains(out, "users") || !strings.Contains(out, "SUBKEYS") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("key", func(t *testing.T) {
		out, err := run(t, "-o", "json", "inspect", "key", "--dir", dir, "users")
		if err != nil {
			t.Fatalf("inspect key error = %v", err)
		}
		if !strings.Contains(out, `"value": "bob"`) {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		if _, err := run(t, "inspect", "key", "--dir", dir, "nobody"); err == nil {
			t.Error("missing key should fail")
		}
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := run(t, "inspect", "keys", "--dir", dir, "--version", "99")
		if err == nil {
			t.Error("unknown version should fail")
		}
	})

	t.Run("no directory", func(t *testing.T) {
		if _, err := run(t, "inspect", "checkpoints"); err == nil {
			t.Error("inspect without a directory should fail")
		}
	})
}

func TestStatus_Unreachable(t *testing.T) {
	out, err := run(t, "-o", "json", "status", "--timeout", "200ms", "127.0.0.1:1")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, `"reached": false`) || !strings.Contains(out, `"error"`) {
		t.Errorf("output = %q", out)
	}
}

func TestServe_Standalone(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	saveCheckpoint(t, dir)

	cfg := config.Default()
	cfg.Node.ID = "test-node"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:0"
	cfg.Log.Level = "error"
	cfg.Storage.CheckpointDir = dir
	cfg.Storage.CheckpointInterval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := Serve(ctx, cfg, nil); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	store, err := checkpoint.Open(checkpoint.DefaultConfig(dir), nil, nil, nil)
	if err != nil {
		t.Fatalf("reopen checkpoints: %v", err)
	}
	defer store.Close()
	snap, err := store.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if snap.Version() != 4 {
		t.Errorf("latest checkpoint version = %d, want 4", snap.Version())
	}
}

func TestServe_BadLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "loud"
	if err := Serve(context.Background(), cfg, nil); err == nil {
		t.Error("Serve with an invalid log level should fail")
	}
}

func TestStatus_Socket(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir, err := os.MkdirTemp("", "smcmd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "admin.sock")

	cfg := config.Default()
	cfg.Node.ID = "local-node"
	cfg.HTTP.Addr = ""
	cfg.HTTP.Socket = socket
	cfg.Log.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, nil) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	var out string
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(20 * time.Millisecond) {
		out, err = run(t, "-o", "json", "status", "--socket", socket)
		if err != nil {
			t.Fatalf("status error = %v", err)
		}
		if strings.Contains(out, `"reached": true`) {
			break
		}
	}
	if !strings.Contains(out, `"node_id": "local-node"`) || !strings.Contains(out, `"is_leader": true`) {
		t.Errorf("output = %q", out)
	}
}

func TestStatus_SocketMissing(t *testing.T) {
	out, err := run(t, "-o", "json", "status", "--socket", filepath.Join(t.TempDir(), "none.sock"))
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, `"reached": false`) {
		t.Errorf("output = %q", out)
	}
}
