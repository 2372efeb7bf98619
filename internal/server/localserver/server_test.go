package localserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yndnr/statemesh-go/internal/telemetry/logger"
)

func socketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are limited to about 100 bytes.
	dir, err := os.MkdirTemp("", "smls")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "admin.sock")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok "+r.URL.Path)
	})
}

func TestServer_ServeAndShutdown(t *testing.T) {
	path := socketPath(t)
	s := New(path, okHandler(), logger.Discard())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if fi.Mode().Perm() != socketMode {
		t.Errorf("socket mode = %v, want %v", fi.Mode().Perm(), os.FileMode(socketMode))
	}

	resp, err := Client(path, 2*time.Second).Get("http://local/healthz")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok /healthz" {
		t.Errorf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file not removed: %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	first := New(path, okHandler(), logger.Discard())
	if err := first.Start(); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	// Simulate a crash: close the listener without removing the file.
	first.running.Store(false)
	first.listener.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = first.listener.Close()
	first.wg.Wait()

	second := New(path, okHandler(), logger.Discard())
	if err := second.Start(); err != nil {
		t.Fatalf("Start() over a stale socket error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stale socket test precondition: %v", err)
	}
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })
}

func TestServer_RefusesRegularFile(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := New(path, okHandler(), logger.Discard()).Start(); err == nil {
		t.Error("Start() over a regular file should fail")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("regular file was touched: %v", err)
	}
}

func TestClient_NoSocket(t *testing.T) {
	_, err := Client(filepath.Join(t.TempDir(), "none.sock"), time.Second).Get("http://local/healthz")
	if err == nil {
		t.Error("GET without a socket should fail")
	}
}
