package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewHandler(t *testing.T) {
	h := NewHandler(5*time.Second, nil)
	if h.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", h.timeout)
	}
	if h.logger == nil || h.done == nil {
		t.Error("NewHandler left fields unset")
	}
}

func TestHandler_ReverseOrder(t *testing.T) {
	h := NewHandler(time.Second, quiet())

	var order []string
	for _, name := range []string{"metrics", "cluster", "replica"} {
		name := name
		h.OnShutdown(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if strings.Join(order, ",") != "replica,cluster,metrics" {
		t.Errorf("hook order = %v", order)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after Wait")
	}
}

func TestHandler_ErrorsJoined(t *testing.T) {
	h := NewHandler(time.Second, quiet())
	errA := errors.New("a failed")
	ran := false
	h.OnShutdown("first", func(context.Context) error {
		ran = true
		return nil
	})
	h.OnShutdown("second", func(context.Context) error { return errA })

	err := h.Shutdown()
	if !errors.Is(err, errA) || !strings.Contains(err.Error(), "second") {
		t.Errorf("Shutdown() error = %v", err)
	}
	if !ran {
		t.Error("a failing hook must not stop the rest")
	}
	if again := h.Shutdown(); again == nil || again.Error() != err.Error() {
		t.Errorf("second Shutdown() = %v, want first result", again)
	}
}

func TestHandler_HookSeesDeadline(t *testing.T) {
	h := NewHandler(50*time.Millisecond, quiet())
	h.OnShutdown("slow", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		<-ctx.Done()
		return ctx.Err()
	})

	err := h.Shutdown()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
}
