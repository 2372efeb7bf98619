package loopback

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/internal/storage/wire"
)

func encodePut(t *testing.T, codec *wire.Codec, base *snapshot.Snapshot, key string, sub domain.Subkey, val string) []byte {
	t.Helper()
	tx, err := txn.NewBuilder(base).Put(domain.KeyOf(key), sub, domain.ValueOf(val)).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	frame, err := codec.EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("EncodeTransaction() error = %v", err)
	}
	return frame
}

func receive(t *testing.T, e *Endpoint) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := e.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	return frame
}

func TestSequencer_FanOutSameOrder(t *testing.T) {
	codec := wire.NewCodec()
	seq := NewSequencer(codec, nil)
	defer seq.Close()

	a, err := seq.Connect()
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	b, err := seq.Connect()
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	const perSender = 20
	var wg sync.WaitGroup
	for _, e := range []*Endpoint{a, b} {
		wg.Add(1)
		go func(e *Endpoint) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				tx, _ := txn.NewBuilder(nil).Put(domain.KeyOf("k"), domain.Subkey(i), domain.ValueOf("v")).Build()
				frame, _ := codec.EncodeTransaction(tx)
				if err := e.Send(context.Background(), frame); err != nil {
					t.Errorf("Send() error = %v", err)
				}
			}
		}(e)
	}
	wg.Wait()

	if got := seq.Sequenced(); got != 2*perSender {
		t.Fatalf("Sequenced() = %d, want %d", got, 2*perSender)
	}
	if a.Pending() != 2*perSender || b.Pending() != 2*perSender {
		t.Fatalf("pending = %d/%d, want %d each", a.Pending(), b.Pending(), 2*perSender)
	}
	for i := 0; i < 2*perSender; i++ {
		fa, fb := receive(t, a), receive(t, b)
		if string(fa) != string(fb) {
			t.Fatalf("frame %d differs between endpoints", i)
		}
	}
}

func TestSequencer_MirrorsState(t *testing.T) {
	codec := wire.NewCodec()
	seq := NewSequencer(codec, nil)
	defer seq.Close()

	e, _ := seq.Connect()
	if err := e.Send(context.Background(), encodePut(t, codec, nil, "alpha", 1, "one")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	cur := seq.Current()
	if cur.Version() != 1 {
		t.Errorf("mirror version = %d, want 1", cur.Version())
	}
	if v, ok := cur.Value(domain.KeyOf("alpha"), 1); !ok || v.String() != "one" {
		t.Errorf("mirror value = %q, %v", v.String(), ok)
	}
}

func TestSequencer_LateJoinerGetsState(t *testing.T) {
	codec := wire.NewCodec()
	seq := NewSequencer(codec, nil)
	defer seq.Close()

	early, _ := seq.Connect()
	if err := early.Send(context.Background(), encodePut(t, codec, nil, "alpha", 1, "one")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	late, err := seq.Connect()
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	frame := receive(t, late)
	msg, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Kind != wire.KindSnapshot {
		t.Fatalf("first frame kind = %v, want snapshot", msg.Kind)
	}
	if !snapshot.ContentEqual(msg.Snapshot, seq.Current()) {
		t.Error("late joiner state differs from mirror")
	}
}

func TestSequencer_RejectsGarbage(t *testing.T) {
	seq := NewSequencer(nil, nil)
	defer seq.Close()

	e, _ := seq.Connect()
	err := e.Send(context.Background(), []byte{1, 2, 3})
	if !errors.Is(err, domain.ErrCorruptedFrame) {
		t.Errorf("Send(garbage) error = %v, want ErrCorruptedFrame", err)
	}
	if e.Pending() != 0 {
		t.Error("garbage must not be delivered")
	}
}

func TestSequencer_Resync(t *testing.T) {
	seq := NewSequencer(nil, nil)
	defer seq.Close()

	e, _ := seq.Connect()
	if err := seq.Resync(); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	msg, err := wire.NewCodec().Decode(receive(t, e))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Kind != wire.KindSnapshot {
		t.Errorf("kind = %v, want snapshot", msg.Kind)
	}
}

func TestEndpoint_ReceiveBlocksUntilContextDone(t *testing.T) {
	seq := NewSequencer(nil, nil)
	defer seq.Close()
	e, _ := seq.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want DeadlineExceeded", err)
	}
}

func TestClose(t *testing.T) {
	codec := wire.NewCodec()
	seq := NewSequencer(codec, nil)
	e, _ := seq.Connect()
	other, _ := seq.Connect()

	if err := e.Send(context.Background(), encodePut(t, codec, nil, "k", 1, "v")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	t.Run("endpoint close", func(t *testing.T) {
		if err := other.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := other.Send(context.Background(), nil); !errors.Is(err, ErrClosed) {
			t.Errorf("Send() after Close error = %v, want ErrClosed", err)
		}
	})

	t.Run("sequencer close drains then EOF", func(t *testing.T) {
		seq.Close()
		receive(t, e)
		if _, err := e.Receive(context.Background()); !errors.Is(err, io.EOF) {
			t.Errorf("Receive() after drain error = %v, want io.EOF", err)
		}
		if _, err := seq.Connect(); !errors.Is(err, ErrClosed) {
			t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
		}
	})
}
