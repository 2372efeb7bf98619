package clusterserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/internal/storage/wire"
	"github.com/yndnr/statemesh-go/pkg/fifo"
)

// FSM applies committed Raft entries.
//
// It keeps a mirror of the sequenced state for Raft snapshots and queues
// every committed frame for the local replica. Apply must stay
// deterministic: the mirror applies transactions with the same validation
// every replica performs.
type FSM struct {
	codec  *wire.Codec
	logger *slog.Logger

	mu      sync.Mutex
	mirror  *snapshot.Store
	applied uint64 // last applied Raft index

	outbox *fifo.Queue[[]byte]
}

// NewFSM creates an FSM. A nil codec uses plaintext frames.
func NewFSM(codec *wire.Codec, logger *slog.Logger) *FSM {
	if codec == nil {
		codec = wire.NewCodec()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		codec:  codec,
		logger: logger.With("component", "fsm"),
		mirror: snapshot.NewStore(snapshot.WithHistoryLimit(1)),
		outbox: fifo.New[[]byte](),
	}
}

// Apply applies one committed log entry.
//
// Proposals are decoded before they reach the log, so an entry that fails
// to decode here means the log itself is damaged.
func (f *FSM) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand {
		return nil
	}

	msg, err := f.codec.Decode(log.Data)
	if err != nil {
		f.logger.Error("FATAL: undecodable log entry",
			"error", err,
			"log_index", log.Index,
			"log_term", log.Term)
		panic(fmt.Sprintf("FSM.Apply: decode failed at index=%d: %v", log.Index, err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch msg.Kind {
	case wire.KindTransaction:
		if _, err := txn.Commit(f.mirror, msg.Tx); err != nil && !errors.Is(err, domain.ErrValidationConflict) {
			f.logger.Warn("mirror apply failed",
				"tx", msg.Tx.ID().String(),
				"log_index", log.Index,
				"error", err)
		}
	case wire.KindSnapshot:
		if err := f.mirror.Replace(msg.Snapshot); err != nil {
			f.logger.Warn("mirror replace failed",
				"version", uint64(msg.Snapshot.Version()),
				"log_index", log.Index,
				"error", err)
		}
	}

	f.applied = log.Index
	f.outbox.Push(log.Data)
	return nil
}

// Snapshot captures the mirror for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fsmSnapshot{
		codec: f.codec,
		snap:  f.mirror.Current(),
	}, nil
}

// Restore replaces the mirror with a persisted snapshot and hands it to
// the local replica as a full-state replacement.
func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	frame, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := f.codec.DecodeSnapshot(frame)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.mirror = snapshot.NewStore(snapshot.WithHistoryLimit(1), snapshot.WithInitial(snap))
	f.outbox.Push(frame)

	f.logger.Info("fsm state restored from snapshot",
		"version", uint64(snap.Version()),
		"keys", snap.KeyCount())
	return nil
}

// Current returns the mirrored state.
func (f *FSM) Current() *snapshot.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mirror.Current()
}

// AppliedIndex returns the last applied Raft index.
func (f *FSM) AppliedIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	codec *wire.Codec
	snap  *snapshot.Snapshot
}

// Persist writes the wire-encoded snapshot to the sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		frame, err := s.codec.EncodeSnapshot(s.snap)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if _, err := sink.Write(frame); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		return nil
	}()

	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is a no-op; snapshots share immutable state.
func (s *fsmSnapshot) Release() {}
