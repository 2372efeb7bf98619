package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/notify"
	"github.com/yndnr/statemesh-go/internal/core/pipeline"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/checkpoint"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/internal/storage/wire"
	"github.com/yndnr/statemesh-go/internal/telemetry/metric"
)

// DefaultMaxPerTick bounds how many updates one Tick processes.
const DefaultMaxPerTick = 256

// receiveBackoff is the pause after a transport receive failure.
const receiveBackoff = 100 * time.Millisecond

// Config configures a Replica.
type Config struct {
	Logger  *slog.Logger
	Metrics *metric.Registry

	// Transport connects the replica to a cluster. Nil runs the replica
	// standalone: commits are sequenced by the local pipeline.
	Transport Transport

	// Codec encodes frames for Transport. Nil uses plaintext frames.
	Codec *wire.Codec

	// Checkpoints enables Checkpoint and Restore.
	Checkpoints CheckpointStore

	// HistoryLimit is passed to the snapshot store.
	HistoryLimit int

	// MaxPerTick bounds Tick. Zero uses DefaultMaxPerTick.
	MaxPerTick int

	// CommitTimeout bounds CommitAndWait when the caller's context has no
	// deadline. Zero waits for the context alone.
	CommitTimeout time.Duration
}

// Replica is one participant holding a full copy of the state.
//
// It wires the snapshot store, the update pipeline and the notification
// dispatcher together, and connects them to an optional transport.
type Replica struct {
	store      *snapshot.Store
	pipeline   *pipeline.Pipeline
	dispatcher *notify.Dispatcher

	transport   Transport
	codec       *wire.Codec
	checkpoints CheckpointStore
	maxPerTick  int
	timeout     time.Duration

	logger  *slog.Logger
	metrics *metric.Registry

	closeOnce sync.Once
}

// NewReplica creates a replica positioned at the epoch snapshot.
func NewReplica(cfg Config) *Replica {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codec := cfg.Codec
	if codec == nil {
		codec = wire.NewCodec()
	}
	maxPerTick := cfg.MaxPerTick
	if maxPerTick <= 0 {
		maxPerTick = DefaultMaxPerTick
	}

	store := snapshot.NewStore(
		snapshot.WithHistoryLimit(cfg.HistoryLimit),
		snapshot.WithLogger(logger),
	)

	return &Replica{
		store: store,
		pipeline: pipeline.New(store, pipeline.Config{
			Logger:  logger,
			Metrics: cfg.Metrics,
		}),
		dispatcher:  notify.NewDispatcher(logger, cfg.Metrics),
		transport:   cfg.Transport,
		codec:       codec,
		checkpoints: cfg.Checkpoints,
		maxPerTick:  maxPerTick,
		timeout:     cfg.CommitTimeout,
		logger:      logger.With("component", "replica"),
		metrics:     cfg.Metrics,
	}
}

// Clustered reports whether the replica commits through a transport.
func (r *Replica) Clustered() bool {
	return r.transport != nil
}

// Current returns the latest applied snapshot.
func (r *Replica) Current() *snapshot.Snapshot {
	return r.store.Current()
}

// Get returns the state of key in the current snapshot.
func (r *Replica) Get(key domain.Key) (snapshot.KeySnapshot, bool) {
	return r.store.Get(key)
}

// At returns a retained historical snapshot.
func (r *Replica) At(version domain.Version) (*snapshot.Snapshot, error) {
	return r.store.At(version)
}

// Pipeline exposes the update pipeline.
func (r *Replica) Pipeline() *pipeline.Pipeline {
	return r.pipeline
}

// Dispatcher exposes the subscription table.
func (r *Replica) Dispatcher() *notify.Dispatcher {
	return r.dispatcher
}

// NewTransaction starts a transaction against the current snapshot.
func (r *Replica) NewTransaction() *txn.Builder {
	return txn.NewBuilder(r.store.Current())
}

// Commit submits tx.
//
// Standalone replicas enqueue it directly. Clustered replicas register a
// waiter and send the encoded transaction; the waiter resolves when the
// sequenced copy comes back and is processed. A send failure returns
// ErrTransportFailure: the transaction may or may not have been sequenced,
// and the replica does not retry it.
func (r *Replica) Commit(ctx context.Context, tx *txn.Transaction) (*pipeline.Pending, error) {
	if r.transport == nil {
		return r.pipeline.Submit(tx)
	}

	frame, err := r.codec.EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	pending, err := r.pipeline.Await(tx)
	if err != nil {
		return nil, err
	}
	if err := r.transport.Send(ctx, frame); err != nil {
		failure := domain.ErrTransportFailure.WithCause(err).WithDetails(tx.ID().String())
		r.pipeline.Abandon(tx, failure)
		r.metrics.IncTransportFailure()
		r.logger.Warn("commit send failed", "tx", tx.ID().String(), "error", err)
		return nil, failure
	}
	return pending, nil
}

// CommitAndWait commits tx and blocks until it is applied or rejected.
func (r *Replica) CommitAndWait(ctx context.Context, tx *txn.Transaction) (*snapshot.Snapshot, error) {
	if _, ok := ctx.Deadline(); !ok && r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	pending, err := r.Commit(ctx, tx)
	if err != nil {
		return nil, err
	}
	snap, err := pending.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// A frame the sequencer never returns would keep its waiter forever.
		r.pipeline.Abandon(tx, err)
	}
	return snap, err
}

// Receive reads one frame from the transport and routes it to the
// pipeline. Frames that fail to decode are counted and returned as errors.
func (r *Replica) Receive(ctx context.Context) error {
	if r.transport == nil {
		return domain.ErrInvalidArgument.WithDetails("replica has no transport")
	}
	payload, err := r.transport.Receive(ctx)
	if err != nil {
		return err
	}
	return r.Deliver(payload)
}

// Deliver decodes payload and routes it to the pipeline.
func (r *Replica) Deliver(payload []byte) error {
	msg, err := r.codec.Decode(payload)
	if err != nil {
		r.metrics.IncMalformed(domain.GetErrorCode(err))
		r.logger.Warn("dropping undecodable frame", "bytes", len(payload), "error", err)
		return err
	}
	switch msg.Kind {
	case wire.KindTransaction:
		return r.pipeline.OnRemoteTransaction(msg.Tx)
	case wire.KindSnapshot:
		return r.pipeline.OnRemoteSnapshot(msg.Snapshot)
	default:
		return domain.ErrUnknownFrame.WithDetails(msg.Kind.String())
	}
}

// Tick processes up to MaxPerTick queued updates without blocking.
func (r *Replica) Tick() (int, error) {
	return r.pipeline.Drain(r.dispatcher, r.maxPerTick)
}

// Run drives the pipeline, and the transport receive loop when clustered,
// until ctx ends.
func (r *Replica) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if r.transport != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.receiveLoop(ctx)
		}()
	}

	err := r.pipeline.Run(ctx, r.dispatcher)
	cancel()
	wg.Wait()
	return err
}

func (r *Replica) receiveLoop(ctx context.Context) {
	for {
		err := r.Receive(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, io.EOF):
			r.logger.Info("transport closed")
			return
		case errors.Is(err, domain.ErrCorruptedFrame), errors.Is(err, domain.ErrUnknownFrame):
		case errors.Is(err, domain.ErrDisposedAccess):
			return
		default:
			r.metrics.IncTransportFailure()
			r.logger.Error("transport receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
		}
	}
}

// Checkpoint saves the current snapshot.
func (r *Replica) Checkpoint(ctx context.Context) error {
	if r.checkpoints == nil {
		return domain.ErrInvalidArgument.WithDetails("checkpoints are not configured")
	}
	return r.checkpoints.Save(ctx, r.store.Current())
}

// Restore queues the latest checkpoint as a full-state replacement. It
// reports false when there is no checkpoint or it is not newer than the
// current state.
func (r *Replica) Restore(ctx context.Context) (bool, error) {
	if r.checkpoints == nil {
		return false, nil
	}
	snap, err := r.checkpoints.Latest(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("restore: %w", err)
	}
	if snap.Version() <= r.store.Current().Version() {
		return false, nil
	}
	if err := r.pipeline.OnRemoteSnapshot(snap); err != nil {
		return false, err
	}
	r.logger.Info("checkpoint queued for restore", "version", uint64(snap.Version()))
	return true, nil
}

// Close stops the pipeline and closes the transport when it is an
// io.Closer. Pending commits resolve with ErrDisposedAccess.
func (r *Replica) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.pipeline.Close()
		if c, ok := r.transport.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
