package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/internal/storage/wire"
	"github.com/yndnr/statemesh-go/pkg/fifo"
)

// ErrClosed is returned by Send on a closed endpoint or sequencer.
var ErrClosed = errors.New("loopback: closed")

// Sequencer totally orders frames from its endpoints.
type Sequencer struct {
	codec  *wire.Codec
	logger *slog.Logger

	mu        sync.Mutex
	mirror    *snapshot.Store
	endpoints map[*Endpoint]struct{}
	sequenced uint64
	closed    bool
}

// NewSequencer creates a sequencer. codec must match the endpoints' codec;
// nil means plaintext frames.
func NewSequencer(codec *wire.Codec, logger *slog.Logger) *Sequencer {
	if codec == nil {
		codec = wire.NewCodec()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		codec:     codec,
		logger:    logger.With("component", "loopback"),
		mirror:    snapshot.NewStore(snapshot.WithHistoryLimit(1)),
		endpoints: make(map[*Endpoint]struct{}),
	}
}

// Connect attaches a new endpoint. When the sequencer has already advanced
// past the epoch the endpoint's first frame is the current full state.
func (s *Sequencer) Connect() (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e := newEndpoint(s)
	if cur := s.mirror.Current(); cur.Version() != domain.EpochVersion {
		frame, err := s.codec.EncodeSnapshot(cur)
		if err != nil {
			return nil, fmt.Errorf("loopback: encode state for new endpoint: %w", err)
		}
		e.deliver(frame)
	}
	s.endpoints[e] = struct{}{}
	return e, nil
}

// Current returns the sequencer's mirror of the sequenced state.
func (s *Sequencer) Current() *snapshot.Snapshot {
	return s.mirror.Current()
}

// Sequenced returns how many frames have been sequenced.
func (s *Sequencer) Sequenced() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequenced
}

// Resync broadcasts the mirror state to every endpoint as a full-state
// replacement.
func (s *Sequencer) Resync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	frame, err := s.codec.EncodeSnapshot(s.mirror.Current())
	if err != nil {
		return fmt.Errorf("loopback: encode resync: %w", err)
	}
	for e := range s.endpoints {
		e.deliver(frame)
	}
	return nil
}

// Close detaches every endpoint. Endpoints drain their inboxes and then
// report io.EOF.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for e := range s.endpoints {
		e.shutdown()
	}
	s.endpoints = nil
}

// sequence mirrors frame and fans it out. Frames that do not decode are
// refused and never reach any endpoint.
func (s *Sequencer) sequence(frame []byte) error {
	msg, err := s.codec.Decode(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	switch msg.Kind {
	case wire.KindTransaction:
		if _, err := txn.Commit(s.mirror, msg.Tx); err != nil && !errors.Is(err, domain.ErrValidationConflict) {
			s.logger.Warn("mirror apply failed", "tx", msg.Tx.ID().String(), "error", err)
		}
	case wire.KindSnapshot:
		if err := s.mirror.Replace(msg.Snapshot); err != nil {
			s.logger.Warn("mirror replace failed", "version", uint64(msg.Snapshot.Version()), "error", err)
		}
	}

	s.sequenced++
	for e := range s.endpoints {
		e.deliver(frame)
	}
	return nil
}

func (s *Sequencer) detach(e *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, e)
}

// Endpoint is one replica's connection to a Sequencer. It satisfies the
// replica transport interface.
type Endpoint struct {
	seq   *Sequencer
	inbox *fifo.Queue[[]byte]
}

func newEndpoint(s *Sequencer) *Endpoint {
	return &Endpoint{seq: s, inbox: fifo.New[[]byte]()}
}

// Send hands payload to the sequencer. The payload is delivered to every
// endpoint, including this one.
func (e *Endpoint) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.inbox.Closed() {
		return ErrClosed
	}
	return e.seq.sequence(payload)
}

// Receive blocks until a frame is available. It returns io.EOF once the
// endpoint is closed and its inbox is empty.
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	return e.inbox.Pop(ctx)
}

// Pending returns the number of undelivered frames.
func (e *Endpoint) Pending() int {
	return e.inbox.Len()
}

// Close detaches the endpoint from its sequencer.
func (e *Endpoint) Close() error {
	e.seq.detach(e)
	e.shutdown()
	return nil
}

func (e *Endpoint) deliver(frame []byte) {
	e.inbox.Push(frame)
}

func (e *Endpoint) shutdown() {
	e.inbox.Close()
}
