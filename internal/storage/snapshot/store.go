package snapshot

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

// DefaultHistoryLimit is the default number of snapshots retained for At.
const DefaultHistoryLimit = 64

// Store owns the version-ordered snapshot chain of one replica.
//
// Current and the read helpers are safe for concurrent use. Advance and
// Replace are serialized internally, but the engine expects a single writer.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	// history is a ring of the most recent snapshots, oldest first.
	history []*Snapshot
	limit   int

	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit sets how many recent snapshots At can return.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInitial seeds the store with snap instead of the epoch snapshot.
func WithInitial(snap *Snapshot) Option {
	return func(s *Store) {
		if snap != nil {
			s.current.Store(snap)
		}
	}
}

// NewStore creates a store positioned at the epoch-zero snapshot.
func NewStore(opts ...Option) *Store {
	s := &Store{
		limit:  DefaultHistoryLimit,
		logger: slog.Default(),
	}
	s.current.Store(epoch)

	for _, opt := range opts {
		opt(s)
	}

	s.history = append(s.history, s.current.Load())
	return s
}

// Current returns the latest snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Get returns the view of key in the current snapshot.
func (s *Store) Get(key domain.Key) (KeySnapshot, bool) {
	return s.Current().Get(key)
}

// GetValue returns the value of (key, subkey) in the current snapshot.
func (s *Store) GetValue(key domain.Key, subkey domain.Subkey) (domain.Value, bool) {
	return s.Current().Value(key, subkey)
}

// Advance publishes the successor of the current snapshot with writes applied.
//
// The previous snapshot is left untouched for any holder. Advance fails with
// ErrMalformedTransaction when the version space is exhausted.
func (s *Store) Advance(writes []Write) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next, ok := prev.version.Next()
	if !ok {
		return nil, domain.ErrMalformedTransaction.WithDetails(
			fmt.Sprintf("version space exhausted at %d", prev.version))
	}

	snap := advance(prev, writes, next)
	s.publish(snap)
	return snap, nil
}

// Replace publishes snap as a full-state replacement of the current state.
// The replacement must carry a strictly greater version.
func (s *Store) Replace(snap *Snapshot) error {
	if snap == nil {
		return domain.ErrInvalidArgument.WithDetails("nil snapshot")
	}
	if !snap.version.Valid() {
		return domain.ErrMalformedTransaction.WithDetails("replacement carries reserved version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	if snap.version <= prev.version {
		return domain.ErrStaleSnapshot.WithDetails(
			fmt.Sprintf("replacement version %d does not advance %d", snap.version, prev.version))
	}

	// History is discontinuous across a replacement.
	s.history = s.history[:0]
	s.publish(snap)

	s.logger.Info("snapshot replaced",
		"old_version", uint64(prev.version),
		"new_version", uint64(snap.version),
		"keys", snap.KeyCount())
	return nil
}

// At returns a retained snapshot by version.
func (s *Store) At(version domain.Version) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		snap := s.history[i]
		if snap.version == version {
			return snap, nil
		}
		if snap.version < version {
			break
		}
	}
	return nil, domain.ErrSnapshotNotRetained.WithDetails(fmt.Sprintf("version %d", version))
}

// Oldest returns the version of the oldest retained snapshot.
func (s *Store) Oldest() domain.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[0].version
}

// publish must be called with mu held.
func (s *Store) publish(snap *Snapshot) {
	s.current.Store(snap)
	s.history = append(s.history, snap)
	if over := len(s.history) - s.limit; over > 0 {
		n := copy(s.history, s.history[over:])
		// Drop tail references so evicted snapshots can be collected once unheld.
		clear(s.history[n:])
		s.history = s.history[:n]
	}
}
