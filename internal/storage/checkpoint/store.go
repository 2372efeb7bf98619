package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/internal/storage/wire"
	"github.com/yndnr/statemesh-go/internal/telemetry/metric"
)

var (
	// ErrNotFound is returned when no checkpoint exists for the request.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("checkpoint: store closed")
)

var (
	checkpointPrefix = []byte("c/")
	latestKey        = []byte("m/latest")
)

// Config configures a checkpoint store.
type Config struct {
	// Dir is the Badger directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in memory (tests).
	InMemory bool
	// Keep is how many checkpoints are retained. Default 3.
	Keep int
	// GCInterval is the value-log GC period. Zero disables the GC loop.
	GCInterval time.Duration
	// GCThreshold is the discard ratio passed to RunValueLogGC. Default 0.5.
	GCThreshold float64
	// SyncWrites fsyncs every checkpoint.
	SyncWrites bool
}

// DefaultConfig returns the default configuration for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		Keep:        3,
		GCInterval:  10 * time.Minute,
		GCThreshold: 0.5,
	}
}

// Store persists snapshots in Badger.
type Store struct {
	db      *badger.DB
	cfg     Config
	codec   *wire.Codec
	logger  *slog.Logger
	metrics *metric.Registry

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open opens or creates a checkpoint store. codec may be sealed; a nil codec
// writes plaintext frames.
func Open(cfg Config, codec *wire.Codec, logger *slog.Logger, metrics *metric.Registry) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if codec == nil {
		codec = wire.NewCodec()
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 3
	}
	if cfg.GCThreshold <= 0 || cfg.GCThreshold >= 1 {
		cfg.GCThreshold = 0.5
	}
	logger = logger.With("component", "checkpoint")

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open badger: %w", err)
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		codec:   codec,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.gcLoop()
	} else {
		close(s.doneCh)
	}

	logger.Info("checkpoint store opened",
		"dir", cfg.Dir,
		"in_memory", cfg.InMemory,
		"keep", cfg.Keep)
	return s, nil
}

func versionKey(v domain.Version) []byte {
	key := make([]byte, 0, len(checkpointPrefix)+8)
	key = append(key, checkpointPrefix...)
	return binary.BigEndian.AppendUint64(key, uint64(v))
}

// Save writes snap and prunes checkpoints beyond the retention count.
func (s *Store) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := s.codec.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	var latest [8]byte
	binary.BigEndian.PutUint64(latest[:], uint64(snap.Version()))

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(versionKey(snap.Version()), frame); err != nil {
			return err
		}
		return txn.Set(latestKey, latest[:])
	})
	if err != nil {
		return fmt.Errorf("checkpoint: save version %d: %w", snap.Version(), err)
	}

	s.metrics.RecordCheckpoint(len(frame))
	s.logger.Info("checkpoint saved",
		"version", uint64(snap.Version()),
		"keys", snap.KeyCount(),
		"bytes", len(frame))

	return s.prune()
}

// Latest loads the newest checkpoint.
func (s *Store) Latest(ctx context.Context) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var version domain.Version
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return domain.ErrCorruptedFrame.WithDetails("latest marker is not 8 bytes")
			}
			version = domain.Version(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read latest: %w", err)
	}
	return s.Load(ctx, version)
}

// Load loads the checkpoint at version.
func (s *Store) Load(ctx context.Context, version domain.Version) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var frame []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(version))
		if err != nil {
			return err
		}
		frame, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read version %d: %w", version, err)
	}

	snap, err := s.codec.DecodeSnapshot(frame)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode version %d: %w", version, err)
	}
	return snap, nil
}

// Versions lists stored checkpoint versions in ascending order.
func (s *Store) Versions(ctx context.Context) ([]domain.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Version
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = checkpointPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != len(checkpointPrefix)+8 {
				continue
			}
			out = append(out, domain.Version(binary.BigEndian.Uint64(key[len(checkpointPrefix):])))
		}
		return nil
	})
	return out, err
}

// prune deletes all but the newest Keep checkpoints.
func (s *Store) prune() error {
	versions, err := s.Versions(context.Background())
	if err != nil {
		return err
	}
	excess := len(versions) - s.cfg.Keep
	if excess <= 0 {
		return nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, v := range versions[:excess] {
			if err := txn.Delete(versionKey(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("checkpoint: prune: %w", err)
	}
	s.logger.Debug("pruned checkpoints", "deleted", excess)
	return nil
}

// GC runs value-log garbage collection until nothing is left to rewrite.
func (s *Store) GC() error {
	for {
		err := s.db.RunValueLogGC(s.cfg.GCThreshold)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("checkpoint: gc: %w", err)
		}
	}
}

func (s *Store) gcLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.GC(); err != nil {
				s.logger.Error("checkpoint gc failed", "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the GC loop and closes Badger.
func (s *Store) Close() error {
	select {
	case <-s.stopCh:
		return ErrClosed
	default:
	}
	close(s.stopCh)
	<-s.doneCh

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	s.logger.Info("checkpoint store closed")
	return nil
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
