package redisserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/statemesh-go/internal/core/notify"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// Backend is the replica surface the commands use.
type Backend interface {
	Current() *snapshot.Snapshot
	NewTransaction() *txn.Builder
	CommitAndWait(ctx context.Context, tx *txn.Transaction) (*snapshot.Snapshot, error)
	Dispatcher() *notify.Dispatcher
}

// Config holds the RESP server configuration.
type Config struct {
	// Addr is the TCP listen address.
	Addr string
	// Password, when set, must be presented with AUTH before other commands.
	Password string
	// ReadTimeout bounds reading one command once its first byte arrived.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing one reply.
	WriteTimeout time.Duration
	// IdleTimeout closes connections idle between commands.
	IdleTimeout time.Duration
	// RateLimit is the maximum commands per second per client IP.
	// Zero disables rate limiting.
	RateLimit float64
	RateBurst int
	// PushBuffer bounds the messages queued for one subscriber. A
	// subscriber that falls further behind is disconnected.
	PushBuffer int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:6389",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  5 * time.Minute,
		RateLimit:    1000,
		RateBurst:    1000,
		PushBuffer:   1024,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PushBuffer <= 0 {
		c.PushBuffer = d.PushBuffer
	}
}

// Server represents the RESP server.
type Server struct {
	cfg     Config
	handler *CommandHandler
	logger  *slog.Logger

	ln      net.Listener
	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// New creates a RESP server over backend.
func New(cfg Config, backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.fillDefaults()
	logger = logger.With("component", "redisserver")
	return &Server{
		cfg:     cfg,
		handler: NewCommandHandler(backend, cfg, logger),
		logger:  logger,
		stop:    make(chan struct{}),
		conns:   make(map[*Conn]struct{}),
	}
}

// Start binds the listen address and accepts connections in the
// background until Shutdown or ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.running.Store(true)
	s.logger.Info("resp listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.acceptLoop(ctx, ln); err != nil {
			s.logger.Error("resp accept loop failed", "error", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.closeAll()
		case <-s.stop:
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown closes the listener and every connection, then waits for the
// connection goroutines to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.closeAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) closeAll() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stop)
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		c := newConn(nc, s.cfg)
		if !s.track(c) {
			_ = c.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			s.serveConn(ctx, c)
		}()
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) serveConn(ctx context.Context, c *Conn) {
	defer c.Close()
	defer s.handler.unsubscribeAll(c)

	for {
		// Between commands the connection may idle; once a command starts
		// it must arrive within ReadTimeout.
		if err := c.netConn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		if _, err := c.br.Peek(1); err != nil {
			s.logReadError(c, err)
			return
		}
		if err := c.netConn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}

		args, err := ReadCommand(c.br)
		if err != nil {
			s.logReadError(c, err)
			if errors.Is(err, ErrLimitExceeded) || errors.Is(err, ErrProtocol) {
				c.reply(func(w *Writer) { w.Error("ERR " + err.Error()) })
			}
			return
		}
		if len(args) == 0 {
			continue
		}

		if err := c.reply(func(w *Writer) { s.handler.Handle(ctx, c, args) }); err != nil {
			return
		}
		if c.quit {
			return
		}
	}
}

func (s *Server) logReadError(c *Conn, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &netErr) && netErr.Timeout():
		s.logger.Debug("connection timed out", "remote", c.RemoteAddr())
	case errors.Is(err, ErrLimitExceeded):
		s.logger.Warn("protocol limit exceeded", "remote", c.RemoteAddr(), "error", err)
	default:
		s.logger.Debug("connection read error", "remote", c.RemoteAddr(), "error", err)
	}
}

// Conn represents a single client connection.
//
// The serving goroutine owns the reader and the connection state. Replies
// and pushed messages share the writer under wmu.
type Conn struct {
	netConn      net.Conn
	br           *bufio.Reader
	writeTimeout time.Duration

	wmu sync.Mutex
	w   *Writer

	authenticated bool
	quit          bool
	subs          map[string]notify.Token

	push     chan pushMessage
	pushOnce sync.Once
	done     chan struct{}
	closed   atomic.Bool
}

type pushMessage struct {
	channel string
	payload []byte
}

func newConn(nc net.Conn, cfg Config) *Conn {
	return &Conn{
		netConn:      nc,
		br:           bufio.NewReader(nc),
		w:            NewWriter(nc),
		writeTimeout: cfg.WriteTimeout,
		subs:         make(map[string]notify.Token),
		push:         make(chan pushMessage, cfg.PushBuffer),
		done:         make(chan struct{}),
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	return c.netConn.Close()
}

// RemoteAddr returns the client address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// reply runs fn with the writer locked and flushes its output.
func (c *Conn) reply(fn func(w *Writer)) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	fn(c.w)
	if err := c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.w.Flush()
}

// enqueue queues a pushed message without blocking. A full queue drops
// the subscriber.
func (c *Conn) enqueue(m pushMessage) {
	if c.closed.Load() {
		return
	}
	select {
	case c.push <- m:
	default:
		_ = c.Close()
	}
}

// startPush starts the goroutine that writes pushed messages.
func (c *Conn) startPush(logger *slog.Logger) {
	c.pushOnce.Do(func() {
		go func() {
			for {
				select {
				case <-c.done:
					return
				case m := <-c.push:
					err := c.reply(func(w *Writer) {
						w.ArrayHeader(3)
						w.BulkString("message")
						w.BulkString(m.channel)
						w.Bulk(m.payload)
					})
					if err != nil {
						logger.Debug("push failed", "remote", c.RemoteAddr(), "error", err)
						_ = c.Close()
						return
					}
				}
			}
		}()
	})
}
