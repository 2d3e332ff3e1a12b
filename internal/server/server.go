// Package server owns the TCP listener and the per-connection command
// pipeline, including the primary-side replication fan-out.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/respkit/go-resp-server/internal/conn"
	"github.com/respkit/go-resp-server/internal/logging"
	"github.com/respkit/go-resp-server/internal/metrics"
	"github.com/respkit/go-resp-server/internal/repl"
	"github.com/respkit/go-resp-server/internal/store"
)

const (
	defaultHandshakeTimeout = 3 * time.Second
	// maxAcceptRetries bounds the accept backoff loop before the error is
	// surfaced to the caller.
	maxAcceptRetries = 64
)

// Server accepts TCP clients and coordinates handler lifecycle. A primary
// additionally owns the replication bus; a secondary owns the outbound link
// to its primary.
type Server struct {
	mu   sync.RWMutex
	addr string

	store *store.Store
	bus   *repl.Bus
	info  repl.ServerInfo

	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int

	connsMu sync.Mutex
	conns   map[*conn.Conn]struct{}

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID        uint64
	activeConns       atomic.Int64
	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalDisconnected atomic.Uint64
	totalProtocolErrs atomic.Uint64
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		conns:            make(map[*conn.Conn]struct{}),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.store == nil {
		s.store = store.New()
	}
	if s.bus == nil {
		s.bus = repl.NewBus()
	}
	if s.info.Repl == nil {
		s.info.Repl = repl.NewInfo("")
	}
	return s
}

func WithListenAddr(a string) ServerOption          { return func(s *Server) { s.addr = a } }
func WithStore(db *store.Store) ServerOption        { return func(s *Server) { s.store = db } }
func WithBus(b *repl.Bus) ServerOption              { return func(s *Server) { s.bus = b } }
func WithServerInfo(si repl.ServerInfo) ServerOption { return func(s *Server) { s.info = si } }

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

// Info returns the server identity; the Repl field is the shared handle.
func (s *Server) Info() repl.ServerInfo { return s.info }

// Bus returns the replication bus.
func (s *Server) Bus() *repl.Bus { return s.bus }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients and spawns a handler per connection. Accept
// errors are retried with exponential backoff (1s initial, doubling) and
// surfaced after maxAcceptRetries cumulative attempts.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr(), "role", s.info.Role.String())

	go func() { <-ctx.Done(); _ = ln.Close() }()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	retries := 0

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			retries++
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			if retries >= maxAcceptRetries {
				s.setError(wrap)
				return wrap
			}
			wait := bo.NextBackOff()
			s.logger.Warn("accept_retry", "error", err, "retry", retries, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()
		s.acceptConn(ctx, nc)
	}
}

// acceptConn registers a freshly accepted socket and spawns its handler.
func (s *Server) acceptConn(ctx context.Context, nc net.Conn) {
	s.totalAccepted.Add(1)
	metrics.IncAccepted()
	if s.maxClients > 0 && int(s.activeConns.Load()) >= s.maxClients {
		s.totalRejected.Add(1)
		metrics.IncRejected()
		s.logger.Warn("client_reject_max", "max_clients", s.maxClients, "remote", nc.RemoteAddr().String())
		_ = nc.Close()
		return
	}
	tune(nc)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", nc.RemoteAddr().String())
	connLogger.Info("client_connected")
	metrics.SetActive(int(s.activeConns.Add(1)))

	c := conn.New(nc)
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = c.Close()
			s.connsMu.Lock()
			delete(s.conns, c)
			s.connsMu.Unlock()
			metrics.SetActive(int(s.activeConns.Add(-1)))
			s.totalDisconnected.Add(1)
			connLogger.Info("client_disconnected")
		}()
		h := &handler{srv: s, c: c, logger: connLogger}
		if err := h.run(ctx); err != nil {
			metrics.IncError(mapErrToMetric(err))
			if errors.Is(err, ErrProtocol) {
				s.totalProtocolErrs.Add(1)
				connLogger.Warn("protocol_error", "error", err)
			} else {
				connLogger.Warn("handler_error", "error", err)
			}
		}
	}()
}

func tune(nc net.Conn) {
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
}

// ConnectPrimary dials the configured primary, performs the replication
// handshake, and then consumes propagated commands until the link drops.
// Only meaningful on a secondary; the returned error terminates the process
// (no auto-reconnect).
func (s *Server) ConnectPrimary(ctx context.Context) error {
	primary := s.info.Repl.PrimaryAddr
	if primary == "" {
		return fmt.Errorf("%w: no primary configured", ErrHandshake)
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", primary)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	tune(nc)
	c := conn.New(nc)
	defer func() { _ = c.Close() }()
	c.MarkReplLink()

	if err := repl.Handshake(ctx, c, s.info.Port, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.logger.Info("primary_link_established", "primary", primary)

	h := &handler{srv: s, c: c, logger: s.logger.With("link", "primary", "remote", primary)}
	if err := h.run(ctx); err != nil {
		metrics.IncError(mapErrToMetric(err))
		s.setError(err)
		return err
	}
	s.logger.Info("primary_link_closed", "primary", primary)
	return nil
}

// Shutdown closes the listener and waits for in-flight handlers to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connsMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"rejected", s.totalRejected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"protocol_errors", s.totalProtocolErrs.Load())
		return nil
	}
}
