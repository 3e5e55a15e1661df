// Package server hosts one channel: it listens on the channel's Unix socket,
// dispatches calls through the gateway and fans notifications out to
// subscribers.
//
// Request processing pipeline:
//
//	Accept conn → access check → handleConn (single goroutine reads frames)
//	  → call frame:   go handleCall → middleware chain → Gateway → Dispatch Table → write result
//	  → notify frame: go broker.publish → subscribers (no reply)
//	  → heartbeat:    refreshes the idle deadline only
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pipe-rpc/codec"
	"pipe-rpc/dispatch"
	"pipe-rpc/message"
	"pipe-rpc/middleware"
	"pipe-rpc/protocol"
	"pipe-rpc/registry"
)

// ErrChannelInUse is returned by Serve when another server already answers
// on the channel's socket.
var ErrChannelInUse = errors.New("server: channel already served")

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

const (
	DefaultIdleTimeout     = 2 * time.Minute
	DefaultShutdownTimeout = 5 * time.Second
	DefaultRegistryTTL     = 10 // seconds
	writeTimeout           = 10 * time.Second
)

// ShuttingDownMessage is the failure text of calls that arrive while the
// server drains.
const ShuttingDownMessage = "server is shutting down"

// Options configures a Server. Zero values pick the defaults above.
type Options struct {
	// Dir holds the channel socket. Empty means registry.DefaultDir().
	Dir string
	// Registry publishes the endpoint; nil means a PathRegistry on Dir.
	Registry    registry.Registry
	RegistryTTL int64
	Access      AccessPolicy
	// IdleTimeout closes connections that send nothing, heartbeats
	// included, for this long. Negative disables it.
	IdleTimeout time.Duration
	// ShutdownTimeout bounds the drain when Serve's context is cancelled.
	ShutdownTimeout time.Duration
	Version         string
	Logger          *slog.Logger
}

// Server serves one channel.
type Server struct {
	channel   string
	opts      Options
	sessionID string
	logger    *slog.Logger

	table  *dispatch.Table
	broker *broker

	mu          sync.Mutex
	middlewares []middleware.Middleware
	listener    net.Listener
	path        string
	conns       map[net.Conn]struct{}

	handler  middleware.HandlerFunc // middleware(...(Gateway)), built once in Serve
	inflight sync.WaitGroup         // calls and notifications being handled; Add only under mu
	shutdown atomic.Bool            // set under mu
	ready    chan struct{}
	drained  chan struct{} // closed when Shutdown has finished

	// cancelHandlers cancels the context of in-flight handlers. Shutdown
	// calls it only after the drain ends or times out.
	cancelHandlers context.CancelFunc
}

func New(channel string, opts Options) *Server {
	if opts.Dir == "" {
		opts.Dir = registry.DefaultDir()
	}
	if opts.Registry == nil {
		opts.Registry = registry.NewPathRegistry(opts.Dir)
	}
	if opts.RegistryTTL == 0 {
		opts.RegistryTTL = DefaultRegistryTTL
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Access.SocketMode == 0 {
		opts.Access.SocketMode = DefaultSocketMode
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		channel:   channel,
		opts:      opts,
		sessionID: uuid.NewString(),
		table:     dispatch.NewTable(),
		conns:     make(map[net.Conn]struct{}),
		ready:     make(chan struct{}),
		drained:   make(chan struct{}),
	}
	s.logger = opts.Logger.With("channel", channel)
	s.broker = newBroker(s.logger)
	return s
}

// Table returns the dispatch table. Handlers may be registered before or
// while serving.
func (s *Server) Table() *dispatch.Table { return s.table }

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the socket path, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Serve listens on the channel socket and blocks until ctx is cancelled or
// Shutdown is called, and then until in-flight calls have drained. A stale
// socket file left by a crashed server is replaced; a live one fails with
// ErrChannelInUse.
func (s *Server) Serve(ctx context.Context) error {
	if err := registry.ValidateChannel(s.channel); err != nil {
		return err
	}
	if err := os.MkdirAll(s.opts.Dir, 0o700); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", s.opts.Dir, err)
	}
	path := registry.SocketPath(s.opts.Dir, s.channel)
	if err := removeStaleSocket(path); err != nil {
		return err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, s.opts.Access.SocketMode); err != nil {
		listener.Close()
		return fmt.Errorf("setting mode of %s: %w", path, err)
	}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.path = path
	// Chain(A, B, C)(Gateway) → A(B(C(Gateway)))
	s.handler = middleware.Chain(s.middlewares...)(s.Gateway)
	// Handlers outlive ctx: Shutdown decides when they are cancelled.
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelHandlers = cancel
	s.mu.Unlock()
	defer cancel()

	defer os.Remove(path)

	endpoint := registry.Endpoint{
		Channel:   s.channel,
		Path:      path,
		PID:       os.Getpid(),
		SessionID: s.sessionID,
		Version:   s.opts.Version,
	}
	if err := s.opts.Registry.Register(ctx, endpoint, s.opts.RegistryTTL); err != nil {
		listener.Close()
		return fmt.Errorf("registering channel %s: %w", s.channel, err)
	}

	// Unblock Accept when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown(s.opts.ShutdownTimeout)
		case <-stop:
		}
	}()

	s.logger.Info("socket server listening", "path", path, "session", s.sessionID)
	close(s.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				<-s.drained
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		go s.handleConn(baseCtx, conn)
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister the channel (clients stop resolving it)
//  2. Set shutdown flag and close the listener
//  3. Wait for in-flight calls to finish (with timeout)
//  4. Cancel handler contexts and close every remaining connection
//
// Serve returns once Shutdown has finished.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		return nil
	}
	s.shutdown.Store(true)
	listener := s.listener
	cancelHandlers := s.cancelHandlers
	s.mu.Unlock()
	if listener == nil {
		return nil
	}
	defer close(s.drained)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.opts.Registry.Deregister(ctx, s.channel); err != nil {
		s.logger.Warn("deregistering channel failed", "error", err)
	}
	listener.Close()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
	cancelHandlers()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.logger.Info("socket server stopped")
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

// begin registers one unit of in-flight work. It fails once shutdown has
// started so the WaitGroup is never grown while Shutdown waits on it.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConn processes one client connection. Frames are read by this
// single goroutine; every call is handled in its own goroutine and the
// per-connection write mutex keeps result frames whole.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With("conn", connID)

	if err := s.opts.Access.check(conn); err != nil {
		logger.Warn("connection refused", "error", err)
		return
	}

	writeMu := &sync.Mutex{}
	for {
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		header, body, err := protocol.Decode(conn)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Debug("closing idle connection")
			default:
				logger.Debug("connection ended", "error", err)
			}
			return
		}

		c := codec.GetCodec(codec.CodecType(header.CodecType))
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
		case protocol.MsgTypeCall:
			call := &message.Call{}
			if err := call.UnmarshalBinary(body); err != nil {
				logger.Warn("dropping connection: bad call envelope", "seq", header.Seq, "error", err)
				return
			}
			req := &middleware.Request{Call: call, Codec: c, Conn: connID}
			if !s.begin() {
				s.writeResult(conn, writeMu, header, message.Failure(c, ShuttingDownMessage), logger)
				continue
			}
			go s.handleCall(ctx, conn, writeMu, header, req, logger)
		case protocol.MsgTypeNotify:
			n := &message.Notification{}
			if err := n.UnmarshalBinary(body); err != nil {
				logger.Warn("dropping connection: bad notification envelope", "error", err)
				return
			}
			if !s.begin() {
				logger.Debug("dropping notification during shutdown", "opcode", n.Opcode)
				continue
			}
			go func() {
				defer s.inflight.Done()
				s.broker.publish(ctx, c, n)
			}()
		default:
			logger.Warn("dropping connection: unexpected frame", "type", header.MsgType)
			return
		}
	}
}

func (s *Server) handleCall(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, req *middleware.Request, logger *slog.Logger) {
	defer s.inflight.Done()

	result := s.handler(ctx, req)
	if result == nil {
		logger.Error("middleware returned no result", "opcode", req.Call.Opcode)
		result = message.Failure(req.Codec, "no result")
	}
	s.writeResult(conn, writeMu, header, result, logger)
}

func (s *Server) writeResult(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, result *message.Result, logger *slog.Logger) {
	body, err := result.MarshalBinary()
	if err != nil {
		logger.Error("encoding result failed", "seq", header.Seq, "error", err)
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	// Same seq as the call: this is how the client correlates results.
	reply := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResult,
		Seq:       header.Seq,
	}
	if err := protocol.Encode(conn, &reply, body); err != nil {
		logger.Debug("writing result failed", "seq", header.Seq, "error", err)
	}
}

// removeStaleSocket deletes a socket file nobody listens on.
func removeStaleSocket(path string) error {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrChannelInUse, filepath.Base(path))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}
