// Package transport implements the client side of one channel connection.
//
// A Session multiplexes concurrent calls over a single Unix socket. Each call
// gets a unique sequence number, and a background goroutine (recvLoop) reads
// results and routes them to the waiting caller through the pending map.
//
//	goroutine-1 ──Invoke(seq=1)──┐
//	goroutine-2 ──Invoke(seq=2)──┼──→ one socket ──→ Server
//	notifier    ──Publish(seq=0)─┘
//
//	recvLoop:  ←── result(seq=2) → pending[2] ← result → goroutine-2 wakes up
//
// A session is single-use: once the connection breaks or Close is called it
// stays closed, and the owner dials a fresh one.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"pipe-rpc/codec"
	"pipe-rpc/message"
	"pipe-rpc/protocol"
)

var (
	// ErrNotDelivered means the frame never fully reached the socket, so the
	// server cannot have dispatched it. Retrying on a fresh session is safe.
	ErrNotDelivered = errors.New("transport: frame not delivered")

	// ErrConnectionLost means the connection broke while a call was waiting
	// for its result. The server may or may not have run the handler.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrSessionClosed is the cause recorded by an explicit Close.
	ErrSessionClosed = errors.New("transport: session closed")
)

// DefaultHeartbeat is the keep-alive interval used when Options.Heartbeat is zero.
const DefaultHeartbeat = 30 * time.Second

type Options struct {
	Codec     codec.CodecType
	Heartbeat time.Duration // negative disables heartbeats
	Logger    *slog.Logger
}

type Session struct {
	id      string
	conn    net.Conn
	codec   codec.Codec
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan *message.Result
	sending sync.Mutex // one frame at a time on the socket

	closed    chan struct{}
	closeOnce sync.Once
	err       error // set before closed is closed

	logger *slog.Logger
}

// Dial connects to the channel socket at path.
func Dial(ctx context.Context, path string, opts Options) (*Session, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, opts), nil
}

// NewSession takes ownership of conn and starts the receive and heartbeat
// goroutines. Both exit when the session closes.
func NewSession(conn net.Conn, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:     uuid.NewString(),
		conn:   conn,
		codec:  codec.GetCodec(opts.Codec),
		closed: make(chan struct{}),
	}
	s.logger = logger.With("session", s.id)

	go s.recvLoop()
	interval := opts.Heartbeat
	if interval == 0 {
		interval = DefaultHeartbeat
	}
	if interval > 0 {
		go s.heartbeatLoop(interval)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Codec returns the value codec this session announces in its frame headers.
func (s *Session) Codec() codec.Codec { return s.codec }

// Done is closed once the session is closed for any reason.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the cause of closure, or nil while the session is open.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.err
	default:
		return nil
	}
}

// Invoke sends call and waits for its result.
//
// Errors wrap ErrNotDelivered when the frame was never written, and
// ErrConnectionLost when the session died after the frame went out. If ctx
// ends first the pending entry is dropped and ctx.Err() is returned; a
// result arriving later is discarded.
func (s *Session) Invoke(ctx context.Context, call *message.Call) (*message.Result, error) {
	body, err := call.MarshalBinary()
	if err != nil {
		return nil, err
	}

	// Buffered so recvLoop never blocks on a caller that already gave up.
	resultCh := make(chan *message.Result, 1)

	seq, err := s.write(ctx, protocol.MsgTypeCall, body, func(seq uint32) {
		s.pending.Store(seq, resultCh)
	})
	if err != nil {
		return nil, err
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-ctx.Done():
		s.pending.Delete(seq)
		select {
		case result := <-resultCh:
			return result, nil
		default:
		}
		return nil, ctx.Err()
	case <-s.closed:
		select {
		case result := <-resultCh:
			return result, nil
		default:
		}
		s.pending.Delete(seq)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, s.err)
	}
}

// Publish writes a one-way notification. It returns once the frame is on the
// socket; nothing comes back.
func (s *Session) Publish(ctx context.Context, n *message.Notification) error {
	body, err := n.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.write(ctx, protocol.MsgTypeNotify, body, nil)
	return err
}

// Close shuts the session down. Pending calls fail with ErrConnectionLost.
func (s *Session) Close() error {
	s.close(ErrSessionClosed)
	return nil
}

// write frames body under the sending lock. register, when set, is called
// with the assigned sequence number before the frame goes out so recvLoop
// can never see a result for an unknown seq.
func (s *Session) write(ctx context.Context, mt protocol.MsgType, body []byte, register func(seq uint32)) (uint32, error) {
	s.sending.Lock()
	defer s.sending.Unlock()

	select {
	case <-s.closed:
		return 0, fmt.Errorf("%w: %v", ErrNotDelivered, s.err)
	default:
	}

	var seq uint32
	if register != nil {
		s.seq++
		if s.seq == 0 { // zero is reserved for frames without a reply
			s.seq++
		}
		seq = s.seq
		register(seq)
	}

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.pending.Delete(seq)
		return 0, fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}

	header := protocol.Header{
		CodecType: byte(s.codec.Type()),
		MsgType:   mt,
		Seq:       seq,
	}
	if err := protocol.Encode(s.conn, &header, body); err != nil {
		s.pending.Delete(seq)
		// A partial frame leaves the stream unusable; the server drops
		// the connection without dispatching it.
		s.close(err)
		return 0, fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	return seq, nil
}

// recvLoop is the only reader of the socket. Results may arrive in any
// order; each is routed by its sequence number.
func (s *Session) recvLoop() {
	for {
		header, body, err := protocol.Decode(s.conn)
		if err != nil {
			s.close(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeResult:
			result := &message.Result{}
			if err := result.UnmarshalBinary(body); err != nil {
				s.close(fmt.Errorf("seq %d: %w", header.Seq, err))
				return
			}
			if ch, ok := s.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan *message.Result) <- result
			} else {
				s.logger.Debug("discarding result for abandoned call", "seq", header.Seq)
			}
		case protocol.MsgTypeHeartbeat:
		default:
			s.logger.Warn("unexpected frame from server", "type", header.MsgType, "seq", header.Seq)
		}
	}
}

// heartbeatLoop keeps an otherwise idle connection from hitting the
// server's idle timeout. A failed heartbeat closes the session.
func (s *Session) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		_, err := s.write(ctx, protocol.MsgTypeHeartbeat, nil, nil)
		cancel()
		if err != nil {
			return
		}
	}
}

func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.closed)
		s.conn.Close()
		if errors.Is(err, ErrSessionClosed) {
			s.logger.Debug("session closed")
		} else {
			s.logger.Debug("session lost", "error", err)
		}
	})
}
