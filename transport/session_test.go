package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipe-rpc/codec"
	"pipe-rpc/internal/testutil"
	"pipe-rpc/message"
	"pipe-rpc/protocol"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type frame struct {
	header *protocol.Header
	body   []byte
}

// fakeServer reads frames from one end of a pipe and hands them to the test.
type fakeServer struct {
	conn   net.Conn
	frames chan frame
	mu     sync.Mutex
}

func newPair(t *testing.T, opts Options) (*Session, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	if opts.Logger == nil {
		opts.Logger = quiet
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = -1
	}
	session := NewSession(clientConn, opts)
	srv := &fakeServer{conn: serverConn, frames: make(chan frame, 16)}
	go func() {
		defer close(srv.frames)
		for {
			header, body, err := protocol.Decode(serverConn)
			if err != nil {
				return
			}
			srv.frames <- frame{header: header, body: body}
		}
	}()
	t.Cleanup(func() {
		session.Close()
		serverConn.Close()
	})
	return session, srv
}

func (f *fakeServer) reply(t *testing.T, seq uint32, result *message.Result) {
	t.Helper()
	body, err := result.MarshalBinary()
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(t, protocol.Encode(f.conn, &protocol.Header{
		CodecType: protocol.CodecTypeCBOR,
		MsgType:   protocol.MsgTypeResult,
		Seq:       seq,
	}, body))
}

func (f *fakeServer) nextCall(t *testing.T) (uint32, *message.Call) {
	t.Helper()
	fr := testutil.RequireReceive(t, f.frames, 5*time.Second, "waiting for call frame")
	require.Equal(t, protocol.MsgTypeCall, fr.header.MsgType)
	call := &message.Call{}
	require.NoError(t, call.UnmarshalBinary(fr.body))
	return fr.header.Seq, call
}

type outcome struct {
	result *message.Result
	err    error
}

func invokeAsync(s *Session, ctx context.Context, call *message.Call) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		result, err := s.Invoke(ctx, call)
		ch <- outcome{result, err}
	}()
	return ch
}

func TestInvokeRoundTrip(t *testing.T) {
	session, srv := newPair(t, Options{Codec: codec.CodecTypeCBOR})

	done := invokeAsync(session, context.Background(), &message.Call{Opcode: 7, Args: [][]byte{{0x01}}})

	seq, call := srv.nextCall(t)
	assert.NotZero(t, seq)
	assert.Equal(t, int32(7), call.Opcode)
	assert.Equal(t, [][]byte{{0x01}}, call.Args)
	srv.reply(t, seq, message.Success([]byte{0x2a}))

	out := testutil.RequireReceive(t, done, 5*time.Second, "waiting for invoke")
	require.NoError(t, out.err)
	assert.True(t, out.result.Succeeded)
	assert.Equal(t, []byte{0x2a}, out.result.Payload)
}

func TestInvokeHeaderCarriesCodec(t *testing.T) {
	session, srv := newPair(t, Options{Codec: codec.CodecTypeJSON})
	assert.Equal(t, codec.CodecTypeJSON, session.Codec().Type())

	invokeAsync(session, context.Background(), &message.Call{Opcode: 1})
	fr := testutil.RequireReceive(t, srv.frames, 5*time.Second, "waiting for call frame")
	assert.Equal(t, protocol.CodecTypeJSON, fr.header.CodecType)
}

// 多路复用：结果乱序返回，仍然路由到正确的调用方
func TestInvokeOutOfOrder(t *testing.T) {
	session, srv := newPair(t, Options{})

	first := invokeAsync(session, context.Background(), &message.Call{Opcode: 1})
	seq1, _ := srv.nextCall(t)
	second := invokeAsync(session, context.Background(), &message.Call{Opcode: 2})
	seq2, _ := srv.nextCall(t)
	require.NotEqual(t, seq1, seq2)

	srv.reply(t, seq2, message.Success([]byte("two")))
	srv.reply(t, seq1, message.Success([]byte("one")))

	out2 := testutil.RequireReceive(t, second, 5*time.Second, "second call")
	out1 := testutil.RequireReceive(t, first, 5*time.Second, "first call")
	require.NoError(t, out1.err)
	require.NoError(t, out2.err)
	assert.Equal(t, "one", string(out1.result.Payload))
	assert.Equal(t, "two", string(out2.result.Payload))
}

func TestInvokeContextExpires(t *testing.T) {
	session, srv := newPair(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := invokeAsync(session, ctx, &message.Call{Opcode: 1})
	seq, _ := srv.nextCall(t)

	out := testutil.RequireReceive(t, done, 5*time.Second, "waiting for timeout")
	assert.ErrorIs(t, out.err, context.DeadlineExceeded)

	// A late result is dropped without disturbing the session.
	srv.reply(t, seq, message.Success(nil))
	next := invokeAsync(session, context.Background(), &message.Call{Opcode: 2})
	seq2, _ := srv.nextCall(t)
	srv.reply(t, seq2, message.Success([]byte("ok")))
	out = testutil.RequireReceive(t, next, 5*time.Second, "second call")
	require.NoError(t, out.err)
	assert.Equal(t, "ok", string(out.result.Payload))
}

func TestInvokeConnectionLost(t *testing.T) {
	session, srv := newPair(t, Options{})

	done := invokeAsync(session, context.Background(), &message.Call{Opcode: 1})
	srv.nextCall(t)
	srv.conn.Close()

	out := testutil.RequireReceive(t, done, 5*time.Second, "waiting for failure")
	assert.ErrorIs(t, out.err, ErrConnectionLost)
	testutil.RequireClosed(t, session.Done(), 5*time.Second, "session closed")
	assert.Error(t, session.Err())
}

func TestInvokeAfterClose(t *testing.T) {
	session, _ := newPair(t, Options{})
	assert.NoError(t, session.Err())
	require.NoError(t, session.Close())

	_, err := session.Invoke(context.Background(), &message.Call{Opcode: 1})
	assert.ErrorIs(t, err, ErrNotDelivered)
	assert.True(t, errors.Is(session.Err(), ErrSessionClosed))

	err = session.Publish(context.Background(), &message.Notification{Opcode: 1})
	assert.ErrorIs(t, err, ErrNotDelivered)
}

func TestPublish(t *testing.T) {
	session, srv := newPair(t, Options{})

	require.NoError(t, session.Publish(context.Background(), &message.Notification{Opcode: 200, Args: [][]byte{{0x05}}}))

	fr := testutil.RequireReceive(t, srv.frames, 5*time.Second, "waiting for notify frame")
	assert.Equal(t, protocol.MsgTypeNotify, fr.header.MsgType)
	assert.Zero(t, fr.header.Seq)
	n := &message.Notification{}
	require.NoError(t, n.UnmarshalBinary(fr.body))
	assert.Equal(t, int32(200), n.Opcode)
	assert.Equal(t, [][]byte{{0x05}}, n.Args)
}

func TestHeartbeat(t *testing.T) {
	_, srv := newPair(t, Options{Heartbeat: 20 * time.Millisecond})

	fr := testutil.RequireReceive(t, srv.frames, 5*time.Second, "waiting for heartbeat")
	assert.Equal(t, protocol.MsgTypeHeartbeat, fr.header.MsgType)
	assert.Zero(t, fr.header.BodyLen)
}

func TestDialMissingSocket(t *testing.T) {
	dir := testutil.SocketDir(t)
	_, err := Dial(context.Background(), dir+"/absent.sock", Options{Logger: quiet})
	assert.Error(t, err)
}
