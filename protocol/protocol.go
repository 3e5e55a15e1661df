// Package protocol implements the binary frame protocol spoken over a channel's
// Unix socket.
//
// A stream socket has no message boundaries, so every frame starts with a
// fixed-size 14-byte header followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that
// many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ pip  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "pip".
// Rejects peers that connect to the socket but speak something else.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x69 // 'i'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)
)

// MaxBodyLen caps a single frame body. A larger length prefix is treated as
// a protocol error instead of an allocation request.
const MaxBodyLen uint32 = 16 << 20

// MsgType distinguishes the four frame kinds.
type MsgType byte

const (
	MsgTypeCall      MsgType = 0 // Client → Server two-way call (body: message.Call)
	MsgTypeResult    MsgType = 1 // Server → Client reply (body: message.Result)
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
	MsgTypeNotify    MsgType = 3 // Client → Server one-way notification (body: message.Notification)
)

// Codec type constants, mirrored from codec package to keep this package
// free of higher-level imports.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Value codec of the arguments/payload: 0=JSON, 1=CBOR
	MsgType   MsgType // Call, Result, Heartbeat or Notify
	Seq       uint32  // Correlates a Result with its Call; zero for notifications and heartbeats
	BodyLen   uint32  // Body length in bytes
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeCall:
		return "call"
	case MsgTypeResult:
		return "result"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeNotify:
		return "notify"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from
// len(body).
//
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different calls interleave and corrupt the
// stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One Write per frame: a partial frame never sits between two writers.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body
// length. io.ReadFull guarantees exactly N bytes are read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeCBOR {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeNotify {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
