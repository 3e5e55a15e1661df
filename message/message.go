// Package message defines the envelopes exchanged between client and server.
//
// A two-way call sends a Call and receives exactly one Result. A one-way
// notification sends a Notification and receives nothing. Envelopes have a
// fixed byte-exact layout (big endian) independent of the value codec:
//
//	Call, Notification:  opcode int32 | argc uint16 | argc × (len uint32 | bytes)
//	Result:              succeeded uint8 | len uint32 | payload
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"pipe-rpc/codec"
)

// MethodNotFound is the failure text sent when no handler is bound to an opcode.
const MethodNotFound = "Method not found"

// ErrMalformed is returned when envelope bytes are truncated, oversized or
// followed by trailing garbage.
var ErrMalformed = errors.New("malformed envelope")

// Call carries one two-way invocation.
//
//   - Opcode selects the handler in the server's dispatch table.
//   - Args[i] is the codec-encoded i-th argument, in declared order.
type Call struct {
	Opcode int32
	Args   [][]byte
}

// Result carries the outcome of one Call.
//
//   - Succeeded: Payload is the encoded return value (empty for void calls).
//   - Otherwise: Payload is the encoded error message string.
type Result struct {
	Succeeded bool
	Payload   []byte
}

// Notification carries one fire-and-forget message with zero or one argument.
type Notification struct {
	Opcode int32
	Args   [][]byte
}

// Success wraps an encoded return value.
func Success(payload []byte) *Result {
	if payload == nil {
		payload = []byte{}
	}
	return &Result{Succeeded: true, Payload: payload}
}

// Failure encodes text with c and wraps it as a failed result. If the codec
// cannot encode a string the raw text is sent; the client then reports a
// decode error rather than losing the failure.
func Failure(c codec.Codec, text string) *Result {
	payload, err := c.Encode(text)
	if err != nil {
		payload = []byte(text)
	}
	return &Result{Succeeded: false, Payload: payload}
}

func (m *Call) MarshalBinary() ([]byte, error) {
	return marshalOpcodeArgs(m.Opcode, m.Args)
}

func (m *Call) UnmarshalBinary(data []byte) error {
	op, args, err := unmarshalOpcodeArgs(data)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	m.Opcode, m.Args = op, args
	return nil
}

func (m *Notification) MarshalBinary() ([]byte, error) {
	return marshalOpcodeArgs(m.Opcode, m.Args)
}

func (m *Notification) UnmarshalBinary(data []byte) error {
	op, args, err := unmarshalOpcodeArgs(data)
	if err != nil {
		return fmt.Errorf("notification: %w", err)
	}
	m.Opcode, m.Args = op, args
	return nil
}

func (m *Result) MarshalBinary() ([]byte, error) {
	if uint64(len(m.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("result: %w: payload too large", ErrMalformed)
	}
	buf := make([]byte, 1+4+len(m.Payload))
	if m.Succeeded {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Payload)))
	copy(buf[5:], m.Payload)
	return buf, nil
}

func (m *Result) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("result: %w: %d bytes", ErrMalformed, len(data))
	}
	if data[0] > 1 {
		return fmt.Errorf("result: %w: status byte %d", ErrMalformed, data[0])
	}
	n := binary.BigEndian.Uint32(data[1:5])
	if uint64(len(data)-5) != uint64(n) {
		return fmt.Errorf("result: %w: payload length %d, have %d bytes", ErrMalformed, n, len(data)-5)
	}
	m.Succeeded = data[0] == 1
	m.Payload = make([]byte, n)
	copy(m.Payload, data[5:])
	return nil
}

func marshalOpcodeArgs(opcode int32, args [][]byte) ([]byte, error) {
	if len(args) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d arguments", ErrMalformed, len(args))
	}
	// Calculate the length of message
	total := 4 + 2
	for _, a := range args {
		if uint64(len(a)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: argument too large", ErrMalformed)
		}
		total += 4 + len(a)
	}
	buf := make([]byte, total)

	offset := 0
	// Opcode -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(opcode))
	offset += 4

	// Argument count -- 2 bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(args)))
	offset += 2

	// Each argument: length -- 4 bytes, then n bytes
	for _, a := range args {
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(a)))
		offset += 4
		copy(buf[offset:offset+len(a)], a)
		offset += len(a)
	}
	return buf, nil
}

func unmarshalOpcodeArgs(data []byte) (int32, [][]byte, error) {
	if len(data) < 6 {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	offset := 0
	opcode := int32(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	argc := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	var args [][]byte
	if argc > 0 {
		args = make([][]byte, argc)
	}
	for i := 0; i < argc; i++ {
		if len(data)-offset < 4 {
			return 0, nil, fmt.Errorf("%w: argument %d length truncated", ErrMalformed, i)
		}
		n := binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
		if uint64(len(data)-offset) < uint64(n) {
			return 0, nil, fmt.Errorf("%w: argument %d truncated", ErrMalformed, i)
		}
		args[i] = make([]byte, n)
		copy(args[i], data[offset:offset+int(n)])
		offset += int(n)
	}
	if offset != len(data) {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-offset)
	}
	return opcode, args, nil
}
