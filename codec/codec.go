// Package codec converts call arguments and return values to bytes and back.
//
// A Codec is chosen per client; its type travels in every frame header so the
// server decodes arguments and encodes results with the same format.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

// Codec encodes and decodes single values. Implementations must be safe for
// concurrent use; Decode expects a pointer.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

var (
	jsonCodec = &JSONCodec{}
	cborCodec = &CBORCodec{}
)

// GetCodec returns the codec for codecType. Unknown types fall back to CBOR;
// the frame decoder rejects unknown codec bytes before this is reached.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return jsonCodec
	}

	return cborCodec
}

// Parse maps a configuration name ("cbor" or "json") to a codec type.
func Parse(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cbor":
		return CodecTypeCBOR, nil
	case "json":
		return CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("unknown codec %q (want cbor or json)", name)
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}
