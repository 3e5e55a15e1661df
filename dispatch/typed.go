package dispatch

import (
	"context"
	"fmt"

	"pipe-rpc/codec"
)

// The helpers below decode each positional argument into its declared type,
// call fn, and encode the outcome. Void variants return an empty payload.

func RegisterVoid0(t *Table, opcode int32, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, ErrNilHandler)
	}
	return t.Register(opcode, 0, false, func(ctx context.Context, c codec.Codec, args [][]byte) ([]byte, error) {
		if err := CheckArity(args, 0); err != nil {
			return nil, err
		}
		return nil, fn(ctx)
	})
}

func RegisterVoid1[A any](t *Table, opcode int32, fn func(ctx context.Context, a A) error) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, ErrNilHandler)
	}
	return t.Register(opcode, 1, false, func(ctx context.Context, c codec.Codec, args [][]byte) ([]byte, error) {
		if err := CheckArity(args, 1); err != nil {
			return nil, err
		}
		a, err := DecodeArg[A](c, args, 0)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a)
	})
}

func RegisterVoid2[A, B any](t *Table, opcode int32, fn func(ctx context.Context, a A, b B) error) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, ErrNilHandler)
	}
	return t.Register(opcode, 2, false, func(ctx context.Context, c codec.Codec, args [][]byte) ([]byte, error) {
		if err := CheckArity(args, 2); err != nil {
			return nil, err
		}
		a, err := DecodeArg[A](c, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := DecodeArg[B](c, args, 1)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a, b)
	})
}

func RegisterVoid3[A, B, C any](t *Table, opcode int32, fn func(ctx context.Context, a A, b B, c C) error) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, ErrNilHandler)
	}
	return t.Register(opcode, 3, false, func(ctx context.Context, cd codec.Codec, args [][]byte) ([]byte, error) {
		if err := CheckArity(args, 3); err != nil {
			return nil, err
		}
		a, err := DecodeArg[A](cd, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := DecodeArg[B](cd, args, 1)
		if err != nil {
			return nil, err
		}
		c, err := DecodeArg[C](cd, args, 2)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a, b, c)
	})
}

func RegisterValue0[R any](t *Table, opcode int32, fn func(ctx context.Context) (R, error)) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, ErrNilHandler)
	}
	return t.Register(opcode, 0, true, func(ctx context.Context, c codec.Codec, args [][]byte) ([]byte, error) {
		if err := CheckArity(args, 0); err != nil {
			return nil, err
		}
		r, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return encodeResult(c, r)
	})
}

func RegisterValue1[R, A any](t *Table, opcode int32, fn func(ctx context.Context, a A) (R, error)) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, ErrNilHandler)
	}
	return t.Register(opcode, 1, true, func(ctx context.Context, c codec.Codec, args [][]byte) ([]byte, error) {
		if err := CheckArity(args, 1); err != nil {
			return nil, err
		}
		a, err := DecodeArg[A](c, args, 0)
		if err != nil {
			return nil, err
		}
		r, err := fn(ctx, a)
		if err != nil {
			return nil, err
		}
		return encodeResult(c, r)
	})
}

func RegisterValue2[R, A, B any](t *Table, opcode int32, fn func(ctx context.Context, a A, b B) (R, error)) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, ErrNilHandler)
	}
	return t.Register(opcode, 2, true, func(ctx context.Context, c codec.Codec, args [][]byte) ([]byte, error) {
		if err := CheckArity(args, 2); err != nil {
			return nil, err
		}
		a, err := DecodeArg[A](c, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := DecodeArg[B](c, args, 1)
		if err != nil {
			return nil, err
		}
		r, err := fn(ctx, a, b)
		if err != nil {
			return nil, err
		}
		return encodeResult(c, r)
	})
}

func RegisterValue3[R, A, B, C any](t *Table, opcode int32, fn func(ctx context.Context, a A, b B, c C) (R, error)) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, ErrNilHandler)
	}
	return t.Register(opcode, 3, true, func(ctx context.Context, cd codec.Codec, args [][]byte) ([]byte, error) {
		if err := CheckArity(args, 3); err != nil {
			return nil, err
		}
		a, err := DecodeArg[A](cd, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := DecodeArg[B](cd, args, 1)
		if err != nil {
			return nil, err
		}
		c, err := DecodeArg[C](cd, args, 2)
		if err != nil {
			return nil, err
		}
		r, err := fn(ctx, a, b, c)
		if err != nil {
			return nil, err
		}
		return encodeResult(cd, r)
	})
}

// CheckArity reports ErrArgumentCount unless len(args) == want.
func CheckArity(args [][]byte, want int) error {
	if len(args) != want {
		return fmt.Errorf("%w: want %d, got %d", ErrArgumentCount, want, len(args))
	}
	return nil
}

// DecodeArg decodes args[i] into a T.
func DecodeArg[T any](c codec.Codec, args [][]byte, i int) (T, error) {
	var v T
	if err := c.Decode(args[i], &v); err != nil {
		return v, fmt.Errorf("%w: decoding argument %d as %T: %v", ErrInvalidArgument, i, v, err)
	}
	return v, nil
}

func encodeResult[R any](c codec.Codec, r R) ([]byte, error) {
	payload, err := c.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("encoding result as %s: %w", c.Type(), err)
	}
	return payload, nil
}
