package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"pipe-rpc/codec"
	"pipe-rpc/dispatch"
	"pipe-rpc/message"
)

// subscriber handles one notification. Its error is logged, never sent.
type subscriber func(ctx context.Context, c codec.Codec, args [][]byte) error

// broker fans notifications out to every subscriber of their opcode.
type broker struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[int32][]subscriber
}

func newBroker(logger *slog.Logger) *broker {
	return &broker{logger: logger, subs: make(map[int32][]subscriber)}
}

func (b *broker) add(opcode int32, sub subscriber) {
	b.mu.Lock()
	b.subs[opcode] = append(b.subs[opcode], sub)
	b.mu.Unlock()
}

// publish runs the subscribers of n in registration order.
func (b *broker) publish(ctx context.Context, c codec.Codec, n *message.Notification) {
	b.mu.RLock()
	subs := b.subs[n.Opcode]
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug("notification without subscriber", "opcode", n.Opcode)
		return
	}
	for _, sub := range subs {
		b.deliver(ctx, c, n, sub)
	}
}

func (b *broker) deliver(ctx context.Context, c codec.Codec, n *message.Notification, sub subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "opcode", n.Opcode, "panic", r)
		}
	}()
	if err := sub(ctx, c, n.Args); err != nil {
		b.logger.Warn("subscriber failed", "opcode", n.Opcode, "error", err)
	}
}

// subscribe reserves opcode for notifications and adds sub. Several
// subscribers may share an opcode; a call handler may not.
func (s *Server) subscribe(opcode int32, sub subscriber) error {
	if err := s.table.ReserveNotification(opcode); err != nil {
		return err
	}
	s.broker.add(opcode, sub)
	return nil
}

// Subscribe0 runs fn for every notification with opcode and no argument.
func Subscribe0(s *Server, opcode int32, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, dispatch.ErrNilHandler)
	}
	return s.subscribe(opcode, func(ctx context.Context, c codec.Codec, args [][]byte) error {
		if err := dispatch.CheckArity(args, 0); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// Subscribe1 runs fn for every notification with opcode and one argument
// of type A.
func Subscribe1[A any](s *Server, opcode int32, fn func(ctx context.Context, a A) error) error {
	if fn == nil {
		return fmt.Errorf("opcode %d: %w", opcode, dispatch.ErrNilHandler)
	}
	return s.subscribe(opcode, func(ctx context.Context, c codec.Codec, args [][]byte) error {
		if err := dispatch.CheckArity(args, 1); err != nil {
			return err
		}
		a, err := dispatch.DecodeArg[A](c, args, 0)
		if err != nil {
			return err
		}
		return fn(ctx, a)
	})
}
