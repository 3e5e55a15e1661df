package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pipe-rpc/message"
	"pipe-rpc/transport"
)

const DefaultNotifyQueueSize = 256

// Policy decides what Notify does when the queue is full.
type Policy int

const (
	// PolicyBlock waits for room or for the caller's context.
	PolicyBlock Policy = iota
	// PolicyDropOldest evicts the oldest queued notification.
	PolicyDropOldest
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop-oldest"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts "block" and "drop-oldest".
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "block":
		return PolicyBlock, nil
	case "drop-oldest", "drop_oldest":
		return PolicyDropOldest, nil
	}
	return 0, fmt.Errorf("unknown notify policy %q", name)
}

type notifyConfig struct {
	size         int
	policy       Policy
	rate         float64
	burst        int
	flushTimeout time.Duration
}

// notifier owns the notification queue and its single writer goroutine.
type notifier struct {
	queue   chan *message.Notification
	policy  Policy
	limiter *rate.Limiter // nil when unpaced
	deliver func(ctx context.Context, n *message.Notification) error
	logger  *slog.Logger

	flushTimeout time.Duration
	dropped      atomic.Uint64

	evict     sync.Mutex // serializes drop-oldest producers
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{} // writer exited
}

func newNotifier(cfg notifyConfig, deliver func(ctx context.Context, n *message.Notification) error, logger *slog.Logger) *notifier {
	n := &notifier{
		queue:        make(chan *message.Notification, cfg.size),
		policy:       cfg.policy,
		deliver:      deliver,
		logger:       logger,
		flushTimeout: cfg.flushTimeout,
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	if cfg.rate > 0 {
		burst := cfg.burst
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.rate), burst)
	}
	go n.run()
	return n
}

// enqueue accepts n or fails with ErrClosed or, under PolicyBlock, the
// context's error.
func (q *notifier) enqueue(ctx context.Context, n *message.Notification) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	if q.policy == PolicyDropOldest {
		q.evict.Lock()
		defer q.evict.Unlock()
		for {
			select {
			case q.queue <- n:
				return nil
			default:
			}
			select {
			case old := <-q.queue:
				q.dropped.Add(1)
				q.logger.Debug("notification queue full, dropped oldest", "opcode", old.Opcode)
			default:
			}
		}
	}

	select {
	case q.queue <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}
}

func (q *notifier) run() {
	defer close(q.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-q.closed
		// Past the flush window, in-progress deliveries give up.
		timer := time.NewTimer(q.flushTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case n := <-q.queue:
			q.write(ctx, n)
		case <-q.closed:
			for {
				select {
				case n := <-q.queue:
					q.write(ctx, n)
				default:
					return
				}
			}
		}
	}
}

func (q *notifier) write(ctx context.Context, n *message.Notification) {
	if ctx.Err() != nil {
		q.dropped.Add(1)
		return
	}
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			q.dropped.Add(1)
			return
		}
	}
	if err := q.deliver(ctx, n); err != nil {
		q.dropped.Add(1)
		q.logger.Debug("notification not delivered", "opcode", n.Opcode, "error", err)
	}
}

func (q *notifier) close() {
	q.closeOnce.Do(func() { close(q.closed) })
	<-q.done
}

// deliver writes one notification, connecting first if needed. A frame that
// never reached the socket is retried once on a fresh session.
func (c *Client) deliver(ctx context.Context, n *message.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, c.defaultTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var session *transport.Session
		session, err = c.cell.get(ctx)
		if err != nil {
			return err
		}
		err = session.Publish(ctx, n)
		if err == nil {
			return nil
		}
		c.cell.discard(session)
		if !errors.Is(err, transport.ErrNotDelivered) {
			return err
		}
	}
	return err
}

// Notify sends a one-way notification without arguments. It returns once
// the notification is queued; delivery failures are only logged and
// counted.
func (c *Client) Notify(ctx context.Context, opcode int32) error {
	return c.notifier.enqueue(ctx, &message.Notification{Opcode: opcode})
}

// Notify1 sends a one-way notification with one argument.
func Notify1[A any](ctx context.Context, c *Client, opcode int32, a A) error {
	args, err := c.encodeArgs(opcode, a)
	if err != nil {
		return err
	}
	return c.notifier.enqueue(ctx, &message.Notification{Opcode: opcode, Args: args})
}
