// Package client calls a channel served by package server.
//
// A Client owns one session to its channel. Calls are bounded by a timeout;
// a call that runs out of time discards the session, so the next call
// starts on a fresh connection:
//
//	cli := client.New(nil, "sample")
//	defer cli.Close()
//	echoed, err := client.CallValue1[int32](ctx, cli, 100, 3*time.Second, int32(10))
//	switch {
//	case errors.Is(err, client.ErrRequestTimeout): // no server, or too slow
//	case errors.Is(err, client.ErrAPIFailure):     // the handler failed
//	}
//
// Notifications are queued and written by a background goroutine; see
// Notify.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pipe-rpc/codec"
	"pipe-rpc/message"
	"pipe-rpc/registry"
	"pipe-rpc/transport"
)

const (
	DefaultTimeout      = 3 * time.Second
	DefaultFlushTimeout = time.Second

	dialBackoffMin = 10 * time.Millisecond
	dialBackoffMax = 250 * time.Millisecond
)

type Client struct {
	resolver registry.Resolver
	channel  string
	logger   *slog.Logger

	codec          codec.Codec
	defaultTimeout time.Duration
	heartbeat      time.Duration

	notifyConfig notifyConfig

	cell     *sessionCell
	notifier *notifier
}

type Option func(*Client)

// WithCodec selects the value codec. CBOR is the default.
func WithCodec(t codec.CodecType) Option {
	return func(c *Client) { c.codec = codec.GetCodec(t) }
}

// WithDefaultTimeout sets the timeout used when a call passes timeout <= 0.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithHeartbeat sets the session keep-alive interval; negative disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithNotifyQueue bounds the notification queue and sets what happens when
// it is full.
func WithNotifyQueue(size int, policy Policy) Option {
	return func(c *Client) {
		if size > 0 {
			c.notifyConfig.size = size
		}
		c.notifyConfig.policy = policy
	}
}

// WithNotifyRate paces notification writes to r per second with the given
// burst. r <= 0 disables pacing.
func WithNotifyRate(r float64, burst int) Option {
	return func(c *Client) {
		c.notifyConfig.rate = r
		c.notifyConfig.burst = burst
	}
}

// WithFlushTimeout bounds how long Close keeps delivering queued
// notifications.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Client) { c.notifyConfig.flushTimeout = d }
}

// New creates a client for channel. A nil resolver resolves sockets under
// registry.DefaultDir(). No connection is made until the first call or
// notification.
func New(resolver registry.Resolver, channel string, opts ...Option) *Client {
	if resolver == nil {
		resolver = registry.NewPathRegistry("")
	}
	c := &Client{
		resolver:       resolver,
		channel:        channel,
		logger:         slog.Default(),
		codec:          codec.GetCodec(codec.CodecTypeCBOR),
		defaultTimeout: DefaultTimeout,
		notifyConfig: notifyConfig{
			size:         DefaultNotifyQueueSize,
			policy:       PolicyBlock,
			flushTimeout: DefaultFlushTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("channel", channel)
	c.cell = newSessionCell(c.connect)
	c.notifier = newNotifier(c.notifyConfig, c.deliver, c.logger)
	return c
}

func (c *Client) Channel() string { return c.channel }

func (c *Client) Codec() codec.Codec { return c.codec }

// State reports the state of the client's session.
func (c *Client) State() State { return c.cell.State() }

// DroppedNotifications counts notifications that were accepted but never
// written: evicted by PolicyDropOldest, undeliverable, or left over at Close.
func (c *Client) DroppedNotifications() uint64 { return c.notifier.dropped.Load() }

// Close stops the notification writer, flushing what it can within the
// flush timeout, and closes the session.
func (c *Client) Close() error {
	c.notifier.close()
	c.cell.close()
	return nil
}

// connect resolves the channel and dials it, retrying with capped backoff
// until ctx ends. A server that is not listening yet looks the same as a
// slow one.
func (c *Client) connect(ctx context.Context) (*transport.Session, error) {
	opts := transport.Options{Codec: c.codec.Type(), Heartbeat: c.heartbeat, Logger: c.logger}
	backoff := dialBackoffMin
	for {
		endpoint, err := c.resolver.Resolve(ctx, c.channel)
		if err == nil {
			var session *transport.Session
			session, err = transport.Dial(ctx, endpoint.Path, opts)
			if err == nil {
				c.logger.Debug("session established", "session", session.ID(), "path", endpoint.Path)
				return session, nil
			}
		}
		if errors.Is(err, registry.ErrInvalidChannel) {
			return nil, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: last attempt: %v", ctx.Err(), err)
		case <-timer.C:
		}
		backoff = min(backoff*2, dialBackoffMax)
	}
}

// invoke sends one call and races its outcome against timeout.
func (c *Client) invoke(ctx context.Context, opcode int32, timeout time.Duration, args [][]byte) (*message.Result, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := &message.Call{Opcode: opcode, Args: args}
	var lastErr error
	for {
		if callCtx.Err() != nil {
			return nil, c.timeoutError(ctx, opcode, timeout, ReasonExpired, lastErr)
		}
		session, err := c.cell.get(callCtx)
		if err != nil {
			if callCtx.Err() != nil {
				return nil, c.timeoutError(ctx, opcode, timeout, ReasonExpired, err)
			}
			return nil, err
		}

		result, err := session.Invoke(callCtx, call)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, transport.ErrNotDelivered):
			// The server never saw the frame: try again on a fresh session.
			c.cell.discard(session)
			lastErr = err
		case errors.Is(err, transport.ErrConnectionLost):
			c.cell.discard(session)
			return nil, c.timeoutError(ctx, opcode, timeout, ReasonConnectionLost, err)
		case callCtx.Err() != nil:
			c.cell.discard(session)
			return nil, c.timeoutError(ctx, opcode, timeout, ReasonExpired, nil)
		default:
			return nil, fmt.Errorf("opcode %d: %w", opcode, err)
		}
	}
}

// timeoutError classifies a call that produced no result. A cancelled
// parent context wins over the call's own deadline.
func (c *Client) timeoutError(parent context.Context, opcode int32, timeout time.Duration, reason Reason, cause error) error {
	if reason != ReasonConnectionLost && errors.Is(parent.Err(), context.Canceled) {
		reason = ReasonCancelled
	}
	c.logger.Debug("call produced no result", "opcode", opcode, "reason", reason, "timeout", timeout)
	return &TimeoutError{Opcode: opcode, Timeout: timeout, Reason: reason, Cause: cause}
}

// failure turns a failed Result into an *APIError.
func (c *Client) failure(opcode int32, result *message.Result) error {
	var text string
	if err := c.codec.Decode(result.Payload, &text); err != nil {
		text = string(result.Payload)
	}
	return &APIError{Opcode: opcode, Message: text}
}

func (c *Client) encodeArgs(opcode int32, values ...any) ([][]byte, error) {
	args := make([][]byte, len(values))
	for i, v := range values {
		b, err := c.codec.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("opcode %d: encoding argument %d: %w", opcode, i, err)
		}
		args[i] = b
	}
	return args, nil
}

func (c *Client) callVoid(ctx context.Context, opcode int32, timeout time.Duration, values ...any) error {
	args, err := c.encodeArgs(opcode, values...)
	if err != nil {
		return err
	}
	result, err := c.invoke(ctx, opcode, timeout, args)
	if err != nil {
		return err
	}
	if !result.Succeeded {
		return c.failure(opcode, result)
	}
	return nil
}

func callValue[R any](ctx context.Context, c *Client, opcode int32, timeout time.Duration, values ...any) (R, error) {
	var r R
	args, err := c.encodeArgs(opcode, values...)
	if err != nil {
		return r, err
	}
	result, err := c.invoke(ctx, opcode, timeout, args)
	if err != nil {
		return r, err
	}
	if !result.Succeeded {
		return r, c.failure(opcode, result)
	}
	if err := c.codec.Decode(result.Payload, &r); err != nil {
		return r, fmt.Errorf("opcode %d: decoding result as %T: %w", opcode, r, err)
	}
	return r, nil
}
