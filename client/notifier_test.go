package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipe-rpc/internal/testutil"
	"pipe-rpc/message"
)

// gatedDeliver blocks every delivery until the gate opens and reports the
// delivered opcodes.
type gatedDeliver struct {
	gate      chan struct{}
	delivered chan int32
}

func newGatedDeliver() *gatedDeliver {
	return &gatedDeliver{gate: make(chan struct{}), delivered: make(chan int32, 64)}
}

func (g *gatedDeliver) deliver(ctx context.Context, n *message.Notification) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.delivered <- n.Opcode
	return nil
}

func TestParsePolicy(t *testing.T) {
	for name, want := range map[string]Policy{"": PolicyBlock, "block": PolicyBlock, "drop-oldest": PolicyDropOldest, "DROP_OLDEST": PolicyDropOldest} {
		got, err := ParsePolicy(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParsePolicy("lossy")
	assert.Error(t, err)
	assert.Equal(t, "drop-oldest", PolicyDropOldest.String())
}

func TestDropOldestPolicy(t *testing.T) {
	g := newGatedDeliver()
	q := newNotifier(notifyConfig{size: 2, policy: PolicyDropOldest, flushTimeout: time.Second}, g.deliver, quiet)
	ctx := context.Background()

	// The writer takes opcode 1 and blocks on the gate; 2 and 3 fill the
	// queue; 4 and 5 evict 2 and 3.
	require.NoError(t, q.enqueue(ctx, &message.Notification{Opcode: 1}))
	require.Eventually(t, func() bool { return len(q.queue) == 0 }, 5*time.Second, time.Millisecond)
	for op := int32(2); op <= 5; op++ {
		require.NoError(t, q.enqueue(ctx, &message.Notification{Opcode: op}))
	}
	assert.Equal(t, uint64(2), q.dropped.Load())

	close(g.gate)
	var got []int32
	for i := 0; i < 3; i++ {
		got = append(got, testutil.RequireReceive(t, g.delivered, 5*time.Second, "delivery %d", i))
	}
	assert.Equal(t, []int32{1, 4, 5}, got)
	q.close()
}

func TestBlockPolicyHonorsContext(t *testing.T) {
	g := newGatedDeliver()
	q := newNotifier(notifyConfig{size: 1, policy: PolicyBlock, flushTimeout: time.Second}, g.deliver, quiet)

	require.NoError(t, q.enqueue(context.Background(), &message.Notification{Opcode: 1}))
	require.Eventually(t, func() bool { return len(q.queue) == 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, q.enqueue(context.Background(), &message.Notification{Opcode: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.enqueue(ctx, &message.Notification{Opcode: 3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(g.gate)
	q.close()
	assert.Zero(t, q.dropped.Load())
	assert.ErrorIs(t, q.enqueue(context.Background(), &message.Notification{Opcode: 4}), ErrClosed)
}

func TestCloseGivesUpAfterFlushTimeout(t *testing.T) {
	g := newGatedDeliver() // never opened
	q := newNotifier(notifyConfig{size: 8, policy: PolicyBlock, flushTimeout: 50 * time.Millisecond}, g.deliver, quiet)
	for op := int32(0); op < 4; op++ {
		require.NoError(t, q.enqueue(context.Background(), &message.Notification{Opcode: op}))
	}

	start := time.Now()
	q.close()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, uint64(4), q.dropped.Load())
}

func TestNotifyRatePacing(t *testing.T) {
	delivered := make(chan time.Time, 8)
	deliver := func(ctx context.Context, n *message.Notification) error {
		delivered <- time.Now()
		return nil
	}
	q := newNotifier(notifyConfig{size: 8, rate: 20, burst: 1, flushTimeout: time.Second}, deliver, quiet)
	defer q.close()

	for op := int32(0); op < 3; op++ {
		require.NoError(t, q.enqueue(context.Background(), &message.Notification{Opcode: op}))
	}
	first := testutil.RequireReceive(t, delivered, 5*time.Second, "first")
	testutil.RequireReceive(t, delivered, 5*time.Second, "second")
	third := testutil.RequireReceive(t, delivered, 5*time.Second, "third")
	// Two intervals of 50ms at 20/s.
	assert.GreaterOrEqual(t, third.Sub(first), 80*time.Millisecond)
}

func TestDeliveryErrorsAreCounted(t *testing.T) {
	deliver := func(ctx context.Context, n *message.Notification) error {
		return errors.New("no server")
	}
	q := newNotifier(notifyConfig{size: 8, flushTimeout: time.Second}, deliver, quiet)
	require.NoError(t, q.enqueue(context.Background(), &message.Notification{Opcode: 1}))
	q.close()
	assert.Equal(t, uint64(1), q.dropped.Load())
}
