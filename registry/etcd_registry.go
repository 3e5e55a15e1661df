package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the etcd key space of the registry:
//
//	Key:   /pipe-rpc/{channel}
//	Value: JSON-encoded Endpoint
//
// Entries are attached to a TTL lease kept alive by the registering server.
// If the server crashes the lease expires and the entry disappears.
const KeyPrefix = "/pipe-rpc/"

type EtcdOptions struct {
	DialTimeout time.Duration
	Logger      *zap.Logger // handed to the etcd client; nil means zap.NewNop()
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]registration // channel → lease owned by this process
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

func NewEtcdRegistry(endpoints []string, opts EtcdOptions) (*EtcdRegistry, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: opts.DialTimeout,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd %v: %w", endpoints, err)
	}
	return &EtcdRegistry{client: c, leases: make(map[string]registration)}, nil
}

// Register stores endpoint under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, endpoint Endpoint, ttl int64) error {
	if err := ValidateChannel(endpoint.Channel); err != nil {
		return err
	}
	val, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease for %s: %w", endpoint.Channel, err)
	}
	if _, err := r.client.Put(ctx, KeyPrefix+endpoint.Channel, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registering %s: %w", endpoint.Channel, err)
	}

	// KeepAlive outlives the registration call, so it gets its own context.
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keeping lease for %s alive: %w", endpoint.Channel, err)
	}
	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	previous, replaced := r.leases[endpoint.Channel]
	r.leases[endpoint.Channel] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()
	if replaced {
		previous.cancel()
	}
	return nil
}

// Deregister removes the channel entry and releases its lease. Called
// during shutdown before the listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, channel string) error {
	r.mu.Lock()
	reg, ok := r.leases[channel]
	delete(r.leases, channel)
	r.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			return fmt.Errorf("revoking lease for %s: %w", channel, err)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, KeyPrefix+channel); err != nil {
		return fmt.Errorf("deregistering %s: %w", channel, err)
	}
	return nil
}

func (r *EtcdRegistry) Resolve(ctx context.Context, channel string) (Endpoint, error) {
	if err := ValidateChannel(channel); err != nil {
		return Endpoint{}, err
	}
	resp, err := r.client.Get(ctx, KeyPrefix+channel)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolving %s: %w", channel, err)
	}
	if len(resp.Kvs) == 0 {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, channel)
	}
	var endpoint Endpoint
	if err := json.Unmarshal(resp.Kvs[0].Value, &endpoint); err != nil {
		return Endpoint{}, fmt.Errorf("resolving %s: malformed entry: %w", channel, err)
	}
	return endpoint, nil
}

// Close stops every keepalive and closes the etcd client. Entries expire
// with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for channel, reg := range r.leases {
		reg.cancel()
		delete(r.leases, channel)
	}
	r.mu.Unlock()
	return r.client.Close()
}
