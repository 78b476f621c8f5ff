// Package registry announces running servers in etcd so clients can find
// them by service name.
//
// Each running server owns one key:
//
//	Key:   /cmdsock/{service}/{addr}
//	Value: {addr}
//
// The key is attached to a lease that the server keeps alive; if the
// process dies the lease expires and the entry disappears.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Zereker/cmdsock"
)

const keyPrefix = "/cmdsock/"

// ErrNotAnnounced is returned by Withdraw when nothing is announced.
var ErrNotAnnounced = errors.New("registry: nothing announced")

var _ cmdsock.Announcer = (*Etcd)(nil)

// Etcd announces one server address under a service name.
type Etcd struct {
	client  *clientv3.Client
	service string
	ttl     int64

	mu     sync.Mutex
	lease  clientv3.LeaseID
	key    string
	cancel context.CancelFunc
}

// NewEtcd connects to the given etcd endpoints. ttl is the lease lifetime
// in seconds.
func NewEtcd(endpoints []string, service string, ttl int64) (*Etcd, error) {
	if service == "" {
		return nil, errors.New("registry: empty service name")
	}
	if ttl <= 0 {
		ttl = 10
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "registry: connect etcd")
	}
	return &Etcd{client: c, service: service, ttl: ttl}, nil
}

func (r *Etcd) prefix() string {
	return keyPrefix + r.service + "/"
}

// Announce publishes addr under the service name and keeps its lease alive
// until Withdraw. A second Announce replaces the first.
func (r *Etcd) Announce(ctx context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		_ = r.withdrawLocked(ctx)
	}

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return errors.Wrap(err, "registry: grant lease")
	}

	key := r.prefix() + addr
	if _, err := r.client.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "registry: put %s", key)
	}

	// The keepalive must outlive the caller's context.
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "registry: keep lease alive")
	}

	// Drain responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()

	r.lease = lease.ID
	r.key = key
	r.cancel = cancel
	return nil
}

// Withdraw removes the announced address and stops renewing its lease.
func (r *Etcd) Withdraw(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return ErrNotAnnounced
	}
	return r.withdrawLocked(ctx)
}

func (r *Etcd) withdrawLocked(ctx context.Context) error {
	r.cancel()
	lease, key := r.lease, r.key
	r.cancel, r.lease, r.key = nil, 0, ""

	// Revoking the lease deletes every key attached to it.
	if _, err := r.client.Revoke(ctx, lease); err != nil {
		return errors.Wrapf(err, "registry: revoke lease for %s", key)
	}
	return nil
}

// Discover returns the addresses announced under the service name, sorted.
func (r *Etcd) Discover(ctx context.Context) ([]string, error) {
	resp, err := r.client.Get(ctx, r.prefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "registry: discover")
	}

	addrs := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if len(kv.Value) == 0 {
			continue
		}
		addrs = append(addrs, string(kv.Value))
	}
	sort.Strings(addrs)
	return addrs, nil
}

// Close releases the etcd client. It does not withdraw.
func (r *Etcd) Close() error {
	return r.client.Close()
}
