package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every key this registry writes.
const KeyPrefix = "/async-rpc/"

// EtcdConfig configures the etcd client.
type EtcdConfig struct {
	Endpoints   []string      `envconfig:"ETCD_ENDPOINTS" default:"localhost:2379"`
	DialTimeout time.Duration `envconfig:"ETCD_DIAL_TIMEOUT" default:"5s"`
}

// EtcdRegistry implements Registry on etcd v3, which acts as a shared
// phonebook:
//
//	Key:   /async-rpc/{service}/{addr}
//	Value: JSON-encoded Endpoint
//
// Each entry is attached to its own TTL lease. While the process lives the
// lease is kept alive; if it crashes the lease expires and the entry goes
// with it.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]registration // by key
}

type registration struct {
	lease clientv3.LeaseID
	stop  context.CancelFunc // ends the keepalive
}

// NewEtcdRegistry connects to etcd. The client's own logging is discarded.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to etcd")
	}
	return &EtcdRegistry{client: c, leases: make(map[string]registration)}, nil
}

func key(service, addr string) string {
	return KeyPrefix + service + "/" + addr
}

func prefix(service string) string {
	return KeyPrefix + service + "/"
}

// Register grants a lease of ttl (rounded up to whole seconds), writes the
// endpoint under it and keeps it alive until Deregister or Close.
// Registering the same address again replaces the earlier lease.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl time.Duration) error {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	lease, err := r.client.Grant(ctx, secs)
	if err != nil {
		return errors.Annotatef(err, "granting lease for %s", service)
	}

	val, err := jsoniter.Marshal(ep)
	if err != nil {
		return errors.Trace(err)
	}
	k := key(service, ep.Addr)
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "writing %s", k)
	}

	// The keepalive must outlive ctx, which only scopes this call.
	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		return errors.Annotatef(err, "keeping %s alive", k)
	}
	go func() {
		for range ch {
		}
		log.Debug().Str("key", k).Msg("lease keepalive ended")
	}()

	r.mu.Lock()
	old, replaced := r.leases[k]
	r.leases[k] = registration{lease: lease.ID, stop: stop}
	r.mu.Unlock()
	if replaced {
		old.stop()
		_, _ = r.client.Revoke(ctx, old.lease)
	}
	return nil
}

// Deregister removes the endpoint and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	k := key(service, addr)
	r.mu.Lock()
	reg, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if ok {
		reg.stop()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("revoking lease")
		}
	}
	if _, err := r.client.Delete(ctx, k); err != nil {
		return errors.Annotatef(err, "deleting %s", k)
	}
	return nil
}

// Discover returns every endpoint currently stored for service. Entries
// that do not decode are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, prefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s", service)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := jsoniter.Unmarshal(kv.Value, &ep); err != nil {
			log.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed endpoint")
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-reads the full list on every change under the service prefix;
// that is simpler than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) (<-chan []Endpoint, error) {
	initial, err := r.Discover(ctx, service)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ch := make(chan []Endpoint, 1)
	ch <- initial
	watchChan := r.client.Watch(ctx, prefix(service), clientv3.WithPrefix())
	go func() {
		defer close(ch)
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				log.Warn().Err(err).Str("service", service).Msg("watch error")
				continue
			}
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Close stops all keepalives and closes the etcd client. Entries expire
// when their leases run out.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for k, reg := range r.leases {
		reg.stop()
		delete(r.leases, k)
	}
	r.mu.Unlock()
	return errors.Trace(r.client.Close())
}
