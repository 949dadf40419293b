package client

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"async-rpc/codec"
	"async-rpc/discovery"
	"async-rpc/loadbalance"
	"async-rpc/middleware"
	"async-rpc/operation"
	"async-rpc/transport"
)

// Config is the client's environment configuration, loaded with
// config.New[client.Config]("RPC").
type Config struct {
	Addr        string        `default:"localhost:8080"` // TCP server, used when neither HTTPURL nor Service is set
	HTTPURL     string        `envconfig:"HTTP_URL"`     // selects the JSON/HTTP binding
	Service     string        // discovery service name; selects the balanced transport
	Balancer    string        `default:"round-robin"`
	Codec       string        `default:"json"`
	PoolSize    int           `split_words:"true" default:"2"`
	Heartbeat   time.Duration `default:"30s"`
	MaxInFlight int64         `split_words:"true" default:"256"`
	Timeout     time.Duration `default:"10s"` // per attempt, zero disables
	Retries     uint64        `default:"3"`
	RetryBase   time.Duration `split_words:"true" default:"100ms"`
	RateLimit   float64       `split_words:"true"` // calls per second, zero disables
}

// Transport builds the transport cfg selects. reg is only consulted when
// Service is set. The returned close func releases its connections.
func (cfg Config) Transport(reg discovery.Registry) (transport.Transport, func() error, error) {
	if cfg.HTTPURL != "" {
		return transport.NewHTTPTransport(cfg.HTTPURL, nil), func() error { return nil }, nil
	}

	codecType, err := codec.Parse(cfg.Codec)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	pc := transport.PoolConfig{Size: cfg.PoolSize, Codec: codecType, Heartbeat: cfg.Heartbeat}
	if cfg.Service == "" {
		p := transport.NewPool(cfg.Addr, pc)
		return p, p.Close, nil
	}

	if reg == nil {
		return nil, nil, errors.NotValidf("service %q without a registry", cfg.Service)
	}
	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	b := transport.NewBalanced(cfg.Service, reg, bal, pc)
	return b, b.Close, nil
}

// Options turns cfg into dispatcher options: the in-flight bound and a
// middleware chain of logging, retry, throttle and a per-attempt timeout.
func (cfg Config) Options(logger zerolog.Logger) []Option {
	opts := []Option{
		WithLogger(logger),
		WithMaxInFlight(cfg.MaxInFlight),
		WithMiddleware(middleware.Logging(logger)),
	}
	if cfg.Retries > 0 {
		opts = append(opts, WithRetry(cfg.Retries, cfg.RetryBase))
	}
	var mws []middleware.Middleware
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.Throttle(cfg.RateLimit, 1))
	}
	if cfg.Timeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.Timeout))
	}
	return append(opts, WithMiddleware(mws...))
}

// Dial builds a dispatcher from cfg. The returned close func closes the
// dispatcher and then the transport.
func Dial(cfg Config, ops *operation.Registry, reg discovery.Registry, opts ...Option) (*Dispatcher, func(context.Context) error, error) {
	t, closeTransport, err := cfg.Transport(reg)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	d := New(ops, t, append(cfg.Options(log.Logger), opts...)...)
	closeAll := func(ctx context.Context) error {
		err := d.Close(ctx)
		if cerr := closeTransport(); err == nil {
			err = cerr
		}
		return errors.Trace(err)
	}
	return d, closeAll, nil
}
