package server

import "time"

// Config is the server's environment configuration, loaded with
// config.New[server.Config]("RPC").
type Config struct {
	Addr           string        `default:":8080"`
	HTTPAddr       string        `split_words:"true"`
	Advertise      string        // address published in discovery; empty disables it
	Service        string        `default:"async-rpc"`
	TTL            time.Duration `default:"10s"`
	RateLimit      float64       `split_words:"true"` // calls per second, zero disables
	RateBurst      int           `split_words:"true" default:"100"`
	HandlerTimeout time.Duration `split_words:"true" default:"30s"`
}
