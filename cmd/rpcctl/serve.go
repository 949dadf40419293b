package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"async-rpc/config"
	"async-rpc/discovery"
	"async-rpc/middleware"
	"async-rpc/server"
)

var useEtcd bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo operations over TCP and, optionally, HTTP",
	Long: `The serve command hosts Echo, Upper, Arith.Add and Arith.Div. It reads
RPC_ADDR, RPC_HTTP_ADDR, RPC_ADVERTISE, RPC_RATE_LIMIT and the other RPC_*
variables, and advertises itself in etcd with --etcd.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New[server.Config]("RPC")
		if err != nil {
			return errors.Annotate(err, "loading server config")
		}

		opts := []server.Option{server.WithLogger(log.Logger)}
		if useEtcd && cfg.Advertise != "" {
			etcdCfg, err := config.New[discovery.EtcdConfig]("RPC")
			if err != nil {
				return errors.Annotate(err, "loading etcd config")
			}
			reg, err := discovery.NewEtcdRegistry(*etcdCfg)
			if err != nil {
				return errors.Trace(err)
			}
			defer reg.Close()
			opts = append(opts, server.WithRegistry(reg, cfg.Service, cfg.Advertise, cfg.TTL))
		}

		s := server.NewServer(opts...)
		if err := registerDemo(s); err != nil {
			return errors.Trace(err)
		}
		if cfg.RateLimit > 0 {
			s.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
		}
		if cfg.HandlerTimeout > 0 {
			s.Use(middleware.Timeout(cfg.HandlerTimeout))
		}

		l, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return errors.Trace(err)
		}
		served := make(chan error, 1)
		go func() { served <- s.ServeListener(l) }()

		var httpSrv *http.Server
		if cfg.HTTPAddr != "" {
			httpSrv = &http.Server{Addr: cfg.HTTPAddr, Handler: s.HTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("http binding stopped")
				}
			}()
			log.Info().Str("addr", cfg.HTTPAddr).Msg("serving http binding")
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-stop:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-served:
			return errors.Trace(err)
		}

		if httpSrv != nil {
			httpSrv.Close()
		}
		if err := s.Shutdown(10 * time.Second); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(<-served)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&useEtcd, "etcd", false, "advertise RPC_ADVERTISE in etcd")
}
