package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"async-rpc/client"
	"async-rpc/config"
	"async-rpc/discovery"
	"async-rpc/fault"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var data string

var invokeCmd = &cobra.Command{
	Use:   "invoke <operation>",
	Short: "Invoke an operation and print its response",
	Long: `The invoke command sends one request and waits for the result. The
transport is chosen from RPC_HTTP_URL, RPC_SERVICE (etcd discovery) or
RPC_ADDR, in that order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New[client.Config]("RPC")
		if err != nil {
			return errors.Annotate(err, "loading client config")
		}

		ops := operations()
		contract, err := ops.Lookup(args[0])
		if err != nil {
			return errors.Trace(err)
		}
		req := contract.Request.New()
		if err := json.Unmarshal([]byte(data), req); err != nil {
			return errors.Annotate(err, "parsing --data")
		}

		var reg discovery.Registry
		if cfg.Service != "" {
			etcdCfg, err := config.New[discovery.EtcdConfig]("RPC")
			if err != nil {
				return errors.Annotate(err, "loading etcd config")
			}
			etcdReg, err := discovery.NewEtcdRegistry(*etcdCfg)
			if err != nil {
				return errors.Trace(err)
			}
			defer etcdReg.Close()
			reg = etcdReg
		}

		d, closeAll, err := client.Dial(*cfg, ops, reg)
		if err != nil {
			return errors.Trace(err)
		}
		defer closeAll(context.Background())

		f, err := d.Invoke(cmd.Context(), contract.Name, req, func(_ any, err error) {
			if err != nil {
				log.Debug().Str("kind", string(fault.KindOf(err))).Msg("call resolved with a fault")
			}
		})
		if err != nil {
			return errors.Trace(err)
		}
		resp, err := f.Await(cmd.Context())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List the operations this client knows",
	RunE: func(cmd *cobra.Command, args []string) error {
		ops := operations()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "OPERATION\tREQUEST\tRESPONSE\tERRORS\tDOC")
		for _, name := range ops.Names() {
			c, err := ops.Lookup(name)
			if err != nil {
				return errors.Trace(err)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", c.Name, c.Request, c.Response, c.Errors, c.Doc)
		}
		return w.Flush()
	},
}

func init() {
	invokeCmd.Flags().StringVarP(&data, "data", "d", "{}", "request as JSON")
}
