// Command rpcctl serves the demo operations and invokes operations against
// a running server.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"async-rpc/config"
	"async-rpc/logx"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "rpcctl",
	Short:         "Serve and call async-rpc operations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.SetEnvFile(envFile)
		conf, err := config.New[logx.Config]("LOG")
		if err != nil {
			return err
		}
		logx.Init(*conf)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to .env file")
	rootCmd.AddCommand(serveCmd, invokeCmd, opsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("rpcctl")
		os.Exit(1)
	}
}
