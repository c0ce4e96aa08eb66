// Command duplexrpc serves a demo service and calls duplex-rpc servers.
package main

import (
	"fmt"
	"os"

	"duplex-rpc/codec"

	"github.com/juju/loggo"
	"github.com/spf13/cobra"
)

var logger = loggo.GetLogger("duplexrpc.cmd")

var codecName string

// selectedCodec resolves the --codec flag.
func selectedCodec() (codec.Codec, error) {
	ct, err := codec.ParseCodecType(codecName)
	if err != nil {
		return nil, err
	}
	return codec.GetCodec(ct)
}

func main() {
	var logConfig string
	rootCmd := &cobra.Command{
		Use:   "duplexrpc",
		Short: "Duplex RPC server and client",
		Long: `duplexrpc runs a duplex-rpc server with a demo EchoService, or calls
methods on a running server over a plain, HTTP-duplex or WebSocket
connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loggo.ConfigureLoggers(logConfig)
		},
	}
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", "json", "serializer for records and values")
	rootCmd.PersistentFlags().StringVar(&logConfig, "log-config", "<root>=INFO", "logging levels, e.g. duplexrpc.dispatch=DEBUG")

	rootCmd.AddCommand(
		serveCmd(),
		callCmd(),
		pingCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
