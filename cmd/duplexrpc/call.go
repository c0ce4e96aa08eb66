package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"duplex-rpc/client"
	"duplex-rpc/dispatch"
	"duplex-rpc/loadbalance"
	"duplex-rpc/registry"
	"duplex-rpc/transport"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const connectTimeout = 5 * time.Second

type connectFlags struct {
	addr      string
	variant   string
	etcd      []string
	balancer  string
	service   string
	cipherKey string
	cipherIV  string
}

func (f *connectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.addr, "addr", "a", "127.0.0.1:8080", "server address")
	cmd.Flags().StringVar(&f.variant, "variant", "plain", "connection variant: plain, http or websocket")
	cmd.Flags().StringSliceVar(&f.etcd, "etcd", nil, "discover the server through these etcd endpoints")
	cmd.Flags().StringVar(&f.balancer, "balancer", "roundrobin", "balancer used with --etcd: roundrobin, weighted or hash")
	cmd.Flags().StringVar(&f.cipherKey, "cipher-key", "", "hex AES key encrypting frame payloads")
	cmd.Flags().StringVar(&f.cipherIV, "cipher-iv", "", "hex AES IV, 16 bytes")
}

func (f *connectFlags) client() (*client.Client, func(), error) {
	cdc, err := selectedCodec()
	if err != nil {
		return nil, nil, err
	}
	opts := []client.Option{client.WithCodec(cdc)}
	switch f.variant {
	case "plain":
	case "http":
		opts = append(opts, client.WithVariant(transport.HTTPDuplex))
	case "websocket", "ws":
		opts = append(opts, client.WithVariant(transport.WebSocket))
	default:
		return nil, nil, errors.NotValidf("variant %q", f.variant)
	}
	if f.cipherKey != "" {
		c, err := parseCipher(f.cipherKey, f.cipherIV)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, client.WithCipher(c))
	}
	cleanup := func() {}
	addr := f.addr
	if len(f.etcd) > 0 {
		reg, err := registry.NewEtcdRegistry(clientv3.Config{Endpoints: f.etcd, DialTimeout: 5 * time.Second})
		if err != nil {
			return nil, nil, err
		}
		bal, err := loadbalance.New(f.balancer)
		if err != nil {
			reg.Close()
			return nil, nil, err
		}
		opts = append(opts, client.WithDiscovery(reg, bal, f.service, ""))
		cleanup = func() { reg.Close() }
		addr = ""
	}
	c := client.NewClient(addr, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		cleanup()
	}, nil
}

// parseArgs turns name=value pairs into arguments. Values that are not
// valid JSON are sent as strings.
func parseArgs(pairs []string) ([]dispatch.Argument, error) {
	args := make([]dispatch.Argument, 0, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, errors.NotValidf("argument %q, want name=value", p)
		}
		var v any = value
		if json.Valid([]byte(value)) {
			v = json.RawMessage(value)
		}
		args = append(args, dispatch.Arg(name, v))
	}
	return args, nil
}

func callCmd() *cobra.Command {
	var flags connectFlags

	cmd := &cobra.Command{
		Use:   "call SERVICE METHOD [name=value ...]",
		Short: "Call a method and print its result",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.service = args[0]
			params, err := parseArgs(args[2:])
			if err != nil {
				return err
			}
			c, done, err := flags.client()
			if err != nil {
				return err
			}
			defer done()

			var reply json.RawMessage
			if err := c.Call(cmd.Context(), args[0], args[1], &reply, params...); err != nil {
				return err
			}
			if len(reply) == 0 {
				reply = json.RawMessage("null")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func pingCmd() *cobra.Command {
	var flags connectFlags
	var details bool

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a server answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := flags.client()
			if err != nil {
				return err
			}
			defer done()

			start := time.Now()
			if err := c.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s as %s in %s\n", flags.addr, c.ID(), time.Since(start).Round(time.Microsecond))
			if !details {
				return nil
			}
			sd, err := c.ServiceDetails(cmd.Context(), "")
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(sd, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&details, "details", false, "also print the service catalogue")
	cmd.Flags().StringVar(&flags.service, "service", "EchoService", "service looked up with --etcd")
	return cmd
}
