package main

import (
	"encoding/hex"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/security"
	"duplex-rpc/server"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		advertise   string
		hostURL     string
		etcd        []string
		metricsAddr string
		rateLimit   float64
		timeout     time.Duration
		cipherKey   string
		cipherIV    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo EchoService",
		RunE: func(cmd *cobra.Command, args []string) error {
			cdc, err := selectedCodec()
			if err != nil {
				return err
			}
			opts := []server.Option{server.WithCodec(cdc)}
			if hostURL != "" {
				opts = append(opts, server.WithHostURL(hostURL))
			}
			if cipherKey != "" {
				c, err := parseCipher(cipherKey, cipherIV)
				if err != nil {
					return err
				}
				opts = append(opts, server.WithCipher(c))
			}
			svr := server.NewServer(opts...)

			promRegistry := prometheus.NewRegistry()
			metrics, _ := middleware.Prometheus(
				middleware.WithNamespace("duplexrpc"),
				middleware.WithRegistry(promRegistry))
			svr.Use(middleware.Tracing(nil))
			svr.Use(middleware.LoggingMiddleware())
			svr.Use(metrics)
			if rateLimit > 0 {
				svr.Use(middleware.RateLimitMiddleware(rateLimit, int(rateLimit)))
			}
			if timeout > 0 {
				svr.Use(middleware.TimeOutMiddleware(timeout))
			}
			if err := svr.Register(echoSpec()); err != nil {
				return err
			}

			var reg registry.Registry
			if len(etcd) > 0 {
				etcdReg, err := registry.NewEtcdRegistry(clientv3.Config{Endpoints: etcd, DialTimeout: 5 * time.Second})
				if err != nil {
					return err
				}
				defer etcdReg.Close()
				reg = etcdReg
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return svr.Serve("tcp", addr, advertise, reg)
			})
			if metricsAddr != "" {
				metricsServer := &http.Server{
					Addr:    metricsAddr,
					Handler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
				}
				g.Go(func() error {
					if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
						return errors.Annotate(err, "metrics server")
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					return metricsServer.Close()
				})
			}
			g.Go(func() error {
				<-ctx.Done()
				logger.Infof("shutting down")
				return svr.Shutdown(10 * time.Second)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "listen address")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address announced to the registry, defaults to the listen address")
	cmd.Flags().StringVar(&hostURL, "host-url", "", "host URL reported in service details")
	cmd.Flags().StringSliceVar(&etcd, "etcd", nil, "etcd endpoints for service discovery")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().Float64Var(&rateLimit, "rate", 0, "inbound calls per second, 0 for no limit")
	cmd.Flags().DurationVar(&timeout, "call-timeout", 0, "per-call timeout, 0 for none")
	cmd.Flags().StringVar(&cipherKey, "cipher-key", "", "hex AES key encrypting frame payloads")
	cmd.Flags().StringVar(&cipherIV, "cipher-iv", "", "hex AES IV, 16 bytes")

	return cmd
}

func parseCipher(key, iv string) (security.Cipher, error) {
	k, err := hex.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return nil, errors.NotValidf("cipher key")
	}
	v, err := hex.DecodeString(strings.TrimSpace(iv))
	if err != nil {
		return nil, errors.NotValidf("cipher iv")
	}
	return security.NewAESCipher(k, v)
}
