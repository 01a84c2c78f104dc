package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"httprelay/internal/producer"
	"httprelay/internal/proxy"
)

func newCaptureCmd() *cobra.Command {
	var (
		addr    string
		hubURL  string
		mitm    bool
		maxBody int64
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run a capturing HTTP proxy that publishes traffic to the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Proxy.Addr = addr
			}
			if flags.Changed("hub") {
				cfg.Proxy.HubURL = hubURL
			}
			if flags.Changed("mitm") {
				cfg.Proxy.MITM = mitm
			}
			if flags.Changed("max-body") {
				cfg.Proxy.MaxBodyBytes = maxBody
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := producer.Dial(ctx, cfg.Proxy.HubURL, producer.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer client.Close()

			srv := &http.Server{
				Addr: cfg.Proxy.Addr,
				Handler: proxy.NewProxy(client, proxy.Options{
					MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
					MITM:         cfg.Proxy.MITM,
				}, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			logger.Info("capture proxy listening", "addr", cfg.Proxy.Addr, "hub", cfg.Proxy.HubURL, "mitm", cfg.Proxy.MITM)

			select {
			case err := <-errc:
				return err
			case <-client.Done():
				logger.Error("lost connection to hub", "error", client.Err())
			case <-ctx.Done():
			}

			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return client.Err()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "proxy listen address (default :8081)")
	cmd.Flags().StringVar(&hubURL, "hub", "", "hub websocket URL")
	cmd.Flags().BoolVar(&mitm, "mitm", false, "intercept HTTPS CONNECT tunnels")
	cmd.Flags().Int64Var(&maxBody, "max-body", 0, "bytes of each body to capture")
	return cmd
}
