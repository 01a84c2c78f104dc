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

	"httprelay/internal/hub"
	"httprelay/internal/telemetry"
	"httprelay/internal/ui"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		queueSize int
		overflow  string
		selfEcho  bool
		trace     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay hub",
		Long: `Run the relay hub.

/ws is the relay protocol endpoint: producers and observers connect to
ws://<addr>/ws and exchange {"channel":...,"payload":...} frames on it.

Two conveniences share the same port and hub:
  GET  /events                           read-only SSE stream of relayed frames
  POST /api/submit/{request|response}    submit one payload over plain HTTP`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("queue-size") {
				cfg.Hub.QueueSize = queueSize
			}
			if flags.Changed("overflow") {
				cfg.Hub.OverflowPolicy = overflow
			}
			if flags.Changed("self-echo") {
				cfg.Hub.SelfEcho = selfEcho
			}
			if flags.Changed("trace") {
				cfg.Telemetry.Enabled = trace
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Telemetry.Enabled {
				shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(sctx)
				}()
			}

			policy, err := hub.ParseOverflowPolicy(cfg.Hub.OverflowPolicy)
			if err != nil {
				return err
			}
			h := hub.New(hub.Options{
				QueueSize:    cfg.Hub.QueueSize,
				Overflow:     policy,
				WriteTimeout: cfg.Hub.WriteTimeout,
				SelfEcho:     cfg.Hub.SelfEcho,
			}, logger)

			srv := &http.Server{
				Addr: cfg.Server.Addr,
				Handler: ui.NewServer(h, ui.Options{
					MaxMessageBytes: cfg.Server.MaxMessageBytes,
					OriginPatterns:  cfg.Server.OriginPatterns,
				}, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			logger.Info("relay listening",
				"addr", cfg.Server.Addr,
				"queue_size", cfg.Hub.QueueSize,
				"overflow", policy,
				"self_echo", cfg.Hub.SelfEcho,
			)

			select {
			case err := <-errc:
				h.Close()
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			// Hijacked websocket connections are not tracked by Shutdown;
			// closing the hub ends them.
			h.Close()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :8080)")
	cmd.Flags().IntVar(&queueSize, "queue-size", 0, "per-participant outbound queue size")
	cmd.Flags().StringVar(&overflow, "overflow", "", "queue overflow policy: drop-oldest or disconnect")
	cmd.Flags().BoolVar(&selfEcho, "self-echo", true, "deliver events back to the connection that submitted them")
	cmd.Flags().BoolVar(&trace, "trace", false, "export trace spans to stderr")
	return cmd
}
