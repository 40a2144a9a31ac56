package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kohanmathers/goneon/internal/metrics"
	"github.com/kohanmathers/goneon/internal/netio"
	"github.com/kohanmathers/goneon/internal/relay"
)

// shutdownTimeout is the maximum time to wait for the metrics server
// to drain during graceful shutdown.
const shutdownTimeout = 5 * time.Second

func relayCmd() *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay node",
		Long: "Runs the relay: binds a UDP endpoint, routes control and\n" +
			"application packets between session peers, and ages out stale\n" +
			"peers. Terminate with Ctrl-C.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bind != "" {
				cfg.Relay.Bind = bind
			}
			return runRelay(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "UDP listen address (overrides config)")
	return cmd
}

func runRelay(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ep, err := netio.Listen(cfg.Relay.Bind, logger)
	if err != nil {
		return err
	}
	defer ep.Close()

	opts := []relay.Option{
		relay.WithLogger(logger.With(slog.String("component", "relay"))),
		relay.WithPeerTimeout(cfg.Relay.PeerTimeout),
		relay.WithCleanupInterval(cfg.Relay.CleanupInterval),
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, relay.WithMetrics(metrics.NewCollector(reg)))
		g.Go(func() error { return serveMetrics(ctx, reg) })
	}

	node := relay.New(ep, opts...)
	g.Go(func() error { return node.Run(ctx) })

	return g.Wait()
}

// serveMetrics exposes the Prometheus endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
