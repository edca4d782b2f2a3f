package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/poold/internal/metrics"
)

var serveFlags struct {
	metricsAddress  string
	refreshInterval time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.metricsAddress, "metrics-address", "", "address to serve metrics on (overrides config; \"-\" disables)")
	serveCmd.Flags().DurationVar(&serveFlags.refreshInterval, "refresh-interval", 0, "refresh active pools this often (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage daemon",
	Long: `Run the storage daemon in the foreground.

On start the daemon restores active pools and starts the pools marked for
autostart. SIGHUP reloads pool configs from disk and autostarts new ones.
SIGINT or SIGTERM stops the daemon; running storage stays running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return serve(ctx, a)
		})
	},
}

func serve(ctx context.Context, a *app) error {
	addr := a.cfg.MetricsAddress
	if serveFlags.metricsAddress != "" {
		addr = serveFlags.metricsAddress
	}
	if addr == "-" {
		addr = ""
	}
	interval := a.cfg.RefreshInterval
	if serveFlags.refreshInterval > 0 {
		interval = serveFlags.refreshInterval
	}

	a.drv.Autostart(ctx)
	a.log.Info("storage daemon started", "metricsAddress", addr, "refreshInterval", interval.String())

	errCh := make(chan error, 1)
	if addr != "" {
		go func() {
			errCh <- metrics.Serve(ctx, addr, a.drv)
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			a.log.Info("storage daemon stopping")
			if addr != "" {
				if err := <-errCh; err != nil {
					a.log.Error(err, "metrics server shutdown failed")
				}
			}
			return nil
		case err := <-errCh:
			return err
		case <-hup:
			if err := a.drv.Reload(ctx); err != nil {
				a.log.Error(err, "failed to reload pool configs")
				continue
			}
			a.log.Info("reloaded pool configs", "pools", len(a.drv.ListPools(ctx, 0)))
		case <-tick:
			a.drv.RefreshAll(ctx)
		}
	}
}
