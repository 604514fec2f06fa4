package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/patrakosh/patrakosh/internal/app"
	"github.com/patrakosh/patrakosh/internal/config"
	"github.com/patrakosh/patrakosh/internal/logging/loki"
	"github.com/patrakosh/patrakosh/internal/metrics"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage service until interrupted",
		Long: `Run patrakosh as a long-lived process: the worker pools, the periodic
metrics refresh and, when configured, the admin endpoint (/health, /metrics)
and log shipping to Loki. SIGINT or SIGTERM drains running work within the
configured shutdown grace period.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Metrics.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "admin endpoint address, e.g. :9100 (overrides metrics.listen)")
	return cmd
}

// serve runs until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.Loki.URL != "" {
		w, err := startLoki(cfg)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = w.Close(closeCtx)
		}()
		log.Logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, w))
		log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
	}

	a, err := app.New(ctx, cfg, app.Options{
		Registry: metrics.Registry,
		Logger:   log.Logger,
	})
	if err != nil {
		return err
	}

	addr, err := a.ServeAdmin()
	if err != nil {
		_ = a.Close()
		return err
	}
	if addr != "" {
		log.Info().Str("addr", addr).Msg("Serving /health and /metrics")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return a.Close()
}

func startLoki(cfg *config.Config) (*loki.Writer, error) {
	interval, err := cfg.LokiFlushInterval()
	if err != nil {
		return nil, err
	}
	labels := map[string]string{"version": Version}
	if host, err := os.Hostname(); err == nil {
		labels["host"] = host
	}
	for k, v := range cfg.Loki.Labels {
		labels[k] = v
	}
	w, err := loki.NewWriter(loki.Config{
		URL:           cfg.Loki.URL,
		Labels:        labels,
		BatchSize:     cfg.Loki.BatchSize,
		FlushInterval: interval,
	})
	if err != nil {
		return nil, err
	}
	w.Start()
	return w, nil
}
