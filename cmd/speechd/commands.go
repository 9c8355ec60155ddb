package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/runner"
	"github.com/harunnryd/speechd/pkg/speechd"
)

var (
	configPath string
	noBanner   bool
)

var rootCmd = &cobra.Command{
	Use:   "speechd",
	Short: "Speech recognition service for the device message bus",
	Long: `speechd subscribes to the device wake, voice and sleep topics, streams
captured audio into a speech engine and publishes the final transcript and
the NLP result back to the bus.

Examples:
  speechd serve --config configs/speechd.yaml
  SPEECHD_LOG_LEVEL=debug speechd serve -c configs/speechd.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the bus and serve speech sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the registered engine and transport providers",
	Run: func(cmd *cobra.Command, args []string) {
		reg := speechd.NewProviderRegistry()
		registerProviders(reg)
		engines, buses := reg.Names()
		fmt.Fprintf(cmd.OutOrStdout(), "engines:    %s\n", strings.Join(engines, ", "))
		fmt.Fprintf(cmd.OutOrStdout(), "transports: %s\n", strings.Join(buses, ", "))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "speechd %s (%s)\n", runner.Version, runtime.Version())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "configs/speechd.yaml", "path to the config file")
	serveCmd.Flags().BoolVar(&noBanner, "no-banner", false, "skip the startup banner")
	rootCmd.AddCommand(serveCmd, providersCmd, versionCmd)
}

func serve(parent context.Context) error {
	cfg, err := speechd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	providers := speechd.NewProviderRegistry()
	registerProviders(providers)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := speechd.NewService(speechd.ServiceOptions{
		Config:     cfg,
		Providers:  providers,
		Registerer: registry,
	})
	if err != nil {
		return err
	}

	metricsSrv := newMetricsServer(cfg.Metrics, registry)

	opts := runner.Options{
		Drainer: svc,
		Hooks: runner.Hooks{
			OnStart: func(ctx context.Context) error {
				if metricsSrv != nil {
					go func() {
						logger.Info("metrics_listen", "addr", metricsSrv.Addr, "path", cfg.Metrics.Path)
						if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							logger.Error("metrics_server_failed", "error", err)
						}
					}()
				}
				return svc.Start(ctx)
			},
			OnStop: func() {
				if metricsSrv == nil {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(ctx)
			},
		},
	}
	if !noBanner {
		opts.Banner = os.Stdout
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("speechd_starting",
		"version", runner.Version,
		"engine", cfg.Engine.Provider,
		"transport", cfg.Transport.Provider,
	)
	if err := runner.NewLifecycleRunner(opts).Run(ctx); err != nil {
		slog.Error("speechd_stopped", "error", err)
		return err
	}
	return nil
}

// newMetricsServer returns nil when no listen address is configured.
func newMetricsServer(cfg speechd.MetricsConfig, gatherer prometheus.Gatherer) *http.Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
