package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegis-sec/aegis/internal/audit"
	"github.com/aegis-sec/aegis/internal/blocklist"
	"github.com/aegis-sec/aegis/internal/clock"
	"github.com/aegis-sec/aegis/internal/config"
	"github.com/aegis-sec/aegis/internal/keystore"
	"github.com/aegis-sec/aegis/internal/ledger"
	"github.com/aegis-sec/aegis/internal/metrics"
	"github.com/aegis-sec/aegis/internal/quota"
	"github.com/aegis-sec/aegis/internal/server"
	"github.com/aegis-sec/aegis/internal/threat"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aegis HTTP server",
		Long: `Starts the rate limiting and threat monitoring server.

Endpoints:
  GET  /api/check/{namespace}/{id}    Consume one request from the quota
  GET  /api/status/{namespace}/{id}   Inspect the quota without consuming
  POST /api/report/...                Feed security signals to the detector
  GET  /admin/...                     Blocks, threats and security metrics
  GET  /metrics                       Prometheus scrape endpoint
  WS   /ws/events                     Real-time security event stream`,
		Example: `  aegis serve
  aegis serve --config aegis.yaml
  aegis serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				cfg, err = config.LoadFile(configPath)
				if err != nil {
					return err
				}
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger, err := buildLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := keystore.NewRedisStore(&keystore.RedisConfig{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				PoolSize:     cfg.Redis.PoolSize,
				MaxRetries:   cfg.Redis.MaxRetries,
				DialTimeout:  cfg.Redis.DialTimeout.Std(),
				OpTimeout:    cfg.Redis.OpTimeout.Std(),
				Cluster:      cfg.Redis.Cluster,
				ClusterNodes: cfg.Redis.ClusterNodes,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			registry := prometheus.NewRegistry()
			rec := metrics.NewRecorder(registry)
			clk := clock.NewRealClock()

			sinks := []audit.Sink{}
			if cfg.Audit.File.Enabled {
				fileSink, err := audit.NewFileSink(cfg.Audit.File.Path)
				if err != nil {
					return err
				}
				sinks = append(sinks, fileSink)
			}
			if cfg.Audit.Kafka.Enabled {
				kafkaSink, err := audit.NewKafkaSink(audit.KafkaConfig{
					Brokers:  cfg.Audit.Kafka.Brokers,
					Topic:    cfg.Audit.Kafka.Topic,
					ClientID: "aegis",
				})
				if err != nil {
					return err
				}
				sinks = append(sinks, kafkaSink)
			}

			// The WebSocket hub joins the audit fanout, so every sink and
			// every dashboard sees the same events.
			hub := server.NewHub(logger)
			fanout := audit.NewFanout(logger, append(sinks, hub)...)
			defer fanout.Close()

			blocks := blocklist.NewRegistry(store, clk, blocklist.Options{
				Logger:  logger,
				Metrics: rec,
				Audit:   fanout,
			})
			led := ledger.New(store, clk, blocks, logger)
			engine := quota.NewEngine(store, blocks, clk, quota.Options{
				Logger:  logger,
				Metrics: rec,
			})
			detector := threat.NewDetector(store, blocks, led, clk, threat.Options{
				Logger:  logger,
				Metrics: rec,
				Audit:   fanout,
			})

			srv := server.New(cfg.Server.Addr, server.Options{
				Engine:       engine,
				Blocks:       blocks,
				Detector:     detector,
				Ledger:       led,
				Policies:     cfg.QuotaPolicies(),
				Clock:        clk,
				Logger:       logger,
				Metrics:      metrics.Handler(registry),
				Hub:          hub,
				ReadTimeout:  cfg.Server.ReadTimeout.Std(),
				WriteTimeout: cfg.Server.WriteTimeout.Std(),
			})

			logger.Info("starting aegis",
				zap.String("addr", cfg.Server.Addr),
				zap.String("redis", cfg.Redis.Addr),
				zap.Int("policies", len(cfg.QuotaPolicies())))

			// Graceful shutdown on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on (overrides config)")

	return cmd
}
