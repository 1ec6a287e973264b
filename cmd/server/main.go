package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/factory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// serverSettings are the HTTP-only knobs; everything else is celldb.Config.
type serverSettings struct {
	Addr               string        `mapstructure:"addr"`
	JWTSecret          string        `mapstructure:"jwtSecret"`
	RateLimitPerMinute int           `mapstructure:"rateLimitPerMinute"`
	RateLimitBurst     int           `mapstructure:"rateLimitBurst"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdownTimeout"`
}

func defaultServerSettings() serverSettings {
	return serverSettings{
		Addr:               ":8080",
		RateLimitPerMinute: 600,
		RateLimitBurst:     50,
		ShutdownTimeout:    15 * time.Second,
	}
}

type fileConfig struct {
	celldb.Config `mapstructure:",squash"`
	Server        serverSettings `mapstructure:"server"`
}

// loadConfig reads an optional config file, then CELLDB_ environment overrides
// (CELLDB_SERVER_ADDR -> server.addr, CELLDB_CACHE_REDISURL -> cache.redisUrl).
func loadConfig(path string) (*fileConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("CELLDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	bindEnv(v)

	cfg := &fileConfig{Config: *celldb.DefaultConfig(), Server: defaultServerSettings()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers the keys AutomaticEnv should see during Unmarshal even
// when no config file mentions them.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server.addr", "server.jwtSecret", "server.rateLimitPerMinute", "server.rateLimitBurst", "server.shutdownTimeout",
		"cache.redisUrl", "cache.keyPrefix", "cache.maxEntries", "cache.ttl",
		"access.enabled",
		"execution.maxConcurrentQueries", "execution.maxConcurrentRequests", "execution.defaultTimeout",
		"streaming.maxConcurrentStreams", "streaming.defaultBatchSize", "streaming.streamTimeout",
		"metrics.namespace", "logging.level", "logging.format",
	} {
		_ = v.BindEnv(key)
	}
}

func newLogger(cfg celldb.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "celldb-server",
		Short:         "HTTP front end for the cross-cell query aggregator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()
			zap.ReplaceGlobals(logger)
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CELLDB_CONFIG"), "config file (yaml, json or toml)")
	return cmd
}

func run(ctx context.Context, cfg *fileConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	agg, err := factory.NewAggregatorWithConfig(ctx, &cfg.Config, factory.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("failed to create aggregator: %w", err)
	}
	defer agg.Close()

	server := NewServer(agg, reg, cfg.Server)
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		zap.S().Infow("starting server", "addr", cfg.Server.Addr, "auth", cfg.Server.JWTSecret != "")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	zap.S().Infow("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		zap.S().Errorw("server exited", "error", err)
		os.Exit(1)
	}
}
