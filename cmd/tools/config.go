package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/factory"
	"github.com/spf13/viper"
)

// loadConfig reads the same file and CELLDB_ environment layout as the server.
// Server-only keys are ignored.
func loadConfig(path string) (*celldb.Config, error) {
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
	for _, key := range []string{"cache.redisUrl", "optimization.cacheEnabled", "access.enabled", "execution.defaultTimeout"} {
		_ = v.BindEnv(key)
	}

	cfg := celldb.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openAggregator(ctx context.Context, path string) (celldb.QueryAggregator, *celldb.Config, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Cells) == 0 {
		return nil, nil, fmt.Errorf("config %q registers no cells", path)
	}
	agg, err := factory.NewAggregatorWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return agg, cfg, nil
}

// parseParams turns k=v pairs into query parameters with inferred types.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid parameter %q, want name=value", pair)
		}
		params[strings.TrimSpace(k)] = inferValue(v)
	}
	return params, nil
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
