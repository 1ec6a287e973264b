package celldb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Optimization.CacheEnabled)
	assert.Equal(t, 100, cfg.Optimization.DefaultBatchSize)
	assert.Equal(t, 10, cfg.Metrics.TopCells)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"zero default batch size", func(c *Config) { c.Optimization.DefaultBatchSize = 0 }, "optimization.defaultBatchSize"},
		{"negative variance threshold", func(c *Config) { c.Optimization.LatencyVarianceThreshold = -1 }, "optimization.latencyVarianceThreshold"},
		{"zero concurrency", func(c *Config) { c.Execution.MaxConcurrentQueries = 0 }, "execution.maxConcurrentQueries"},
		{"zero request ceiling", func(c *Config) { c.Execution.MaxConcurrentRequests = 0 }, "execution.maxConcurrentRequests"},
		{"zero timeout", func(c *Config) { c.Execution.DefaultTimeout = 0 }, "execution.defaultTimeout"},
		{"stream max below default", func(c *Config) { c.Streaming.MaxBatchSize = 10 }, "streaming.maxBatchSize"},
		{"zero streams", func(c *Config) { c.Streaming.MaxConcurrentStreams = 0 }, "streaming.maxConcurrentStreams"},
		{"zero stream timeout", func(c *Config) { c.Streaming.StreamTimeout = 0 }, "streaming.streamTimeout"},
		{"cache without capacity", func(c *Config) { c.Cache.MaxEntries = 0 }, "cache.maxEntries"},
		{"incomplete policy", func(c *Config) { c.Access.Policies = []AccessPolicy{{Subject: "alice"}} }, "access.policies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestConfigValidate_CacheDisabledAllowsZeroEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Optimization.CacheEnabled = false
	cfg.Cache.MaxEntries = 0
	assert.NoError(t, cfg.Validate())
}
