package celldb

import (
	"strconv"
	"time"
)

// Config consolidates settings for every aggregator component
type Config struct {
	Optimization OptimizationConfig `json:"optimization" mapstructure:"optimization"`
	Execution    ExecutionConfig    `json:"execution" mapstructure:"execution"`
	Streaming    StreamingConfig    `json:"streaming" mapstructure:"streaming"`
	Cache        CacheConfig        `json:"cache" mapstructure:"cache"`
	Metrics      MetricsConfig      `json:"metrics" mapstructure:"metrics"`
	Access       AccessConfig       `json:"access" mapstructure:"access"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	// Cells are registered when the aggregator starts.
	Cells []CellRegistration `json:"cells,omitempty" mapstructure:"cells"`
}

// OptimizationConfig drives strategy selection and batch sizing
type OptimizationConfig struct {
	CacheEnabled            bool `json:"cacheEnabled" mapstructure:"cacheEnabled"`
	CostOptimizationEnabled bool `json:"costOptimizationEnabled" mapstructure:"costOptimizationEnabled"`
	AdaptiveBatching        bool `json:"adaptiveBatching" mapstructure:"adaptiveBatching"`
	DefaultBatchSize        int  `json:"defaultBatchSize" mapstructure:"defaultBatchSize"`
	// LatencyVarianceThreshold is the coefficient of variation of per-cell latency
	// at or below which cells are treated as homogeneous.
	LatencyVarianceThreshold float64 `json:"latencyVarianceThreshold" mapstructure:"latencyVarianceThreshold"`
	// LatencyWindow is how many recent samples per cell feed the latency average.
	LatencyWindow int `json:"latencyWindow" mapstructure:"latencyWindow"`
}

// ExecutionConfig contains coordinator settings
type ExecutionConfig struct {
	MaxConcurrentQueries  int           `json:"maxConcurrentQueries" mapstructure:"maxConcurrentQueries"`
	MaxConcurrentRequests int           `json:"maxConcurrentRequests" mapstructure:"maxConcurrentRequests"`
	// WorkerPoolSize bounds cell calls in flight across all requests.
	WorkerPoolSize        int           `json:"workerPoolSize" mapstructure:"workerPoolSize"`
	DefaultTimeout        time.Duration `json:"defaultTimeout" mapstructure:"defaultTimeout"`
	MaxRowsPerCell        int           `json:"maxRowsPerCell" mapstructure:"maxRowsPerCell"`
	RetryEnabled          bool          `json:"retryEnabled" mapstructure:"retryEnabled"`
	RetryInitialInterval  time.Duration `json:"retryInitialInterval" mapstructure:"retryInitialInterval"`
	BreakerThreshold      int           `json:"breakerThreshold" mapstructure:"breakerThreshold"`
	BreakerWindow         time.Duration `json:"breakerWindow" mapstructure:"breakerWindow"`
	BreakerCooldown       time.Duration `json:"breakerCooldown" mapstructure:"breakerCooldown"`
	// Cost model used when a cell does not report its own cost.
	BaseCallCost  uint64 `json:"baseCallCost" mapstructure:"baseCallCost"`
	PerRecordCost uint64 `json:"perRecordCost" mapstructure:"perRecordCost"`
}

// StreamingConfig contains stream manager settings
type StreamingConfig struct {
	DefaultBatchSize     int           `json:"defaultBatchSize" mapstructure:"defaultBatchSize"`
	MaxBatchSize         int           `json:"maxBatchSize" mapstructure:"maxBatchSize"`
	MaxConcurrentStreams int           `json:"maxConcurrentStreams" mapstructure:"maxConcurrentStreams"`
	StreamTimeout        time.Duration `json:"streamTimeout" mapstructure:"streamTimeout"`
	BufferSize           int           `json:"bufferSize" mapstructure:"bufferSize"`
	PrefetchEnabled      bool          `json:"prefetchEnabled" mapstructure:"prefetchEnabled"`
	ReapInterval         time.Duration `json:"reapInterval" mapstructure:"reapInterval"`
	// RetainTerminal is how long closed, exhausted or expired handles are kept for diagnostics.
	RetainTerminal time.Duration `json:"retainTerminal" mapstructure:"retainTerminal"`
}

// CacheConfig contains result cache settings
type CacheConfig struct {
	TTL        time.Duration `json:"ttl" mapstructure:"ttl"`
	MaxEntries int           `json:"maxEntries" mapstructure:"maxEntries"`
	RedisURL   string        `json:"redisUrl" mapstructure:"redisUrl"`
	KeyPrefix  string        `json:"keyPrefix" mapstructure:"keyPrefix"`
}

// MetricsConfig contains metrics collection settings
type MetricsConfig struct {
	Namespace  string `json:"namespace" mapstructure:"namespace"`
	MaxHistory int    `json:"maxHistory" mapstructure:"maxHistory"`
	TopCells   int    `json:"topCells" mapstructure:"topCells"`
}

// AccessConfig contains caller authorization settings
type AccessConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Managers may register cells and query every cell.
	Managers []string       `json:"managers" mapstructure:"managers"`
	Policies []AccessPolicy `json:"policies" mapstructure:"policies"`
}

// AccessPolicy grants subject the action on a cell ("*" matches any cell).
type AccessPolicy struct {
	Subject string `json:"subject" mapstructure:"subject"`
	Cell    string `json:"cell" mapstructure:"cell"`
	Action  string `json:"action" mapstructure:"action"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level              string        `json:"level" mapstructure:"level"`
	Format             string        `json:"format" mapstructure:"format"`
	LogSlowQueries     bool          `json:"logSlowQueries" mapstructure:"logSlowQueries"`
	SlowQueryThreshold time.Duration `json:"slowQueryThreshold" mapstructure:"slowQueryThreshold"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Optimization: OptimizationConfig{
			CacheEnabled:             true,
			CostOptimizationEnabled:  true,
			AdaptiveBatching:         true,
			DefaultBatchSize:         100,
			LatencyVarianceThreshold: 0.25,
			LatencyWindow:            20,
		},
		Execution: ExecutionConfig{
			MaxConcurrentQueries:  16,
			MaxConcurrentRequests: 256,
			WorkerPoolSize:        512,
			DefaultTimeout:        30 * time.Second,
			MaxRowsPerCell:        10000,
			RetryEnabled:          true,
			RetryInitialInterval:  50 * time.Millisecond,
			BreakerThreshold:      5,
			BreakerWindow:         30 * time.Second,
			BreakerCooldown:       10 * time.Second,
			BaseCallCost:          1000,
			PerRecordCost:         10,
		},
		Streaming: StreamingConfig{
			DefaultBatchSize:     100,
			MaxBatchSize:         1000,
			MaxConcurrentStreams: 100,
			StreamTimeout:        1 * time.Hour,
			BufferSize:           1000,
			PrefetchEnabled:      true,
			ReapInterval:         1 * time.Minute,
			RetainTerminal:       5 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 1000,
			KeyPrefix:  "celldb:result:",
		},
		Metrics: MetricsConfig{
			Namespace:  "celldb",
			MaxHistory: 10000,
			TopCells:   10,
		},
		Access: AccessConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "json",
			LogSlowQueries:     true,
			SlowQueryThreshold: 1 * time.Second,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Optimization.DefaultBatchSize <= 0 {
		return &ConfigError{Field: "optimization.defaultBatchSize", Message: "must be greater than 0"}
	}

	if c.Optimization.LatencyVarianceThreshold < 0 {
		return &ConfigError{Field: "optimization.latencyVarianceThreshold", Message: "must not be negative"}
	}

	if c.Execution.MaxConcurrentQueries <= 0 {
		return &ConfigError{Field: "execution.maxConcurrentQueries", Message: "must be greater than 0"}
	}

	if c.Execution.MaxConcurrentRequests <= 0 {
		return &ConfigError{Field: "execution.maxConcurrentRequests", Message: "must be greater than 0"}
	}

	if c.Execution.WorkerPoolSize <= 0 {
		return &ConfigError{Field: "execution.workerPoolSize", Message: "must be greater than 0"}
	}

	if c.Execution.DefaultTimeout <= 0 {
		return &ConfigError{Field: "execution.defaultTimeout", Message: "must be greater than 0"}
	}

	if c.Streaming.DefaultBatchSize <= 0 {
		return &ConfigError{Field: "streaming.defaultBatchSize", Message: "must be greater than 0"}
	}

	if c.Streaming.MaxBatchSize < c.Streaming.DefaultBatchSize {
		return &ConfigError{Field: "streaming.maxBatchSize", Message: "must be greater than or equal to defaultBatchSize"}
	}

	if c.Streaming.MaxConcurrentStreams <= 0 {
		return &ConfigError{Field: "streaming.maxConcurrentStreams", Message: "must be greater than 0"}
	}

	if c.Streaming.StreamTimeout <= 0 {
		return &ConfigError{Field: "streaming.streamTimeout", Message: "must be greater than 0"}
	}

	if c.Optimization.CacheEnabled && c.Cache.MaxEntries <= 0 {
		return &ConfigError{Field: "cache.maxEntries", Message: "must be greater than 0 when caching is enabled"}
	}

	for i, p := range c.Access.Policies {
		if p.Subject == "" || p.Cell == "" || p.Action == "" {
			return &ConfigError{Field: "access.policies", Message: "policy " + strconv.Itoa(i) + " must set subject, cell and action"}
		}
	}

	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
