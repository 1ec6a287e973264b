package factory

import (
	"context"
	"fmt"

	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal"
	"github.com/lychee-technology/celldb/internal/cellclient"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type options struct {
	dialer     celldb.CellDialer
	registerer prometheus.Registerer
	store      internal.RemoteResultStore
}

// Option customizes NewAggregatorWithConfig.
type Option func(*options)

// WithDialer replaces the endpoint dialer (memory://, postgres://, duckdb://, s3://).
func WithDialer(d celldb.CellDialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRegisterer registers the aggregator's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithResultStore sets the shared result tier; it takes precedence over config.Cache.RedisURL.
func WithResultStore(store internal.RemoteResultStore) Option {
	return func(o *options) { o.store = store }
}

// NewAggregatorWithConfig creates a QueryAggregator from config. This is the
// primary way for external projects to embed the aggregator.
//
// Usage:
//
//	import (
//	    "github.com/lychee-technology/celldb"
//	    "github.com/lychee-technology/celldb/factory"
//	)
//
//	config := celldb.DefaultConfig()
//	agg, err := factory.NewAggregatorWithConfig(ctx, config)
//	if err != nil {
//	    // handle error
//	}
//	defer agg.Close()
//
// Cells listed in config.Cells are registered before the aggregator is returned.
// When caching is enabled and config.Cache.RedisURL is set, results are also
// shared through Redis.
func NewAggregatorWithConfig(ctx context.Context, config *celldb.Config, opts ...Option) (celldb.QueryAggregator, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = cellclient.NewDialer()
	}

	var redisStore *internal.RedisResultStore
	if o.store == nil && config.Optimization.CacheEnabled && config.Cache.RedisURL != "" {
		store, err := internal.NewRedisResultStore(ctx, config.Cache.RedisURL, config.Cache.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared result store: %w", err)
		}
		o.store, redisStore = store, store
		zap.S().Infow("shared result cache enabled", "prefix", config.Cache.KeyPrefix)
	}

	agg, err := internal.NewQueryAggregator(config, o.dialer, o.store, o.registerer)
	if err != nil {
		if redisStore != nil {
			err = multierr.Append(err, redisStore.Close())
		}
		return nil, err
	}

	sysCtx := celldb.WithCaller(ctx, internal.SystemCaller)
	for i := range config.Cells {
		if err := agg.RegisterCell(sysCtx, &config.Cells[i]); err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to register cell %q: %w", config.Cells[i].CellID, err), agg.Close())
		}
	}
	zap.S().Infow("aggregator ready", "cells", len(config.Cells), "cacheEnabled", config.Optimization.CacheEnabled)
	return agg, nil
}
