// Package cellclient connects the aggregator to storage cells by endpoint URL.
package cellclient

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/lychee-technology/celldb"
)

// AWSConfigLoader builds an AWS config for a region and an optional
// S3-compatible base endpoint.
type AWSConfigLoader func(ctx context.Context, region, endpoint string) (aws.Config, error)

// LoadAWSConfig uses the default credential chain; static credentials from
// AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY take precedence when set.
func LoadAWSConfig(ctx context.Context, region, endpoint string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if cfg.Region == "" {
		// the SDK needs a region even for custom endpoints
		cfg.Region = "us-east-1"
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(key, os.Getenv("AWS_SECRET_ACCESS_KEY"), "")
	}
	return cfg, nil
}

// Dialer opens cell clients from registration endpoints:
//
//	memory://<name>                 process-local cell shared by name
//	postgres://user@host/db?table=  JSONB table (postgresql:// too)
//	duckdb:///path.db?table=        DuckDB table or Parquet files
//	s3://bucket/prefix              NDJSON objects
//
// An empty endpoint dials memory://<cellId>.
type Dialer struct {
	loadAWS AWSConfigLoader

	mu     sync.Mutex
	memory map[string]*MemoryCell
}

func NewDialer() *Dialer {
	return &Dialer{loadAWS: LoadAWSConfig, memory: make(map[string]*MemoryCell)}
}

// WithAWSConfigLoader replaces how AWS configuration is resolved.
func (d *Dialer) WithAWSConfigLoader(loader AWSConfigLoader) *Dialer {
	d.loadAWS = loader
	return d
}

func (d *Dialer) Dial(ctx context.Context, reg celldb.CellRegistration) (celldb.CellClient, error) {
	endpoint := reg.Endpoint
	if endpoint == "" {
		endpoint = "memory://" + reg.CellID
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint of cell %s: %w", reg.CellID, err)
	}

	switch u.Scheme {
	case "memory":
		name := u.Host
		if name == "" {
			name = reg.CellID
		}
		return d.Memory(name), nil
	case "postgres", "postgresql":
		return OpenPostgres(ctx, reg.CellID, u, d.loadAWS)
	case "duckdb":
		return OpenDuckDB(ctx, reg.CellID, u)
	case "s3":
		return OpenS3(ctx, reg.CellID, u, d.loadAWS)
	}
	return nil, fmt.Errorf("cell %s: unsupported endpoint scheme %q", reg.CellID, u.Scheme)
}

// Memory returns the named in-process cell, creating it on first use.
func (d *Dialer) Memory(name string) *MemoryCell {
	d.mu.Lock()
	defer d.mu.Unlock()
	cell, ok := d.memory[name]
	if !ok {
		cell = NewMemoryCell()
		d.memory[name] = cell
	}
	return cell
}
