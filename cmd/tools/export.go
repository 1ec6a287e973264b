package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bytedance/sonic"
	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/cellclient"
	"go.uber.org/zap"
)

type exportOptions struct {
	configPath  string
	expression  string
	cells       string
	params      multiFlag
	consistency string
	timeout     time.Duration
	maxResults  int
	out         string
	s3Endpoint  string
	s3Region    string
}

func runExport(args []string) error {
	flags := flag.NewFlagSet("export", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: celldb-tools export -config <file> -expression <query> [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := exportOptions{}
	flags.StringVar(&opts.configPath, "config", getenvDefault("CELLDB_CONFIG", ""), "celldb config file with cells")
	flags.StringVar(&opts.expression, "expression", "", "query expression")
	flags.StringVar(&opts.cells, "cells", "", "comma-separated target cells (default: every configured cell)")
	flags.Var(&opts.params, "param", "query parameter name=value (repeatable)")
	flags.StringVar(&opts.consistency, "consistency", string(celldb.ConsistencyEventual), "strong, eventual or weak")
	flags.DurationVar(&opts.timeout, "timeout", 0, "query timeout (0 uses the configured default)")
	flags.IntVar(&opts.maxResults, "max-results", 0, "cap on merged records (0 is unlimited)")
	flags.StringVar(&opts.out, "out", "-", "output: '-' for stdout, a file path or s3://bucket/key")
	flags.StringVar(&opts.s3Endpoint, "s3-endpoint", getenvDefault("S3_ENDPOINT", ""), "S3-compatible endpoint (path-style)")
	flags.StringVar(&opts.s3Region, "s3-region", getenvDefault("AWS_REGION", ""), "S3 region")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.expression == "" {
		return fmt.Errorf("-expression is required")
	}

	ctx := context.Background()
	agg, cfg, err := openAggregator(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer agg.Close()

	query, err := buildExportQuery(opts, cfg)
	if err != nil {
		return err
	}
	result, err := agg.ExecuteBatchQuery(ctx, query)
	if err != nil {
		return err
	}
	if result.Partial {
		zap.S().Warnw("export result is partial", "cellStatistics", result.CellStatistics)
	}

	if err := writeExport(ctx, opts, result.Records); err != nil {
		return err
	}
	zap.S().Infow("export finished", "queryId", result.QueryID, "records", len(result.Records),
		"out", opts.out, "duration", result.ExecutionTime)
	return nil
}

func buildExportQuery(opts exportOptions, cfg *celldb.Config) (*celldb.BatchQuery, error) {
	params, err := parseParams(opts.params)
	if err != nil {
		return nil, err
	}
	targets := splitFields(opts.cells)
	if len(targets) == 0 {
		for _, c := range cfg.Cells {
			targets = append(targets, c.CellID)
		}
	}
	query := &celldb.BatchQuery{
		Expression:  opts.expression,
		TargetCells: targets,
		Parameters:  params,
		Options: celldb.BatchQueryOptions{
			Timeout:     opts.timeout,
			Consistency: celldb.ConsistencyLevel(opts.consistency),
		},
	}
	if opts.maxResults > 0 {
		n := opts.maxResults
		query.Options.MaxResults = &n
	}
	return query, nil
}

func writeExport(ctx context.Context, opts exportOptions, records []celldb.Record) error {
	if bucket, key, ok := parseS3URL(opts.out); ok {
		return uploadExport(ctx, opts, bucket, key, records)
	}
	if opts.out == "-" || opts.out == "" {
		return writeNDJSON(os.Stdout, records)
	}
	f, err := os.Create(opts.out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", opts.out, err)
	}
	if err := writeNDJSON(f, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeNDJSON(w io.Writer, records []celldb.Record) error {
	bw := bufio.NewWriter(w)
	enc := sonic.ConfigDefault.NewEncoder(bw)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record %v: %w", rec[celldb.RecordIDField], err)
		}
	}
	return bw.Flush()
}

// uploadExport streams the NDJSON body through a pipe so large exports never
// sit fully in memory.
func uploadExport(ctx context.Context, opts exportOptions, bucket, key string, records []celldb.Record) error {
	awsCfg, err := cellclient.LoadAWSConfig(ctx, opts.s3Region, opts.s3Endpoint)
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.s3Endpoint != ""
	})

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeNDJSON(pw, records))
	}()

	uploader := manager.NewUploader(client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String("application/x-ndjson"),
	}); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("failed to upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// parseS3URL splits s3://bucket/key. The key must be non-empty.
func parseS3URL(raw string) (bucket, key string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", false
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", false
	}
	return u.Host, key, true
}
