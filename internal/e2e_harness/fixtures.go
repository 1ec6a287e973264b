package e2e_harness

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bytedance/sonic"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/lib/pq"
	"github.com/lychee-technology/celldb"
)

// Person is the fixture row every backend is seeded with.
type Person struct {
	ID     string
	Name   string
	Age    int
	Region string
}

func (p Person) record() celldb.Record {
	return celldb.Record{celldb.RecordIDField: p.ID, "name": p.Name, "age": p.Age, "region": p.Region}
}

// People returns n fixture rows for region with ages 20+i.
func People(region string, n int) []Person {
	out := make([]Person, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Person{
			ID:     fmt.Sprintf("%s-%d", region, i),
			Name:   fmt.Sprintf("%s person %d", region, i),
			Age:    20 + i,
			Region: region,
		})
	}
	return out
}

// SeedPostgres creates a JSONB record table and inserts people into it.
func SeedPostgres(ctx context.Context, db *sql.DB, table string, people []Person) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  data JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, pq.QuoteIdentifier(table))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2::jsonb)`, pq.QuoteIdentifier(table))
	for _, p := range people {
		data, err := sonic.MarshalString(p.record())
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, insert, p.ID, data); err != nil {
			return fmt.Errorf("insert %s: %w", p.ID, err)
		}
	}
	return nil
}

// WriteParquetFile converts people to a parquet file through DuckDB by way of CSV.
// It returns the local path of the parquet file.
func WriteParquetFile(ctx context.Context, outDir string, people []Person) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	csvPath := filepath.Join(outDir, "people.csv")
	var buf bytes.Buffer
	buf.WriteString("_id,name,age,region\n")
	for _, p := range people {
		fmt.Fprintf(&buf, "%s,%s,%d,%s\n", p.ID, p.Name, p.Age, p.Region)
	}
	if err := os.WriteFile(csvPath, buf.Bytes(), 0o644); err != nil {
		return "", err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return "", fmt.Errorf("open duckdb: %w", err)
	}
	defer db.Close()

	parquetPath := filepath.Join(outDir, "people.parquet")
	ctxExec, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stmt := fmt.Sprintf("COPY (SELECT * FROM read_csv_auto('%s')) TO '%s' (FORMAT PARQUET);", csvPath, parquetPath)
	if _, err := db.ExecContext(ctxExec, stmt); err != nil {
		return "", fmt.Errorf("export parquet: %w", err)
	}
	return parquetPath, nil
}

// UploadNDJSON writes people as one NDJSON object at key, creating the bucket when needed.
func UploadNDJSON(ctx context.Context, endpoint, bucket, key string, people []Person) error {
	var body bytes.Buffer
	for _, p := range people {
		line, err := sonic.Marshal(p.record())
		if err != nil {
			return err
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3AccessKey, s3SecretKey, "")),
		config.WithBaseEndpoint(endpoint),
	)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		if _, cerr := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); cerr != nil {
			var apiErr smithy.APIError
			if !errors.As(cerr, &apiErr) ||
				(apiErr.ErrorCode() != "BucketAlreadyOwnedByYou" && apiErr.ErrorCode() != "BucketAlreadyExists") {
				return fmt.Errorf("create bucket: %w", cerr)
			}
		}
	}

	uploader := manager.NewUploader(client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        &body,
		ContentType: aws.String("application/x-ndjson"),
	}); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}

// S3CellEndpoint renders an s3:// registration endpoint for the harness object store.
func S3CellEndpoint(endpoint, bucket, prefix string) string {
	return fmt.Sprintf("s3://%s:%s@%s/%s?endpoint=%s&region=us-east-1", s3AccessKey, s3SecretKey, bucket, prefix, url.QueryEscape(endpoint))
}
