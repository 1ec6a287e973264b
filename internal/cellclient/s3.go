package cellclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bytedance/sonic"
	"github.com/lychee-technology/celldb"
	"go.uber.org/zap"
)

const (
	ndjsonSuffix  = ".ndjson"
	maxLineLength = 16 << 20
)

type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Cell reads newline-delimited JSON objects under a bucket prefix. Records
// written through the cell get one object each, <prefix><id>.ndjson; bulk files
// dropped under the prefix are queryable but addressed by key#line.
type S3Cell struct {
	cellID  string
	client  s3API
	bucket  string
	prefix  string
	queries atomic.Uint64
}

func NewS3Cell(cellID string, client s3API, bucket, prefix string) *S3Cell {
	return &S3Cell{cellID: cellID, client: client, bucket: bucket, prefix: prefix}
}

// OpenS3 connects to s3://[key:secret@]bucket/prefix. Query parameters:
// region=, endpoint= (S3-compatible service, path-style addressing).
func OpenS3(ctx context.Context, cellID string, endpoint *url.URL, loader AWSConfigLoader) (*S3Cell, error) {
	if endpoint.Host == "" {
		return nil, fmt.Errorf("s3 endpoint needs a bucket")
	}
	q := endpoint.Query()
	base := q.Get("endpoint")
	awsCfg, err := loader(ctx, q.Get("region"), base)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if endpoint.User != nil {
		secret, _ := endpoint.User.Password()
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(endpoint.User.Username(), secret, "")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = base != ""
	})

	prefix := strings.TrimPrefix(endpoint.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	zap.S().Infow("s3 cell configured", "cellId", cellID, "bucket", endpoint.Host, "prefix", prefix)
	return NewS3Cell(cellID, client, endpoint.Host, prefix), nil
}

func (c *S3Cell) objectKey(id string) string {
	return c.prefix + id + ndjsonSuffix
}

func (c *S3Cell) Insert(ctx context.Context, record celldb.Record) (string, error) {
	rec, id := withID(record)
	if err := c.put(ctx, id, rec); err != nil {
		return "", err
	}
	return id, nil
}

func (c *S3Cell) Query(ctx context.Context, filter celldb.QueryFilter, page celldb.Pagination) (*celldb.CellQueryResult, error) {
	c.queries.Add(1)
	var (
		matched []celldb.Record
		scanned uint64
	)
	err := c.scan(ctx, func(rec celldb.Record) {
		scanned++
		if filter.Match(rec) {
			matched = append(matched, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	res := paginate(matched, filter, page)
	res.Cost = scanned
	return res, nil
}

func (c *S3Cell) Update(ctx context.Context, id string, record celldb.Record) error {
	if err := c.exists(ctx, id); err != nil {
		return err
	}
	rec := record.Clone()
	if rec == nil {
		rec = celldb.Record{}
	}
	rec[celldb.RecordIDField] = id
	return c.put(ctx, id, rec)
}

func (c *S3Cell) Delete(ctx context.Context, id string) error {
	if err := c.exists(ctx, id); err != nil {
		return err
	}
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(id)),
	})
	if err != nil {
		return c.wrap("delete", err)
	}
	return nil
}

func (c *S3Cell) Metrics(ctx context.Context) (*celldb.CellMetrics, error) {
	m := &celldb.CellMetrics{QueryCount: c.queries.Load()}
	err := c.list(ctx, func(key string, size int64, modified time.Time) error {
		m.MemoryUsage += uint64(size)
		if modified.After(m.LastUpdated) {
			m.LastUpdated = modified
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.scan(ctx, func(celldb.Record) { m.RecordCount++ }); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *S3Cell) Close() error { return nil }

func (c *S3Cell) put(ctx context.Context, id string, rec celldb.Record) error {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.objectKey(id)),
		Body:        bytes.NewReader(append(data, '\n')),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return c.wrap("put", err)
	}
	return nil
}

func (c *S3Cell) exists(ctx context.Context, id string) error {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(id)),
	})
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return c.wrap("head", err)
	}
	return nil
}

func (c *S3Cell) list(ctx context.Context, fn func(key string, size int64, modified time.Time) error) error {
	pager := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix),
	})
	for pager.HasMorePages() {
		out, err := pager.NextPage(ctx)
		if err != nil {
			return c.wrap("list", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ndjsonSuffix) {
				continue
			}
			if err := fn(key, aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified)); err != nil {
				return err
			}
		}
	}
	return nil
}

// scan visits every record under the prefix in key order, then line order.
func (c *S3Cell) scan(ctx context.Context, visit func(celldb.Record)) error {
	return c.list(ctx, func(key string, _ int64, _ time.Time) error {
		out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if isNotFound(err) {
			// deleted between list and get
			return nil
		}
		if err != nil {
			return c.wrap("get", err)
		}
		defer out.Body.Close()

		sc := bufio.NewScanner(out.Body)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineLength)
		line := 0
		for sc.Scan() {
			line++
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			var rec celldb.Record
			if err := sonic.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode %s line %d: %w", key, line, err)
			}
			if rec == nil {
				continue
			}
			if id, _ := rec[celldb.RecordIDField].(string); id == "" {
				rec[celldb.RecordIDField] = fmt.Sprintf("%s#%d", key, line)
			}
			visit(rec)
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		return nil
	})
}

// wrap turns configuration errors into non-retryable CellUnavailable errors.
func (c *S3Cell) wrap(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return celldb.NewCellUnavailableError(c.cellID, fmt.Sprintf("s3 %s failed: %s", op, apiErr.ErrorMessage()), err, false).
				WithDetail("code", apiErr.ErrorCode())
		}
	}
	return fmt.Errorf("s3 %s on cell %s: %w", op, c.cellID, err)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "NoSuchKey" || code == "NotFound"
}
