package observability

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
)

// S3ExportConfig contains configuration for the S3 usage exporter.
type S3ExportConfig struct {
	BucketName    string
	Region        string
	AccessKeyID   string // optional, default credential chain when empty
	SecretKey     string
	Endpoint      string // custom endpoint for MinIO-style stores
	PathPrefix    string
	FlushInterval time.Duration
	BatchSize     int
	Compression   bool // gzip the uploaded objects
}

// DefaultS3ExportConfig returns sensible defaults.
func DefaultS3ExportConfig() S3ExportConfig {
	return S3ExportConfig{
		FlushInterval: 10 * time.Second,
		BatchSize:     100,
		Compression:   true,
	}
}

// s3API is the subset of the S3 client the exporter uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter batches usage records and writes them to a bucket as
// date-partitioned JSONL objects.
type S3Exporter struct {
	config S3ExportConfig
	client s3API
	logger *Logger

	mu    sync.Mutex
	queue []UsageRecord

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewS3Exporter creates an exporter and starts its background flush loop.
func NewS3Exporter(cfg S3ExportConfig, logger *Logger) (*S3Exporter, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("s3: bucket_name is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	e := newS3ExporterWithClient(cfg, s3.NewFromConfig(awsCfg, s3Opts...), logger)
	return e, nil
}

func newS3ExporterWithClient(cfg S3ExportConfig, client s3API, logger *Logger) *S3Exporter {
	if logger == nil {
		logger = NewLogger(LoggerConfig{JSONFormat: true}, nil)
	}
	e := &S3Exporter{
		config: cfg,
		client: client,
		logger: logger,
		queue:  make([]UsageRecord, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.flushLoop()
	return e
}

// Name implements UsageSink.
func (e *S3Exporter) Name() string {
	return "s3"
}

// Record implements UsageSink. Records are buffered; a full batch triggers
// an asynchronous flush.
func (e *S3Exporter) Record(_ context.Context, rec *UsageRecord) error {
	e.mu.Lock()
	e.queue = append(e.queue, *rec)
	full := len(e.queue) >= e.config.BatchSize
	e.mu.Unlock()

	if full {
		go func() {
			if err := e.flush(context.Background()); err != nil {
				e.logger.Error("s3 export flush failed", "error", err)
			}
		}()
	}
	return nil
}

// Shutdown stops the flush loop and uploads any remaining records.
func (e *S3Exporter) Shutdown(ctx context.Context) error {
	close(e.stopCh)
	e.wg.Wait()
	return e.flush(ctx)
}

func (e *S3Exporter) flushLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.flush(context.Background()); err != nil {
				e.logger.Error("s3 export flush failed", "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *S3Exporter) flush(ctx context.Context) error {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return nil
	}
	records := e.queue
	e.queue = make([]UsageRecord, 0, e.config.BatchSize)
	e.mu.Unlock()

	body, contentType, contentEncoding, err := e.encode(records)
	if err != nil {
		return err
	}

	key := e.objectKey(time.Now().UTC())
	input := &s3.PutObjectInput{
		Bucket:      aws.String(e.config.BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if contentEncoding != "" {
		input.ContentEncoding = aws.String(contentEncoding)
	}

	if _, err := e.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3: failed to upload usage records: %w", err)
	}
	return nil
}

func (e *S3Exporter) encode(records []UsageRecord) ([]byte, string, string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range records {
		if err := encoder.Encode(&records[i]); err != nil {
			return nil, "", "", fmt.Errorf("s3: failed to encode record: %w", err)
		}
	}

	if !e.config.Compression {
		return buf.Bytes(), "application/x-ndjson", "", nil
	}

	var gzipped bytes.Buffer
	gw := gzip.NewWriter(&gzipped)
	if _, err := gw.Write(buf.Bytes()); err != nil {
		return nil, "", "", fmt.Errorf("s3: gzip failed: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, "", "", fmt.Errorf("s3: gzip failed: %w", err)
	}
	return gzipped.Bytes(), "application/x-ndjson", "gzip", nil
}

// objectKey builds a date-partitioned key:
// prefix/year=YYYY/month=MM/day=DD/hour=HH/usage_<nanos>.jsonl[.gz]
func (e *S3Exporter) objectKey(t time.Time) string {
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d",
		t.Year(), t.Month(), t.Day(), t.Hour())

	ext := "jsonl"
	if e.config.Compression {
		ext = "jsonl.gz"
	}
	filename := fmt.Sprintf("usage_%d.%s", t.UnixNano(), ext)

	if e.config.PathPrefix != "" {
		return path.Join(e.config.PathPrefix, datePrefix, filename)
	}
	return path.Join(datePrefix, filename)
}
