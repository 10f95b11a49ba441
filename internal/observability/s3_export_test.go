package observability

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[*params.Key] = body
	f.inputs = append(f.inputs, params)
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func newTestExporter(t *testing.T, cfg S3ExportConfig) (*S3Exporter, *fakeS3) {
	t.Helper()
	client := newFakeS3()
	if cfg.BucketName == "" {
		cfg.BucketName = "usage-bucket"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Hour // keep the loop quiet during tests
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	e := newS3ExporterWithClient(cfg, client, nil)
	return e, client
}

func TestS3Exporter_ShutdownFlushesJSONL(t *testing.T) {
	e, client := newTestExporter(t, S3ExportConfig{Compression: false})

	recs := []UsageRecord{
		{RequestID: "req-1", Model: "glm-4.7", Outcome: "success", CostUSD: 0.0123},
		{RequestID: "req-2", Model: "glm-4.5-air", Outcome: "give_up_429_cascade"},
	}
	for i := range recs {
		if err := e.Record(context.Background(), &recs[i]); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	keys := client.keys()
	if len(keys) != 1 {
		t.Fatalf("expected 1 object, got %d", len(keys))
	}

	lines := strings.Split(strings.TrimSpace(string(client.objects[keys[0]])), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}

	var first UsageRecord
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("failed to decode line: %v", err)
	}
	if first.RequestID != "req-1" || first.Model != "glm-4.7" {
		t.Errorf("unexpected first record: %+v", first)
	}
}

func TestS3Exporter_Gzip(t *testing.T) {
	e, client := newTestExporter(t, S3ExportConfig{Compression: true})

	rec := UsageRecord{RequestID: "req-gz", Model: "glm-4.6", Outcome: "success"}
	if err := e.Record(context.Background(), &rec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	keys := client.keys()
	if len(keys) != 1 {
		t.Fatalf("expected 1 object, got %d", len(keys))
	}
	if !strings.HasSuffix(keys[0], ".jsonl.gz") {
		t.Errorf("expected gz extension, got %q", keys[0])
	}

	input := client.inputs[0]
	if input.ContentEncoding == nil || *input.ContentEncoding != "gzip" {
		t.Error("expected Content-Encoding gzip")
	}

	gr, err := gzip.NewReader(bytes.NewReader(client.objects[keys[0]]))
	if err != nil {
		t.Fatalf("object is not gzip: %v", err)
	}
	raw, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("gunzip failed: %v", err)
	}
	if !strings.Contains(string(raw), "req-gz") {
		t.Errorf("expected record in decompressed body, got %s", raw)
	}
}

func TestS3Exporter_BatchTriggersFlush(t *testing.T) {
	e, client := newTestExporter(t, S3ExportConfig{BatchSize: 2, Compression: false})

	for i := 0; i < 2; i++ {
		rec := UsageRecord{RequestID: "req", Outcome: "success"}
		if err := e.Record(context.Background(), &rec); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(client.keys()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(client.keys()) == 0 {
		t.Fatal("expected a full batch to flush without waiting for the interval")
	}

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestS3Exporter_EmptyFlushWritesNothing(t *testing.T) {
	e, client := newTestExporter(t, S3ExportConfig{})

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(client.keys()) != 0 {
		t.Errorf("expected no objects, got %v", client.keys())
	}
}

func TestS3Exporter_ObjectKeyPartitioning(t *testing.T) {
	e, _ := newTestExporter(t, S3ExportConfig{PathPrefix: "zgate/usage", Compression: false})
	defer e.Shutdown(context.Background())

	ts := time.Date(2025, 11, 3, 14, 5, 0, 0, time.UTC)
	key := e.objectKey(ts)

	if !strings.HasPrefix(key, "zgate/usage/year=2025/month=11/day=03/hour=14/") {
		t.Errorf("unexpected key layout: %q", key)
	}
	if !strings.HasSuffix(key, ".jsonl") {
		t.Errorf("expected plain jsonl extension, got %q", key)
	}
}

func TestNewS3Exporter_RequiresBucket(t *testing.T) {
	_, err := NewS3Exporter(S3ExportConfig{}, nil)
	if err == nil {
		t.Fatal("expected error for missing bucket name")
	}
}
