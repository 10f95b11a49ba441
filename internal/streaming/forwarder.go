// Package streaming pipes upstream response bodies to clients unchanged
// while watching the bytes for the provider's terminal token-usage report.
// Buffer pooling keeps per-request allocations flat and every pump loop
// honors client disconnect.
package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/zgate-dev/zgate/pkg/anthropic"
)

const (
	// DefaultBufferSize is the chunk size used to pump response bodies.
	DefaultBufferSize = 32 * 1024

	// MaxSniffBuffer bounds the bytes retained for usage sniffing. Lines
	// or bodies beyond the bound lose their usage report, never their
	// payload.
	MaxSniffBuffer = 64 * 1024
)

// bufferPool provides reusable copy buffers to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// Result reports what one forward pass delivered. It is meaningful even
// when Forward returns an error: BytesWritten tells the caller whether the
// client already received data, and any usage sniffed before the failure
// is included.
type Result struct {
	BytesWritten int64
	Usage        anthropic.Usage
	UsageFound   bool
}

// Forwarder pumps one upstream body to one client. The body is forwarded
// byte for byte; only the sniffer reads into it.
type Forwarder struct {
	upstream   io.ReadCloser
	downstream io.Writer
	flusher    http.Flusher
	sniffer    *usageSniffer
}

// NewForwarder wraps an upstream body and a client writer. The forwarder
// owns the body and closes it when Forward returns. Per-chunk flushing is
// enabled when the writer supports it.
func NewForwarder(upstream io.ReadCloser, downstream io.Writer) *Forwarder {
	f := &Forwarder{
		upstream:   upstream,
		downstream: downstream,
		sniffer:    newUsageSniffer(MaxSniffBuffer),
	}
	if fl, ok := downstream.(http.Flusher); ok {
		f.flusher = fl
	}
	return f
}

// Forward pumps the body until EOF, an error, or ctx cancellation.
func (f *Forwarder) Forward(ctx context.Context) (Result, error) {
	defer f.upstream.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	var res Result
	for {
		select {
		case <-ctx.Done():
			f.finish(&res)
			return res, ctx.Err()
		default:
		}

		n, readErr := f.upstream.Read(*buf)
		if n > 0 {
			chunk := (*buf)[:n]
			f.sniffer.feed(chunk)
			wrote, writeErr := f.downstream.Write(chunk)
			res.BytesWritten += int64(wrote)
			if writeErr != nil {
				f.finish(&res)
				return res, fmt.Errorf("write to client: %w", writeErr)
			}
			if f.flusher != nil {
				f.flusher.Flush()
			}
		}
		if readErr != nil {
			f.finish(&res)
			if readErr == io.EOF {
				return res, nil
			}
			return res, fmt.Errorf("read upstream: %w", readErr)
		}
	}
}

func (f *Forwarder) finish(res *Result) {
	res.Usage, res.UsageFound = f.sniffer.finish()
}
