package proxy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zgate-dev/zgate/internal/config"
	"github.com/zgate-dev/zgate/internal/httputil"
	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/streaming"
	"github.com/zgate-dev/zgate/pkg/anthropic"
	proxyerrors "github.com/zgate-dev/zgate/pkg/errors"
)

// errAttemptTimeout marks a cancellation caused by the per-attempt
// timer rather than the client going away.
var errAttemptTimeout = errors.New("attempt timeout")

// upstreamClient opens one upstream request per attempt, bounded by the
// upstream slot semaphore, and pipes 2xx responses straight through.
type upstreamClient struct {
	baseURL    string
	timeout    time.Duration
	transports *TransportManager
	collector  *metrics.Collector
	logger     *slog.Logger
	slots      chan struct{}
}

func newUpstreamClient(cfg config.UpstreamConfig, tm *TransportManager, collector *metrics.Collector, logger *slog.Logger) *upstreamClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &upstreamClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:    cfg.RequestTimeout,
		transports: tm,
		collector:  collector,
		logger:     logger.With("component", "upstream"),
		slots:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// attemptParams carries one attempt's inputs.
type attemptParams struct {
	Body       []byte
	Header     http.Header
	Method     string
	PathQuery  string
	Model      string
	Stream     bool
	Fresh      bool
	Credential string
}

// attemptResult is the single outcome of one attempt. Err is nil when
// the client received a response, including upstream 4xx passed through
// verbatim; Truncated marks a 2xx stream that died after bytes flowed.
type attemptResult struct {
	Err          *proxyerrors.ProxyError
	StatusCode   int
	HeadersSent  bool
	Truncated    bool
	BytesWritten int64
	Usage        anthropic.Usage
	UsageFound   bool
	Latency      time.Duration

	// Upstream response captured for classified failures, replayed
	// verbatim when the retry loop gives up.
	RespStatus int
	RespHeader http.Header
	RespBody   []byte
}

// do runs one upstream attempt and writes to w only when the outcome is
// final for the client (2xx stream or plain pass-through status).
func (u *upstreamClient) do(ctx context.Context, w http.ResponseWriter, p attemptParams) attemptResult {
	select {
	case u.slots <- struct{}{}:
		defer func() { <-u.slots }()
	case <-ctx.Done():
		return attemptResult{Err: proxyerrors.NewClientDisconnectError()}
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := time.AfterFunc(u.timeout, func() { cancel(errAttemptTimeout) })
	defer timer.Stop()

	req, err := http.NewRequestWithContext(attemptCtx, p.Method, u.baseURL+p.PathQuery, bytes.NewReader(p.Body))
	if err != nil {
		return attemptResult{Err: proxyerrors.New(proxyerrors.KindUnknown, 0, p.Model, "build upstream request: "+err.Error())}
	}
	httputil.CopyHeaders(req.Header, p.Header)
	req.Header.Del("Content-Length")
	req.Header.Set("Authorization", "Bearer "+p.Credential)
	req.Header.Set("X-Api-Key", p.Credential)
	req.Header.Set("Content-Type", "application/json")

	transport := u.transports.Shared()
	if p.Fresh {
		transport = u.transports.Fresh()
	}
	client := &http.Client{Transport: transport}

	open := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		latency := time.Since(open)
		pe := u.classifyTransport(attemptCtx, ctx, err, p.Model, latency)
		if pe.Kind == proxyerrors.KindSocketHangup {
			u.transports.RecordHangup()
		}
		return attemptResult{Err: pe, Latency: latency}
	}

	// Headers arrived: stop the attempt timer so a long stream is not
	// cut down by the per-attempt budget.
	timer.Stop()
	u.transports.RecordHealthy()
	if p.Stream {
		u.collector.RecordTimeToFirstByte(p.Model, time.Since(open))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return u.passThrough(attemptCtx, w, resp, p, open)
	}

	body, readErr := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxErrorBodyBytes)
	_ = resp.Body.Close()
	if readErr != nil && !errors.Is(readErr, httputil.ErrBodyTooLarge) {
		u.logger.Debug("upstream error body read failed", "status", resp.StatusCode, "error", readErr)
	}
	latency := time.Since(open)

	retryAfter := httputil.ParseRetryAfter(resp.Header.Get("Retry-After"))
	pe := proxyerrors.FromStatusCode(resp.StatusCode, p.Model, retryAfter, body)
	if pe == nil {
		// Plain client error: the upstream's verdict stands, pass it on.
		replayResponse(w, resp.StatusCode, resp.Header, body)
		return attemptResult{
			StatusCode:   resp.StatusCode,
			HeadersSent:  true,
			BytesWritten: int64(len(body)),
			Latency:      latency,
		}
	}
	return attemptResult{
		Err:        pe,
		Latency:    latency,
		RespStatus: resp.StatusCode,
		RespHeader: resp.Header.Clone(),
		RespBody:   body,
	}
}

// passThrough pipes a 2xx upstream body to the client. Once the status
// line is out there is no retrying; a mid-body error becomes a
// truncated success the client must cope with.
func (u *upstreamClient) passThrough(ctx context.Context, w http.ResponseWriter, resp *http.Response, p attemptParams, open time.Time) attemptResult {
	httputil.CopyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	fw := streaming.NewForwarder(resp.Body, w)
	res, err := fw.Forward(ctx)
	latency := time.Since(open)
	if err != nil {
		u.logger.Warn("stream interrupted after response started",
			"model", p.Model,
			"bytes_written", res.BytesWritten,
			"error", err,
		)
	}
	return attemptResult{
		StatusCode:   resp.StatusCode,
		HeadersSent:  true,
		Truncated:    err != nil,
		BytesWritten: res.BytesWritten,
		Usage:        res.Usage,
		UsageFound:   res.UsageFound,
		Latency:      latency,
	}
}

// classifyTransport maps a client.Do failure to the taxonomy. The
// attempt timer and the client going away both surface as canceled
// contexts, so the cause is checked before generic classification.
func (u *upstreamClient) classifyTransport(attemptCtx, parent context.Context, err error, model string, sinceOpen time.Duration) *proxyerrors.ProxyError {
	if context.Cause(attemptCtx) == errAttemptTimeout {
		return proxyerrors.New(proxyerrors.KindTimeout, http.StatusGatewayTimeout, model, "upstream attempt timed out")
	}
	if parent.Err() != nil {
		return proxyerrors.NewClientDisconnectError()
	}
	return proxyerrors.FromTransportError(err, model, sinceOpen)
}

// replayResponse writes a captured upstream response verbatim. The
// Content-Length header is dropped because the captured body may be
// truncated at the capture bound.
func replayResponse(w http.ResponseWriter, status int, header http.Header, body []byte) {
	httputil.CopyHeaders(w.Header(), header)
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
