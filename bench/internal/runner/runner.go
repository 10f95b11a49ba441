// Package runner drives load against a gateway and summarizes latency.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Config holds one load run's parameters.
type Config struct {
	Target      string // gateway base URL
	Requests    int    // total number of requests
	Concurrency int    // number of concurrent workers
	Model       string // client-side model name sent in each request
	Stream      bool   // request streaming responses
	Name        string // run name for reports
}

// LatencySummary aggregates successful-request latencies.
type LatencySummary struct {
	Min  time.Duration `json:"min"`
	Max  time.Duration `json:"max"`
	Mean time.Duration `json:"mean"`
	P50  time.Duration `json:"p50"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
}

// Result holds one load run's outcome.
type Result struct {
	Name        string         `json:"name"`
	Target      string         `json:"target"`
	Model       string         `json:"model"`
	Stream      bool           `json:"stream"`
	StartedAt   time.Time      `json:"startedAt"`
	Elapsed     time.Duration  `json:"elapsed"`
	Concurrency int            `json:"concurrency"`
	Sent        int64          `json:"sent"`
	Succeeded   int64          `json:"succeeded"`
	RateLimited int64          `json:"rateLimited"`
	Failed      int64          `json:"failed"`
	Throughput  float64        `json:"throughput"`
	Latency     LatencySummary `json:"latency"`
}

// Print writes a human-readable summary to stdout.
func (res *Result) Print() {
	fmt.Printf("\n%s: %s (model %s, stream %v)\n", res.Name, res.Target, res.Model, res.Stream)
	fmt.Printf("  %d requests in %v at concurrency %d\n",
		res.Sent, res.Elapsed.Round(time.Millisecond), res.Concurrency)
	fmt.Printf("  succeeded %d, rate limited %d, failed %d (%.2f req/s)\n",
		res.Succeeded, res.RateLimited, res.Failed, res.Throughput)
	fmt.Printf("  latency min/mean/max: %v / %v / %v\n",
		res.Latency.Min.Round(time.Microsecond),
		res.Latency.Mean.Round(time.Microsecond),
		res.Latency.Max.Round(time.Microsecond))
	fmt.Printf("  latency p50/p95/p99:  %v / %v / %v\n",
		res.Latency.P50.Round(time.Microsecond),
		res.Latency.P95.Round(time.Microsecond),
		res.Latency.P99.Round(time.Microsecond))
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Runner executes load runs against one target.
type Runner struct {
	client *http.Client
	cfg    Config
}

// New creates a runner for the given configuration.
func New(cfg Config) *Runner {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Runner{
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Concurrency * 2,
				MaxIdleConnsPerHost: cfg.Concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg: cfg,
	}
}

// tally is one worker's private counters, merged after the run.
type tally struct {
	succeeded   int64
	rateLimited int64
	failed      int64
	samples     []time.Duration
}

// Run executes the load run and returns its result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     r.cfg.Model,
		MaxTokens: 256,
		Messages:  []message{{Role: "user", Content: "Hello, this is a load test request."}},
		Stream:    r.cfg.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	// Worker w takes requests w, w+C, w+2C, ... so each tally stays
	// single-owner and no dispatch channel is needed.
	tallies := make([]tally, r.cfg.Concurrency)
	started := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Concurrency; w++ {
		wg.Add(1)
		go func(w int, own *tally) {
			defer wg.Done()
			for i := w; i < r.cfg.Requests; i += r.cfg.Concurrency {
				if ctx.Err() != nil {
					return
				}
				begin := time.Now()
				status, err := r.postMessages(ctx, body)
				took := time.Since(begin)

				switch {
				case err == nil:
					own.succeeded++
					own.samples = append(own.samples, took)
				case status == http.StatusTooManyRequests:
					own.rateLimited++
				default:
					own.failed++
				}
			}
		}(w, &tallies[w])
	}
	wg.Wait()

	res := &Result{
		Name:        r.cfg.Name,
		Target:      r.cfg.Target,
		Model:       r.cfg.Model,
		Stream:      r.cfg.Stream,
		StartedAt:   started,
		Elapsed:     time.Since(started),
		Concurrency: r.cfg.Concurrency,
	}
	var samples []time.Duration
	for i := range tallies {
		res.Succeeded += tallies[i].succeeded
		res.RateLimited += tallies[i].rateLimited
		res.Failed += tallies[i].failed
		samples = append(samples, tallies[i].samples...)
	}
	res.Sent = res.Succeeded + res.RateLimited + res.Failed
	if res.Elapsed > 0 {
		res.Throughput = float64(res.Succeeded) / res.Elapsed.Seconds()
	}
	res.Latency = summarize(samples)

	return res, nil
}

// postMessages sends one request and drains the body, so streamed responses
// are timed end to end rather than to first byte. The status code comes back
// alongside the error so rate-limited answers can be counted separately.
func (r *Runner) postMessages(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Target+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Anthropic-Version", "2023-06-01")
	req.Header.Set("X-Api-Key", "load-test-key")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func summarize(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return LatencySummary{
		Min:  samples[0],
		Max:  samples[len(samples)-1],
		Mean: total / time.Duration(len(samples)),
		P50:  nearestRank(samples, 50),
		P95:  nearestRank(samples, 95),
		P99:  nearestRank(samples, 99),
	}
}

// nearestRank returns the p-th percentile of sorted samples.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
