// Command runner executes a load run against a gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/zgate-dev/zgate/bench/internal/runner"
)

func main() {
	var cfg runner.Config
	flag.StringVar(&cfg.Target, "target", "http://localhost:8080", "Gateway base URL")
	flag.IntVar(&cfg.Requests, "requests", 1000, "Total number of requests")
	flag.IntVar(&cfg.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.StringVar(&cfg.Model, "model", "claude-sonnet-4-20250514", "Client-side model name")
	flag.BoolVar(&cfg.Stream, "stream", false, "Request streaming responses")
	flag.StringVar(&cfg.Name, "name", "loadtest", "Run name")
	output := flag.String("output", "bench/results", "Directory for result JSON, empty to skip saving")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall run deadline")
	flag.Parse()

	if err := run(cfg, *output, *timeout); err != nil {
		log.Fatal(err)
	}
}

func run(cfg runner.Config, output string, timeout time.Duration) error {
	log.Printf("load run %s: %d requests to %s at concurrency %d",
		cfg.Name, cfg.Requests, cfg.Target, cfg.Concurrency)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := runner.New(cfg).Run(ctx)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	res.Print()

	if output == "" {
		return nil
	}
	path, err := saveResult(output, res)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	log.Printf("result saved to %s", path)
	return nil
}

func saveResult(dir string, res *runner.Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", res.Name, res.StartedAt.Format("20060102_150405")))
	return path, os.WriteFile(path, data, 0o644)
}
