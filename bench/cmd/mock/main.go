// Command mock runs the stand-in provider for gateway load tests.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zgate-dev/zgate/bench/internal/mock"
)

func main() {
	provider := mock.NewServer()
	port := flag.Int("port", 9090, "Port to listen on")
	flag.DurationVar(&provider.Latency, "latency", 50*time.Millisecond, "Simulated provider latency")
	flag.Float64Var(&provider.RateLimitRate, "rate-limit-rate", 0, "Probability of answering 429 (0.0 to 1.0)")
	flag.Float64Var(&provider.ErrorRate, "error-rate", 0, "Probability of answering 500 (0.0 to 1.0)")
	flag.Parse()

	// No write timeout: streamed responses hold the connection open.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", *port),
		Handler:     provider.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Println("mock provider shutting down")
		_ = srv.Close()
	}()

	log.Printf("mock provider on %s (latency %v, 429 rate %.2f, 500 rate %.2f)",
		srv.Addr, provider.Latency, provider.RateLimitRate, provider.ErrorRate)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("mock provider: %v", err)
	}
}
