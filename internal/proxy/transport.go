package proxy

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// newUpstreamTransport builds a pooled transport for the shared upstream
// client.
func newUpstreamTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// TransportManager owns the shared upstream transport. Consecutive
// hangups suggest the pooled keep-alive sockets have gone stale on the
// far side, so crossing the threshold swaps the shared transport for a
// fresh one. In-flight requests keep the transport pointer they grabbed
// and finish on the old sockets.
type TransportManager struct {
	logger    *slog.Logger
	threshold int

	mu          sync.Mutex
	shared      *http.Transport
	hangups     int
	recreations int64
}

// NewTransportManager builds a manager. hangupThreshold <= 0 disables
// recreation.
func NewTransportManager(hangupThreshold int, logger *slog.Logger) *TransportManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportManager{
		logger:    logger.With("component", "transport"),
		threshold: hangupThreshold,
		shared:    newUpstreamTransport(),
	}
}

// Shared returns the current shared transport.
func (m *TransportManager) Shared() http.RoundTripper {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shared
}

// Fresh returns a one-shot transport that will not reuse or pool
// connections. Used when the previous attempt died on a stale socket.
func (m *TransportManager) Fresh() http.RoundTripper {
	t := newUpstreamTransport()
	t.DisableKeepAlives = true
	return t
}

// RecordHangup counts one socket hangup. At the threshold the shared
// transport is replaced and its idle connections closed.
func (m *TransportManager) RecordHangup() {
	m.mu.Lock()
	m.hangups++
	recreate := m.threshold > 0 && m.hangups >= m.threshold
	var old *http.Transport
	if recreate {
		old = m.shared
		m.shared = newUpstreamTransport()
		m.hangups = 0
		m.recreations++
	}
	count := m.recreations
	m.mu.Unlock()

	if recreate {
		old.CloseIdleConnections()
		m.logger.Warn("recreated upstream transport after consecutive hangups",
			"threshold", m.threshold,
			"recreations", count,
		)
	}
}

// RecordHealthy resets the consecutive hangup count after a response
// arrives.
func (m *TransportManager) RecordHealthy() {
	m.mu.Lock()
	m.hangups = 0
	m.mu.Unlock()
}

// Recreations returns how many times the shared transport was replaced.
func (m *TransportManager) Recreations() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recreations
}
