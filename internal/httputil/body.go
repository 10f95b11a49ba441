// Package httputil provides helpers for working with HTTP payloads safely.
package httputil

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultMaxRequestBodyBytes caps inbound request bodies to 10MB.
	DefaultMaxRequestBodyBytes int64 = 10 * 1024 * 1024

	// DefaultMaxErrorBodyBytes caps captured upstream error bodies to 64KB.
	// Error payloads are only read for classification and trace previews.
	DefaultMaxErrorBodyBytes int64 = 64 * 1024
)

var ErrBodyTooLarge = errors.New("body too large")

// ReadLimitedBody reads up to maxBytes from reader and returns ErrBodyTooLarge
// when exceeded. The truncated prefix is still returned so callers can log or
// classify what they got.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		body = body[:int(maxBytes)]
		return body, ErrBodyTooLarge
	}
	return body, nil
}

// hopByHopHeaders must not be forwarded between upstream and client.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// CopyHeaders copies src into dst, skipping hop-by-hop headers.
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// ParseRetryAfter reads a Retry-After header value as a duration. Both the
// delta-seconds and HTTP-date forms are accepted; zero means absent or
// unparseable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
