// Package errors defines the unified error taxonomy for proxy attempts.
// Every upstream failure is mapped to one of these kinds; the retry loop
// reads only the flags carried here when deciding what to do next.
package errors

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Error kinds, one per distinguishable upstream outcome.
const (
	KindRateLimited          = "rate_limited"
	KindAdmissionHoldTimeout = "admission_hold_timeout"
	KindServerError          = "server_error"
	KindAuthError            = "auth_error"
	KindTimeout              = "timeout"
	KindSocketHangup         = "socket_hangup"
	KindConnectionRefused    = "connection_refused"
	KindBrokenPipe           = "broken_pipe"
	KindDNSError             = "dns_error"
	KindTLSError             = "tls_error"
	KindHTTPParseError       = "http_parse_error"
	KindClientDisconnect     = "client_disconnect"
	KindModelAtCapacity      = "model_at_capacity"
	KindContextOverflow      = "context_overflow"
	KindUnknown              = "unknown"
)

// ProxyError is a classified upstream failure. The flag fields are the
// defaults for the kind; the retry loop may override ExcludeKey when a
// model router is active (429s are account-scoped, not key-scoped).
type ProxyError struct {
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Model      string `json:"model,omitempty"`

	Retryable       bool `json:"-"`
	ExcludeKey      bool `json:"-"`
	FreshConnection bool `json:"-"`
	// LimitedRetry marks kinds the retry loop caps more aggressively
	// than maxRetries (hangups, TLS failures, unclassified errors).
	LimitedRetry bool `json:"-"`

	// RetryAfter carries the upstream Retry-After hint when present.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("[%s] %s (model=%s, code=%d)", e.Kind, e.Message, e.Model, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (code=%d)", e.Kind, e.Message, e.StatusCode)
}

// HTTPStatusCode returns the status code to surface when this error
// terminates a request.
func (e *ProxyError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

type kindSpec struct {
	retryable       bool
	excludeKey      bool
	freshConnection bool
	limitedRetry    bool
}

// kindSpecs encodes the retry/exclude/fresh-connection defaults per kind.
var kindSpecs = map[string]kindSpec{
	KindRateLimited:          {retryable: true, excludeKey: true},
	KindAdmissionHoldTimeout: {},
	KindServerError:          {retryable: true, excludeKey: true},
	KindAuthError:            {excludeKey: true},
	KindTimeout:              {retryable: true, excludeKey: true, freshConnection: true},
	KindSocketHangup:         {retryable: true, freshConnection: true, limitedRetry: true},
	KindConnectionRefused:    {retryable: true, excludeKey: true},
	KindBrokenPipe:           {retryable: true, freshConnection: true},
	KindDNSError:             {retryable: true},
	KindTLSError:             {retryable: true, excludeKey: true, limitedRetry: true},
	KindHTTPParseError:       {retryable: true, excludeKey: true},
	KindClientDisconnect:     {},
	KindModelAtCapacity:      {retryable: true},
	KindContextOverflow:      {},
	KindUnknown:              {retryable: true, excludeKey: true, limitedRetry: true},
}

// New creates a ProxyError of the given kind with the kind's default flags.
func New(kind string, statusCode int, model, message string) *ProxyError {
	spec := kindSpecs[kind]
	return &ProxyError{
		Kind:            kind,
		StatusCode:      statusCode,
		Message:         message,
		Model:           model,
		Retryable:       spec.retryable,
		ExcludeKey:      spec.excludeKey,
		FreshConnection: spec.freshConnection,
		LimitedRetry:    spec.limitedRetry,
	}
}

// NewRateLimitError creates a 429 error carrying the upstream Retry-After hint.
func NewRateLimitError(model, message string, retryAfter time.Duration) *ProxyError {
	err := New(KindRateLimited, http.StatusTooManyRequests, model, message)
	err.RetryAfter = retryAfter
	return err
}

// NewModelAtCapacityError signals the per-model concurrency gate rejected the
// attempt. Synthetic: no upstream socket was opened.
func NewModelAtCapacityError(model string, retryAfter time.Duration) *ProxyError {
	err := New(KindModelAtCapacity, http.StatusTooManyRequests, model, "model at capacity")
	err.RetryAfter = retryAfter
	return err
}

// NewAdmissionHoldTimeoutError signals the tier stayed cooled for the whole hold.
func NewAdmissionHoldTimeoutError(tier string) *ProxyError {
	return New(KindAdmissionHoldTimeout, http.StatusTooManyRequests, "",
		fmt.Sprintf("tier %s cooled beyond admission hold", tier))
}

// NewClientDisconnectError signals the downstream client went away.
func NewClientDisconnectError() *ProxyError {
	return New(KindClientDisconnect, 0, "", "client disconnected")
}

// FromStatusCode classifies an upstream HTTP status. It returns nil for
// statuses the proxy passes through verbatim (2xx and plain client errors).
func FromStatusCode(status int, model string, retryAfter time.Duration, body []byte) *ProxyError {
	switch {
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(model, "upstream rate limited", retryAfter)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return New(KindAuthError, status, model, "upstream rejected credentials")
	case status == http.StatusRequestTimeout:
		return New(KindTimeout, status, model, "upstream request timeout")
	case status >= 500:
		return New(KindServerError, status, model, fmt.Sprintf("upstream returned %d", status))
	case status == http.StatusBadRequest && looksLikeContextOverflow(body):
		return New(KindContextOverflow, status, model, "context length exceeded")
	default:
		return nil
	}
}

// looksLikeContextOverflow sniffs a 400 body for a context-length complaint.
func looksLikeContextOverflow(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	s := strings.ToLower(string(body))
	if !strings.Contains(s, "context") && !strings.Contains(s, "prompt") {
		return false
	}
	return strings.Contains(s, "length") || strings.Contains(s, "token") ||
		strings.Contains(s, "too long") || strings.Contains(s, "maximum")
}

// hangupWindow bounds how soon after opening a connection an ECONNRESET is
// still considered a hangup rather than a mid-stream failure.
const hangupWindow = 5 * time.Second

// FromTransportError classifies a transport-level failure. sinceOpen is the
// elapsed time since the attempt opened its connection; it separates early
// hangups (stale keep-alive sockets) from mid-request resets.
func FromTransportError(err error, model string, sinceOpen time.Duration) *ProxyError {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.Canceled) {
		return NewClientDisconnectError()
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, http.StatusGatewayTimeout, model, "attempt deadline exceeded")
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return New(KindDNSError, 0, model, dnsErr.Error())
	}

	if isTLSError(err) {
		return New(KindTLSError, 0, model, err.Error())
	}

	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return New(KindConnectionRefused, 0, model, "connection refused")
	case stderrors.Is(err, syscall.EPIPE):
		return New(KindBrokenPipe, 0, model, "broken pipe")
	case stderrors.Is(err, syscall.ECONNRESET), stderrors.Is(err, syscall.ECONNABORTED):
		if sinceOpen <= hangupWindow {
			return New(KindSocketHangup, 0, model, "connection reset shortly after open")
		}
		return New(KindBrokenPipe, 0, model, "connection reset mid-request")
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return New(KindTimeout, http.StatusGatewayTimeout, model, netErr.Error())
	}

	// String fallbacks for errors the net package does not type.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return New(KindConnectionRefused, 0, model, err.Error())
	case strings.Contains(msg, "connection reset"):
		if sinceOpen <= hangupWindow {
			return New(KindSocketHangup, 0, model, err.Error())
		}
		return New(KindBrokenPipe, 0, model, err.Error())
	case strings.Contains(msg, "broken pipe"):
		return New(KindBrokenPipe, 0, model, err.Error())
	case strings.Contains(msg, "no such host"):
		return New(KindDNSError, 0, model, err.Error())
	case strings.Contains(msg, "malformed http"), strings.Contains(msg, "bad response"):
		return New(KindHTTPParseError, 0, model, err.Error())
	case strings.Contains(msg, "eof") && sinceOpen <= hangupWindow:
		return New(KindSocketHangup, 0, model, err.Error())
	}

	return New(KindUnknown, 0, model, err.Error())
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	if stderrors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if stderrors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if stderrors.As(err, &unknownAuth) {
		return true
	}
	var hostnameErr x509.HostnameError
	if stderrors.As(err, &hostnameErr) {
		return true
	}
	var certInvalid x509.CertificateInvalidError
	if stderrors.As(err, &certInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "certificate") || strings.Contains(msg, "tls handshake")
}

// AsProxyError unwraps err to a *ProxyError when possible.
func AsProxyError(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err allows another attempt.
func IsRetryable(err error) bool {
	if pe, ok := AsProxyError(err); ok {
		return pe.Retryable
	}
	return false
}

// CountsTowardCircuit reports whether this failure should advance the
// owning credential's circuit breaker. Mirrors the ExcludeKey column:
// failures that are not the key's fault do not open its circuit.
func CountsTowardCircuit(err error) bool {
	if pe, ok := AsProxyError(err); ok {
		return pe.ExcludeKey
	}
	return false
}

// KindExcludesKey reports whether the kind's defaults blame the
// credential itself rather than the network path or the account.
func KindExcludesKey(kind string) bool {
	return kindSpecs[kind].excludeKey
}
