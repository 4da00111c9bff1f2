// Package resilience classifies upstream failures and retries the transient ones.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// Category is the coarse class of a failed upstream call.
type Category string

const (
	CategoryRateLimited Category = "rate_limited"
	CategoryTransient   Category = "transient"
	CategoryPermanent   Category = "permanent"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitedError marks an upstream refusal (429/503). It is a systemic
// condition handled by the limiter cooldown, not a per-item failure.
type RateLimitedError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return e.Err.Error()
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// NewRateLimitedError wraps err as a rate-limit refusal.
func NewRateLimitedError(err error, statusCode int, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Err: err, StatusCode: statusCode, RetryAfter: retryAfter}
}

// IsRateLimited returns true if a RateLimitedError is in the chain.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError or RateLimitedError, or if it matches common transient error
// patterns (network timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if IsRateLimited(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"client.timeout exceeded",
		"server closed idle connection",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// Classify buckets err for counters and logs.
func Classify(err error) Category {
	switch {
	case IsRateLimited(err):
		return CategoryRateLimited
	case IsTransient(err):
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// IsRateLimitStatus returns true for the statuses sec.gov uses to refuse
// clients that exceed its request ceiling.
func IsRateLimitStatus(statusCode int) bool {
	return statusCode == 429 || statusCode == 503
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry. 429 and 503 are
// reported by IsRateLimitStatus instead.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		500, // Internal Server Error
		502, // Bad Gateway
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
