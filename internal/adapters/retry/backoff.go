package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
	Multiplier      float64
}

func DefaultConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		MaxRetries:      3,
		Multiplier:      2.0,
	}
}

// LLMConfig retries transient completion failures a small number of times
// inside one strategy attempt.
func LLMConfig(maxRetries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		MaxRetries:      maxRetries,
		Multiplier:      2.0,
	}
}

// AllocationConfig retries version allocation conflicts with short waits.
func AllocationConfig(maxRetries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxRetries:      maxRetries,
		Multiplier:      2.0,
	}
}

// Retryable decides whether an error is worth another attempt
type Retryable func(err error) bool

// Option tweaks a single WithBackoff call
type Option func(*options)

type options struct {
	retryable Retryable
	onRetry   func(attempt int, err error, wait time.Duration)
}

// WithRetryable replaces the default network-error classifier
func WithRetryable(fn Retryable) Option {
	return func(o *options) { o.retryable = fn }
}

// WithOnRetry registers a callback run before each wait
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// ErrRetriesExhausted is wrapped by WithBackoff when every attempt failed
var ErrRetriesExhausted = errors.New("max retries exceeded")

func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// IsNotFound indicates a definitive NXDOMAIN, which shouldn't be retried
		return !dnsErr.IsNotFound
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
		if errors.Is(opErr.Err, syscall.EPIPE) {
			return true
		}
	}

	return false
}

func IsRetryableHTTPStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}

	if statusCode >= 500 && statusCode < 600 {
		return true
	}

	if statusCode == http.StatusRequestTimeout {
		return true
	}

	return false
}

// WithBackoff runs fn until it succeeds, returns a non-retryable error, the
// context ends, or MaxRetries retries have been spent. Non-retryable errors
// are returned unwrapped so callers can match them directly.
func WithBackoff(ctx context.Context, cfg BackoffConfig, fn func() error, opts ...Option) error {
	o := options{retryable: IsRetryableError}
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	interval := cfg.InitialInterval

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !o.retryable(err) {
			return err
		}

		if attempt == cfg.MaxRetries {
			break
		}

		if o.onRetry != nil {
			o.onRetry(attempt+1, err, interval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * cfg.Multiplier)
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}

	return fmt.Errorf("%w (%d): %w", ErrRetriesExhausted, cfg.MaxRetries, lastErr)
}
