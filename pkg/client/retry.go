package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	spapiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spapi_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	spapiRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spapi_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	}, []string{"error_class"})

	spapiRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spapi_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transient connection failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassFatal represents failures that are never retried (auth, cancellation, malformed requests).
	ErrorClassFatal ErrorClass = "fatal"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the initial request.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the doubled wait.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration: 5 attempts,
// waits of 1s, 2s, 4s, ... capped at 32s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     32 * time.Second,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if backoff > c.MaxBackoff {
		return c.MaxBackoff
	}
	return backoff
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// 4xx, 5xx and fatal errors fail immediately
		return false
	}
}

// classifyStatus categorizes an HTTP status code.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyTransportError separates transient connection failures from everything else.
func classifyTransportError(err error) ErrorClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassFatal
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrorClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassNetwork
	}
	// net/http does not always wrap the underlying errno
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.HasSuffix(msg, "EOF") {
		return ErrorClassNetwork
	}
	return ErrorClassFatal
}

// attemptFunc performs one attempt and classifies its failure.
type attemptFunc func(attempt int) (ErrorClass, error)

// retryWithBackoff runs fn up to cfg.MaxAttempts times, sleeping between
// retryable failures. Non-retryable failures are returned unchanged.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, sleep Sleeper, logger zerolog.Logger, endpoint string, fn attemptFunc) error {
	var lastErr error
	var lastClass ErrorClass

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		errClass, err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		lastClass = errClass

		if !shouldRetry(errClass) {
			return err
		}

		// If this was the last attempt, don't wait
		if attempt >= cfg.MaxAttempts {
			break
		}

		wait := cfg.Backoff(attempt)
		spapiRetriesTotal.WithLabelValues(string(errClass)).Inc()
		spapiRetryBackoffSeconds.WithLabelValues(string(errClass)).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Str("error_class", string(errClass)).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("wait", wait).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, wait); err != nil {
			logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	spapiRetryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Error().
		Err(lastErr).
		Str("endpoint", endpoint).
		Str("error_class", string(lastClass)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return &RateLimitError{Endpoint: endpoint, Attempts: cfg.MaxAttempts, Err: lastErr}
}
