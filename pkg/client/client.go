// Package client provides the SP-API HTTP transport with authentication,
// pacing, bounded retry on throttling, and error classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/sp-order-sync/pkg/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for SP-API client operations.
var (
	spapiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spapi_requests_total",
		Help: "Total SP-API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	spapiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spapi_request_duration_seconds",
		Help:    "SP-API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	spapiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spapi_errors_total",
		Help: "Total SP-API errors by class",
	}, []string{"class"})
)

// TokenSource supplies access tokens for authenticated requests.
type TokenSource interface {
	Token(ctx context.Context) (auth.AccessToken, error)
}

// Pacer spaces requests per endpoint. Wait blocks until a request may be
// sent; Observe feeds back the response headers.
type Pacer interface {
	Wait(ctx context.Context, endpoint string) error
	Observe(ctx context.Context, endpoint string, header http.Header)
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the regional SP-API endpoint, e.g. https://sellingpartnerapi-eu.amazon.com
	BaseURL string

	// UserAgent sent with every request.
	UserAgent string

	// Retry controls the bounded backoff on 429 and transient network errors.
	Retry RetryConfig

	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client

	// Sleep is used for backoff waits. Defaults to Sleep.
	Sleep Sleeper

	// Pacer is optional.
	Pacer Pacer
}

// DefaultConfig returns a configuration with the default retry policy.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "sp-order-sync/1.0 (Language=Go)",
		Retry:     DefaultRetryConfig(),
	}
}

// Client is the SP-API transport.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	config     Config
	logger     zerolog.Logger
}

// New creates a new SP-API client.
func New(cfg Config, tokens TokenSource, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = DefaultRetryConfig().InitialBackoff
	}
	if cfg.Retry.MaxBackoff < cfg.Retry.InitialBackoff {
		cfg.Retry.MaxBackoff = cfg.Retry.InitialBackoff
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		config:     cfg,
		logger:     logger.With().Str("component", "spapi-client").Logger(),
	}, nil
}

// Execute sends req, retrying 429 responses and transient network errors
// with exponential backoff. Any other non-2xx status is returned as *APIError
// without retry. When attempts are exhausted the error matches
// ErrRateLimitExceeded.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	endpoint := req.Endpoint()

	body, err := req.body()
	if err != nil {
		return nil, err
	}
	target := req.target(c.config.BaseURL)

	startTime := time.Now()
	defer func() {
		spapiRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing SP-API request")

	var resp *Response
	err = retryWithBackoff(ctx, c.config.Retry, c.config.Sleep, c.logger, endpoint, func(attempt int) (ErrorClass, error) {
		if err := ctx.Err(); err != nil {
			return ErrorClassFatal, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		var errClass ErrorClass
		resp, errClass, err = c.attempt(ctx, req, endpoint, target, body)
		return errClass, err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt performs a single round trip.
func (c *Client) attempt(ctx context.Context, req Request, endpoint, target string, body []byte) (*Response, ErrorClass, error) {
	if c.config.Pacer != nil {
		if err := c.config.Pacer.Wait(ctx, endpoint); err != nil {
			return nil, ErrorClassFatal, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, ErrorClassFatal, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	if !req.Raw {
		httpReq.Header.Set("Accept", "application/json")
	}

	if !req.NoAuth {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrorClassFatal, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			// Auth failures are never retried here; the token manager owns that.
			return nil, ErrorClassFatal, err
		}
		httpReq.Header.Set("x-amz-access-token", token.Value)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		errClass := classifyTransportError(err)
		spapiErrorsTotal.WithLabelValues(string(errClass)).Inc()
		spapiRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Str("error_class", string(errClass)).Msg("HTTP request failed")
		if ctx.Err() != nil {
			return nil, ErrorClassFatal, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		return nil, errClass, fmt.Errorf("%s %s: %w", req.Method, endpoint, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		errClass := classifyTransportError(err)
		spapiErrorsTotal.WithLabelValues(string(errClass)).Inc()
		return nil, errClass, fmt.Errorf("read response body: %w", err)
	}

	status := strconv.Itoa(httpResp.StatusCode)
	spapiRequestsTotal.WithLabelValues(endpoint, status).Inc()

	if c.config.Pacer != nil {
		c.config.Pacer.Observe(ctx, endpoint, httpResp.Header)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		errClass := classifyStatus(httpResp.StatusCode)
		spapiErrorsTotal.WithLabelValues(string(errClass)).Inc()

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", httpResp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("SP-API request error")

		return nil, errClass, &APIError{
			Endpoint:   endpoint,
			StatusCode: httpResp.StatusCode,
			Body:       string(data),
		}
	}

	if !req.Raw && len(bytes.TrimSpace(data)) > 0 && !json.Valid(data) {
		return nil, ErrorClassFatal, fmt.Errorf("%w: %s returned non-JSON body", ErrInvalidResponse, endpoint)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, "", nil
}

// Do executes req and decodes the JSON response into out (when non-nil).
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	return resp.Decode(out)
}

// IsAuthError reports whether err originates from the token exchange.
func IsAuthError(err error) bool {
	var authErr *auth.Error
	return errors.As(err, &authErr) || errors.Is(err, auth.ErrMalformedToken)
}
