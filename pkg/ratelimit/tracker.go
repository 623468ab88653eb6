package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for rate limit tracking.
var (
	spapiRateLimitObserved = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spapi_rate_limit_observed",
		Help: "Last observed sustained request rate per endpoint (requests per second)",
	}, []string{"endpoint"})

	spapiRateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spapi_rate_limit_wait_seconds",
		Help:    "Time spent waiting for the endpoint pacer",
		Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 30, 60},
	}, []string{"endpoint"})
)

// Config holds tracker settings.
type Config struct {
	// Limits seeds known endpoints. Defaults to DefaultLimits().
	Limits map[string]Limit

	// Fallback applies to endpoints without a seeded limit.
	Fallback Limit

	// MaxStateAge is how long a rate shared through Redis is trusted.
	MaxStateAge time.Duration
}

// DefaultConfig returns the published SP-API usage plans and a 1 rps fallback.
func DefaultConfig() Config {
	return Config{
		Limits:      DefaultLimits(),
		Fallback:    Limit{Rate: 1, Burst: 5},
		MaxStateAge: 24 * time.Hour,
	}
}

// Tracker paces requests per endpoint and records observed quotas.
// The Redis client is optional; without it state stays in process.
type Tracker struct {
	redis  *redis.Client
	config Config
	logger zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, config Config, logger zerolog.Logger) *Tracker {
	if config.Limits == nil {
		config.Limits = DefaultLimits()
	}
	if config.Fallback.Rate <= 0 {
		config.Fallback = DefaultConfig().Fallback
	}
	if config.Fallback.Burst < 1 {
		config.Fallback.Burst = 1
	}
	if config.MaxStateAge <= 0 {
		config.MaxStateAge = DefaultConfig().MaxStateAge
	}

	return &Tracker{
		redis:    redisClient,
		config:   config,
		logger:   logger.With().Str("component", "rate-limit").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a request to endpoint may be sent or ctx is done.
func (t *Tracker) Wait(ctx context.Context, endpoint string) error {
	limiter := t.limiter(ctx, endpoint)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for %s: %w", endpoint, err)
	}
	waited := time.Since(start)
	spapiRateLimitWaitSeconds.WithLabelValues(endpoint).Observe(waited.Seconds())

	if waited > time.Second {
		t.logger.Debug().
			Str("endpoint", endpoint).
			Dur("waited", waited).
			Msg("Request paced")
	}
	return nil
}

// Observe applies the quota reported in header to endpoint and shares it via Redis.
// Responses without the header leave the current pacing unchanged.
func (t *Tracker) Observe(ctx context.Context, endpoint string, header http.Header) {
	value := header.Get(HeaderRateLimit)
	if value == "" {
		return
	}

	observed, err := ParseRateHeader(value)
	if err != nil {
		t.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Ignoring malformed rate limit header")
		return
	}

	limiter := t.limiter(ctx, endpoint)
	if float64(limiter.Limit()) != observed {
		limiter.SetLimit(rate.Limit(observed))
		t.logger.Info().
			Str("endpoint", endpoint).
			Float64("rate", observed).
			Msg("Endpoint rate limit updated")
	}
	spapiRateLimitObserved.WithLabelValues(endpoint).Set(observed)

	if err := t.store(ctx, EndpointState{Endpoint: endpoint, Rate: observed, LastUpdate: time.Now()}); err != nil {
		t.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to store rate limit state")
	}
}

// GetState retrieves the shared state for endpoint from Redis.
// Returns nil without error if nothing was recorded or no Redis is configured.
func (t *Tracker) GetState(ctx context.Context, endpoint string) (*EndpointState, error) {
	if t.redis == nil {
		return nil, nil
	}

	rateStr, err := t.redis.HGet(ctx, RedisKeyLimits, endpoint).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}

	observed, err := strconv.ParseFloat(rateStr, 64)
	if err != nil {
		return nil, fmt.Errorf("parse stored rate limit: %w", err)
	}

	state := &EndpointState{Endpoint: endpoint, Rate: observed}

	updated, err := t.redis.HGet(ctx, RedisKeyLastUpdate, endpoint).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if updated > 0 {
		state.LastUpdate = time.Unix(updated, 0)
	}
	return state, nil
}

// Limit returns the rate currently applied to endpoint.
func (t *Tracker) Limit(ctx context.Context, endpoint string) Limit {
	l := t.limiter(ctx, endpoint)
	return Limit{Rate: float64(l.Limit()), Burst: l.Burst()}
}

func (t *Tracker) store(ctx context.Context, state EndpointState) error {
	if t.redis == nil {
		return nil
	}

	pipe := t.redis.Pipeline()
	pipe.HSet(ctx, RedisKeyLimits, state.Endpoint, strconv.FormatFloat(state.Rate, 'f', -1, 64))
	pipe.HSet(ctx, RedisKeyLastUpdate, state.Endpoint, state.LastUpdate.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// limiter returns the endpoint limiter, creating it from shared state,
// the seeded limits or the fallback.
func (t *Tracker) limiter(ctx context.Context, endpoint string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.limiters[endpoint]; ok {
		return l
	}

	limit, ok := t.config.Limits[endpoint]
	if !ok {
		limit = t.config.Fallback
	}
	if limit.Burst < 1 {
		limit.Burst = 1
	}

	state, err := t.GetState(ctx, endpoint)
	if err != nil {
		t.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to load shared rate limit state")
	} else if state != nil && state.Rate > 0 {
		if state.IsStale(t.config.MaxStateAge) {
			t.logger.Debug().
				Str("endpoint", endpoint).
				Time("last_update", state.LastUpdate).
				Msg("Ignoring stale shared rate limit")
		} else {
			limit.Rate = state.Rate
		}
	}

	l := rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
	t.limiters[endpoint] = l
	return l
}
