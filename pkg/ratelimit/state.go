// Package ratelimit paces SP-API calls per endpoint. It learns each
// endpoint's sustained rate from the x-amzn-RateLimit-Limit response header
// and shares what it learned across processes through Redis.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HeaderRateLimit carries the sustained requests-per-second quota of the called operation.
const HeaderRateLimit = "x-amzn-RateLimit-Limit"

// Redis keys for rate limit state storage. Both are hashes keyed by endpoint label.
const (
	RedisKeyLimits     = "spapi:rate_limit:limits"
	RedisKeyLastUpdate = "spapi:rate_limit:last_update"
)

// Limit is a sustained rate in requests per second plus the burst allowance.
type Limit struct {
	Rate  float64
	Burst int
}

// DefaultLimits are the published usage plans of the operations the sync calls,
// used until a response header says otherwise.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"/sellers/v1/marketplaceParticipations": {Rate: 0.016, Burst: 15},
		"/orders/v0/orders":                     {Rate: 0.0167, Burst: 20},
		"/orders/v0/orders/{id}":                {Rate: 0.5, Burst: 30},
		"/orders/v0/orders/{id}/orderItems":     {Rate: 0.5, Burst: 30},
		"/reports/2021-06-30/reports":           {Rate: 0.0167, Burst: 15},
		"/reports/2021-06-30/reports/{id}":      {Rate: 2, Burst: 15},
		"/reports/2021-06-30/documents/{id}":    {Rate: 0.0167, Burst: 15},
	}
}

// EndpointState is the last observed quota of one endpoint.
// This state is shared across all client instances via Redis.
type EndpointState struct {
	// Endpoint is the normalized path label, e.g. /orders/v0/orders/{id}.
	Endpoint string `json:"endpoint"`

	// Rate is the sustained rate in requests per second from the last response.
	Rate float64 `json:"rate"`

	// LastUpdate is when the rate was observed.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *EndpointState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// ParseRateHeader parses an x-amzn-RateLimit-Limit value such as "0.0167".
func ParseRateHeader(value string) (float64, error) {
	rate, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s header: %w", HeaderRateLimit, err)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("parse %s header: non-positive rate %v", HeaderRateLimit, rate)
	}
	return rate, nil
}
