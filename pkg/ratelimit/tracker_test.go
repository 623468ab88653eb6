package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis connects to a local Redis or skips the test.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestTracker_SeededAndFallbackLimits(t *testing.T) {
	tracker := NewTracker(nil, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	if got := tracker.Limit(ctx, "/orders/v0/orders/{id}"); got.Rate != 0.5 || got.Burst != 30 {
		t.Errorf("seeded limit = %+v", got)
	}
	if got := tracker.Limit(ctx, "/unknown"); got.Rate != 1 || got.Burst != 5 {
		t.Errorf("fallback limit = %+v", got)
	}
}

func TestTracker_ObserveUpdatesLimit(t *testing.T) {
	tracker := NewTracker(nil, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	header := http.Header{}
	header.Set(HeaderRateLimit, "2.0")
	tracker.Observe(ctx, "/orders/v0/orders", header)

	if got := tracker.Limit(ctx, "/orders/v0/orders"); got.Rate != 2 || got.Burst != 20 {
		t.Errorf("limit after observe = %+v, want rate 2 burst 20", got)
	}
}

func TestTracker_ObserveIgnoresMissingOrMalformedHeader(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
	}{
		{"missing", http.Header{}},
		{"malformed", http.Header{http.CanonicalHeaderKey(HeaderRateLimit): []string{"abc"}}},
		{"zero", http.Header{http.CanonicalHeaderKey(HeaderRateLimit): []string{"0"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(nil, DefaultConfig(), zerolog.Nop())
			ctx := context.Background()

			tracker.Observe(ctx, "/orders/v0/orders/{id}", tt.header)
			if got := tracker.Limit(ctx, "/orders/v0/orders/{id}"); got.Rate != 0.5 {
				t.Errorf("rate = %v, want unchanged 0.5", got.Rate)
			}
		})
	}
}

func TestTracker_WaitWithinBurst(t *testing.T) {
	tracker := NewTracker(nil, Config{Limits: map[string]Limit{"/x": {Rate: 0.001, Burst: 3}}}, zerolog.Nop())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tracker.Wait(ctx, "/x"); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if time.Since(start) > time.Second {
		t.Error("requests within burst should not wait")
	}
}

func TestTracker_WaitHonorsContext(t *testing.T) {
	tracker := NewTracker(nil, Config{Limits: map[string]Limit{"/x": {Rate: 0.001, Burst: 1}}}, zerolog.Nop())

	if err := tracker.Wait(context.Background(), "/x"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tracker.Wait(ctx, "/x")
	if err == nil {
		t.Fatal("Expected error when the wait exceeds the deadline")
	}
	if time.Since(start) > time.Second {
		t.Error("Wait should fail fast when the deadline cannot be met")
	}
}

func TestTracker_GetStateWithoutRedis(t *testing.T) {
	tracker := NewTracker(nil, DefaultConfig(), zerolog.Nop())
	state, err := tracker.GetState(context.Background(), "/orders/v0/orders")
	if err != nil || state != nil {
		t.Errorf("GetState() = %+v, %v; want nil, nil", state, err)
	}
}

func TestTracker_RedisSharing(t *testing.T) {
	redisClient := setupTestRedis(t)
	ctx := context.Background()

	first := NewTracker(redisClient, DefaultConfig(), zerolog.Nop())
	header := http.Header{}
	header.Set(HeaderRateLimit, "0.0055")
	first.Observe(ctx, "/orders/v0/orders", header)

	state, err := first.GetState(ctx, "/orders/v0/orders")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state == nil || state.Rate != 0.0055 {
		t.Fatalf("state = %+v", state)
	}
	if state.IsStale(time.Minute) {
		t.Error("freshly stored state should not be stale")
	}

	// A second process picks up the learned rate.
	second := NewTracker(redisClient, DefaultConfig(), zerolog.Nop())
	if got := second.Limit(ctx, "/orders/v0/orders"); got.Rate != 0.0055 {
		t.Errorf("second tracker rate = %v, want 0.0055", got.Rate)
	}
}

func TestTracker_StaleRedisStateIgnored(t *testing.T) {
	redisClient := setupTestRedis(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).Unix()
	if err := redisClient.HSet(ctx, RedisKeyLimits, "/orders/v0/orders", "0.0055").Err(); err != nil {
		t.Fatal(err)
	}
	if err := redisClient.HSet(ctx, RedisKeyLastUpdate, "/orders/v0/orders", old).Err(); err != nil {
		t.Fatal(err)
	}

	tracker := NewTracker(redisClient, DefaultConfig(), zerolog.Nop())
	if got := tracker.Limit(ctx, "/orders/v0/orders"); got.Rate != 0.0167 {
		t.Errorf("rate = %v, want seeded 0.0167 for a day-old shared rate", got.Rate)
	}

	cfg := DefaultConfig()
	cfg.MaxStateAge = 72 * time.Hour
	lenient := NewTracker(redisClient, cfg, zerolog.Nop())
	if got := lenient.Limit(ctx, "/orders/v0/orders"); got.Rate != 0.0055 {
		t.Errorf("rate = %v, want shared 0.0055 within MaxStateAge", got.Rate)
	}
}

func TestTracker_CorruptRedisState(t *testing.T) {
	redisClient := setupTestRedis(t)
	ctx := context.Background()

	if err := redisClient.HSet(ctx, RedisKeyLimits, "/orders/v0/orders", "garbage").Err(); err != nil {
		t.Fatal(err)
	}

	tracker := NewTracker(redisClient, DefaultConfig(), zerolog.Nop())
	if _, err := tracker.GetState(ctx, "/orders/v0/orders"); err == nil {
		t.Error("Expected parse error for corrupt state")
	}
	// Falls back to the seeded default.
	if got := tracker.Limit(ctx, "/orders/v0/orders"); got.Rate != 0.0167 {
		t.Errorf("rate = %v, want seeded 0.0167", got.Rate)
	}
}
