//go:build integration

package client

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/sp-order-sync/internal/testutil"
	"github.com/Sternrassler/sp-order-sync/pkg/auth"
	"github.com/Sternrassler/sp-order-sync/pkg/ratelimit"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

// TestIntegration_SharedState runs two clients against one Redis: the second
// reuses the first one's access token and sees the rate observed by the first.
func TestIntegration_SharedState(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockSPAPI()
	defer mock.Close()
	mock.SetResponse("/orders/v0/orders", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"payload":{"Orders":[]}}`,
		Headers:    map[string]string{ratelimit.HeaderRateLimit: "0.0055"},
	})

	ctx := context.Background()
	newClient := func() *Client {
		tokens, err := auth.NewTokenManager(auth.Config{
			ClientID:     "amzn1.application-oa2-client.test",
			ClientSecret: "secret",
			RefreshToken: "Atzr|refresh",
			TokenURL:     mock.TokenURL(),
			Store:        auth.NewRedisStore(redisClient, auth.StoreKey("amzn1.application-oa2-client.test", "Atzr|refresh")),
		}, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewTokenManager: %v", err)
		}

		cfg := DefaultConfig(mock.URL())
		cfg.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
		cfg.Pacer = ratelimit.NewTracker(redisClient, ratelimit.DefaultConfig(), zerolog.Nop())
		c, err := New(cfg, tokens, zerolog.Nop())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return c
	}

	first, second := newClient(), newClient()

	if _, err := first.Execute(ctx, Get("/orders/v0/orders", Params{})); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if _, err := second.Execute(ctx, Get("/orders/v0/orders", Params{})); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	if got := mock.GetTokenRequests(); got != 1 {
		t.Errorf("Expected one token exchange shared through Redis, got %d", got)
	}

	tracker := ratelimit.NewTracker(redisClient, ratelimit.DefaultConfig(), zerolog.Nop())
	state, err := tracker.GetState(ctx, "/orders/v0/orders")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state == nil || state.Rate != 0.0055 {
		t.Errorf("stored state = %+v, want rate 0.0055", state)
	}
}
