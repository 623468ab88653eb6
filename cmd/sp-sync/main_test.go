package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/sp-order-sync/internal/config"
	"github.com/Sternrassler/sp-order-sync/internal/testutil"
	"github.com/Sternrassler/sp-order-sync/pkg/report"
	"github.com/Sternrassler/sp-order-sync/pkg/spapi"
	"github.com/Sternrassler/sp-order-sync/pkg/store"
	"github.com/Sternrassler/sp-order-sync/pkg/syncer"
)

// memorySink keeps persisted orders in memory.
type memorySink struct {
	orders []spapi.OrderBundle
}

func (s *memorySink) StartRun(context.Context, uuid.UUID, time.Time) error { return nil }

func (s *memorySink) FinishRun(context.Context, uuid.UUID, store.RunSummary) error { return nil }

func (s *memorySink) PersistMarketplaces(context.Context, []spapi.MarketplaceParticipation) error {
	return nil
}

func (s *memorySink) PersistReportState(context.Context, uuid.UUID, report.Transition) error {
	return nil
}

func (s *memorySink) PersistReportRecords(context.Context, uuid.UUID, report.Request, *report.Report) error {
	return nil
}

func (s *memorySink) PersistOrders(_ context.Context, _ uuid.UUID, bundles []spapi.OrderBundle) error {
	s.orders = append(s.orders, bundles...)
	return nil
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"env-file", "log-level", "pretty", "metrics-addr"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("Expected persistent flag --%s", name)
		}
	}
	if cmd.Flags().Lookup("no-report") == nil {
		t.Error("Expected flag --no-report")
	}

	var found bool
	for _, sub := range cmd.Commands() {
		found = found || sub.Name() == "migrate"
	}
	if !found {
		t.Error("Expected migrate subcommand")
	}
}

func TestExecute_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing env file", []string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}},
		{"unexpected argument", []string{"now"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := execute(tt.args); code != 1 {
				t.Errorf("execute(%v) = %d, want 1", tt.args, code)
			}
		})
	}
}

func TestExecute_InvalidLogLevel(t *testing.T) {
	for _, key := range []string{"SP_CLIENT_ID", "SP_CLIENT_SECRET", "SP_REFRESH_TOKEN", "SP_REGION", "DATABASE_URL"} {
		t.Setenv(key, "x")
	}
	t.Setenv("SP_REGION", "eu")

	if code := execute([]string{"--log-level", "chatty"}); code != 1 {
		t.Errorf("execute() = %d, want 1", code)
	}
}

func TestBuildSyncer(t *testing.T) {
	mock := testutil.NewMockSPAPI()
	defer mock.Close()

	mock.SetResponse("/sellers/v1/marketplaceParticipations", testutil.MockResponse{Body: `{"payload":[{"marketplace":{"id":"A1PA6795UKMFR9"},"participation":{"isParticipating":true}}]}`})
	mock.SetResponse("/orders/v0/orders", testutil.MockResponse{Body: `{"payload":{"Orders":[{"AmazonOrderId":"028-1","PurchaseDate":"2024-03-01T10:00:00Z","OrderStatus":"Shipped"}]}}`})
	mock.SetResponse("/orders/v0/orders/028-1", testutil.MockResponse{Body: `{"payload":{"AmazonOrderId":"028-1","PurchaseDate":"2024-03-01T10:00:00Z","OrderStatus":"Shipped"}}`})
	mock.SetResponse("/orders/v0/orders/028-1/orderItems", testutil.MockResponse{
		Body:    `{"payload":{"OrderItems":[{"ASIN":"B01","OrderItemId":"1"}]}}`,
		Headers: map[string]string{"x-amzn-RateLimit-Limit": "0.5"},
	})

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cfg := &config.Config{
		ClientID:     "amzn1.application-oa2-client.test",
		ClientSecret: "secret",
		RefreshToken: "Atzr|refresh",
		TokenURL:     mock.TokenURL(),
		Region:       "eu",
		Endpoint:     mock.URL(),
		StartTime:    &start,
	}
	syncCfg := syncer.DefaultConfig()
	syncCfg.ReportType = ""

	sink := &memorySink{}
	s, err := buildSyncer(cfg, syncCfg, nil, sink, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildSyncer() error = %v", err)
	}

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.OrdersSynced != 1 || len(sink.orders) != 1 {
		t.Errorf("synced = %d, saved = %d", summary.OrdersSynced, len(sink.orders))
	}

	reqs := mock.RequestsTo("/orders/v0/orders")
	if len(reqs) != 1 || reqs[0].URL.Query().Get("CreatedAfter") != "2024-03-01T00:00:00Z" {
		t.Errorf("orders request = %v", reqs)
	}
	if mock.GetTokenRequests() != 1 {
		t.Errorf("Expected a single token exchange, got %d", mock.GetTokenRequests())
	}
	if got := mock.LastRequestHeader.Get("User-Agent"); got == "" {
		t.Error("Expected User-Agent header")
	}
}

func TestBuildSyncer_UnknownRegion(t *testing.T) {
	cfg := &config.Config{ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh", Region: "mars"}
	if _, err := buildSyncer(cfg, syncer.DefaultConfig(), nil, &memorySink{}, zerolog.Nop()); err == nil {
		t.Error("Expected error for unknown region")
	}
}

func TestConnectRedis_Fallback(t *testing.T) {
	ctx := context.Background()

	if rdb := connectRedis(ctx, "", zerolog.Nop()); rdb != nil {
		t.Error("Expected nil client without REDIS_URL")
	}
	if rdb := connectRedis(ctx, "not a url", zerolog.Nop()); rdb != nil {
		t.Error("Expected nil client for an invalid URL")
	}
	if rdb := connectRedis(ctx, "redis://127.0.0.1:1/0", zerolog.Nop()); rdb != nil {
		t.Error("Expected nil client when Redis is unreachable")
	}
}

func TestMain(m *testing.M) {
	// Keep a developer's .env out of the tests.
	dir, err := os.MkdirTemp("", "sp-sync-test")
	if err != nil {
		panic(err)
	}
	if err := os.Chdir(dir); err != nil {
		panic(err)
	}
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}
