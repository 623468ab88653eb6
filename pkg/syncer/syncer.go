// Package syncer runs one order synchronization: marketplaces, the orders
// report, the orders listing across marketplaces, then per-order details
// and items, persisting each stage to a Sink.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/sp-order-sync/pkg/client"
	"github.com/Sternrassler/sp-order-sync/pkg/pagination"
	"github.com/Sternrassler/sp-order-sync/pkg/report"
	"github.com/Sternrassler/sp-order-sync/pkg/spapi"
	"github.com/Sternrassler/sp-order-sync/pkg/store"
)

// DefaultReportType is the flat-file orders report requested on every run.
const DefaultReportType = "GET_FLAT_FILE_ALL_ORDERS_DATA_BY_LAST_UPDATE_GENERAL"

// Run statuses recorded in the sink.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

var (
	ordersSyncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_orders_persisted_total",
		Help: "Total orders persisted with details and items",
	})

	ordersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_orders_failed_total",
		Help: "Total orders that could not be synced by stage",
	}, []string{"stage"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_runs_total",
		Help: "Total sync runs by final status",
	}, []string{"status"})
)

// ErrNoOrdersListed is returned when the orders listing failed in every partition.
var ErrNoOrdersListed = errors.New("orders listing failed in every marketplace")

// API is the subset of the SP-API the sync needs.
type API interface {
	report.API
	GetMarketplaceParticipations(ctx context.Context) ([]spapi.MarketplaceParticipation, error)
	Orders() *pagination.Paginator[spapi.Order]
	GetOrder(ctx context.Context, orderID string) (spapi.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]spapi.OrderItem, error)
}

// Sink persists every stage of a run.
type Sink interface {
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	FinishRun(ctx context.Context, runID uuid.UUID, summary store.RunSummary) error
	PersistMarketplaces(ctx context.Context, participations []spapi.MarketplaceParticipation) error
	PersistReportState(ctx context.Context, runID uuid.UUID, t report.Transition) error
	PersistReportRecords(ctx context.Context, runID uuid.UUID, req report.Request, rep *report.Report) error
	PersistOrders(ctx context.Context, runID uuid.UUID, bundles []spapi.OrderBundle) error
}

// Config holds sync settings.
type Config struct {
	// ReportType requested on each run. Empty disables the report stage.
	ReportType string

	// StartTime and EndTime bound the report data and the orders listing.
	StartTime *time.Time
	EndTime   *time.Time

	// OrderStatuses filters the listing; empty means spapi.DefaultOrderStatuses.
	OrderStatuses []string

	Poller    report.Config
	Partition pagination.PartitionConfig
}

// DefaultConfig returns the default report, poller and partition settings.
func DefaultConfig() Config {
	return Config{
		ReportType: DefaultReportType,
		Poller:     report.DefaultConfig(),
		Partition:  pagination.DefaultPartitionConfig(),
	}
}

// Summary is the outcome of one run.
type Summary struct {
	RunID          uuid.UUID
	Status         string
	Marketplaces   int
	ReportRecords  int
	ReportErr      error
	OrdersListed   int
	OrdersSynced   int
	OrdersFailed   int
	FailedListings []*pagination.PartitionFetchError
}

// Syncer runs sync jobs.
type Syncer struct {
	api    API
	sink   Sink
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Syncer.
func New(api API, sink Sink, config Config, logger zerolog.Logger) *Syncer {
	return &Syncer{
		api:    api,
		sink:   sink,
		config: config,
		logger: logger.With().Str("component", "syncer").Logger(),
		now:    time.Now,
	}
}

// Run performs one sync. A non-nil error means the run failed: an auth
// failure, the marketplaces listing failed, or no orders partition could be
// listed. Report and per-order failures are logged and counted in Summary.
func (s *Syncer) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.New()}
	logger := s.logger.With().Str("run_id", summary.RunID.String()).Logger()

	if err := s.sink.StartRun(ctx, summary.RunID, s.now().UTC()); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run start")
	}
	logger.Info().Msg("Sync run started")

	err := s.run(ctx, logger, &summary)

	switch {
	case err != nil:
		summary.Status = StatusFailed
	case summary.OrdersFailed > 0 || summary.ReportErr != nil || len(summary.FailedListings) > 0:
		summary.Status = StatusPartial
	default:
		summary.Status = StatusSucceeded
	}
	runsTotal.WithLabelValues(summary.Status).Inc()

	// The run context may already be cancelled; the outcome is still recorded.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	finish := store.RunSummary{
		FinishedAt:   s.now().UTC(),
		Status:       summary.Status,
		Marketplaces: summary.Marketplaces,
		OrdersSynced: summary.OrdersSynced,
		OrdersFailed: summary.OrdersFailed,
		Err:          err,
	}
	if ferr := s.sink.FinishRun(finishCtx, summary.RunID, finish); ferr != nil {
		logger.Warn().Err(ferr).Msg("Failed to record run outcome")
	}

	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Str("status", summary.Status).
		Int("marketplaces", summary.Marketplaces).
		Int("orders_listed", summary.OrdersListed).
		Int("orders_synced", summary.OrdersSynced).
		Int("orders_failed", summary.OrdersFailed).
		Msg("Sync run finished")

	return summary, err
}

func (s *Syncer) run(ctx context.Context, logger zerolog.Logger, summary *Summary) error {
	participations, err := s.api.GetMarketplaceParticipations(ctx)
	if err != nil {
		return fmt.Errorf("list marketplaces: %w", err)
	}
	if err := s.sink.PersistMarketplaces(ctx, participations); err != nil {
		logger.Error().Err(err).Msg("Failed to save marketplace participations")
	}
	summary.Marketplaces = len(participations)

	marketplaceIDs := make([]string, 0, len(participations))
	for _, p := range participations {
		marketplaceIDs = append(marketplaceIDs, p.Marketplace.ID)
	}
	if len(marketplaceIDs) == 0 {
		logger.Warn().Msg("No marketplaces to sync")
		return nil
	}
	logger.Info().Strs("marketplaces", marketplaceIDs).Msg("Marketplace participations loaded")

	if s.config.ReportType != "" {
		records, err := s.syncReport(ctx, logger, summary.RunID, marketplaceIDs)
		if err != nil {
			if client.IsAuthError(err) {
				return fmt.Errorf("report: %w", err)
			}
			if ctx.Err() != nil {
				return err
			}
			summary.ReportErr = err
			logger.Error().Err(err).Msg("Report stage failed")
		}
		summary.ReportRecords = records
	}

	orders, err := s.listOrders(ctx, logger, marketplaceIDs, summary)
	if err != nil {
		return err
	}
	summary.OrdersListed = len(orders)
	if len(orders) == 0 {
		logger.Info().Msg("No orders found in the requested window")
		return nil
	}

	for _, order := range orders {
		if err := s.syncOrder(ctx, summary.RunID, order); err != nil {
			if client.IsAuthError(err) || ctx.Err() != nil {
				return err
			}
			summary.OrdersFailed++
			logger.Error().Err(err).Str("order_id", order.AmazonOrderID).Msg("Failed to sync order")
			continue
		}
		summary.OrdersSynced++
		ordersSyncedTotal.Inc()
		logger.Debug().Str("order_id", order.AmazonOrderID).Msg("Order synced")
	}
	return nil
}

// syncReport submits the orders report and stores its records.
func (s *Syncer) syncReport(ctx context.Context, logger zerolog.Logger, runID uuid.UUID, marketplaceIDs []string) (int, error) {
	req := report.Request{
		Type:           s.config.ReportType,
		MarketplaceIDs: marketplaceIDs,
		DataStartTime:  s.config.StartTime,
		DataEndTime:    s.config.EndTime,
	}

	poller := report.NewPoller(s.api, transitionSink{sink: s.sink, runID: runID}, s.config.Poller, logger)
	rep, err := poller.SubmitAndAwait(ctx, req)
	if err != nil {
		return 0, err
	}

	if err := s.sink.PersistReportRecords(ctx, runID, req, rep); err != nil {
		return 0, fmt.Errorf("save report records: %w", err)
	}
	return len(rep.Records), nil
}

// listOrders fetches the orders listing once per marketplace.
func (s *Syncer) listOrders(ctx context.Context, logger zerolog.Logger, marketplaceIDs []string, summary *Summary) ([]spapi.Order, error) {
	query := spapi.OrdersQuery{
		MarketplaceIDs: marketplaceIDs,
		CreatedAfter:   s.config.StartTime,
		CreatedBefore:  s.config.EndTime,
		OrderStatuses:  s.config.OrderStatuses,
	}

	fetcher := pagination.NewMultiPartitionFetcher(s.api.Orders(), s.config.Partition, logger)
	result, err := fetcher.FetchAcrossPartitions(ctx, spapi.OrdersPath(), query.Params(), marketplaceIDs)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	summary.FailedListings = result.Failed

	for _, failed := range result.Failed {
		ordersFailedTotal.WithLabelValues("listing").Inc()
		if client.IsAuthError(failed.Err) {
			return nil, fmt.Errorf("list orders: %w", failed)
		}
	}
	if len(result.Failed) == len(marketplaceIDs) {
		return nil, fmt.Errorf("%w: %w", ErrNoOrdersListed, result.Failed[0])
	}

	logger.Info().
		Int("orders", len(result.Records)).
		Int("failed_partitions", len(result.Failed)).
		Msg("Orders listed")
	return result.Records, nil
}

// syncOrder fetches the details and items of one order and persists them together.
func (s *Syncer) syncOrder(ctx context.Context, runID uuid.UUID, order spapi.Order) error {
	details, err := s.api.GetOrder(ctx, order.AmazonOrderID)
	if err != nil {
		ordersFailedTotal.WithLabelValues("details").Inc()
		return err
	}

	items, err := s.api.GetOrderItems(ctx, order.AmazonOrderID)
	if err != nil {
		ordersFailedTotal.WithLabelValues("items").Inc()
		return err
	}

	bundle := spapi.OrderBundle{Order: order, Details: &details, Items: items}
	if err := s.sink.PersistOrders(ctx, runID, []spapi.OrderBundle{bundle}); err != nil {
		ordersFailedTotal.WithLabelValues("persist").Inc()
		return fmt.Errorf("save order %s: %w", order.AmazonOrderID, err)
	}
	return nil
}

// transitionSink records report transitions under the current run.
type transitionSink struct {
	sink  Sink
	runID uuid.UUID
}

func (t transitionSink) OnTransition(ctx context.Context, tr report.Transition) error {
	return t.sink.PersistReportState(ctx, t.runID, tr)
}
