// Package store persists synchronized marketplace data into PostgreSQL.
//
// Every write is an idempotent upsert so a sync can be re-run over the same
// window. Schema changes are embedded goose migrations applied by Migrate.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/sp-order-sync/pkg/report"
	"github.com/Sternrassler/sp-order-sync/pkg/spapi"
)

// EmbedMigrations contains the embedded SQL migration files.
//
//go:embed migrations/*.sql
var EmbedMigrations embed.FS

var rowsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_store_rows_written_total",
	Help: "Total rows upserted by table",
}, []string{"table"})

// Store is the PostgreSQL sink.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(EmbedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const upsertMarketplaceSQL = `
INSERT INTO marketplace_participations (
    marketplace_id, name, country_code, default_language_code, default_currency_code,
    domain_name, store_name, is_participating, has_suspended_listings, raw, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (marketplace_id) DO UPDATE SET
    name = EXCLUDED.name,
    country_code = EXCLUDED.country_code,
    default_language_code = EXCLUDED.default_language_code,
    default_currency_code = EXCLUDED.default_currency_code,
    domain_name = EXCLUDED.domain_name,
    store_name = EXCLUDED.store_name,
    is_participating = EXCLUDED.is_participating,
    has_suspended_listings = EXCLUDED.has_suspended_listings,
    raw = EXCLUDED.raw,
    updated_at = NOW()`

// PersistMarketplaces upserts marketplace participations in one transaction.
func (s *Store) PersistMarketplaces(ctx context.Context, participations []spapi.MarketplaceParticipation) error {
	if len(participations) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range participations {
			m := p.Marketplace
			_, err := tx.ExecContext(ctx, upsertMarketplaceSQL,
				m.ID, m.Name, m.CountryCode, m.DefaultLanguageCode, m.DefaultCurrencyCode,
				m.DomainName, nullString(p.StoreName), p.Participation.IsParticipating,
				p.Participation.HasSuspendedListings, jsonArg(p.Raw))
			if err != nil {
				return fmt.Errorf("upsert marketplace %s: %w", m.ID, err)
			}
		}
		rowsWrittenTotal.WithLabelValues("marketplace_participations").Add(float64(len(participations)))
		s.logger.Info().Int("marketplaces", len(participations)).Msg("Marketplace participations saved")
		return nil
	})
}

const upsertReportSQL = `
INSERT INTO reports (
    report_id, report_type, marketplace_ids, data_start_time, data_end_time,
    report_document_id, processing_status, run_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (report_id) DO UPDATE SET
    report_document_id = COALESCE(EXCLUDED.report_document_id, reports.report_document_id),
    processing_status = EXCLUDED.processing_status,
    updated_at = NOW()`

// PersistReportState upserts the report row with the status reached by t.
func (s *Store) PersistReportState(ctx context.Context, runID uuid.UUID, t report.Transition) error {
	_, err := s.db.ExecContext(ctx, upsertReportSQL, reportArgs(runID, t.ReportID, t.Request, t.DocumentID, t.To)...)
	if err != nil {
		return fmt.Errorf("upsert report %s: %w", t.ReportID, err)
	}
	rowsWrittenTotal.WithLabelValues("reports").Inc()
	return nil
}

const (
	deleteReportRecordsSQL = `DELETE FROM report_records WHERE report_id = $1`

	insertReportRecordSQL = `
INSERT INTO report_records (report_id, report_document_id, headers, record, record_index)
VALUES ($1, $2, $3, $4, $5)`
)

// PersistReportRecords replaces the stored rows of a DONE report.
func (s *Store) PersistReportRecords(ctx context.Context, runID uuid.UUID, req report.Request, rep *report.Report) error {
	headers, err := json.Marshal(rep.Header)
	if err != nil {
		return fmt.Errorf("marshal report headers: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertReportSQL, reportArgs(runID, rep.ID, req, rep.Document.DocumentID, rep.Status)...); err != nil {
			return fmt.Errorf("upsert report %s: %w", rep.ID, err)
		}
		if _, err := tx.ExecContext(ctx, deleteReportRecordsSQL, rep.ID); err != nil {
			return fmt.Errorf("clear report records %s: %w", rep.ID, err)
		}

		stmt, err := tx.PrepareContext(ctx, insertReportRecordSQL)
		if err != nil {
			return fmt.Errorf("prepare report record insert: %w", err)
		}
		defer stmt.Close()

		for i, record := range rep.Records {
			data, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("marshal report record %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, rep.ID, rep.Document.DocumentID, string(headers), string(data), i); err != nil {
				return fmt.Errorf("insert report record %d: %w", i, err)
			}
		}

		rowsWrittenTotal.WithLabelValues("report_records").Add(float64(len(rep.Records)))
		s.logger.Info().
			Str("report_id", rep.ID).
			Int("records", len(rep.Records)).
			Msg("Report records saved")
		return nil
	})
}

func reportArgs(runID uuid.UUID, reportID string, req report.Request, documentID string, status report.Status) []any {
	marketplaces := req.MarketplaceIDs
	if marketplaces == nil {
		marketplaces = []string{}
	}
	return []any{
		reportID,
		req.Type,
		pq.Array(marketplaces),
		nullTime(req.DataStartTime),
		nullTime(req.DataEndTime),
		nullString(documentID),
		string(status),
		nullUUID(runID),
	}
}

const upsertOrderSQL = `
INSERT INTO orders (
    amazon_order_id, seller_order_id, purchase_date, last_update_date, order_status,
    fulfillment_channel, sales_channel, order_channel, ship_service_level, order_total,
    currency, number_of_items_shipped, number_of_items_unshipped, payment_method,
    marketplace_id, order_type, is_business_order, is_prime, shipping_address, buyer_info,
    payment_execution_detail, raw, details, run_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
    $19, $20, $21, $22, $23, $24, NOW())
ON CONFLICT (amazon_order_id) DO UPDATE SET
    seller_order_id = EXCLUDED.seller_order_id,
    last_update_date = EXCLUDED.last_update_date,
    order_status = EXCLUDED.order_status,
    fulfillment_channel = EXCLUDED.fulfillment_channel,
    sales_channel = EXCLUDED.sales_channel,
    order_channel = EXCLUDED.order_channel,
    ship_service_level = EXCLUDED.ship_service_level,
    order_total = EXCLUDED.order_total,
    currency = EXCLUDED.currency,
    number_of_items_shipped = EXCLUDED.number_of_items_shipped,
    number_of_items_unshipped = EXCLUDED.number_of_items_unshipped,
    payment_method = EXCLUDED.payment_method,
    marketplace_id = EXCLUDED.marketplace_id,
    order_type = EXCLUDED.order_type,
    is_business_order = EXCLUDED.is_business_order,
    is_prime = EXCLUDED.is_prime,
    shipping_address = EXCLUDED.shipping_address,
    buyer_info = EXCLUDED.buyer_info,
    payment_execution_detail = EXCLUDED.payment_execution_detail,
    raw = EXCLUDED.raw,
    details = EXCLUDED.details,
    run_id = EXCLUDED.run_id,
    updated_at = NOW()`

const upsertOrderItemSQL = `
INSERT INTO order_items (
    amazon_order_id, order_item_id, asin, seller_sku, title, quantity_ordered,
    quantity_shipped, item_price, item_tax, currency, is_gift, raw, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
ON CONFLICT (amazon_order_id, order_item_id) DO UPDATE SET
    asin = EXCLUDED.asin,
    seller_sku = EXCLUDED.seller_sku,
    title = EXCLUDED.title,
    quantity_ordered = EXCLUDED.quantity_ordered,
    quantity_shipped = EXCLUDED.quantity_shipped,
    item_price = EXCLUDED.item_price,
    item_tax = EXCLUDED.item_tax,
    currency = EXCLUDED.currency,
    is_gift = EXCLUDED.is_gift,
    raw = EXCLUDED.raw,
    updated_at = NOW()`

// PersistOrders upserts orders with their items in one transaction.
// Detail fields, when present, take precedence over the listing entry.
func (s *Store) PersistOrders(ctx context.Context, runID uuid.UUID, bundles []spapi.OrderBundle) error {
	if len(bundles) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		items := 0
		for _, b := range bundles {
			if _, err := tx.ExecContext(ctx, upsertOrderSQL, orderArgs(runID, b)...); err != nil {
				return fmt.Errorf("upsert order %s: %w", b.Order.AmazonOrderID, err)
			}
			for _, item := range b.Items {
				if _, err := tx.ExecContext(ctx, upsertOrderItemSQL, orderItemArgs(b.Order.AmazonOrderID, item)...); err != nil {
					return fmt.Errorf("upsert order item %s/%s: %w", b.Order.AmazonOrderID, item.OrderItemID, err)
				}
			}
			items += len(b.Items)
		}
		rowsWrittenTotal.WithLabelValues("orders").Add(float64(len(bundles)))
		rowsWrittenTotal.WithLabelValues("order_items").Add(float64(items))
		return nil
	})
}

func orderArgs(runID uuid.UUID, b spapi.OrderBundle) []any {
	o := b.Order
	var details any
	if b.Details != nil {
		o = *b.Details
		details = jsonArg(b.Details.Raw)
	}

	var total, currency any
	if o.OrderTotal != nil {
		total = nullString(o.OrderTotal.Amount)
		currency = nullString(o.OrderTotal.CurrencyCode)
	}

	paymentMethod := o.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = "Unknown"
	}

	return []any{
		b.Order.AmazonOrderID,
		nullString(o.SellerOrderID),
		o.PurchaseDate,
		nullTime(o.LastUpdateDate),
		o.OrderStatus,
		nullString(o.FulfillmentChannel),
		nullString(o.SalesChannel),
		nullString(o.OrderChannel),
		nullString(o.ShipServiceLevel),
		total,
		currency,
		o.NumberOfItemsShipped,
		o.NumberOfItemsUnshipped,
		paymentMethod,
		nullString(o.MarketplaceID),
		nullString(o.OrderType),
		bool(o.IsBusinessOrder),
		bool(o.IsPrime),
		jsonArg(o.ShippingAddress),
		jsonArg(o.BuyerInfo),
		jsonArg(o.PaymentExecutionDetail),
		jsonArg(b.Order.Raw),
		details,
		nullUUID(runID),
	}
}

func orderItemArgs(orderID string, item spapi.OrderItem) []any {
	var price, tax, currency any
	if item.ItemPrice != nil {
		price = nullString(item.ItemPrice.Amount)
		currency = nullString(item.ItemPrice.CurrencyCode)
	}
	if item.ItemTax != nil {
		tax = nullString(item.ItemTax.Amount)
	}

	return []any{
		orderID,
		item.OrderItemID,
		item.ASIN,
		item.SellerSKU,
		item.Title,
		item.QuantityOrdered,
		item.QuantityShipped,
		price,
		tax,
		currency,
		bool(item.IsGift),
		jsonArg(item.Raw),
	}
}

const (
	startRunSQL = `INSERT INTO sync_runs (run_id, started_at, status) VALUES ($1, $2, $3)`

	finishRunSQL = `
UPDATE sync_runs SET
    finished_at = $2, status = $3, marketplaces = $4, orders_synced = $5, orders_failed = $6, error = $7
WHERE run_id = $1`
)

// RunSummary is the outcome of a sync run.
type RunSummary struct {
	FinishedAt   time.Time
	Status       string
	Marketplaces int
	OrdersSynced int
	OrdersFailed int
	Err          error
}

// StartRun records the start of a sync run.
func (s *Store) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, startRunSQL, runID.String(), startedAt, "running"); err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun records the outcome of a sync run.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, summary RunSummary) error {
	var errText any
	if summary.Err != nil {
		errText = summary.Err.Error()
	}
	_, err := s.db.ExecContext(ctx, finishRunSQL,
		runID.String(), summary.FinishedAt, summary.Status, summary.Marketplaces,
		summary.OrdersSynced, summary.OrdersFailed, errText)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}
