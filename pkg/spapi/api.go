// Package spapi exposes the typed SP-API endpoints used by the order sync:
// marketplace participations, orders, order items and reports.
package spapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/sp-order-sync/pkg/client"
	"github.com/Sternrassler/sp-order-sync/pkg/pagination"
	"github.com/Sternrassler/sp-order-sync/pkg/report"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	marketplaceParticipationsPath = "/sellers/v1/marketplaceParticipations"
	ordersPath                    = "/orders/v0/orders"
	orderItemsLabel               = "/orders/v0/orders/{id}/orderItems"
	reportsPath                   = "/reports/2021-06-30/reports"
	documentsPath                 = "/reports/2021-06-30/documents"
)

var ordersSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "spapi_orders_skipped_total",
	Help: "Listed orders dropped because they failed to decode or validate",
})

// DefaultOrderStatuses is the order status filter used when none is given.
var DefaultOrderStatuses = []string{"Shipped", "Unshipped", "PartiallyShipped"}

var regionEndpoints = map[string]string{
	"na": "https://sellingpartnerapi-na.amazon.com",
	"eu": "https://sellingpartnerapi-eu.amazon.com",
	"fe": "https://sellingpartnerapi-fe.amazon.com",
}

// BaseURL returns the SP-API endpoint for a region (na, eu or fe).
func BaseURL(region string) (string, error) {
	endpoint, ok := regionEndpoints[strings.ToLower(region)]
	if !ok {
		return "", fmt.Errorf("unknown region %q (want na, eu or fe)", region)
	}
	return endpoint, nil
}

// API implements the typed endpoints on top of the transport.
type API struct {
	transport pagination.Executor
	orders    *pagination.Paginator[Order]
	items     *pagination.Paginator[OrderItem]
	logger    zerolog.Logger
}

// New creates an API over transport.
func New(transport pagination.Executor, logger zerolog.Logger) *API {
	logger = logger.With().Str("component", "spapi").Logger()
	a := &API{transport: transport, logger: logger}
	a.orders = pagination.NewPaginator(transport, a.decodeOrdersPage, logger)
	a.items = pagination.NewPaginator(transport, decodeOrderItemsPage, logger)
	return a
}

// Orders returns the paginator for the orders listing.
func (a *API) Orders() *pagination.Paginator[Order] {
	return a.orders
}

// GetMarketplaceParticipations lists the marketplaces the seller participates in.
// Entries without a marketplace id are skipped with a warning.
func (a *API) GetMarketplaceParticipations(ctx context.Context) ([]MarketplaceParticipation, error) {
	resp, err := a.transport.Execute(ctx, client.Get(marketplaceParticipationsPath, client.Params{}))
	if err != nil {
		return nil, fmt.Errorf("get marketplace participations: %w", err)
	}

	var envelope struct {
		Payload []MarketplaceParticipation `json:"payload"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, &ParseError{Endpoint: marketplaceParticipationsPath, Err: err}
	}

	participations := make([]MarketplaceParticipation, 0, len(envelope.Payload))
	for _, p := range envelope.Payload {
		if p.Marketplace.ID == "" {
			a.logger.Warn().RawJSON("participation", p.Raw).Msg("Skipping participation without marketplace id")
			continue
		}
		participations = append(participations, p)
	}

	if len(participations) == 0 {
		a.logger.Warn().Msg("No marketplace participations found")
	}
	return participations, nil
}

// OrdersQuery filters the orders listing.
type OrdersQuery struct {
	MarketplaceIDs []string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	OrderStatuses  []string
}

// Params builds the orders listing query. Multi-valued filters are sent comma joined.
func (q OrdersQuery) Params() client.Params {
	var p client.Params
	if q.CreatedAfter != nil {
		p.Set("CreatedAfter", q.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if q.CreatedBefore != nil {
		p.Set("CreatedBefore", q.CreatedBefore.UTC().Format(time.RFC3339))
	}
	statuses := q.OrderStatuses
	if len(statuses) == 0 {
		statuses = DefaultOrderStatuses
	}
	p.SetJoined("OrderStatuses", statuses...)
	if len(q.MarketplaceIDs) > 0 {
		p.SetJoined("MarketplaceIds", q.MarketplaceIDs...)
	}
	return p
}

// OrdersPath is the orders listing path.
func OrdersPath() string {
	return ordersPath
}

// GetOrder fetches a single order.
func (a *API) GetOrder(ctx context.Context, orderID string) (Order, error) {
	path := ordersPath + "/" + url.PathEscape(orderID)
	resp, err := a.transport.Execute(ctx, client.Get(path, client.Params{}))
	if err != nil {
		return Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}

	var envelope struct {
		Payload *Order `json:"payload"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return Order{}, &ParseError{Endpoint: client.EndpointLabel(path), Err: err}
	}
	if envelope.Payload == nil {
		return Order{}, &ParseError{Endpoint: client.EndpointLabel(path), Field: "payload", Err: errMissing}
	}
	if err := envelope.Payload.Validate(); err != nil {
		return Order{}, err
	}
	return *envelope.Payload, nil
}

// GetOrderItems fetches all items of an order, following NextToken.
func (a *API) GetOrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	path := ordersPath + "/" + url.PathEscape(orderID) + "/orderItems"
	items, _, err := a.items.Collect(ctx, path, client.Params{}, 0)
	if err != nil {
		return nil, fmt.Errorf("get order items %s: %w", orderID, err)
	}
	return items, nil
}

// decodeOrdersPage decodes an orders listing page. Orders that fail to decode
// or validate are logged and dropped; the rest of the page is kept.
func (a *API) decodeOrdersPage(body []byte) (pagination.PageResult[Order], error) {
	page, err := pagination.PayloadListDecoder[json.RawMessage]("Orders")(body)
	if err != nil {
		return pagination.PageResult[Order]{}, err
	}

	orders := make([]Order, 0, len(page.Records))
	for i, raw := range page.Records {
		var order Order
		if err := json.Unmarshal(raw, &order); err != nil {
			a.skipOrder(i, raw, &ParseError{Endpoint: ordersPath, Err: err})
			continue
		}
		if err := order.Validate(); err != nil {
			a.skipOrder(i, raw, err)
			continue
		}
		orders = append(orders, order)
	}
	return pagination.PageResult[Order]{Records: orders, NextCursor: page.NextCursor}, nil
}

func (a *API) skipOrder(index int, raw json.RawMessage, err error) {
	ordersSkippedTotal.Inc()
	a.logger.Warn().
		Err(err).
		Int("index", index).
		RawJSON("order", raw).
		Msg("Skipping invalid order in listing")
}

// decodeOrderItemsPage accepts OrderItems inside or outside the payload
// wrapper, as an array or as a single object.
func decodeOrderItemsPage(body []byte) (pagination.PageResult[OrderItem], error) {
	var envelope struct {
		Payload *struct {
			OrderItems json.RawMessage `json:"OrderItems"`
			NextToken  string          `json:"NextToken"`
		} `json:"payload"`
		OrderItems json.RawMessage `json:"OrderItems"`
		NextToken  string          `json:"NextToken"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return pagination.PageResult[OrderItem]{}, &ParseError{Endpoint: orderItemsLabel, Err: err}
	}

	raw, next := envelope.OrderItems, envelope.NextToken
	if envelope.Payload != nil {
		raw, next = envelope.Payload.OrderItems, envelope.Payload.NextToken
	} else if raw == nil {
		return pagination.PageResult[OrderItem]{}, pagination.ErrNoPayload
	}

	items, err := decodeOneOrMany[OrderItem](raw)
	if err != nil {
		return pagination.PageResult[OrderItem]{}, &ParseError{Endpoint: orderItemsLabel, Field: "OrderItems", Err: err}
	}
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return pagination.PageResult[OrderItem]{}, err
		}
	}
	return pagination.PageResult[OrderItem]{Records: items, NextCursor: next}, nil
}

// decodeOneOrMany decodes a JSON array, a single object, or null.
func decodeOneOrMany[T any](raw json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var many []T
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// createReportBody is the report submission payload.
type createReportBody struct {
	ReportType     string   `json:"reportType"`
	MarketplaceIDs []string `json:"marketplaceIds"`
	DataStartTime  string   `json:"dataStartTime,omitempty"`
	DataEndTime    string   `json:"dataEndTime,omitempty"`
}

// CreateReport submits a report job and returns its id.
func (a *API) CreateReport(ctx context.Context, req report.Request) (string, error) {
	body := createReportBody{
		ReportType:     req.Type,
		MarketplaceIDs: req.MarketplaceIDs,
	}
	if req.DataStartTime != nil {
		body.DataStartTime = req.DataStartTime.UTC().Format(time.RFC3339)
	}
	if req.DataEndTime != nil {
		body.DataEndTime = req.DataEndTime.UTC().Format(time.RFC3339)
	}

	resp, err := a.transport.Execute(ctx, client.Post(reportsPath, body))
	if err != nil {
		return "", err
	}

	var out struct {
		ReportID string `json:"reportId"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", &ParseError{Endpoint: reportsPath, Err: err}
	}
	if out.ReportID == "" {
		return "", &ParseError{Endpoint: reportsPath, Field: "reportId", Err: errMissing}
	}
	return out.ReportID, nil
}

// GetReport polls the status of a report job.
func (a *API) GetReport(ctx context.Context, reportID string) (report.JobStatus, error) {
	path := reportsPath + "/" + url.PathEscape(reportID)
	resp, err := a.transport.Execute(ctx, client.Get(path, client.Params{}))
	if err != nil {
		return report.JobStatus{}, err
	}

	var out struct {
		ProcessingStatus string `json:"processingStatus"`
		ReportDocumentID string `json:"reportDocumentId"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return report.JobStatus{}, &ParseError{Endpoint: client.EndpointLabel(path), Err: err}
	}
	if out.ProcessingStatus == "" {
		return report.JobStatus{}, &ParseError{Endpoint: client.EndpointLabel(path), Field: "processingStatus", Err: errMissing}
	}
	return report.JobStatus{
		Status:     report.Status(out.ProcessingStatus),
		DocumentID: out.ReportDocumentID,
	}, nil
}

// GetReportDocument fetches the download metadata of a report document.
func (a *API) GetReportDocument(ctx context.Context, documentID string) (report.Document, error) {
	path := documentsPath + "/" + url.PathEscape(documentID)
	resp, err := a.transport.Execute(ctx, client.Get(path, client.Params{}))
	if err != nil {
		return report.Document{}, err
	}

	var out struct {
		ReportDocumentID     string `json:"reportDocumentId"`
		URL                  string `json:"url"`
		CompressionAlgorithm string `json:"compressionAlgorithm"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return report.Document{}, &ParseError{Endpoint: client.EndpointLabel(path), Err: err}
	}
	if out.ReportDocumentID == "" {
		out.ReportDocumentID = documentID
	}
	return report.Document{
		DocumentID:           out.ReportDocumentID,
		URL:                  out.URL,
		CompressionAlgorithm: out.CompressionAlgorithm,
	}, nil
}

// DownloadDocument fetches the pre-signed document URL without the access
// token header and inflates GZIP documents.
func (a *API) DownloadDocument(ctx context.Context, doc report.Document) ([]byte, error) {
	resp, err := a.transport.Execute(ctx, client.Request{
		Method: http.MethodGet,
		URL:    doc.URL,
		NoAuth: true,
		Raw:    true,
	})
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(doc.CompressionAlgorithm, "GZIP") {
		return resp.Body, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", report.ErrInvalidReportData, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", report.ErrInvalidReportData, err)
	}
	return data, nil
}
