package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/Sternrassler/sp-order-sync/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// CursorParam is the query parameter carrying the pagination cursor.
const CursorParam = "NextToken"

var pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spapi_pages_fetched_total",
	Help: "Total paginated pages fetched by endpoint",
}, []string{"endpoint"})

// ErrNoPayload is returned by a PageDecoder when the response lacks the
// payload wrapper. The Paginator treats it as end of stream.
var ErrNoPayload = errors.New("response has no payload")

// PageResult is one decoded page. An empty NextCursor means the listing is exhausted.
type PageResult[T any] struct {
	Records    []T
	NextCursor string
}

// PageDecoder turns a raw response body into a page.
type PageDecoder[T any] func(body []byte) (PageResult[T], error)

// Executor issues a single API request.
type Executor interface {
	Execute(ctx context.Context, req client.Request) (*client.Response, error)
}

// Paginator follows NextToken cursors for one endpoint shape.
type Paginator[T any] struct {
	api    Executor
	decode PageDecoder[T]
	logger zerolog.Logger
}

// NewPaginator creates a paginator that decodes pages with decode.
func NewPaginator[T any](api Executor, decode PageDecoder[T], logger zerolog.Logger) *Paginator[T] {
	return &Paginator[T]{
		api:    api,
		decode: decode,
		logger: logger.With().Str("component", "paginator").Logger(),
	}
}

// FetchAll lazily yields the pages of path. Each request carries baseParams
// with NextToken set to the previous page's cursor; a NextToken already
// present in baseParams is used for the first request. Iteration stops
// when a page has no cursor, when pageLimit (if > 0) pages have been
// yielded, or after the first error. Every range over the returned
// sequence starts again from baseParams.
func (p *Paginator[T]) FetchAll(ctx context.Context, path string, baseParams client.Params, pageLimit int) iter.Seq2[PageResult[T], error] {
	return func(yield func(PageResult[T], error) bool) {
		cursor := baseParams.Get(CursorParam)
		endpoint := client.EndpointLabel(path)

		for pages := 0; pageLimit <= 0 || pages < pageLimit; pages++ {
			params := baseParams.Clone()
			params.Del(CursorParam)
			if cursor != "" {
				params.Set(CursorParam, cursor)
			}

			resp, err := p.api.Execute(ctx, client.Get(path, params))
			if err != nil {
				yield(PageResult[T]{}, fmt.Errorf("fetch page %d of %s: %w", pages+1, endpoint, err))
				return
			}

			page, err := p.decode(resp.Body)
			if errors.Is(err, ErrNoPayload) {
				p.logger.Warn().
					Str("endpoint", endpoint).
					Int("page", pages+1).
					Msg("Response without payload, ending pagination")
				return
			}
			if err != nil {
				yield(PageResult[T]{}, fmt.Errorf("decode page %d of %s: %w", pages+1, endpoint, err))
				return
			}

			pagesFetchedTotal.WithLabelValues(endpoint).Inc()
			p.logger.Debug().
				Str("endpoint", endpoint).
				Int("page", pages+1).
				Int("records", len(page.Records)).
				Bool("has_next", page.NextCursor != "").
				Msg("Fetched page")

			if !yield(page, nil) {
				return
			}
			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// Collect drains FetchAll into a single slice and returns the last cursor seen.
func (p *Paginator[T]) Collect(ctx context.Context, path string, baseParams client.Params, pageLimit int) ([]T, string, error) {
	var records []T
	var lastCursor string
	for page, err := range p.FetchAll(ctx, path, baseParams, pageLimit) {
		if err != nil {
			return nil, "", err
		}
		records = append(records, page.Records...)
		if page.NextCursor != "" {
			lastCursor = page.NextCursor
		}
	}
	return records, lastCursor, nil
}

// PayloadListDecoder decodes {"payload": {"<field>": [...], "NextToken": "..."}}.
// A missing or null payload yields ErrNoPayload; a missing list yields an empty page.
func PayloadListDecoder[T any](field string) PageDecoder[T] {
	return func(body []byte) (PageResult[T], error) {
		var envelope struct {
			Payload map[string]json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return PageResult[T]{}, fmt.Errorf("%w: %v", client.ErrInvalidResponse, err)
		}
		if envelope.Payload == nil {
			return PageResult[T]{}, ErrNoPayload
		}

		var page PageResult[T]
		if raw, ok := envelope.Payload[field]; ok && string(raw) != "null" {
			if err := json.Unmarshal(raw, &page.Records); err != nil {
				return PageResult[T]{}, fmt.Errorf("decode %s: %w", field, err)
			}
		}
		if raw, ok := envelope.Payload[CursorParam]; ok {
			if err := json.Unmarshal(raw, &page.NextCursor); err != nil {
				return PageResult[T]{}, fmt.Errorf("decode %s: %w", CursorParam, err)
			}
		}
		return page, nil
	}
}
