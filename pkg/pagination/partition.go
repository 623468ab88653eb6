package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/sp-order-sync/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	partitionsFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spapi_partitions_fetched_total",
		Help: "Total partition fetches by endpoint and result",
	}, []string{"endpoint", "result"})

	partitionRecords = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spapi_partition_records",
		Help:    "Records fetched per successful partition",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"endpoint"})
)

// PartitionFetchError records a partition whose listing failed.
type PartitionFetchError struct {
	PartitionID string
	Err         error
}

// Error implements the error interface.
func (e *PartitionFetchError) Error() string {
	return fmt.Sprintf("partition %s: %v", e.PartitionID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PartitionFetchError) Unwrap() error {
	return e.Err
}

// Result is the merged outcome of a multi-partition fetch.
type Result[T any] struct {
	// Records in partition order, then page order.
	Records []T

	// LastCursor is the last non-empty cursor observed. Informational only.
	LastCursor string

	// Failed lists partitions whose fetch failed, in partition order.
	Failed []*PartitionFetchError
}

// PartitionConfig holds MultiPartitionFetcher settings.
type PartitionConfig struct {
	// PartitionKey is the query parameter overridden per partition.
	PartitionKey string

	// Delay between consecutive partitions.
	Delay time.Duration

	// PageLimit per partition; 0 means unlimited.
	PageLimit int

	// Sleep is used for the inter-partition delay. Defaults to client.Sleep.
	Sleep client.Sleeper
}

// DefaultPartitionConfig returns MarketplaceIds partitioning with a 2s delay.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		PartitionKey: "MarketplaceIds",
		Delay:        2 * time.Second,
		Sleep:        client.Sleep,
	}
}

// MultiPartitionFetcher runs a paginated listing once per partition.
type MultiPartitionFetcher[T any] struct {
	paginator *Paginator[T]
	config    PartitionConfig
	logger    zerolog.Logger
}

// NewMultiPartitionFetcher creates a fetcher on top of paginator.
func NewMultiPartitionFetcher[T any](paginator *Paginator[T], config PartitionConfig, logger zerolog.Logger) *MultiPartitionFetcher[T] {
	if config.PartitionKey == "" {
		config.PartitionKey = "MarketplaceIds"
	}
	if config.Sleep == nil {
		config.Sleep = client.Sleep
	}

	return &MultiPartitionFetcher[T]{
		paginator: paginator,
		config:    config,
		logger:    logger.With().Str("component", "partition-fetcher").Logger(),
	}
}

// FetchAcrossPartitions fetches path once per partition id, one partition at
// a time, with the partition key of baseParams replaced by that id and any
// cursor in baseParams dropped.
// Partition failures are collected in Result.Failed and never abort the
// fetch. The returned error is non-nil only when ctx is cancelled; the
// Result then holds whatever completed before cancellation.
func (f *MultiPartitionFetcher[T]) FetchAcrossPartitions(ctx context.Context, path string, baseParams client.Params, partitionIDs []string) (Result[T], error) {
	var result Result[T]
	endpoint := client.EndpointLabel(path)
	start := time.Now()

	for i, id := range partitionIDs {
		if i > 0 && f.config.Delay > 0 {
			if err := f.config.Sleep(ctx, f.config.Delay); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("%w: %v", client.ErrContextCancelled, err)
		}

		// Cursors are scoped to a partition; each one starts from its first page.
		params := baseParams.Clone()
		params.Set(f.config.PartitionKey, id)
		params.Del(CursorParam)

		records, cursor, err := f.paginator.Collect(ctx, path, params, f.config.PageLimit)
		if err != nil {
			if ctx.Err() != nil {
				return result, fmt.Errorf("%w: %v", client.ErrContextCancelled, ctx.Err())
			}
			partitionErr := &PartitionFetchError{PartitionID: id, Err: err}
			result.Failed = append(result.Failed, partitionErr)
			partitionsFetchedTotal.WithLabelValues(endpoint, "failed").Inc()
			f.logger.Error().
				Err(err).
				Str("endpoint", endpoint).
				Str("partition", id).
				Msg("Partition fetch failed, continuing with next partition")
			continue
		}

		result.Records = append(result.Records, records...)
		if cursor != "" {
			result.LastCursor = cursor
		}
		partitionsFetchedTotal.WithLabelValues(endpoint, "ok").Inc()
		partitionRecords.WithLabelValues(endpoint).Observe(float64(len(records)))
		f.logger.Info().
			Str("endpoint", endpoint).
			Str("partition", id).
			Int("records", len(records)).
			Msg("Partition fetched")
	}

	f.logger.Info().
		Str("endpoint", endpoint).
		Int("partitions", len(partitionIDs)).
		Int("failed", len(result.Failed)).
		Int("records", len(result.Records)).
		Dur("duration", time.Since(start)).
		Msg("Multi-partition fetch completed")

	return result, nil
}
