// Package report submits asynchronous report jobs, polls them to a terminal
// status and parses the resulting tab-separated document.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/sp-order-sync/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for report jobs.
var (
	reportPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spapi_report_polls_total",
		Help: "Total report status polls by report type",
	}, []string{"report_type"})

	reportOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spapi_report_outcomes_total",
		Help: "Total report jobs by terminal status",
	}, []string{"status"})

	reportRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spapi_report_records_total",
		Help: "Total records parsed from report documents by report type",
	}, []string{"report_type"})
)

// Request describes a report to generate.
type Request struct {
	Type           string
	MarketplaceIDs []string
	DataStartTime  *time.Time
	DataEndTime    *time.Time
}

// JobStatus is the result of one status poll.
type JobStatus struct {
	Status     Status
	DocumentID string
}

// Document describes a generated report document.
type Document struct {
	DocumentID           string
	URL                  string
	CompressionAlgorithm string
}

// API is the subset of the reports endpoints the poller needs.
type API interface {
	CreateReport(ctx context.Context, req Request) (string, error)
	GetReport(ctx context.Context, reportID string) (JobStatus, error)
	GetReportDocument(ctx context.Context, documentID string) (Document, error)

	// DownloadDocument fetches the pre-signed URL without auth and
	// returns the decompressed body.
	DownloadDocument(ctx context.Context, doc Document) ([]byte, error)
}

// Transition is a single state change of a report job.
type Transition struct {
	ReportID   string
	Request    Request
	From       Status
	To         Status
	DocumentID string
	Attempt    int
	At         time.Time
}

// TransitionSink observes report job state changes.
type TransitionSink interface {
	OnTransition(ctx context.Context, t Transition) error
}

// Report is a completed report with its parsed records.
type Report struct {
	ID       string
	Type     string
	Status   Status
	Document Document
	Header   []string
	Records  []Record
}

// Config holds poller settings.
type Config struct {
	// MaxPolls bounds the number of status polls.
	MaxPolls int

	// Interval is slept before every poll.
	Interval time.Duration

	// Sleep defaults to client.Sleep.
	Sleep client.Sleeper
}

// DefaultConfig returns 12 polls at 5s intervals.
func DefaultConfig() Config {
	return Config{
		MaxPolls: 12,
		Interval: 5 * time.Second,
		Sleep:    client.Sleep,
	}
}

// Poller drives report jobs from submission to a parsed document.
type Poller struct {
	api    API
	sink   TransitionSink
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewPoller creates a poller. sink may be nil.
func NewPoller(api API, sink TransitionSink, config Config, logger zerolog.Logger) *Poller {
	if config.MaxPolls <= 0 {
		config.MaxPolls = DefaultConfig().MaxPolls
	}
	if config.Sleep == nil {
		config.Sleep = client.Sleep
	}

	return &Poller{
		api:    api,
		sink:   sink,
		config: config,
		logger: logger.With().Str("component", "report-poller").Logger(),
		now:    time.Now,
	}
}

// SubmitAndAwait submits req, polls until the job reaches a terminal status
// and, when DONE, downloads and parses its document.
//
// Errors: *ReportFailedError for FATAL, CANCELLED or unknown statuses;
// ErrReportTimeout when still pending after MaxPolls polls;
// ErrInvalidReportData for a missing or unparseable document; transport
// errors are returned wrapped.
func (p *Poller) SubmitAndAwait(ctx context.Context, req Request) (*Report, error) {
	reportID, err := p.api.CreateReport(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create report %s: %w", req.Type, err)
	}

	logger := p.logger.With().Str("report_id", reportID).Str("report_type", req.Type).Logger()
	logger.Info().Strs("marketplaces", req.MarketplaceIDs).Msg("Report submitted")

	p.emit(ctx, logger, Transition{ReportID: reportID, Request: req, To: StatusSubmitted})
	p.emit(ctx, logger, Transition{ReportID: reportID, Request: req, From: StatusSubmitted, To: StatusInProgress})

	current := StatusInProgress
	var documentID string

	for attempt := 1; current.pending(); attempt++ {
		if attempt > p.config.MaxPolls {
			p.emit(ctx, logger, Transition{ReportID: reportID, Request: req, From: current, To: StatusTimedOut, Attempt: attempt - 1})
			reportOutcomesTotal.WithLabelValues(string(StatusTimedOut)).Inc()
			logger.Error().Int("polls", p.config.MaxPolls).Msg("Report did not finish in time")
			return nil, fmt.Errorf("%w: report %s still %s after %d polls", ErrReportTimeout, reportID, current, p.config.MaxPolls)
		}

		if err := p.config.Sleep(ctx, p.config.Interval); err != nil {
			return nil, err
		}

		status, err := p.api.GetReport(ctx, reportID)
		if err != nil {
			return nil, fmt.Errorf("poll report %s: %w", reportID, err)
		}
		reportPollsTotal.WithLabelValues(req.Type).Inc()

		logger.Debug().
			Int("attempt", attempt).
			Str("status", string(status.Status)).
			Msg("Polled report status")

		next := status.Status
		if !next.known() {
			logger.Error().Str("status", string(next)).Msg("Unknown report status")
			reportOutcomesTotal.WithLabelValues("UNKNOWN").Inc()
			return nil, &ReportFailedError{ReportID: reportID, Status: next}
		}

		if next != current {
			p.emit(ctx, logger, Transition{
				ReportID:   reportID,
				Request:    req,
				From:       current,
				To:         next,
				DocumentID: status.DocumentID,
				Attempt:    attempt,
			})
		}
		current = next
		documentID = status.DocumentID
	}

	reportOutcomesTotal.WithLabelValues(string(current)).Inc()
	if current != StatusDone {
		logger.Error().Str("status", string(current)).Msg("Report failed")
		return nil, &ReportFailedError{ReportID: reportID, Status: current}
	}
	if documentID == "" {
		return nil, fmt.Errorf("%w: report %s is DONE without a document id", ErrInvalidReportData, reportID)
	}

	doc, err := p.api.GetReportDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("get report document %s: %w", documentID, err)
	}
	if doc.URL == "" {
		return nil, fmt.Errorf("%w: document %s has no url", ErrInvalidReportData, documentID)
	}

	data, err := p.api.DownloadDocument(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("download report document %s: %w", documentID, err)
	}

	header, records, err := ParseTSV(data)
	if err != nil {
		return nil, fmt.Errorf("parse report document %s: %w", documentID, err)
	}
	reportRecordsTotal.WithLabelValues(req.Type).Add(float64(len(records)))

	logger.Info().
		Str("document_id", documentID).
		Int("records", len(records)).
		Msg("Report document processed")

	return &Report{
		ID:       reportID,
		Type:     req.Type,
		Status:   StatusDone,
		Document: doc,
		Header:   header,
		Records:  records,
	}, nil
}

// emit publishes t to the sink; failures are logged and otherwise ignored.
func (p *Poller) emit(ctx context.Context, logger zerolog.Logger, t Transition) {
	t.At = p.now()
	logger.Info().
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Int("attempt", t.Attempt).
		Msg("Report status transition")

	if p.sink == nil {
		return
	}
	if err := p.sink.OnTransition(ctx, t); err != nil {
		logger.Warn().Err(err).Str("to", string(t.To)).Msg("Failed to record report transition")
	}
}
