package report

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/sp-order-sync/pkg/client"
	"github.com/rs/zerolog"
)

// scriptedAPI replays a fixed sequence of poll results.
type scriptedAPI struct {
	statuses  []JobStatus
	polls     int
	createErr error
	doc       Document
	docErr    error
	data      string
	requested Request
	downloads int
}

func (a *scriptedAPI) CreateReport(ctx context.Context, req Request) (string, error) {
	a.requested = req
	if a.createErr != nil {
		return "", a.createErr
	}
	return "50039018", nil
}

func (a *scriptedAPI) GetReport(ctx context.Context, reportID string) (JobStatus, error) {
	if a.polls >= len(a.statuses) {
		return JobStatus{}, fmt.Errorf("unexpected poll %d", a.polls+1)
	}
	s := a.statuses[a.polls]
	a.polls++
	return s, nil
}

func (a *scriptedAPI) GetReportDocument(ctx context.Context, documentID string) (Document, error) {
	if a.docErr != nil {
		return Document{}, a.docErr
	}
	return a.doc, nil
}

func (a *scriptedAPI) DownloadDocument(ctx context.Context, doc Document) ([]byte, error) {
	a.downloads++
	return []byte(a.data), nil
}

type recordingSink struct {
	transitions []Transition
	err         error
}

func (s *recordingSink) OnTransition(ctx context.Context, t Transition) error {
	s.transitions = append(s.transitions, t)
	return s.err
}

func (s *recordingSink) path() []Status {
	out := make([]Status, 0, len(s.transitions))
	for _, t := range s.transitions {
		out = append(out, t.To)
	}
	return out
}

func repeat(status Status, n int) []JobStatus {
	out := make([]JobStatus, n)
	for i := range out {
		out[i] = JobStatus{Status: status}
	}
	return out
}

func newTestPoller(api API, sink TransitionSink, sleeps *[]time.Duration) *Poller {
	cfg := DefaultConfig()
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return NewPoller(api, sink, cfg, zerolog.Nop())
}

const threeRecordDoc = "amazon-order-id\tsku\tquantity\n111-1\tSKU-A\t1\n111-2\tSKU-B\t2\n\n111-3\tSKU-C\t3\n"

func TestSubmitAndAwait_Done(t *testing.T) {
	api := &scriptedAPI{
		statuses: []JobStatus{
			{Status: StatusInProgress},
			{Status: StatusInProgress},
			{Status: StatusDone, DocumentID: "amzn1.tortuga.3.doc"},
		},
		doc:  Document{DocumentID: "amzn1.tortuga.3.doc", URL: "https://example.com/doc"},
		data: threeRecordDoc,
	}
	sink := &recordingSink{}
	var sleeps []time.Duration
	p := newTestPoller(api, sink, &sleeps)

	report, err := p.SubmitAndAwait(context.Background(), Request{
		Type:           "GET_FLAT_FILE_ALL_ORDERS_DATA_BY_LAST_UPDATE_GENERAL",
		MarketplaceIDs: []string{"A1PA6795UKMFR9"},
	})
	if err != nil {
		t.Fatalf("SubmitAndAwait() error = %v", err)
	}

	if report.ID != "50039018" || report.Status != StatusDone {
		t.Errorf("report = %+v", report)
	}
	if len(report.Records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(report.Records))
	}
	if report.Records[2]["sku"] != "SKU-C" || report.Records[0]["amazon-order-id"] != "111-1" {
		t.Errorf("Records = %v", report.Records)
	}
	if api.polls != 3 {
		t.Errorf("Expected 3 polls, got %d", api.polls)
	}
	if len(sleeps) != 3 {
		t.Errorf("Expected a sleep before each poll, got %v", sleeps)
	}
	for _, d := range sleeps {
		if d != 5*time.Second {
			t.Errorf("sleep = %v, want 5s", d)
		}
	}

	want := []Status{StatusSubmitted, StatusInProgress, StatusDone}
	if fmt.Sprint(sink.path()) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", sink.path(), want)
	}
	last := sink.transitions[len(sink.transitions)-1]
	if last.From != StatusInProgress || last.DocumentID != "amzn1.tortuga.3.doc" || last.Attempt != 3 {
		t.Errorf("final transition = %+v", last)
	}
}

func TestSubmitAndAwait_Timeout(t *testing.T) {
	api := &scriptedAPI{statuses: repeat(StatusInProgress, 13)}
	sink := &recordingSink{}
	var sleeps []time.Duration
	p := newTestPoller(api, sink, &sleeps)

	_, err := p.SubmitAndAwait(context.Background(), Request{Type: "T"})
	if !errors.Is(err, ErrReportTimeout) {
		t.Fatalf("Expected ErrReportTimeout, got %v", err)
	}
	if api.polls != 12 {
		t.Errorf("Expected exactly 12 polls, got %d", api.polls)
	}
	if len(sleeps) != 12 {
		t.Errorf("Expected 12 sleeps, got %d", len(sleeps))
	}
	path := sink.path()
	if path[len(path)-1] != StatusTimedOut {
		t.Errorf("last transition = %v, want TIMED_OUT", path[len(path)-1])
	}
}

func TestSubmitAndAwait_InQueueThenDone(t *testing.T) {
	api := &scriptedAPI{
		statuses: []JobStatus{
			{Status: StatusInQueue},
			{Status: StatusInQueue},
			{Status: StatusInProgress},
			{Status: StatusDone, DocumentID: "d"},
		},
		doc:  Document{DocumentID: "d", URL: "https://example.com/d"},
		data: threeRecordDoc,
	}
	sink := &recordingSink{}
	var sleeps []time.Duration
	p := newTestPoller(api, sink, &sleeps)

	if _, err := p.SubmitAndAwait(context.Background(), Request{Type: "T"}); err != nil {
		t.Fatal(err)
	}
	want := []Status{StatusSubmitted, StatusInProgress, StatusInQueue, StatusInProgress, StatusDone}
	if fmt.Sprint(sink.path()) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", sink.path(), want)
	}
}

func TestSubmitAndAwait_Failed(t *testing.T) {
	tests := []struct {
		name   string
		status Status
	}{
		{"fatal", StatusFatal},
		{"cancelled", StatusCancelled},
		{"unknown", Status("SOMETHING_NEW")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &scriptedAPI{statuses: []JobStatus{{Status: StatusInProgress}, {Status: tt.status}}}
			var sleeps []time.Duration
			p := newTestPoller(api, nil, &sleeps)

			_, err := p.SubmitAndAwait(context.Background(), Request{Type: "T"})

			var failed *ReportFailedError
			if !errors.As(err, &failed) {
				t.Fatalf("Expected *ReportFailedError, got %v", err)
			}
			if failed.Status != tt.status || failed.ReportID != "50039018" {
				t.Errorf("failed = %+v", failed)
			}
			if api.downloads != 0 {
				t.Error("Document must not be downloaded for failed reports")
			}
		})
	}
}

func TestSubmitAndAwait_InvalidDocument(t *testing.T) {
	tests := []struct {
		name     string
		statuses []JobStatus
		doc      Document
		data     string
	}{
		{
			name:     "missing document id",
			statuses: []JobStatus{{Status: StatusDone}},
		},
		{
			name:     "missing url",
			statuses: []JobStatus{{Status: StatusDone, DocumentID: "d"}},
			doc:      Document{DocumentID: "d"},
		},
		{
			name:     "header only",
			statuses: []JobStatus{{Status: StatusDone, DocumentID: "d"}},
			doc:      Document{DocumentID: "d", URL: "https://example.com/d"},
			data:     "a\tb\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &scriptedAPI{statuses: tt.statuses, doc: tt.doc, data: tt.data}
			var sleeps []time.Duration
			p := newTestPoller(api, nil, &sleeps)

			_, err := p.SubmitAndAwait(context.Background(), Request{Type: "T"})
			if !errors.Is(err, ErrInvalidReportData) {
				t.Errorf("Expected ErrInvalidReportData, got %v", err)
			}
		})
	}
}

func TestSubmitAndAwait_SubmitError(t *testing.T) {
	api := &scriptedAPI{createErr: &client.APIError{StatusCode: 400, Body: "bad report type"}}
	sink := &recordingSink{}
	var sleeps []time.Duration
	p := newTestPoller(api, sink, &sleeps)

	_, err := p.SubmitAndAwait(context.Background(), Request{Type: "T"})
	if client.StatusCode(err) != 400 {
		t.Errorf("Expected wrapped APIError, got %v", err)
	}
	if len(sink.transitions) != 0 {
		t.Errorf("Expected no transitions, got %v", sink.path())
	}
}

func TestSubmitAndAwait_SinkErrorsIgnored(t *testing.T) {
	api := &scriptedAPI{
		statuses: []JobStatus{{Status: StatusDone, DocumentID: "d"}},
		doc:      Document{DocumentID: "d", URL: "https://example.com/d"},
		data:     threeRecordDoc,
	}
	sink := &recordingSink{err: errors.New("database down")}
	var sleeps []time.Duration
	p := newTestPoller(api, sink, &sleeps)

	if _, err := p.SubmitAndAwait(context.Background(), Request{Type: "T"}); err != nil {
		t.Fatalf("sink failure must not fail the job: %v", err)
	}
	if len(sink.transitions) != 3 {
		t.Errorf("Expected 3 transitions, got %d", len(sink.transitions))
	}
}

func TestSubmitAndAwait_ContextCancelled(t *testing.T) {
	api := &scriptedAPI{statuses: repeat(StatusInProgress, 12)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPoller(api, nil, DefaultConfig(), zerolog.Nop())
	_, err := p.SubmitAndAwait(ctx, Request{Type: "T"})
	if !errors.Is(err, client.ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if api.polls != 0 {
		t.Errorf("Expected no polls, got %d", api.polls)
	}
}
