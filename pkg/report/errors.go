package report

import (
	"errors"
	"fmt"
)

var (
	// ErrReportTimeout is returned when the job is still pending after the last poll.
	ErrReportTimeout = errors.New("report timed out")

	// ErrInvalidReportData is returned for DONE reports whose document is missing or unparseable.
	ErrInvalidReportData = errors.New("invalid report data")
)

// ReportFailedError is returned when the job ends FATAL, CANCELLED or in an unknown status.
type ReportFailedError struct {
	ReportID string
	Status   Status
}

// Error implements the error interface.
func (e *ReportFailedError) Error() string {
	return fmt.Sprintf("report %s failed with status %s", e.ReportID, e.Status)
}
