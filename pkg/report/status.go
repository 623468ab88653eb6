package report

// Status is the processing status of a report job.
type Status string

// Report job statuses. SUBMITTED and TIMED_OUT are local; the rest are
// reported by the API.
const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusInQueue    Status = "IN_QUEUE"
	StatusDone       Status = "DONE"
	StatusFatal      Status = "FATAL"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// IsTerminal reports whether no further transitions can happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFatal, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// pending reports whether polling should continue.
func (s Status) pending() bool {
	return s == StatusInProgress || s == StatusInQueue
}

// known reports whether s is a status the API can return.
func (s Status) known() bool {
	switch s {
	case StatusInProgress, StatusInQueue, StatusDone, StatusFatal, StatusCancelled:
		return true
	default:
		return false
	}
}
