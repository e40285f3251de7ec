package model

// EventType of a message sent to a scan channel.
type EventType string

const (
	EventAccepted EventType = "accepted"
	EventStatus   EventType = "status"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is the server -> client message on a live scan channel. Exactly one
// terminal event (complete or error) is sent per job, and it is always the last one.
type Event struct {
	Type       EventType `json:"type"`
	ScanID     string    `json:"scan_id,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message,omitempty"`
	ReportPath string    `json:"report_path,omitempty"`
	Results    *Result   `json:"results,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// TerminalEvent builds the last event of a finished job.
func TerminalEvent(job ScanJob) Event {
	if job.Status == StatusCompleted && job.Result != nil {
		return Event{
			Type:       EventComplete,
			ScanID:     job.ID,
			Status:     job.Status,
			Progress:   100,
			ReportPath: job.Result.ReportPath,
			Results:    job.Result,
		}
	}
	return Event{
		Type:     EventError,
		ScanID:   job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.ErrorMessage,
	}
}
