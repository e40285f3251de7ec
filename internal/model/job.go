package model

import (
	"fmt"
	"slices"
	"time"
)

// Status of a ScanJob. The only allowed transitions are
// pending -> running -> completed|failed and pending -> failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ScanJob is one end-to-end execution of garak against a single model.
type ScanJob struct {
	ID           string     `json:"id"`
	ModelName    string     `json:"model_name"`
	Probes       []string   `json:"probes"`
	Detectors    []string   `json:"detectors,omitempty"`
	Description  string     `json:"description,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Progress     int        `json:"progress"`
	Result       *Result    `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Result of a completed job. ReportPath and ReportHTML are relative to the job directory.
type Result struct {
	ReportPath string  `json:"report_path"`
	ReportHTML string  `json:"report_html,omitempty"`
	Scores     []Score `json:"scores,omitempty"`
}

// Score is a summary of one probe/detector evaluation.
type Score struct {
	Probe    string `json:"probe"`
	Detector string `json:"detector"`
	Passed   int    `json:"passed"`
	Total    int    `json:"total"`
}

// FailureRate returns the percentage of failed attempts, 0 when nothing was evaluated.
func (s Score) FailureRate() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Total-s.Passed) * 100 / float64(s.Total)
}

// NewScanJob creates a pending job from a request. The request is expected to be validated.
func NewScanJob(id string, req ScanRequest, now time.Time) ScanJob {
	return ScanJob{
		ID:          id,
		ModelName:   req.ModelName,
		Probes:      slices.Clone(req.Probes),
		Detectors:   slices.Clone(req.Detectors),
		Description: req.Description,
		Status:      StatusPending,
		CreatedAt:   now,
	}
}

func (j ScanJob) IsTerminal() bool {
	return j.Status.Terminal()
}

// Start moves a pending job to running.
func (j *ScanJob) Start(now time.Time) error {
	switch {
	case j.IsTerminal():
		return ErrAlreadyFinished
	case j.Status != StatusPending:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusRunning)
	}
	j.Status = StatusRunning
	j.StartedAt = &now
	return nil
}

// Advance records progress of a running job. Lower values than the current
// progress are ignored, values above 100 are clamped.
func (j *ScanJob) Advance(percent int) error {
	switch {
	case j.IsTerminal():
		return ErrAlreadyFinished
	case j.Status != StatusRunning:
		return fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, j.Status)
	}
	j.Progress = max(j.Progress, min(percent, 100))
	return nil
}

// Complete finishes a running job successfully.
func (j *ScanJob) Complete(now time.Time, result Result) error {
	switch {
	case j.IsTerminal():
		return ErrAlreadyFinished
	case j.Status != StatusRunning:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	j.Status = StatusCompleted
	j.Progress = 100
	j.CompletedAt = &now
	j.Result = &result
	j.ErrorMessage = ""
	return nil
}

// Fail finishes a pending or running job with an error message. A pending job
// fails only when it is never started: aborted in the queue, dropped at
// shutdown or left behind by a crash.
func (j *ScanJob) Fail(now time.Time, msg string) error {
	if j.IsTerminal() {
		return ErrAlreadyFinished
	}
	if msg == "" {
		msg = "unknown failure"
	}
	j.Status = StatusFailed
	j.CompletedAt = &now
	j.Result = nil
	j.ErrorMessage = msg
	return nil
}

// Clone returns a deep copy, so it can be handed over to other goroutines.
func (j ScanJob) Clone() ScanJob {
	ret := j
	ret.Probes = slices.Clone(j.Probes)
	ret.Detectors = slices.Clone(j.Detectors)
	if j.StartedAt != nil {
		t := *j.StartedAt
		ret.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		ret.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Scores = slices.Clone(j.Result.Scores)
		ret.Result = &r
	}
	return ret
}

// Now returns the current UTC time without a monotonic clock reading, so
// values survive a JSON round trip unchanged.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}
