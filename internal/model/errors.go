package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyFinished   = errors.New("already finished")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBusy              = errors.New("scan queue is full")
	ErrArtifactMissing   = errors.New("report artifact missing")
	ErrTimeout           = errors.New("scan timed out")
	ErrAborted           = errors.New("scan aborted by operator")
	ErrShutdown          = errors.New("server shutting down")
)

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned for requests rejected before any process starts.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// OrNil returns nil if no field was reported.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid scan request: " + strings.Join(parts, "; ")
}

// BusyError is returned when the admission queue is full.
type BusyError struct {
	Queued int
	Limit  int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: %d jobs queued, limit %d", ErrBusy, e.Queued, e.Limit)
}

func (e *BusyError) Unwrap() error {
	return ErrBusy
}

// LaunchError is returned when the scanner executable can't be found or spawned.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ProcessFailure is a non-zero exit of the scanner.
type ProcessFailure struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessFailure) Error() string {
	msg := fmt.Sprintf("scanner exited with code %d", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}
