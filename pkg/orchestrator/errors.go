package orchestrator

import (
	"errors"
)

var (
	// ErrBusy is returned by session operations while a turn is in progress.
	ErrBusy = errors.New("a turn is in progress")
	// ErrClosed is returned once Run has exited.
	ErrClosed = errors.New("orchestrator is not running")
	// ErrNoRecognizer is returned by Listen when no speech capture is configured.
	ErrNoRecognizer = errors.New("speech capture is not configured")
	// ErrEmptyPrompt is returned by Submit for blank input.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// ErrorKind classifies turn failures.
type ErrorKind string

const (
	KindCapture  ErrorKind = "capture"
	KindDispatch ErrorKind = "dispatch"
	KindStream   ErrorKind = "stream"
	KindStorage  ErrorKind = "storage"
)

// TurnError describes why a turn ended without a reply.
type TurnError struct {
	Kind   ErrorKind
	Reason string
}

func (e *TurnError) Error() string {
	return string(e.Kind) + " error: " + e.Reason
}
