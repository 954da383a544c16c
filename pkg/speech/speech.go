package speech

import (
	"context"
	"errors"
)

var (
	// ErrNoSpeech is returned by a Recognizer that heard nothing usable.
	ErrNoSpeech = errors.New("no speech recognized")
	// ErrShutdown is returned by a Speaker after Shutdown.
	ErrShutdown = errors.New("speaker is shut down")
)

// WakeDetector listens continuously for the wake phrase.
type WakeDetector interface {
	// Name identifies the detector in logs.
	Name() string

	// Run blocks until ctx is done, calling onTrigger at most once per detection.
	// Delivery is best-effort; onTrigger must not block.
	Run(ctx context.Context, onTrigger func()) error
}

// Recognizer performs one bounded speech capture.
type Recognizer interface {
	// Capture records one utterance and returns its transcript.
	// It returns ErrNoSpeech when nothing was recognized.
	Capture(ctx context.Context) (string, error)
}

// Speaker renders text as audio.
type Speaker interface {
	// Speak preempts any utterance in progress and returns once text has been spoken,
	// was preempted by a later call, or ctx ended.
	Speak(ctx context.Context, text string) error

	// Shutdown stops any utterance and releases resources. It is idempotent.
	Shutdown() error
}
