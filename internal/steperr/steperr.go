// Package steperr classifies pipeline step failures by the stage that
// produced them, so callers and logs can tell a bad input apart from a
// failing handler or a dropped event.
package steperr

import (
	"errors"
	"fmt"
)

// Stage names the part of a step invocation that failed.
type Stage string

const (
	// StageNormalize: the raw invocation could not be turned into a
	// StandardEvent (unreadable offloaded payload, unwrap depth exceeded).
	StageNormalize Stage = "normalize"
	// StageHandler: the business handler failed on every attempt.
	StageHandler Stage = "handler"
	// StageFormat: the output envelope could not be built or offloaded.
	StageFormat Stage = "format"
	// StageEnrichment: an asset lookup failed. Never fatal.
	StageEnrichment Stage = "enrichment"
	// StagePublish: the output event was not delivered. Never fatal.
	StagePublish Stage = "publish"
)

// Fatal reports whether failures in this stage abort the invocation.
func (s Stage) Fatal() bool {
	switch s {
	case StageNormalize, StageHandler, StageFormat:
		return true
	}
	return false
}

// StepError wraps an error with the stage it came from.
type StepError struct {
	Stage    Stage
	Attempts int
	Err      error
}

// New wraps err with stage. It returns nil for a nil err.
func New(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Stage: stage, Err: err}
}

// Handler wraps a handler error together with the number of attempts made.
func Handler(attempts int, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Stage: StageHandler, Attempts: attempts, Err: err}
}

func (e *StepError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StageOf returns the stage of the first StepError in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
