package session

import (
	"time"

	"github.com/duorec/duorec/internal/errors"
)

const componentSession = "session"

var (
	// ErrTooShort is returned by Stop before the minimum duration was recorded
	ErrTooShort = errors.NewStd("recording too short to stop")

	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.NewStd("operation not allowed in current session state")

	// ErrCancelled is returned to callers waiting on a session that was cancelled
	ErrCancelled = errors.NewStd("recording session cancelled")

	// ErrNoOutput is returned when the microphone produced no usable audio
	ErrNoOutput = errors.NewStd("recording produced no audio")
)

func tooShortError(elapsed, minimum time.Duration) error {
	return errors.New(ErrTooShort).
		Component(componentSession).
		Category(errors.CategoryValidation).
		Context("elapsed_ms", elapsed.Milliseconds()).
		Context("min_duration_ms", minimum.Milliseconds()).
		Build()
}

func invalidStateError(state State, operation string) error {
	return errors.New(ErrInvalidState).
		Component(componentSession).
		Category(errors.CategoryState).
		Context("state", state.String()).
		Context("operation", operation).
		Build()
}

func cancelledError() error {
	return errors.New(ErrCancelled).
		Component(componentSession).
		Category(errors.CategoryCancellation).
		Build()
}

func noOutputError(cause error) error {
	err := ErrNoOutput
	if cause != nil {
		err = errors.Join(ErrNoOutput, cause)
	}
	return errors.New(err).
		Component(componentSession).
		Category(errors.CategoryCapture).
		Context("operation", "finalize_session").
		Build()
}

func invalidOptionError(msg string) error {
	return errors.Newf("session: %s", msg).
		Component(componentSession).
		Category(errors.CategoryValidation).
		Build()
}
