package audiocore

import (
	"github.com/duorec/duorec/internal/errors"
)

// ComponentAudioCore is the component name attached to audiocore errors
const ComponentAudioCore = "audiocore"

// Sentinels matched with errors.Is. Returned errors wrap them inside an
// EnhancedError carrying category and context.
var (
	// ErrSourceUnavailable is returned when a source cannot run on this system
	ErrSourceUnavailable = errors.NewStd("audio source unavailable")

	// ErrPermissionDenied is returned when capture permission was refused
	ErrPermissionDenied = errors.NewStd("audio capture permission denied")

	// ErrSourceNotRunning is returned by operations that need a started source
	ErrSourceNotRunning = errors.NewStd("audio source not running")

	// ErrSourceAlreadyStarted is returned when Start is called twice
	ErrSourceAlreadyStarted = errors.NewStd("audio source already started")

	// ErrDeviceNotFound is returned when no capture device matches the selection
	ErrDeviceNotFound = errors.NewStd("audio device not found")
)

// UnavailableError wraps ErrSourceUnavailable or ErrPermissionDenied according to availability
func UnavailableError(kind SourceKind, availability Availability) error {
	sentinel := ErrSourceUnavailable
	category := errors.CategoryCapture
	if availability == Denied {
		sentinel = ErrPermissionDenied
		category = errors.CategoryPermission
	}
	return errors.New(sentinel).
		Component(ComponentAudioCore).
		Category(category).
		Context("source", kind.String()).
		Context("availability", availability.String()).
		Build()
}
