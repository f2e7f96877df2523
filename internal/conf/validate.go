// conf/validate.go

package conf

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/duorec/duorec/internal/errors"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ErrorCategory lets the errors package pick up the category automatically
func (ve ValidationError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryValidation
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	collect := func(err error) {
		if err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	collect(validateRecordingsSettings(&settings.Recordings))
	collect(validateAudioSettings(&settings.Audio))
	collect(validateMeterSettings(&settings.Meter))
	collect(validateSessionSettings(&settings.Session))
	collect(validateMergeSettings(&settings.Merge))

	if settings.Metrics.Enabled && settings.Metrics.Listen == "" {
		ve.Errors = append(ve.Errors, "metrics listen address is required when metrics are enabled")
	}
	if settings.Telemetry.Enabled && settings.Telemetry.SentryDSN == "" {
		ve.Errors = append(ve.Errors, "sentry DSN is required when telemetry is enabled")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("error_count", len(ve.Errors)).
			Build()
	}

	return nil
}

func validateRecordingsSettings(s *RecordingsSettings) error {
	if strings.TrimSpace(s.Dir) == "" {
		return fmt.Errorf("recordings directory must be set")
	}
	return nil
}

func validateAudioSettings(s *AudioSettings) error {
	if err := validateSampleRate(s.SampleRate); err != nil {
		return err
	}
	if s.Channels != 1 && s.Channels != 2 {
		return fmt.Errorf("audio channels must be 1 or 2, got %d", s.Channels)
	}
	if s.BufferFrames < 0 {
		return fmt.Errorf("audio buffer frames cannot be negative")
	}
	if s.RingBufferSeconds < 1 || s.RingBufferSeconds > 30 {
		return fmt.Errorf("ring buffer must hold between 1 and 30 seconds, got %d", s.RingBufferSeconds)
	}
	return nil
}

func validateSampleRate(rate int) error {
	switch rate {
	case 16000, 22050, 24000, 32000, 44100, 48000:
		return nil
	default:
		return fmt.Errorf("unsupported sample rate %d", rate)
	}
}

func validateMeterSettings(s *MeterSettings) error {
	if s.Interval < 10*time.Millisecond || s.Interval > time.Second {
		return fmt.Errorf("meter interval must be between 10ms and 1s, got %s", s.Interval)
	}
	if s.Window < 1 {
		return fmt.Errorf("meter window must hold at least one sample")
	}
	if s.FloorDB >= 0 {
		return fmt.Errorf("meter floor must be below 0 dB, got %g", s.FloorDB)
	}
	return nil
}

func validateSessionSettings(s *SessionSettings) error {
	if s.MinDuration < 0 {
		return fmt.Errorf("minimum session duration cannot be negative")
	}
	return nil
}

var bitratePattern = regexp.MustCompile(`^[1-9][0-9]{1,2}k$`)

func validateBitrate(bitrate string) error {
	if !bitratePattern.MatchString(bitrate) {
		return fmt.Errorf("bitrate must look like '128k', got '%s'", bitrate)
	}
	return nil
}

func validateMergeSettings(s *MergeSettings) error {
	if s.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg path must be set")
	}
	if err := validateBitrate(s.Bitrate); err != nil {
		return err
	}
	if err := validateSampleRate(s.SampleRate); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("merge timeout must be positive")
	}
	return nil
}
