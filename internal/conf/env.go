// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "DUOREC_DEBUG", validateEnvBool},
		{"recordings.dir", "DUOREC_RECORDINGS_DIR", validateEnvPath},

		{"audio.samplerate", "DUOREC_SAMPLE_RATE", validateEnvSampleRate},
		{"audio.backend", "DUOREC_AUDIO_BACKEND", nil},
		{"audio.microphone.device", "DUOREC_MICROPHONE", nil},

		{"systemaudio.enabled", "DUOREC_SYSTEM_AUDIO", validateEnvBool},
		{"systemaudio.device", "DUOREC_SYSTEM_AUDIO_DEVICE", nil},

		{"merge.ffmpegpath", "DUOREC_FFMPEG", validateEnvPath},
		{"merge.bitrate", "DUOREC_BITRATE", validateEnvBitrate},
		{"merge.timeout", "DUOREC_MERGE_TIMEOUT", validateEnvDuration},

		{"database.path", "DUOREC_DATABASE", validateEnvPath},
		{"logging.default_level", "DUOREC_LOG_LEVEL", validateEnvLogLevel},
		{"telemetry.sentrydsn", "DUOREC_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f", value)
	}
	return nil
}

func validateEnvPath(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("path contains a NUL byte")
	}
	return nil
}

func validateEnvSampleRate(value string) error {
	rate, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid sample rate: %w", err)
	}
	return validateSampleRate(rate)
}

func validateEnvBitrate(value string) error {
	return validateBitrate(strings.TrimSpace(value))
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", d)
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log level must be one of trace, debug, info, warn, error")
	}
}
