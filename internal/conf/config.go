// Package conf loads duorec settings from the embedded defaults, an optional
// config.yaml, and DUOREC_* environment variables.
package conf

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings is the root of the configuration tree
type Settings struct {
	Debug bool `yaml:"debug"`

	Recordings  RecordingsSettings   `yaml:"recordings"`
	Audio       AudioSettings        `yaml:"audio"`
	SystemAudio SystemAudioSettings  `yaml:"systemaudio"`
	Meter       MeterSettings        `yaml:"meter"`
	Session     SessionSettings      `yaml:"session"`
	Merge       MergeSettings        `yaml:"merge"`
	Database    DatabaseSettings     `yaml:"database"`
	Logging     logger.LoggingConfig `yaml:"logging"`
	Telemetry   TelemetrySettings    `yaml:"telemetry"`
	Metrics     MetricsSettings      `yaml:"metrics"`
}

// RecordingsSettings controls where recordings and intermediates are written
type RecordingsSettings struct {
	Dir string `yaml:"dir"` // managed recordings directory, ~ and $VARS are expanded
}

// AudioSettings describes the PCM format captured from every source
type AudioSettings struct {
	SampleRate        int             `yaml:"samplerate"`        // Hz
	Channels          int             `yaml:"channels"`          // 1 or 2
	BufferFrames      int             `yaml:"bufferframes"`      // device period size, 0 lets the backend pick
	RingBufferSeconds int             `yaml:"ringbufferseconds"` // callback to writer hand-off capacity
	Backend           string          `yaml:"backend"`           // empty selects the platform default
	Microphone        DeviceSelection `yaml:"microphone"`
}

// DeviceSelection names a capture device; empty or "default" selects the system default
type DeviceSelection struct {
	Device string `yaml:"device"`
}

// SystemAudioSettings controls the optional loopback source
type SystemAudioSettings struct {
	Enabled  bool          `yaml:"enabled"`
	Device   string        `yaml:"device"`   // loopback/monitor device name, empty auto-detects
	CacheTTL time.Duration `yaml:"cachettl"` // device enumeration cache lifetime
}

// MeterSettings controls level metering
type MeterSettings struct {
	Interval time.Duration `yaml:"interval"`
	Window   int           `yaml:"window"`
	FloorDB  float64       `yaml:"floordb"` // level mapped to 0
}

// SessionSettings holds recording session limits
type SessionSettings struct {
	MinDuration time.Duration `yaml:"minduration"`
}

// MergeSettings configures the ffmpeg based merge
type MergeSettings struct {
	FFmpegPath string        `yaml:"ffmpegpath"`
	Bitrate    string        `yaml:"bitrate"`
	SampleRate int           `yaml:"samplerate"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DatabaseSettings configures the recordings index
type DatabaseSettings struct {
	Path string `yaml:"path"`
}

// TelemetrySettings configures optional Sentry error reporting
type TelemetrySettings struct {
	Enabled   bool   `yaml:"enabled"`
	SentryDSN string `yaml:"sentrydsn"`
}

// MetricsSettings configures the optional Prometheus listener
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration into a new Settings and stores it as the current instance.
// An explicit configFile must exist; otherwise the default config paths are searched
// and the embedded defaults are used when nothing is found.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_config").
			Build()
	}

	settings.Recordings.Dir = ExpandPath(settings.Recordings.Dir)
	settings.Database.Path = ExpandPath(settings.Database.Path)
	if settings.Logging.FileOutput != nil {
		settings.Logging.FileOutput.Path = ExpandPath(settings.Logging.FileOutput.Path)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper registers defaults and env bindings, then reads the config file.
func initViper(configFile string) error {
	viper.SetConfigType("yaml")
	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "bind_env").
			Build()
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
				Category(errors.CategoryConfiguration).
				FileContext(configFile, 0).
				Build()
		}
		return nil
	}

	if found, err := FindConfigFile(); err == nil {
		viper.SetConfigFile(found)
		return viper.ReadInConfig()
	}

	// No user config: read the embedded defaults so the yaml and SetDefault agree
	return viper.ReadConfig(bytes.NewReader(getDefaultConfig()))
}

// getDefaultConfig returns the embedded default config.yaml
func getDefaultConfig() []byte {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// embedded at build time, cannot be missing
		panic(fmt.Sprintf("reading embedded config: %v", err))
	}
	return data
}

// WriteDefaultConfig writes the embedded defaults to path unless a file already exists.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file already exists").
			Category(errors.CategoryConfiguration).
			Context("operation", "write_default_config").
			Build()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.FileError(fmt.Errorf("error creating directories for config file: %w", err), path, 0)
	}
	if err := os.WriteFile(path, getDefaultConfig(), 0o644); err != nil {
		return errors.FileError(fmt.Errorf("error writing default config file: %w", err), path, 0)
	}
	return nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// ToYAML renders the effective settings, e.g. for `duorec config show`
func (s *Settings) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return data, nil
}
