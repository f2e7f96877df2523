package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duorec/duorec/internal/errors"
)

// loadIsolated resets viper and points the config search at an empty directory
func loadIsolated(t *testing.T, configFile string) (*Settings, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	return Load(configFile)
}

func TestLoadEmbeddedDefaults(t *testing.T) {
	settings, err := loadIsolated(t, "")
	require.NoError(t, err)

	assert.Equal(t, 44100, settings.Audio.SampleRate)
	assert.Equal(t, 1, settings.Audio.Channels)
	assert.True(t, settings.SystemAudio.Enabled)
	assert.Equal(t, 100*time.Millisecond, settings.Meter.Interval)
	assert.Equal(t, 10, settings.Meter.Window)
	assert.InDelta(t, -60.0, settings.Meter.FloorDB, 0.001)
	assert.Equal(t, 500*time.Millisecond, settings.Session.MinDuration)
	assert.Equal(t, "128k", settings.Merge.Bitrate)
	assert.Equal(t, "info", settings.Logging.DefaultLevel)
	require.NotNil(t, settings.Logging.Console)
	assert.True(t, settings.Logging.Console.Enabled)
	assert.True(t, filepath.IsAbs(settings.Recordings.Dir), "~ should be expanded: %s", settings.Recordings.Dir)
	assert.Same(t, settings, GetSettings())
}

func TestLoadExplicitFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
recordings:
  dir: `+dir+`
meter:
  window: 20
merge:
  bitrate: 96k
`), 0o600))

	t.Setenv("DUOREC_SYSTEM_AUDIO", "false")
	t.Setenv("DUOREC_BITRATE", "192k")

	settings, err := loadIsolated(t, path)
	require.NoError(t, err)

	assert.Equal(t, dir, settings.Recordings.Dir)
	assert.Equal(t, 20, settings.Meter.Window)
	assert.False(t, settings.SystemAudio.Enabled)
	assert.Equal(t, "192k", settings.Merge.Bitrate, "env wins over file")
	assert.Equal(t, 44100, settings.Audio.SampleRate, "unset keys keep defaults")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := loadIsolated(t, filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("DUOREC_SAMPLE_RATE", "12345")
	_, err := loadIsolated(t, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DUOREC_SAMPLE_RATE")
}

func TestValidateSettings(t *testing.T) {
	valid := func() *Settings {
		return &Settings{
			Recordings: RecordingsSettings{Dir: "/tmp/rec"},
			Audio:      AudioSettings{SampleRate: 44100, Channels: 1, RingBufferSeconds: 2},
			Meter:      MeterSettings{Interval: 100 * time.Millisecond, Window: 10, FloorDB: -60},
			Session:    SessionSettings{MinDuration: 500 * time.Millisecond},
			Merge:      MergeSettings{FFmpegPath: "ffmpeg", Bitrate: "128k", SampleRate: 44100, Timeout: time.Minute},
		}
	}

	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantErr bool
	}{
		{"valid", func(s *Settings) {}, false},
		{"empty recordings dir", func(s *Settings) { s.Recordings.Dir = " " }, true},
		{"three channels", func(s *Settings) { s.Audio.Channels = 3 }, true},
		{"odd sample rate", func(s *Settings) { s.Audio.SampleRate = 11111 }, true},
		{"zero window", func(s *Settings) { s.Meter.Window = 0 }, true},
		{"positive floor", func(s *Settings) { s.Meter.FloorDB = 3 }, true},
		{"bad bitrate", func(s *Settings) { s.Merge.Bitrate = "fast" }, true},
		{"metrics without listen", func(s *Settings) { s.Metrics.Enabled = true }, true},
		{"telemetry without dsn", func(s *Settings) { s.Telemetry.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := ValidateSettings(s)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duorec", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "minduration: 500ms")

	require.Error(t, WriteDefaultConfig(path), "existing file must not be overwritten")
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DUOREC_TEST_DIR", "/data")

	assert.Equal(t, filepath.Join(home, "Recordings"), ExpandPath("~/Recordings"))
	assert.Equal(t, filepath.Clean("/data/rec"), ExpandPath("$DUOREC_TEST_DIR/rec/"))
	assert.Empty(t, ExpandPath(""))
}

func TestSettingsToYAML(t *testing.T) {
	settings, err := loadIsolated(t, "")
	require.NoError(t, err)

	data, err := settings.ToYAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "samplerate: 44100")
}
