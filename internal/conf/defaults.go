// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration. Keep in sync with config.yaml.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("recordings.dir", "~/Recordings/duorec")

	viper.SetDefault("audio.samplerate", 44100)
	viper.SetDefault("audio.channels", 1)
	viper.SetDefault("audio.bufferframes", 0)
	viper.SetDefault("audio.ringbufferseconds", 2)
	viper.SetDefault("audio.backend", "")
	viper.SetDefault("audio.microphone.device", "default")

	viper.SetDefault("systemaudio.enabled", true)
	viper.SetDefault("systemaudio.device", "")
	viper.SetDefault("systemaudio.cachettl", 30*time.Second)

	viper.SetDefault("meter.interval", 100*time.Millisecond)
	viper.SetDefault("meter.window", 10)
	viper.SetDefault("meter.floordb", -60.0)

	viper.SetDefault("session.minduration", 500*time.Millisecond)

	viper.SetDefault("merge.ffmpegpath", "ffmpeg")
	viper.SetDefault("merge.bitrate", "128k")
	viper.SetDefault("merge.samplerate", 44100)
	viper.SetDefault("merge.timeout", 10*time.Minute)

	viper.SetDefault("database.path", "~/Recordings/duorec/recordings.db")

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/duorec.log")
	viper.SetDefault("logging.file_output.max_size", 20)
	viper.SetDefault("logging.file_output.max_age", 30)
	viper.SetDefault("logging.file_output.max_backups", 5)
	viper.SetDefault("logging.file_output.compress", false)
	viper.SetDefault("logging.file_output.level", "debug")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.sentrydsn", "")

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", "127.0.0.1:9464")
}
