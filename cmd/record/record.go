package record

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/duorec/duorec/internal/conf"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/recorder"
)

// Command creates the record command
func Command(settings *conf.Settings) *cobra.Command {
	var (
		maxDuration   time.Duration
		noSystemAudio bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record microphone and system audio",
		Long: `Record the microphone and, when available, system audio into one file.

While recording type a command and press enter:
  p  pause
  r  resume
  s  stop and save
  c  cancel and discard

Ctrl-C saves the recording once it is long enough and discards it otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noSystemAudio {
				settings.SystemAudio.Enabled = false
			}
			rec, err := recorder.New(settings, recorder.Options{})
			if err != nil {
				return err
			}
			defer func() {
				if err := rec.Close(); err != nil {
					logger.Global().Module("record").Warn("failed to close recorder", logger.Error(err))
				}
			}()

			return run(cmd.Context(), rec, os.Stdin, cmd.OutOrStdout(), maxDuration)
		},
	}

	// Set up flags specific to the 'record' command
	cmd.Flags().BoolVar(&noSystemAudio, "no-system-audio", false, "Record the microphone only")
	if err := setupFlags(cmd, settings, &maxDuration); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the record command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings, maxDuration *time.Duration) error {
	cmd.Flags().DurationVar(maxDuration, "duration", 0, "Stop and save automatically after this long (0 records until stopped)")
	cmd.Flags().StringVar(&settings.Audio.Microphone.Device, "mic", viper.GetString("audio.microphone.device"), "Microphone device name or ID")
	cmd.Flags().StringVar(&settings.SystemAudio.Device, "system-device", viper.GetString("systemaudio.device"), "Loopback device name or ID")
	cmd.Flags().StringVar(&settings.Audio.Backend, "backend", viper.GetString("audio.backend"), "Audio backend (alsa, pulseaudio, wasapi, coreaudio)")
	cmd.Flags().BoolVar(&settings.Metrics.Enabled, "metrics", viper.GetBool("metrics.enabled"), "Serve Prometheus metrics while recording")
	cmd.Flags().StringVar(&settings.Metrics.Listen, "listen", viper.GetString("metrics.listen"), "Listen address of the metrics endpoint")

	// Bind flags to the viper settings
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %v", err)
	}

	return nil
}
