package devices

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/audiocore/sources/malgo"
	"github.com/duorec/duorec/internal/conf"
)

// probeTimeout bounds the loopback probe run by this command
const probeTimeout = 10 * time.Second

// Command creates the devices command
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List capture devices and check system audio support",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()

			prober := malgo.NewProber(malgo.ProberOptions{
				Backend: settings.Audio.Backend,
				Device:  settings.SystemAudio.Device,
			})
			return report(ctx, cmd.OutOrStdout(), settings, malgo.EnumerateDevices, prober)
		},
	}

	cmd.Flags().StringVar(&settings.Audio.Backend, "backend", viper.GetString("audio.backend"), "Audio backend (alsa, pulseaudio, wasapi, coreaudio)")
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

type enumerator func(backend string, kind audiocore.SourceKind) ([]malgo.DeviceInfo, error)

func report(ctx context.Context, out io.Writer, settings *conf.Settings, enumerate enumerator, prober audiocore.Prober) error {
	mics, err := enumerate(settings.Audio.Backend, audiocore.KindMicrophone)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Capture devices:")
	printDevices(out, mics, settings.Audio.Microphone.Device)

	if !settings.SystemAudio.Enabled {
		fmt.Fprintln(out, "\nSystem audio: disabled in configuration")
		return nil
	}

	availability := prober.Probe(ctx)
	fmt.Fprintf(out, "\nSystem audio: %s\n", availability)

	if availability == audiocore.Available {
		// Loopback may use another backend than the microphone
		if loopback, err := enumerate(settings.Audio.Backend, audiocore.KindSystemLoopback); err == nil {
			var monitors []malgo.DeviceInfo
			for _, d := range loopback {
				if d.Monitor {
					monitors = append(monitors, d)
				}
			}
			if len(monitors) > 0 {
				fmt.Fprintln(out, "Loopback devices:")
				printDevices(out, monitors, settings.SystemAudio.Device)
			}
		}
	}
	return nil
}

func printDevices(out io.Writer, devices []malgo.DeviceInfo, selected string) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, d := range devices {
		marker := " "
		switch {
		case selected != "" && (d.Name == selected || d.ID == selected):
			marker = "*"
		case d.IsDefault:
			marker = "d"
		}
		fmt.Fprintf(w, "  %s\t%d\t%s\t%s\n", marker, d.Index, d.Name, d.ID)
	}
	_ = w.Flush()
}
