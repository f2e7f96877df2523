package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/audiocore/merge"
	"github.com/duorec/duorec/internal/conf"
	"github.com/duorec/duorec/internal/datastore"
	"github.com/duorec/duorec/internal/logger"
)

// Command creates the merge command for combining existing captures
func Command(settings *conf.Settings) *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "merge <microphone.wav> [system.wav]",
		Short: "Merge a microphone capture with a system audio capture",
		Long: `Align both files at their start, pad the shorter one with silence and
encode the mix next to the microphone file. Without a system file the
microphone file is reported as is.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := merge.NewEngine(merge.Options{
				FFmpegPath: settings.Merge.FFmpegPath,
				Bitrate:    settings.Merge.Bitrate,
				SampleRate: settings.Merge.SampleRate,
				Timeout:    settings.Merge.Timeout,
			})

			var store *datastore.Store
			if save {
				var err error
				store, err = datastore.Open(conf.ExpandPath(settings.Database.Path), nil)
				if err != nil {
					return err
				}
				defer func() {
					if err := store.Close(); err != nil {
						logger.Global().Module("merge").Warn("failed to close database", logger.Error(err))
					}
				}()
			}

			system := ""
			if len(args) == 2 {
				system = args[1]
			}
			return mergeFiles(cmd.Context(), cmd.OutOrStdout(), engine, store, args[0], system)
		},
	}

	cmd.Flags().BoolVar(&save, "save", false, "Add the result to the recordings index")
	cmd.Flags().StringVar(&settings.Merge.FFmpegPath, "ffmpeg", viper.GetString("merge.ffmpegpath"), "Path to the ffmpeg executable")
	cmd.Flags().StringVar(&settings.Merge.Bitrate, "bitrate", viper.GetString("merge.bitrate"), "AAC bitrate of the merged file")
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

type merger interface {
	Merge(ctx context.Context, primary, secondary string) (audiocore.MergeOutput, error)
}

// mergeFiles merges and optionally indexes the result when store is set
func mergeFiles(ctx context.Context, out io.Writer, engine merger, store *datastore.Store, mic, system string) error {
	result, err := engine.Merge(ctx, mic, system)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s (%s", result.Path, result.Duration.Round(time.Millisecond))
	if result.IncludesSystemAudio {
		fmt.Fprint(out, ", with system audio")
	}
	fmt.Fprintln(out, ")")

	if store == nil {
		return nil
	}
	rec, err := store.SaveRecording(ctx, result, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "indexed as %s\n", rec.UUID)
	return nil
}
