// Package merge combines the microphone and system audio files of a session
// into one output aligned at time zero.
//
// Both inputs start at the same origin. ffmpeg's amix filter with
// duration=longest pads the shorter input with silence, so the output is as
// long as the longer input. With a single input no transcoding happens and
// the input itself is the output.
package merge

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/recordings"
)

const componentMerge = "merge"

// Defaults applied to zero Options fields
const (
	DefaultFFmpegPath = "ffmpeg"
	DefaultBitrate    = "128k"
	DefaultSampleRate = 44100
	DefaultTimeout    = 10 * time.Minute
	OutputExt         = ".m4a"
)

// ErrNoAudioTrack is returned when an input has no readable audio
var ErrNoAudioTrack = errors.NewStd("input has no audio track")

// Outcomes reported to Metrics
const (
	OutcomeMerged      = "merged"
	OutcomePassthrough = "passthrough"
	OutcomeError       = "error"
	OutcomeCancelled   = "cancelled"
)

// Metrics receives merge counters. A nil Metrics disables reporting.
type Metrics interface {
	RecordMerge(outcome string, duration time.Duration)
	RecordFallback(reason string)
}

// Options configures an Engine
type Options struct {
	FFmpegPath string
	Bitrate    string
	SampleRate int
	Timeout    time.Duration

	// Dir names and owns merged outputs; nil writes next to the primary input
	Dir     *recordings.Dir
	Runner  Runner
	Logger  logger.Logger
	Metrics Metrics
	Now     func() time.Time
}

// Engine merges finished capture files
type Engine struct {
	opts Options
	log  logger.Logger
}

// NewEngine returns an Engine with defaults applied
func NewEngine(opts Options) *Engine {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = DefaultFFmpegPath
	}
	if opts.Bitrate == "" {
		opts.Bitrate = DefaultBitrate
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("audio")
	}
	return &Engine{opts: opts, log: log.Module(componentMerge)}
}

// Merge combines primary and secondary. An empty secondary yields a
// passthrough output referencing primary.
func (e *Engine) Merge(ctx context.Context, primary, secondary string) (audiocore.MergeOutput, error) {
	start := time.Now()

	if secondary == "" {
		track, err := LoadTrack(primary)
		if err != nil {
			e.recordMerge(OutcomeError, start)
			return audiocore.MergeOutput{}, e.wrap(err, "load_primary", primary)
		}
		e.recordMerge(OutcomePassthrough, start)
		return audiocore.MergeOutput{Path: primary, Duration: track.Duration}, nil
	}

	tracks, err := e.loadTracks(ctx, primary, secondary)
	if err != nil {
		e.recordMerge(OutcomeError, start)
		return audiocore.MergeOutput{}, err
	}

	duration := max(tracks[0].Duration, tracks[1].Duration)
	output, err := e.export(ctx, tracks, duration)
	if err != nil {
		if ctx.Err() != nil {
			e.recordMerge(OutcomeCancelled, start)
		} else {
			e.recordMerge(OutcomeError, start)
		}
		return audiocore.MergeOutput{}, err
	}

	e.recordMerge(OutcomeMerged, start)
	e.log.Info("merged recording",
		logger.String("output", output),
		logger.Duration("duration", duration),
		logger.Duration("primary_duration", tracks[0].Duration),
		logger.Duration("secondary_duration", tracks[1].Duration),
		logger.Duration("elapsed", time.Since(start)))

	return audiocore.MergeOutput{Path: output, Duration: duration, IncludesSystemAudio: true}, nil
}

// MergeOrFallback runs Merge and falls back to a passthrough of primary on
// any failure except cancellation. Fallback outputs never include system audio.
func (e *Engine) MergeOrFallback(ctx context.Context, primary, secondary string) (audiocore.MergeOutput, error) {
	out, err := e.Merge(ctx, primary, secondary)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return audiocore.MergeOutput{}, err
	}
	if secondary == "" {
		// nothing to fall back to
		return audiocore.MergeOutput{}, err
	}

	e.log.Warn("merge failed, using microphone recording only", logger.Error(err))
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordFallback(fallbackReason(err))
	}

	track, loadErr := LoadTrack(primary)
	if loadErr != nil {
		return audiocore.MergeOutput{}, e.wrap(loadErr, "load_primary", primary)
	}
	return audiocore.MergeOutput{Path: primary, Duration: track.Duration}, nil
}

// loadTracks reads both headers concurrently
func (e *Engine) loadTracks(ctx context.Context, primary, secondary string) ([2]Track, error) {
	var tracks [2]Track
	g, _ := errgroup.WithContext(ctx)

	for i, path := range [2]string{primary, secondary} {
		g.Go(func() error {
			track, err := LoadTrack(path)
			if err != nil {
				operation := "load_primary"
				if i == 1 {
					operation = "load_secondary"
				}
				return e.wrap(err, operation, path)
			}
			tracks[i] = track
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return tracks, err
	}
	return tracks, nil
}

// export runs ffmpeg into a temporary file and renames it into place
func (e *Engine) export(ctx context.Context, tracks [2]Track, duration time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", e.cancelled(err, "before_export")
	}

	dir := e.opts.Dir
	if dir == nil {
		dir = recordings.New(filepath.Dir(tracks[0].Path), e.log)
	}
	if err := dir.Ensure(); err != nil {
		return "", err
	}

	output := dir.NewPath(recordings.KindMerged, OutputExt, e.opts.Now())
	tempPath := output + recordings.TempExt

	exportCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	args := e.buildArgs(tracks, duration, tempPath)
	e.log.Debug("running ffmpeg", logger.Any("args", args))

	exportStart := time.Now()
	if err := e.opts.Runner.Run(exportCtx, e.opts.FFmpegPath, args); err != nil {
		dir.Remove(tempPath)
		if ctx.Err() != nil {
			return "", e.cancelled(ctx.Err(), "export")
		}
		category := errors.CategoryMerge
		if exportCtx.Err() == context.DeadlineExceeded {
			category = errors.CategoryTimeout
		}
		b := errors.New(err).
			Component(componentMerge).
			Category(category).
			Timing("export_composite", time.Since(exportStart)).
			Context("output", output)
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			b = b.Context("stderr", cmdErr.Stderr)
		}
		return "", b.Build()
	}

	if err := ctx.Err(); err != nil {
		dir.Remove(tempPath)
		return "", e.cancelled(err, "after_export")
	}

	if err := os.Rename(tempPath, output); err != nil {
		dir.Remove(tempPath)
		return "", errors.New(err).
			Component(componentMerge).
			Category(errors.CategoryFileIO).
			Context("operation", "finalize_output").
			FileContext(output, 0).
			Build()
	}
	return output, nil
}

// buildArgs places both inputs at t=0, pads to the longer one and encodes AAC in MP4
func (e *Engine) buildArgs(tracks [2]Track, duration time.Duration, outputPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", tracks[0].Path,
		"-i", tracks[1].Path,
		"-filter_complex", "[0:a][1:a]amix=inputs=2:duration=longest:dropout_transition=0:normalize=0[a]",
		"-map", "[a]",
		"-t", strconv.FormatFloat(duration.Seconds(), 'f', 3, 64),
		"-c:a", "aac",
		"-b:a", e.opts.Bitrate,
		"-ar", strconv.Itoa(e.opts.SampleRate),
		"-movflags", "+faststart",
		"-f", "mp4",
		"-y",
		outputPath,
	}
}

func (e *Engine) wrap(err error, operation, path string) error {
	return errors.New(err).
		Component(componentMerge).
		Category(errors.CategoryMerge).
		Context("operation", operation).
		FileContext(path, 0).
		Build()
}

func (e *Engine) cancelled(err error, operation string) error {
	return errors.New(err).
		Component(componentMerge).
		Category(errors.CategoryCancellation).
		Context("operation", operation).
		Build()
}

func (e *Engine) recordMerge(outcome string, start time.Time) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordMerge(outcome, time.Since(start))
	}
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrNoAudioTrack):
		return "no_audio_track"
	case errors.IsCategory(err, errors.CategoryTimeout):
		return "timeout"
	case errors.IsCategory(err, errors.CategoryFileIO):
		return "file_io"
	default:
		return "export_failed"
	}
}
