// Package recorder assembles recording sessions from settings: capture
// devices, the merge engine, the recordings directory, the index database
// and metrics.
package recorder

import (
	"context"
	"time"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/audiocore/merge"
	"github.com/duorec/duorec/internal/audiocore/session"
	"github.com/duorec/duorec/internal/audiocore/sources/malgo"
	"github.com/duorec/duorec/internal/conf"
	"github.com/duorec/duorec/internal/datastore"
	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/observability"
	"github.com/duorec/duorec/internal/recordings"
)

const componentRecorder = "recorder"

// DefaultSweepAge is how old an unindexed file must be before startup removes it
const DefaultSweepAge = 24 * time.Hour

// Options overrides the devices and collaborators built from settings
type Options struct {
	Logger logger.Logger

	Microphone audiocore.DeviceOpener
	System     audiocore.DeviceOpener
	Prober     audiocore.Prober
	Runner     merge.Runner
	Clock      session.Clock
}

// Recorder owns the long-lived resources shared by all sessions
type Recorder struct {
	settings *conf.Settings
	log      logger.Logger

	dir     *recordings.Dir
	store   *datastore.Store
	metrics *observability.Metrics
	engine  *merge.Engine
	clock   session.Clock

	mic    audiocore.DeviceOpener
	system audiocore.DeviceOpener
	prober audiocore.Prober
}

// New prepares the recordings directory and database and builds the device
// openers. The caller must Close the returned Recorder.
func New(settings *conf.Settings, opts Options) (*Recorder, error) {
	if settings == nil {
		return nil, errors.Newf("settings are required").
			Component(componentRecorder).
			Category(errors.CategoryValidation).
			Build()
	}

	log := opts.Logger
	if log == nil {
		log = logger.Global().Module(componentRecorder)
	}

	dir := recordings.New(conf.ExpandPath(settings.Recordings.Dir), log.Module("recordings"))
	if err := dir.Ensure(); err != nil {
		return nil, err
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, errors.New(err).
			Component(componentRecorder).
			Category(errors.CategorySystem).
			Context("operation", "init_metrics").
			Build()
	}

	store, err := datastore.Open(conf.ExpandPath(settings.Database.Path), log.Module("datastore"))
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = session.SystemClock{}
	}

	r := &Recorder{
		settings: settings,
		log:      log,
		dir:      dir,
		store:    store,
		metrics:  metrics,
		clock:    clock,
		engine: merge.NewEngine(merge.Options{
			FFmpegPath: settings.Merge.FFmpegPath,
			Bitrate:    settings.Merge.Bitrate,
			SampleRate: settings.Merge.SampleRate,
			Timeout:    settings.Merge.Timeout,
			Dir:        dir,
			Runner:     opts.Runner,
			Logger:     log.Module("merge"),
			Metrics:    metrics.Recording,
			Now:        clock.Now,
		}),
		mic:    opts.Microphone,
		system: opts.System,
		prober: opts.Prober,
	}

	if r.mic == nil {
		r.mic = malgo.NewMicrophoneOpener(settings.Audio.Backend, settings.Audio.Microphone.Device,
			settings.Audio.BufferFrames, log.Module("malgo"))
	}

	if !settings.SystemAudio.Enabled {
		r.system, r.prober = nil, nil
		return r, nil
	}
	if r.system == nil {
		r.system = malgo.NewLoopbackOpener(settings.Audio.Backend, settings.SystemAudio.Device,
			settings.Audio.BufferFrames, log.Module("malgo"))
	}
	if r.prober == nil {
		r.prober = malgo.NewProber(malgo.ProberOptions{
			Backend:  settings.Audio.Backend,
			Device:   settings.SystemAudio.Device,
			CacheTTL: settings.SystemAudio.CacheTTL,
			Logger:   log.Module("probe"),
		})
	}
	return r, nil
}

func (r *Recorder) Dir() *recordings.Dir            { return r.dir }
func (r *Recorder) Store() *datastore.Store         { return r.store }
func (r *Recorder) Metrics() *observability.Metrics { return r.metrics }
func (r *Recorder) Engine() *merge.Engine           { return r.engine }

// SystemAudioEnabled reports whether sessions will try the loopback source
func (r *Recorder) SystemAudioEnabled() bool { return r.system != nil }

// NewSession creates an idle session using the configured devices
func (r *Recorder) NewSession() (*session.Session, error) {
	audio := r.settings.Audio
	return session.New(session.Options{
		Dir: r.dir,
		Format: audiocore.AudioFormat{
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			BitDepth:   16,
		},
		Microphone:        r.mic,
		System:            r.system,
		Prober:            r.prober,
		Merger:            r.engine,
		Clock:             r.clock,
		MinDuration:       r.settings.Session.MinDuration,
		MeterInterval:     r.settings.Meter.Interval,
		MeterWindow:       r.settings.Meter.Window,
		MeterFloorDB:      r.settings.Meter.FloorDB,
		RingBufferSeconds: audio.RingBufferSeconds,
		Logger:            r.log.Module("session"),
		Metrics:           r.metrics.Recording,
	})
}

// Finish stops the session, indexes its output and removes the intermediates.
// The session is cleaned up even when indexing fails; the output file stays.
func (r *Recorder) Finish(ctx context.Context, sess *session.Session) (*datastore.Recording, error) {
	out, err := sess.Stop(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Cleanup()

	rec, err := r.store.SaveRecording(ctx, *out, r.clock.Now())
	if err != nil {
		r.log.Warn("recording finished but could not be indexed",
			logger.String("path", out.Path),
			logger.Error(err))
		return nil, err
	}
	return rec, nil
}

// Sweep removes leftover files older than maxAge that no indexed recording
// refers to, then drops index rows whose file has disappeared.
func (r *Recorder) Sweep(ctx context.Context, maxAge time.Duration) (removed, pruned int, err error) {
	recs, err := r.store.ListRecordings(ctx, 0)
	if err != nil {
		return 0, 0, err
	}
	keep := make([]string, 0, len(recs))
	for i := range recs {
		keep = append(keep, recs[i].Path)
	}

	removed, err = r.dir.Sweep(maxAge, r.clock.Now(), keep)
	if err != nil {
		return removed, 0, err
	}

	pruned, err = r.store.PruneMissing(ctx)
	if err != nil {
		return removed, pruned, err
	}

	if removed > 0 || pruned > 0 {
		r.log.Info("recordings directory swept",
			logger.Int("files_removed", removed),
			logger.Int("rows_pruned", pruned))
	}
	return removed, pruned, nil
}

// StartMetricsEndpoint serves metrics until ctx is cancelled when enabled in
// settings. The returned endpoint is nil when metrics are disabled.
func (r *Recorder) StartMetricsEndpoint(ctx context.Context) (*observability.Endpoint, error) {
	if !r.settings.Metrics.Enabled {
		return nil, nil
	}
	endpoint := observability.NewEndpoint(r.settings.Metrics.Listen, r.metrics)
	if err := endpoint.Start(ctx); err != nil {
		return nil, err
	}
	return endpoint, nil
}

// Close releases the database
func (r *Recorder) Close() error {
	return r.store.Close()
}
