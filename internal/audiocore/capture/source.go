// Package capture records one audio input into a 16-bit PCM WAV file.
//
// The device callback never blocks: it copies PCM into a ring buffer and
// updates the instantaneous level. A writer goroutine drains the ring buffer
// into the WAV encoder. Frames arriving while paused are discarded, so the
// file duration is the captured (unpaused) time.
package capture

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
	"github.com/smallnest/ringbuffer"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/audiocore/meter"
	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
)

const componentCapture = "capture"

// DefaultRingBufferSeconds is used when Options.RingBufferSeconds is zero
const DefaultRingBufferSeconds = 2

// Metrics receives capture counters. A nil Metrics disables reporting.
type Metrics interface {
	RecordOverrun(kind string, droppedBytes int)
	RecordSourceError(kind, operation string)
}

// Options configures a Source
type Options struct {
	Kind   audiocore.SourceKind
	Path   string // output WAV file, owned by the source until handed off
	Format audiocore.AudioFormat
	Opener audiocore.DeviceOpener

	// Prober gates Start for the system loopback source; nil means always available
	Prober audiocore.Prober

	MeterWindow       int
	MeterFloorDB      float64
	RingBufferSeconds int

	// Events receives at most one SourceEvent when the source fails on its own
	Events  chan<- audiocore.SourceEvent
	Logger  logger.Logger
	Metrics Metrics
}

type sourceState int

const (
	stateIdle sourceState = iota
	stateRunning
	stateStopped
)

// Source captures one input. Start, Pause, Resume, Stop and CancelAndDelete
// may be called from any goroutine.
type Source struct {
	opts  Options
	log   logger.Logger
	meter *meter.Meter

	mu      sync.Mutex
	state   sourceState
	device  audiocore.Device
	format  audiocore.AudioFormat
	file    *os.File
	enc     *wav.Encoder
	result  audiocore.CaptureResult
	stopErr error

	ring       *ringbuffer.RingBuffer
	dataReady  chan struct{}
	stopWriter chan struct{}
	writerDone chan struct{}

	accepting atomic.Bool
	paused    atomic.Bool
	frames    atomic.Int64
	levelBits atomic.Uint64

	failOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// New validates opts and returns an idle source
func New(opts Options) (*Source, error) {
	if opts.Opener == nil {
		return nil, errors.Newf("capture: device opener is required").
			Component(componentCapture).
			Category(errors.CategoryValidation).
			Build()
	}
	if opts.Path == "" {
		return nil, errors.Newf("capture: output path is required").
			Component(componentCapture).
			Category(errors.CategoryValidation).
			Build()
	}
	if opts.Format == (audiocore.AudioFormat{}) {
		opts.Format = audiocore.DefaultFormat
	}
	if err := opts.Format.Validate(); err != nil {
		return nil, errors.New(err).
			Component(componentCapture).
			Category(errors.CategoryValidation).
			Build()
	}
	if opts.RingBufferSeconds <= 0 {
		opts.RingBufferSeconds = DefaultRingBufferSeconds
	}

	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("audio")
	}

	s := &Source{
		opts:  opts,
		log:   log.Module(componentCapture).With(logger.String("source", opts.Kind.String())),
		meter: meter.New(opts.MeterWindow, opts.MeterFloorDB),
	}
	s.levelBits.Store(math.Float64bits(meter.SilenceDB))
	return s, nil
}

// Kind returns the source kind
func (s *Source) Kind() audiocore.SourceKind { return s.opts.Kind }

// Path returns the output file path
func (s *Source) Path() string { return s.opts.Path }

// Start probes availability (system loopback only), opens the device, and
// begins writing. A failed Start leaves nothing on disk.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return errors.New(audiocore.ErrSourceAlreadyStarted).
			Component(componentCapture).
			Category(errors.CategoryState).
			Context("source", s.opts.Kind.String()).
			Build()
	}

	if s.opts.Kind == audiocore.KindSystemLoopback && s.opts.Prober != nil {
		if availability := s.opts.Prober.Probe(ctx); availability != audiocore.Available {
			return audiocore.UnavailableError(s.opts.Kind, availability)
		}
	}

	if err := ctx.Err(); err != nil {
		return errors.New(err).
			Component(componentCapture).
			Category(errors.CategoryCancellation).
			Context("operation", "start_source").
			Build()
	}

	device, err := s.opts.Opener.Open(ctx, s.opts.Format, audiocore.DeviceCallbacks{
		Data:    s.onData,
		Stopped: s.onDeviceStopped,
	})
	if err != nil {
		s.recordError("open_device")
		return s.wrapStartError(err, "open_device")
	}

	format := device.Format()
	if err := format.Validate(); err != nil {
		_ = device.Close()
		s.recordError("negotiate_format")
		return s.wrapStartError(err, "negotiate_format")
	}

	if err := s.openFile(format); err != nil {
		_ = device.Close()
		s.recordError("create_file")
		return err
	}

	bytesPerSecond := format.SampleRate * format.BytesPerFrame()
	s.ring = ringbuffer.New(bytesPerSecond * s.opts.RingBufferSeconds)
	s.dataReady = make(chan struct{}, 1)
	s.stopWriter = make(chan struct{})
	s.writerDone = make(chan struct{})
	s.format = format
	s.device = device

	go s.writeLoop()

	s.accepting.Store(true)
	if err := device.Start(); err != nil {
		s.accepting.Store(false)
		s.teardownLocked()
		_ = os.Remove(s.opts.Path)
		s.state = stateIdle
		s.recordError("start_device")
		return s.wrapStartError(err, "start_device")
	}

	s.state = stateRunning
	s.log.Info("capture started",
		logger.String("device", device.Name()),
		logger.Int("sample_rate", format.SampleRate),
		logger.Int("channels", format.Channels))
	return nil
}

func (s *Source) wrapStartError(err error, operation string) error {
	category := errors.CategoryCapture
	switch {
	case errors.Is(err, audiocore.ErrPermissionDenied):
		category = errors.CategoryPermission
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		category = errors.CategoryCancellation
	}
	return errors.New(err).
		Component(componentCapture).
		Category(category).
		Context("source", s.opts.Kind.String()).
		Context("operation", operation).
		Build()
}

func (s *Source) openFile(format audiocore.AudioFormat) error {
	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0o755); err != nil {
		return errors.New(err).
			Component(componentCapture).
			Category(errors.CategoryFileIO).
			Context("operation", "create_output_dir").
			FileContext(s.opts.Path, 0).
			Build()
	}

	f, err := os.OpenFile(s.opts.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.New(err).
			Component(componentCapture).
			Category(errors.CategoryFileIO).
			Context("operation", "create_output_file").
			FileContext(s.opts.Path, 0).
			Build()
	}

	s.file = f
	s.enc = wav.NewEncoder(f, format.SampleRate, format.BitDepth, format.Channels, 1)
	return nil
}

// onData runs on the audio thread
func (s *Source) onData(pcm []byte, _ uint32) {
	if !s.accepting.Load() || len(pcm) == 0 {
		return
	}
	if s.paused.Load() {
		return
	}

	s.levelBits.Store(math.Float64bits(meter.RMSdB(pcm)))

	// Only this callback writes, so Free can only grow before Write
	if s.ring.Free() < len(pcm) {
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordOverrun(s.opts.Kind.String(), len(pcm))
		}
		return
	}
	if _, err := s.ring.Write(pcm); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		s.fail(fmt.Errorf("ring buffer write: %w", err), "buffer_write")
		return
	}

	select {
	case s.dataReady <- struct{}{}:
	default:
	}
}

// onDeviceStopped runs on the audio thread when the device stops by itself
func (s *Source) onDeviceStopped(err error) {
	if !s.accepting.Load() {
		return
	}
	if err == nil {
		err = fmt.Errorf("audio device stopped unexpectedly")
	}
	s.accepting.Store(false)
	s.fail(err, "device_stopped")
}

// fail records the first mid-stream failure and notifies the owner once
func (s *Source) fail(err error, operation string) {
	s.failOnce.Do(func() {
		wrapped := errors.New(err).
			Component(componentCapture).
			Category(errors.CategoryCapture).
			Context("source", s.opts.Kind.String()).
			Context("operation", operation).
			Build()

		s.errMu.Lock()
		s.err = wrapped
		s.errMu.Unlock()

		s.recordError(operation)
		s.log.Warn("capture failed", logger.Error(err), logger.String("operation", operation))

		if s.opts.Events != nil {
			select {
			case s.opts.Events <- audiocore.SourceEvent{Kind: s.opts.Kind, Err: wrapped}:
			default:
				s.log.Warn("source event dropped, owner not listening")
			}
		}
	})
}

func (s *Source) recordError(operation string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordSourceError(s.opts.Kind.String(), operation)
	}
}

// Err returns the mid-stream failure, if any
func (s *Source) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Pause discards incoming frames until Resume. No-op unless running.
func (s *Source) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateRunning {
		s.paused.Store(true)
	}
}

// Resume continues writing frames. No-op unless running.
func (s *Source) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateRunning {
		s.paused.Store(false)
	}
}

// IsPaused reports whether the source is discarding frames
func (s *Source) IsPaused() bool { return s.paused.Load() }

// IsRunning reports whether the device is open and not yet stopped
func (s *Source) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// SampleLevel pushes the latest instantaneous level into the meter window.
// A paused or stopped source keeps its window unchanged.
func (s *Source) SampleLevel() {
	if s.paused.Load() || !s.accepting.Load() {
		return
	}
	s.meter.Push(math.Float64frombits(s.levelBits.Load()))
}

// Levels returns a copy of the meter window
func (s *Source) Levels() []float64 {
	return s.meter.Levels()
}

// Duration returns the captured duration so far
func (s *Source) Duration() time.Duration {
	s.mu.Lock()
	format := s.format
	s.mu.Unlock()
	return format.FramesToDuration(s.frames.Load())
}

// Stop releases the device and finalizes the file. Calling Stop again
// returns the same result and error without touching the device.
func (s *Source) Stop() (audiocore.CaptureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateStopped:
		return s.result, s.stopErr
	case stateIdle:
		return audiocore.CaptureResult{}, errors.New(audiocore.ErrSourceNotRunning).
			Component(componentCapture).
			Category(errors.CategoryState).
			Context("source", s.opts.Kind.String()).
			Build()
	}

	s.accepting.Store(false)
	s.state = stateStopped

	teardownErr := s.teardownLocked()
	s.result = audiocore.CaptureResult{
		Kind:     s.opts.Kind,
		Path:     s.opts.Path,
		Duration: s.format.FramesToDuration(s.frames.Load()),
	}
	if teardownErr != nil {
		s.recordError("finalize_file")
		s.stopErr = teardownErr
		return s.result, teardownErr
	}

	s.log.Info("capture stopped",
		logger.Duration("duration", s.result.Duration),
		logger.Bool("failed", s.Err() != nil))
	return s.result, nil
}

// teardownLocked stops the device, drains the ring buffer and closes the file
func (s *Source) teardownLocked() error {
	var errs []error

	if s.device != nil {
		if err := s.device.Stop(); err != nil {
			s.log.Debug("device stop returned error", logger.Error(err))
		}
		if err := s.device.Close(); err != nil {
			s.log.Debug("device close returned error", logger.Error(err))
		}
	}

	if s.stopWriter != nil {
		close(s.stopWriter)
		<-s.writerDone
		s.stopWriter = nil
	}

	if s.enc != nil {
		if err := s.enc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("finalize wav header: %w", err))
		}
		s.enc = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output file: %w", err))
		}
		s.file = nil
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New(errors.Join(errs...)).
		Component(componentCapture).
		Category(errors.CategoryFileIO).
		Context("operation", "finalize_file").
		FileContext(s.opts.Path, 0).
		Build()
}

// CancelAndDelete stops the source if running and removes its file.
// Delete failures are logged and swallowed.
func (s *Source) CancelAndDelete() {
	s.mu.Lock()
	running := s.state == stateRunning
	s.mu.Unlock()

	if running {
		if _, err := s.Stop(); err != nil {
			s.log.Warn("stop during cancel failed", logger.Error(err))
		}
	}

	if err := os.Remove(s.opts.Path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to delete cancelled capture", logger.Error(err))
	}
}
