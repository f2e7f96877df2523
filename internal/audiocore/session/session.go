// Package session orchestrates one dual-source recording.
//
// A Session owns a microphone source and, when the platform allows it, a
// system loopback source. All session state lives in a single goroutine;
// commands, source failures, probe results, merge results and metering
// ticks reach it as messages. Callers observe the session through Snapshot
// copies or the Updates channel.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/audiocore/capture"
	"github.com/duorec/duorec/internal/audiocore/meter"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/recordings"
)

// Defaults applied to zero Options fields
const (
	DefaultMinDuration   = 500 * time.Millisecond
	DefaultMeterInterval = 100 * time.Millisecond
)

// Merger combines the finished source files. It must return a microphone
// passthrough rather than an error when only the secondary input is bad.
type Merger interface {
	MergeOrFallback(ctx context.Context, primary, secondary string) (audiocore.MergeOutput, error)
}

// Metrics receives session counters. A nil Metrics disables reporting.
type Metrics interface {
	capture.Metrics
	RecordTransition(from, to string)
	RecordSessionStarted()
	RecordSessionOutcome(outcome string, includesSystemAudio bool, recorded time.Duration)
	RecordSourceStart(source, status string)
	RecordProbe(availability string)
}

// Options configures a Session
type Options struct {
	Dir    *recordings.Dir
	Format audiocore.AudioFormat

	Microphone audiocore.DeviceOpener
	// System opens the loopback device; nil disables system audio
	System audiocore.DeviceOpener
	// Prober decides whether System may be started; nil means available
	Prober audiocore.Prober

	Merger Merger
	Clock  Clock

	MinDuration       time.Duration
	MeterInterval     time.Duration
	MeterWindow       int
	MeterFloorDB      float64
	RingBufferSeconds int

	Logger  logger.Logger
	Metrics Metrics
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdCancel
	cmdCleanup
	cmdSnapshot
	cmdClose
)

type reply struct {
	output   *audiocore.MergeOutput
	snapshot Snapshot
	err      error
}

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan reply
}

type probeResult struct {
	availability audiocore.Availability
}

type mergeResult struct {
	output audiocore.MergeOutput
	err    error
}

// Session is a single recording attempt. It is safe for concurrent use.
type Session struct {
	opts Options
	log  logger.Logger

	inbox        chan command
	sourceEvents chan audiocore.SourceEvent
	probeResults chan probeResult
	mergeResults chan mergeResult
	updates      chan Snapshot
	done         chan struct{}

	// background probe and merge goroutines
	bg sync.WaitGroup

	closeOnce sync.Once
	lastMu    sync.Mutex
	last      Snapshot
}

// New validates opts and starts the session goroutine. Callers must Close
// the session when they are done with it.
func New(opts Options) (*Session, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("audio")
	}

	s := &Session{
		opts:         opts,
		log:          log.Module(componentSession),
		inbox:        make(chan command),
		sourceEvents: make(chan audiocore.SourceEvent, 2),
		probeResults: make(chan probeResult, 1),
		mergeResults: make(chan mergeResult, 1),
		updates:      make(chan Snapshot, 1),
		done:         make(chan struct{}),
	}

	r := newRunner(s)
	s.last = r.snapshot()
	go r.run()
	return s, nil
}

// Start starts the microphone and returns once it is running or has failed.
// The system source is probed and started in the background.
func (s *Session) Start(ctx context.Context) error {
	return s.send(ctx, cmdStart).err
}

// Pause pauses every running source and freezes elapsed time
func (s *Session) Pause() {
	s.send(context.Background(), cmdPause)
}

// Resume resumes every running source
func (s *Session) Resume() {
	s.send(context.Background(), cmdResume)
}

// Stop finalizes the sources and merges them. It blocks until the merge has
// finished or ctx is done; in the latter case the merge keeps running and a
// later Stop returns its result. Stop on a completed session returns the
// same output again.
func (s *Session) Stop(ctx context.Context) (*audiocore.MergeOutput, error) {
	r := s.send(ctx, cmdStop)
	return r.output, r.err
}

// Cancel abandons the recording and deletes every file the session created.
// It waits for a running merge to return. Terminal sessions are unaffected.
func (s *Session) Cancel() {
	s.send(context.Background(), cmdCancel)
}

// Cleanup deletes the per-source intermediates of a completed session,
// keeping the file referenced by the output. Call it after the output has
// been handed off.
func (s *Session) Cleanup() {
	s.send(context.Background(), cmdCleanup)
}

// Snapshot returns the current state
func (s *Session) Snapshot() Snapshot {
	r := s.send(context.Background(), cmdSnapshot)
	if r.err != nil {
		s.lastMu.Lock()
		defer s.lastMu.Unlock()
		return s.last
	}
	return r.snapshot
}

// CanStop reports whether Stop would be accepted now
func (s *Session) CanStop() bool {
	snap := s.Snapshot()
	return snap.State.isCapturing() && snap.Elapsed >= s.opts.MinDuration
}

// Updates returns a channel of snapshots. Only the newest undelivered
// snapshot is kept. The channel is closed by Close.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Close cancels a non-terminal session, cleans up a completed one and stops
// the session goroutine. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.send(context.Background(), cmdClose)
		<-s.done
		s.bg.Wait()
	})
}

// send delivers a command and waits for its reply
func (s *Session) send(ctx context.Context, kind commandKind) reply {
	cmd := command{kind: kind, ctx: ctx, reply: make(chan reply, 1)}

	select {
	case s.inbox <- cmd:
	case <-s.done:
		return reply{err: invalidStateError(s.lastState(), "closed")}
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}

	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
}

func (s *Session) lastState() State {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last.State
}

func (s *Session) setLast(snap Snapshot) {
	s.lastMu.Lock()
	s.last = snap
	s.lastMu.Unlock()
}

// publish replaces any undelivered snapshot with snap. Only the session
// goroutine sends, so the drain-then-send cannot race another producer.
func (s *Session) publish(snap Snapshot) {
	s.setLast(snap)
	select {
	case s.updates <- snap:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

func validateOptions(opts *Options) error {
	if opts.Dir == nil {
		return invalidOptionError("recordings directory is required")
	}
	if opts.Microphone == nil {
		return invalidOptionError("microphone opener is required")
	}
	if opts.Merger == nil {
		return invalidOptionError("merger is required")
	}
	if opts.Format == (audiocore.AudioFormat{}) {
		opts.Format = audiocore.DefaultFormat
	}
	if err := opts.Format.Validate(); err != nil {
		return invalidOptionError(err.Error())
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.MinDuration <= 0 {
		opts.MinDuration = DefaultMinDuration
	}
	if opts.MeterInterval <= 0 {
		opts.MeterInterval = DefaultMeterInterval
	}
	if opts.MeterWindow <= 0 {
		opts.MeterWindow = meter.DefaultWindow
	}
	if opts.MeterFloorDB >= 0 {
		opts.MeterFloorDB = meter.DefaultFloorDB
	}
	if opts.System != nil && opts.Prober == nil {
		opts.Prober = audiocore.ProberFunc(func(context.Context) audiocore.Availability {
			return audiocore.Available
		})
	}
	return nil
}
