package session

import (
	"context"
	"time"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/audiocore/capture"
	"github.com/duorec/duorec/internal/audiocore/meter"
	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
)

// runner holds the session state. Every field is owned by the run goroutine.
type runner struct {
	s    *Session
	opts Options
	log  logger.Logger

	state        State
	systemStatus SystemAudioStatus

	mic       *capture.Source
	sys       *capture.Source
	sysResult *audiocore.CaptureResult
	files     []string

	elapsedBase  time.Duration
	runningSince time.Time

	ticker Ticker
	tickC  <-chan time.Time

	probeCtx    context.Context
	probeCancel context.CancelFunc
	mergeCancel context.CancelFunc
	stopWaiters []chan reply

	output  *audiocore.MergeOutput
	err     error
	cleaned bool
}

func newRunner(s *Session) *runner {
	status := SystemAudioDisabled
	if s.opts.System != nil {
		status = SystemAudioPending
	}
	return &runner{
		s:            s,
		opts:         s.opts,
		log:          s.log,
		state:        StateIdle,
		systemStatus: status,
	}
}

func (r *runner) run() {
	defer close(r.s.done)
	defer close(r.s.updates)

	for {
		select {
		case cmd := <-r.s.inbox:
			if r.handleCommand(cmd) {
				return
			}
		case ev := <-r.s.sourceEvents:
			r.handleSourceEvent(ev)
		case res := <-r.s.probeResults:
			r.handleProbe(res)
		case res := <-r.s.mergeResults:
			r.handleMerge(res)
		case <-r.tickC:
			r.handleTick()
		}
	}
}

// handleCommand returns true when the session goroutine should exit
func (r *runner) handleCommand(cmd command) bool {
	switch cmd.kind {
	case cmdStart:
		cmd.reply <- reply{err: r.start(cmd.ctx)}
	case cmdPause:
		r.pause()
		cmd.reply <- reply{}
	case cmdResume:
		r.resume()
		cmd.reply <- reply{}
	case cmdStop:
		r.stop(cmd.reply)
	case cmdCancel:
		r.cancel()
		cmd.reply <- reply{}
	case cmdCleanup:
		r.cleanup()
		cmd.reply <- reply{}
	case cmdSnapshot:
		cmd.reply <- reply{snapshot: r.snapshot()}
	case cmdClose:
		if r.state == StateCompleted {
			r.cleanup()
		} else {
			r.cancel()
		}
		r.stopTicker()
		r.cancelProbe()
		cmd.reply <- reply{}
		return true
	}
	return false
}

func (r *runner) start(ctx context.Context) error {
	if r.state != StateIdle {
		return invalidStateError(r.state, "start")
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordSessionStarted()
	}
	r.transition(StatePreparing)

	if err := r.opts.Dir.Ensure(); err != nil {
		r.fail(err)
		return err
	}

	mic, err := capture.New(r.sourceOptions(audiocore.KindMicrophone, r.opts.Microphone))
	if err != nil {
		r.fail(err)
		return err
	}
	if err := mic.Start(ctx); err != nil {
		r.recordSourceStart(audiocore.KindMicrophone, err)
		r.log.Error("microphone failed to start", logger.Error(err))
		r.fail(err)
		return err
	}
	r.recordSourceStart(audiocore.KindMicrophone, nil)
	r.mic = mic
	r.files = append(r.files, mic.Path())

	r.ticker = r.opts.Clock.NewTicker(r.opts.MeterInterval)
	r.tickC = r.ticker.C()
	r.transition(StateRecording)

	r.startProbe()
	return nil
}

// startProbe asks the prober in the background; the result arrives on probeResults
func (r *runner) startProbe() {
	if r.opts.System == nil {
		return
	}

	r.probeCtx, r.probeCancel = context.WithCancel(context.Background())
	r.systemStatus = SystemAudioProbing

	ctx := r.probeCtx
	prober := r.opts.Prober
	results := r.s.probeResults
	r.s.bg.Go(func() {
		// buffered for the single probe of this session
		results <- probeResult{availability: prober.Probe(ctx)}
	})
}

func (r *runner) handleProbe(res probeResult) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordProbe(res.availability.String())
	}
	if !r.state.isCapturing() {
		r.log.Debug("ignoring system audio probe result after stop",
			logger.String("availability", res.availability.String()),
			logger.String("state", r.state.String()))
		return
	}

	switch res.availability {
	case audiocore.Available:
		r.startSystem()
	case audiocore.Denied:
		r.systemStatus = SystemAudioDenied
		r.log.Warn("system audio permission denied, recording microphone only")
	default:
		r.systemStatus = SystemAudioUnavailable
		r.log.Info("system audio unavailable, recording microphone only")
	}
	r.publish()
}

// startSystem joins the loopback source to a running session
func (r *runner) startSystem() {
	src, err := capture.New(r.sourceOptions(audiocore.KindSystemLoopback, r.opts.System))
	if err == nil {
		err = src.Start(r.probeCtx)
	}
	r.recordSourceStart(audiocore.KindSystemLoopback, err)
	if err != nil {
		r.systemStatus = SystemAudioFailed
		if errors.Is(err, audiocore.ErrPermissionDenied) {
			r.systemStatus = SystemAudioDenied
		}
		r.log.Warn("system audio failed to start, recording microphone only", logger.Error(err))
		return
	}

	if r.state == StatePaused {
		src.Pause()
	}
	r.sys = src
	r.files = append(r.files, src.Path())
	r.systemStatus = SystemAudioActive
	r.log.Info("system audio joined recording", logger.Duration("offset", r.elapsed()))
}

func (r *runner) pause() {
	if r.state != StateRecording {
		return
	}
	r.mic.Pause()
	if r.systemRunning() {
		r.sys.Pause()
	}
	r.transition(StatePaused)
}

func (r *runner) resume() {
	if r.state != StatePaused {
		return
	}
	r.mic.Resume()
	if r.systemRunning() {
		r.sys.Resume()
	}
	r.transition(StateRecording)
}

func (r *runner) stop(replyTo chan reply) {
	switch {
	case r.state == StateCompleted:
		replyTo <- reply{output: r.outputCopy()}
	case r.state == StateMerging:
		r.stopWaiters = append(r.stopWaiters, replyTo)
	case r.state.isCapturing():
		if elapsed := r.elapsed(); elapsed < r.opts.MinDuration {
			replyTo <- reply{err: tooShortError(elapsed, r.opts.MinDuration)}
			return
		}
		r.stopWaiters = append(r.stopWaiters, replyTo)
		r.finalize()
	case r.state == StateCancelled:
		replyTo <- reply{err: cancelledError()}
	case r.state == StateFailed:
		replyTo <- reply{err: r.err}
	default:
		replyTo <- reply{err: invalidStateError(r.state, "stop")}
	}
}

// finalize stops both sources and hands their files to the merger
func (r *runner) finalize() {
	r.stopTicker()
	r.cancelProbe()
	r.transition(StateStopping)

	micResult, err := r.mic.Stop()
	if err != nil || micResult.Duration == 0 {
		r.log.Error("microphone produced no usable audio", logger.Error(err))
		r.fail(noOutputError(err))
		return
	}

	secondary := ""
	if r.sys != nil {
		if r.sysResult == nil {
			if res, err := r.sys.Stop(); err != nil {
				r.log.Warn("failed to finalize system audio", logger.Error(err))
			} else {
				r.sysResult = &res
			}
		}
		if r.sysResult != nil && r.sysResult.Duration > 0 {
			secondary = r.sysResult.Path
		}
		if r.systemStatus == SystemAudioActive {
			r.systemStatus = SystemAudioStopped
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mergeCancel = cancel
	r.transition(StateMerging)

	merger := r.opts.Merger
	results := r.s.mergeResults
	primary := micResult.Path
	r.s.bg.Go(func() {
		out, err := merger.MergeOrFallback(ctx, primary, secondary)
		results <- mergeResult{output: out, err: err}
	})
}

func (r *runner) handleMerge(res mergeResult) {
	if r.state != StateMerging {
		return
	}
	r.mergeCancel()
	r.mergeCancel = nil

	if res.err != nil {
		r.log.Error("merge failed without fallback", logger.Error(res.err))
		r.fail(noOutputError(res.err))
		return
	}

	out := res.output
	r.output = &out
	r.transition(StateCompleted)
	r.log.Info("recording completed",
		logger.String("output", out.Path),
		logger.Duration("duration", out.Duration),
		logger.Bool("system_audio", out.IncludesSystemAudio))

	for _, w := range r.stopWaiters {
		w <- reply{output: r.outputCopy()}
	}
	r.stopWaiters = nil
}

func (r *runner) handleSourceEvent(ev audiocore.SourceEvent) {
	if !r.state.isCapturing() {
		return
	}

	switch ev.Kind {
	case audiocore.KindMicrophone:
		r.log.Error("microphone stopped during recording, finalizing", logger.Error(ev.Err))
		r.finalize()
	case audiocore.KindSystemLoopback:
		r.log.Warn("system audio stopped during recording, continuing with microphone only", logger.Error(ev.Err))
		if r.systemRunning() {
			if res, err := r.sys.Stop(); err != nil {
				r.log.Warn("failed to finalize system audio", logger.Error(err))
			} else {
				r.sysResult = &res
			}
		}
		r.systemStatus = SystemAudioFailed
		r.publish()
	}
}

func (r *runner) handleTick() {
	if r.state != StateRecording {
		return
	}
	r.mic.SampleLevel()
	if r.systemRunning() {
		r.sys.SampleLevel()
	}
	r.publish()
}

// cancel deletes every session file and ends in Cancelled. A running merge
// is cancelled and waited for so nothing writes to disk afterwards.
func (r *runner) cancel() {
	if r.state.IsTerminal() {
		return
	}

	r.stopTicker()
	r.cancelProbe()

	if r.state == StateMerging {
		r.mergeCancel()
		res := <-r.s.mergeResults
		if res.err == nil && res.output.Path != "" {
			r.opts.Dir.Remove(res.output.Path)
		}
		r.mergeCancel = nil
	}

	if r.sys != nil {
		r.sys.CancelAndDelete()
	}
	if r.mic != nil {
		r.mic.CancelAndDelete()
	}
	r.opts.Dir.RemoveAll(r.files, "")

	r.transition(StateCancelled)
	r.log.Info("recording cancelled")

	for _, w := range r.stopWaiters {
		w <- reply{err: cancelledError()}
	}
	r.stopWaiters = nil
}

// fail ends in Failed and deletes partially written files
func (r *runner) fail(err error) {
	r.err = err
	r.stopTicker()
	r.cancelProbe()

	if r.sys != nil {
		r.sys.CancelAndDelete()
	}
	if r.mic != nil {
		r.mic.CancelAndDelete()
	}
	r.opts.Dir.RemoveAll(r.files, "")

	r.transition(StateFailed)
	for _, w := range r.stopWaiters {
		w <- reply{err: err}
	}
	r.stopWaiters = nil
}

// cleanup removes intermediates of a completed session, never the output
func (r *runner) cleanup() {
	if r.state != StateCompleted || r.cleaned {
		return
	}
	r.opts.Dir.RemoveAll(r.files, r.output.Path)
	r.cleaned = true
}

func (r *runner) transition(to State) {
	from := r.state
	if from == to {
		return
	}

	now := r.opts.Clock.Now()
	if from == StateRecording {
		r.elapsedBase += now.Sub(r.runningSince)
	}
	if to == StateRecording {
		r.runningSince = now
	}
	r.state = to

	r.log.Debug("session state changed",
		logger.String("from", from.String()),
		logger.String("to", to.String()))

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordTransition(from.String(), to.String())
		// sessions abandoned before Start were never counted as active
		if to.IsTerminal() && from != StateIdle {
			r.opts.Metrics.RecordSessionOutcome(to.String(), r.output != nil && r.output.IncludesSystemAudio, r.elapsedBase)
		}
	}
	r.publish()
}

func (r *runner) publish() {
	r.s.publish(r.snapshot())
}

func (r *runner) snapshot() Snapshot {
	return Snapshot{
		State:       r.state,
		Elapsed:     r.elapsed(),
		Levels:      r.levels(),
		SystemAudio: r.systemStatus,
		Output:      r.outputCopy(),
		Err:         r.err,
	}
}

func (r *runner) levels() []float64 {
	switch {
	case r.mic == nil:
		return make([]float64, r.opts.MeterWindow)
	case !r.systemRunning():
		return r.mic.Levels()
	default:
		return meter.Combine(r.mic.Levels(), r.sys.Levels())
	}
}

func (r *runner) elapsed() time.Duration {
	if r.state == StateRecording {
		return r.elapsedBase + r.opts.Clock.Now().Sub(r.runningSince)
	}
	return r.elapsedBase
}

func (r *runner) outputCopy() *audiocore.MergeOutput {
	if r.output == nil {
		return nil
	}
	out := *r.output
	return &out
}

// systemRunning reports a started system source that has not stopped; a
// paused one still counts
func (r *runner) systemRunning() bool {
	return r.sys != nil && r.sysResult == nil && r.sys.IsRunning()
}

func (r *runner) stopTicker() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
		r.tickC = nil
	}
}

func (r *runner) cancelProbe() {
	if r.probeCancel != nil {
		r.probeCancel()
	}
}

func (r *runner) sourceOptions(kind audiocore.SourceKind, opener audiocore.DeviceOpener) capture.Options {
	opts := capture.Options{
		Kind:              kind,
		Path:              r.opts.Dir.NewPath(kind.String(), ".wav", r.opts.Clock.Now()),
		Format:            r.opts.Format,
		Opener:            opener,
		MeterWindow:       r.opts.MeterWindow,
		MeterFloorDB:      r.opts.MeterFloorDB,
		RingBufferSeconds: r.opts.RingBufferSeconds,
		Events:            r.s.sourceEvents,
		Logger:            r.log,
	}
	if kind == audiocore.KindSystemLoopback {
		opts.Prober = r.opts.Prober
	}
	if r.opts.Metrics != nil {
		opts.Metrics = r.opts.Metrics
	}
	return opts
}

func (r *runner) recordSourceStart(kind audiocore.SourceKind, err error) {
	if r.opts.Metrics == nil {
		return
	}
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, audiocore.ErrPermissionDenied):
		status = "denied"
	case errors.Is(err, audiocore.ErrSourceUnavailable):
		status = "unavailable"
	default:
		status = "error"
	}
	r.opts.Metrics.RecordSourceStart(kind.String(), status)
}
