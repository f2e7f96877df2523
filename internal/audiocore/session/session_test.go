package session

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/audiocore/merge"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/recordings"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testRate    = 8000
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond
)

// manualClock only moves when Advance is called
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

type manualTicker struct {
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.Local)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		if t.stopped.Load() {
			continue
		}
		for !t.next.After(c.now) {
			select {
			case t.ch <- c.now:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

type fakeDevice struct {
	format    audiocore.AudioFormat
	callbacks audiocore.DeviceCallbacks
}

func (d *fakeDevice) Name() string                  { return "fake" }
func (d *fakeDevice) Format() audiocore.AudioFormat { return d.format }
func (d *fakeDevice) Start() error                  { return nil }
func (d *fakeDevice) Stop() error                   { return nil }
func (d *fakeDevice) Close() error                  { return nil }

// push delivers frames of constant amplitude
func (d *fakeDevice) push(frames int, amplitude int16) {
	buf := make([]byte, frames*2)
	for i := range frames {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	d.callbacks.Data(buf, uint32(frames))
}

func (d *fakeDevice) die() { d.callbacks.Stopped(nil) }

type fakeOpener struct {
	mu      sync.Mutex
	devices []*fakeDevice
	openErr error
}

func (o *fakeOpener) Open(_ context.Context, format audiocore.AudioFormat, cb audiocore.DeviceCallbacks) (audiocore.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	d := &fakeDevice{format: format, callbacks: cb}
	o.devices = append(o.devices, d)
	return d, nil
}

func (o *fakeOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.devices)
}

func (o *fakeOpener) device(t *testing.T) *fakeDevice {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.devices, "device was never opened")
	return o.devices[len(o.devices)-1]
}

type harness struct {
	t      *testing.T
	clock  *manualClock
	dir    *recordings.Dir
	mic    *fakeOpener
	system *fakeOpener
	sess   *Session
}

type harnessOption func(*Options, *harness)

func withSystem(prober audiocore.Prober) harnessOption {
	return func(o *Options, h *harness) {
		h.system = &fakeOpener{}
		o.System = h.system
		o.Prober = prober
	}
}

func withRunner(fn func(ctx context.Context, args []string) error) harnessOption {
	return func(o *Options, h *harness) {
		o.Merger = merge.NewEngine(merge.Options{
			Dir:    h.dir,
			Logger: o.Logger,
			Runner: merge.RunnerFunc(func(ctx context.Context, _ string, args []string) error {
				return fn(ctx, args)
			}),
		})
	}
}

func withMicOpenError(err error) harnessOption {
	return func(_ *Options, h *harness) { h.mic.openErr = err }
}

// writeFFmpegOutput stands in for ffmpeg by creating its output file
func writeFFmpegOutput(_ context.Context, args []string) error {
	return os.WriteFile(args[len(args)-1], []byte("m4a"), 0o644)
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	log := logger.NewSlogLogger(nil, logger.LogLevelError, nil)
	h := &harness{
		t:     t,
		clock: newManualClock(),
		dir:   recordings.New(filepath.Join(t.TempDir(), "rec"), log),
		mic:   &fakeOpener{},
	}

	opts := Options{
		Dir:        h.dir,
		Format:     audiocore.AudioFormat{SampleRate: testRate, Channels: 1, BitDepth: 16},
		Microphone: h.mic,
		Clock:      h.clock,
		Logger:     log,
	}
	withRunner(writeFFmpegOutput)(&opts, h)
	for _, o := range options {
		o(&opts, h)
	}

	sess, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	h.sess = sess
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.sess.Start(context.Background()))
}

func (h *harness) waitFor(cond func(Snapshot) bool, msg string) Snapshot {
	h.t.Helper()
	var last Snapshot
	require.Eventually(h.t, func() bool {
		last = h.sess.Snapshot()
		return cond(last)
	}, waitTimeout, waitTick, msg)
	return last
}

func (h *harness) waitSystem(status SystemAudioStatus) {
	h.t.Helper()
	h.waitFor(func(s Snapshot) bool { return s.SystemAudio == status }, "system audio "+string(status))
}

func (h *harness) files() []string {
	h.t.Helper()
	entries, err := os.ReadDir(h.dir.Root())
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(h.t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func available(context.Context) audiocore.Availability { return audiocore.Available }

func TestMicOnlyRecordingPassesThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	assert.Equal(t, StateRecording, h.sess.Snapshot().State)
	assert.Equal(t, SystemAudioDisabled, h.sess.Snapshot().SystemAudio)

	h.mic.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)

	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.False(t, out.IncludesSystemAudio)
	assert.Equal(t, time.Second, out.Duration)
	assert.Equal(t, ".wav", filepath.Ext(out.Path))
	assert.FileExists(t, out.Path)

	snap := h.sess.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, time.Second, snap.Elapsed)

	again, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *out, *again)

	// passthrough output survives cleanup
	h.sess.Close()
	assert.FileExists(t, out.Path)
}

func TestStopRejectedBeforeMinimumDuration(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.mic.device(t).push(800, 1000)

	h.clock.Advance(100 * time.Millisecond)
	assert.False(t, h.sess.CanStop())
	_, err := h.sess.Stop(context.Background())
	require.ErrorIs(t, err, ErrTooShort)
	assert.Equal(t, StateRecording, h.sess.Snapshot().State)

	h.clock.Advance(400 * time.Millisecond)
	assert.True(t, h.sess.CanStop())

	h.sess.Cancel()
	assert.Equal(t, StateCancelled, h.sess.Snapshot().State)
	assert.Empty(t, h.files(), "cancel deletes every session file")
}

func TestStopBeforeStartIsInvalid(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.sess.Stop(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, h.sess.CanStop())
}

func TestDualSourceMerge(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withSystem(audiocore.ProberFunc(available)))
	h.start()
	h.waitSystem(SystemAudioActive)

	h.mic.device(t).push(testRate, 1000)
	h.system.device(t).push(testRate/2, 2000)
	h.clock.Advance(time.Second)

	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, out.IncludesSystemAudio)
	assert.Equal(t, merge.OutputExt, filepath.Ext(out.Path))
	assert.Equal(t, time.Second, out.Duration, "output is padded to the longer source")
	assert.Equal(t, SystemAudioStopped, h.sess.Snapshot().SystemAudio)

	require.Len(t, h.files(), 3)
	h.sess.Cleanup()
	assert.Equal(t, []string{filepath.Base(out.Path)}, h.files(), "only the merged output remains")
}

func TestSystemDeniedRecordsMicOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withSystem(audiocore.ProberFunc(func(context.Context) audiocore.Availability {
		return audiocore.Denied
	})))
	h.start()
	h.waitSystem(SystemAudioDenied)
	assert.Zero(t, h.system.opens())

	h.mic.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)
	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, out.IncludesSystemAudio)
}

func TestSystemStartFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withSystem(audiocore.ProberFunc(available)))
	h.system.openErr = audiocore.ErrSourceUnavailable
	h.start()
	h.waitSystem(SystemAudioFailed)

	assert.Equal(t, StateRecording, h.sess.Snapshot().State)
	h.mic.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)

	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, out.IncludesSystemAudio)
}

func TestSystemSourceRechecksAvailabilityOnStart(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, withSystem(audiocore.ProberFunc(func(context.Context) audiocore.Availability {
		if calls.Add(1) == 1 {
			return audiocore.Available
		}
		// permission revoked before the source opened its device
		return audiocore.Denied
	})))
	h.start()
	h.waitSystem(SystemAudioDenied)

	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, h.system.opens())
	assert.Equal(t, StateRecording, h.sess.Snapshot().State)
}

func TestLateProbeResultIsIgnored(t *testing.T) {
	t.Parallel()

	probing := make(chan struct{})
	h := newHarness(t, withSystem(audiocore.ProberFunc(func(ctx context.Context) audiocore.Availability {
		close(probing)
		<-ctx.Done()
		// permission granted only after the user already stopped
		return audiocore.Available
	})))
	h.start()
	<-probing

	h.mic.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)
	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, out.IncludesSystemAudio)

	h.sess.Close()
	assert.Zero(t, h.system.opens(), "a source must never start after stop")
}

func TestLateJoinKeepsEarlierMicAudio(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, withSystem(audiocore.ProberFunc(func(ctx context.Context) audiocore.Availability {
		select {
		case <-release:
			return audiocore.Available
		case <-ctx.Done():
			return audiocore.Unavailable
		}
	})))
	h.start()

	h.mic.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)
	close(release)
	h.waitSystem(SystemAudioActive)

	h.mic.device(t).push(testRate, 1000)
	h.system.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)

	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, out.IncludesSystemAudio)
	assert.Equal(t, 2*time.Second, out.Duration)
}

func TestPauseFreezesElapsedAndDiscardsAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	mic := h.mic.device(t)

	mic.push(testRate, 1000)
	h.clock.Advance(time.Second)

	h.sess.Pause()
	h.sess.Pause()
	assert.Equal(t, StatePaused, h.sess.Snapshot().State)
	mic.push(testRate, 1000)
	h.clock.Advance(5 * time.Second)
	assert.Equal(t, time.Second, h.sess.Snapshot().Elapsed)

	h.sess.Resume()
	assert.Equal(t, StateRecording, h.sess.Snapshot().State)
	mic.push(testRate/2, 1000)
	h.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, h.sess.Snapshot().Elapsed)

	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, out.Duration, "paused audio is not recorded")
}

func TestStopWhilePausedIsAllowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.mic.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)
	h.sess.Pause()

	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Second, out.Duration)
}

func TestMicStartFailureFailsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withMicOpenError(audiocore.ErrPermissionDenied))
	err := h.sess.Start(context.Background())
	require.ErrorIs(t, err, audiocore.ErrPermissionDenied)

	snap := h.sess.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	require.Error(t, snap.Err)
	assert.Empty(t, h.files())

	_, err = h.sess.Stop(context.Background())
	require.ErrorIs(t, err, audiocore.ErrPermissionDenied)
	require.ErrorIs(t, h.sess.Start(context.Background()), ErrInvalidState)
}

func TestMicFailureFinalizesCapturedAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	mic := h.mic.device(t)
	mic.push(testRate, 1000)
	h.clock.Advance(200 * time.Millisecond)
	mic.die()

	snap := h.waitFor(func(s Snapshot) bool { return s.State == StateCompleted }, "session completes")
	require.NotNil(t, snap.Output)
	assert.Equal(t, time.Second, snap.Output.Duration)

	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *snap.Output, *out)
}

func TestMicFailureWithoutAudioFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.mic.device(t).die()

	h.waitFor(func(s Snapshot) bool { return s.State == StateFailed }, "session fails")
	_, err := h.sess.Stop(context.Background())
	require.ErrorIs(t, err, ErrNoOutput)
	assert.Empty(t, h.files())
}

func TestSystemFailureDegradesSilently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withSystem(audiocore.ProberFunc(available)))
	h.start()
	h.waitSystem(SystemAudioActive)

	sys := h.system.device(t)
	sys.push(testRate/2, 1000)
	sys.die()
	h.waitSystem(SystemAudioFailed)
	assert.Equal(t, StateRecording, h.sess.Snapshot().State)

	h.mic.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)

	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, out.IncludesSystemAudio, "the partial system file is still merged")
	assert.Equal(t, time.Second, out.Duration)
}

func TestMergeFailureFallsBackToMicrophone(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		withSystem(audiocore.ProberFunc(available)),
		withRunner(func(context.Context, []string) error { return os.ErrPermission }),
	)
	h.start()
	h.waitSystem(SystemAudioActive)
	h.mic.device(t).push(testRate, 1000)
	h.system.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)

	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, out.IncludesSystemAudio)
	assert.Equal(t, ".wav", filepath.Ext(out.Path))
	assert.FileExists(t, out.Path)

	h.sess.Cleanup()
	assert.Equal(t, []string{filepath.Base(out.Path)}, h.files())
}

func TestCancelDuringMerge(t *testing.T) {
	t.Parallel()

	merging := make(chan struct{})
	h := newHarness(t,
		withSystem(audiocore.ProberFunc(available)),
		withRunner(func(ctx context.Context, args []string) error {
			if err := writeFFmpegOutput(ctx, args); err != nil {
				return err
			}
			close(merging)
			<-ctx.Done()
			return ctx.Err()
		}),
	)
	h.start()
	h.waitSystem(SystemAudioActive)
	h.mic.device(t).push(testRate, 1000)
	h.system.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)

	stopErr := make(chan error, 1)
	go func() {
		_, err := h.sess.Stop(context.Background())
		stopErr <- err
	}()

	<-merging
	assert.Equal(t, StateMerging, h.sess.Snapshot().State)
	h.sess.Cancel()

	require.ErrorIs(t, <-stopErr, ErrCancelled)
	assert.Equal(t, StateCancelled, h.sess.Snapshot().State)
	assert.Empty(t, h.files(), "no intermediate or partial output may remain")
}

func TestStopContextDoneWhileMerging(t *testing.T) {
	t.Parallel()

	unblock := make(chan struct{})
	h := newHarness(t, withSystem(audiocore.ProberFunc(available)), withRunner(func(ctx context.Context, args []string) error {
		<-unblock
		return writeFFmpegOutput(ctx, args)
	}))
	h.start()
	h.waitSystem(SystemAudioActive)
	h.mic.device(t).push(testRate, 1000)
	h.system.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.sess.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(unblock)
	out, err := h.sess.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, out.IncludesSystemAudio)
}

func TestTerminalStateIsFinal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.mic.device(t).push(testRate, 1000)
	h.clock.Advance(time.Second)
	_, err := h.sess.Stop(context.Background())
	require.NoError(t, err)

	before := h.sess.Snapshot()
	h.sess.Pause()
	h.sess.Resume()
	h.sess.Cancel()
	h.clock.Advance(10 * time.Second)
	require.ErrorIs(t, h.sess.Start(context.Background()), ErrInvalidState)

	after := h.sess.Snapshot()
	assert.Equal(t, StateCompleted, after.State)
	assert.Equal(t, before.Elapsed, after.Elapsed)
	assert.Equal(t, before.Levels, after.Levels)
}

func TestMeteringCombinesSources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withSystem(audiocore.ProberFunc(available)))
	h.start()
	h.waitSystem(SystemAudioActive)

	h.mic.device(t).push(800, 100)
	h.system.device(t).push(800, -32768)
	h.clock.Advance(100 * time.Millisecond)

	snap := h.waitFor(func(s Snapshot) bool {
		return s.Levels[len(s.Levels)-1] == 1
	}, "full-scale system level shows up")
	assert.Len(t, snap.Levels, 10)

	h.sess.Pause()
	h.clock.Advance(time.Second)
	assert.Equal(t, snap.Levels, h.sess.Snapshot().Levels, "paused levels are held")
}

func TestFailedSystemSourceLeavesMetering(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withSystem(audiocore.ProberFunc(available)))
	h.start()
	h.waitSystem(SystemAudioActive)

	sys := h.system.device(t)
	sys.push(800, -32768)
	h.clock.Advance(100 * time.Millisecond)
	h.waitFor(func(s Snapshot) bool {
		return s.Levels[len(s.Levels)-1] == 1
	}, "full-scale system level shows up")

	sys.die()
	h.waitSystem(SystemAudioFailed)

	mic := h.mic.device(t)
	for range 3 {
		mic.push(800, 0)
		h.clock.Advance(100 * time.Millisecond)
	}

	silent := make([]float64, 10)
	h.waitFor(func(s Snapshot) bool {
		return assert.ObjectsAreEqual(silent, s.Levels)
	}, "levels follow the silent microphone only")
	assert.Equal(t, StateRecording, h.sess.Snapshot().State)
}

func TestUpdatesDeliverNewestSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	updates := h.sess.Updates()
	h.start()
	h.sess.Pause()

	// the buffer holds one snapshot, the newest
	snap := <-updates
	assert.Equal(t, StatePaused, snap.State)

	h.sess.Close()
	for range updates {
	}
	_, ok := <-updates
	assert.False(t, ok, "updates channel is closed by Close")
}

func TestCloseCancelsActiveRecording(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.mic.device(t).push(testRate, 1000)

	h.sess.Close()
	h.sess.Close()
	assert.Equal(t, StateCancelled, h.sess.Snapshot().State)
	assert.Empty(t, h.files())

	_, err := h.sess.Stop(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Dir: recordings.New(t.TempDir(), nil), Microphone: &fakeOpener{}})
	require.Error(t, err, "merger is required")
}

func TestStateNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "merging", StateMerging.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StatePaused.IsTerminal())
}
