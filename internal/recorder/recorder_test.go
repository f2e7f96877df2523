package recorder

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/audiocore/merge"
	"github.com/duorec/duorec/internal/audiocore/session"
	"github.com/duorec/duorec/internal/conf"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/recordings"
)

const testRate = 8000

type stubDevice struct {
	format    audiocore.AudioFormat
	callbacks audiocore.DeviceCallbacks
}

func (d *stubDevice) Name() string                  { return "stub" }
func (d *stubDevice) Format() audiocore.AudioFormat { return d.format }
func (d *stubDevice) Start() error                  { return nil }
func (d *stubDevice) Stop() error                   { return nil }
func (d *stubDevice) Close() error                  { return nil }

func (d *stubDevice) push(frames int) {
	buf := make([]byte, frames*2)
	for i := range frames {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(2000)))
	}
	d.callbacks.Data(buf, uint32(frames))
}

type stubOpener struct {
	mu     sync.Mutex
	device *stubDevice
}

func (o *stubOpener) Open(_ context.Context, format audiocore.AudioFormat, cb audiocore.DeviceCallbacks) (audiocore.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.device = &stubDevice{format: format, callbacks: cb}
	return o.device, nil
}

func (o *stubOpener) opened() *stubDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.device
}

func testSettings(t *testing.T, systemAudio bool) *conf.Settings {
	t.Helper()
	root := t.TempDir()
	s := &conf.Settings{}
	s.Recordings.Dir = filepath.Join(root, "recordings")
	s.Database.Path = filepath.Join(root, "db", "duorec.db")
	s.Audio.SampleRate = testRate
	s.Audio.Channels = 1
	s.Audio.RingBufferSeconds = 1
	s.SystemAudio.Enabled = systemAudio
	s.Meter.Interval = 20 * time.Millisecond
	s.Meter.Window = 10
	s.Meter.FloorDB = -60
	s.Session.MinDuration = 10 * time.Millisecond
	s.Merge.FFmpegPath = "ffmpeg"
	s.Merge.Timeout = 5 * time.Second
	return s
}

type fixture struct {
	rec    *Recorder
	mic    *stubOpener
	system *stubOpener
}

func newFixture(t *testing.T, systemAudio bool) *fixture {
	t.Helper()
	f := &fixture{mic: &stubOpener{}, system: &stubOpener{}}
	rec, err := New(testSettings(t, systemAudio), Options{
		Logger:     logger.NewSlogLogger(nil, logger.LogLevelError, nil),
		Microphone: f.mic,
		System:     f.system,
		Prober: audiocore.ProberFunc(func(context.Context) audiocore.Availability {
			return audiocore.Available
		}),
		Runner: merge.RunnerFunc(func(_ context.Context, _ string, args []string) error {
			return os.WriteFile(args[len(args)-1], []byte("m4a"), 0o644)
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	f.rec = rec
	return f
}

// record runs a session long enough to be stoppable and returns it
func (f *fixture) record(t *testing.T, withSystem bool) *session.Session {
	t.Helper()
	sess, err := f.rec.NewSession()
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	require.NoError(t, sess.Start(context.Background()))
	if withSystem {
		require.Eventually(t, func() bool {
			return sess.Snapshot().SystemAudio == session.SystemAudioActive
		}, 2*time.Second, 5*time.Millisecond)
		f.system.opened().push(testRate / 10)
	}
	f.mic.opened().push(testRate / 10)
	require.Eventually(t, sess.CanStop, 2*time.Second, 5*time.Millisecond)
	return sess
}

func TestNewRequiresSettings(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestNewCreatesDirectoryAndDatabase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	assert.DirExists(t, f.rec.Dir().Root())
	assert.FileExists(t, f.rec.Store().Path())
	assert.NotNil(t, f.rec.Metrics())
	assert.False(t, f.rec.SystemAudioEnabled())
}

func TestFinishIndexesMicrophoneRecording(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	sess := f.record(t, false)

	rec, err := f.rec.Finish(context.Background(), sess)
	require.NoError(t, err)
	assert.False(t, rec.IncludesSystemAudio)
	assert.Equal(t, ".wav", filepath.Ext(rec.Path))
	assert.FileExists(t, rec.Path)
	assert.Equal(t, session.StateCompleted, sess.Snapshot().State)

	recs, err := f.rec.Store().ListRecordings(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.UUID, recs[0].UUID)
}

func TestFinishIndexesMergedRecording(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	require.True(t, f.rec.SystemAudioEnabled())
	sess := f.record(t, true)

	rec, err := f.rec.Finish(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, rec.IncludesSystemAudio)
	assert.Equal(t, merge.OutputExt, filepath.Ext(rec.Path))

	files, err := f.rec.Dir().Files()
	require.NoError(t, err)
	require.Len(t, files, 1, "intermediates are removed after indexing")
	assert.Equal(t, rec.Path, files[0].Path)
}

func TestFinishBeforeMinimumDurationKeepsRecording(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.rec.settings.Session.MinDuration = time.Hour
	sess, err := f.rec.NewSession()
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	require.NoError(t, sess.Start(context.Background()))

	_, err = f.rec.Finish(context.Background(), sess)
	require.ErrorIs(t, err, session.ErrTooShort)
	assert.Equal(t, session.StateRecording, sess.Snapshot().State)
}

func TestSweepKeepsIndexedRecordings(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	dir := f.rec.Dir()

	write := func(path string) string {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		return path
	}
	indexed := write(dir.NewPath("mic", ".wav", old))
	stale := write(dir.NewPath("system", ".wav", old))
	fresh := write(dir.NewPath("mic", ".wav", time.Now()))
	lost := write(dir.NewPath(recordings.KindMerged, merge.OutputExt, old))

	for _, p := range []string{indexed, lost} {
		_, err := f.rec.Store().SaveRecording(ctx, audiocore.MergeOutput{Path: p, Duration: time.Second}, old)
		require.NoError(t, err)
	}
	require.NoError(t, os.Remove(lost))

	removed, pruned, err := f.rec.Sweep(ctx, DefaultSweepAge)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, pruned)
	assert.FileExists(t, indexed)
	assert.FileExists(t, fresh)
	assert.NoFileExists(t, stale)
}

func TestMetricsEndpointDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	endpoint, err := f.rec.StartMetricsEndpoint(context.Background())
	require.NoError(t, err)
	assert.Nil(t, endpoint)
}

func TestMetricsEndpointServes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.rec.settings.Metrics.Enabled = true
	f.rec.settings.Metrics.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	endpoint, err := f.rec.StartMetricsEndpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, endpoint)

	cancel()
	endpoint.Wait()
}
