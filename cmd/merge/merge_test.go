package merge

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duorec/duorec/internal/audiocore/merge"
	"github.com/duorec/duorec/internal/datastore"
	"github.com/duorec/duorec/internal/logger"
)

const testRate = 1000

func writeWav(t *testing.T, path string, frames int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, testRate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           make([]int, frames),
		Format:         &audio.Format{SampleRate: testRate, NumChannels: 1},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func testEngine() *merge.Engine {
	return merge.NewEngine(merge.Options{
		Logger: logger.NewSlogLogger(nil, logger.LogLevelError, nil),
		Runner: merge.RunnerFunc(func(_ context.Context, _ string, args []string) error {
			return os.WriteFile(args[len(args)-1], []byte("m4a"), 0o644)
		}),
	})
}

func TestMergeFilesWithSystemAudio(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mic := filepath.Join(dir, "mic.wav")
	system := filepath.Join(dir, "system.wav")
	writeWav(t, mic, 2000)
	writeWav(t, system, 3000)

	var out bytes.Buffer
	require.NoError(t, mergeFiles(context.Background(), &out, testEngine(), nil, mic, system))
	assert.Contains(t, out.String(), "(3s, with system audio)")
	assert.Contains(t, out.String(), merge.OutputExt)
}

func TestMergeFilesPassthroughIsIndexed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mic := filepath.Join(dir, "mic.wav")
	writeWav(t, mic, 1500)

	store, err := datastore.Open(filepath.Join(dir, "index.db"), logger.NewSlogLogger(nil, logger.LogLevelError, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var out bytes.Buffer
	require.NoError(t, mergeFiles(context.Background(), &out, testEngine(), store, mic, ""))
	assert.Contains(t, out.String(), mic+" (1.5s)")
	assert.Contains(t, out.String(), "indexed as ")

	recs, err := store.ListRecordings(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1500*time.Millisecond, recs[0].Duration())
}

func TestMergeFilesMissingInput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := mergeFiles(context.Background(), &out, testEngine(), nil, filepath.Join(t.TempDir(), "nope.wav"), "")
	require.Error(t, err)
	assert.Empty(t, out.String())
}
