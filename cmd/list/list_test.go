package list

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/datastore"
	"github.com/duorec/duorec/internal/logger"
)

func TestPrintRecordings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := datastore.Open(filepath.Join(dir, "index.db"), logger.NewSlogLogger(nil, logger.LogLevelError, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	var out bytes.Buffer
	require.NoError(t, printRecordings(ctx, &out, store, 0))
	assert.Equal(t, "no recordings\n", out.String())

	path := filepath.Join(dir, "meeting.m4a")
	require.NoError(t, os.WriteFile(path, make([]byte, 3072), 0o644))
	rec, err := store.SaveRecording(ctx, audiocore.MergeOutput{Path: path, Duration: 90 * time.Second, IncludesSystemAudio: true}, time.Now())
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, printRecordings(ctx, &out, store, 10))
	text := out.String()
	assert.Contains(t, text, "ID")
	assert.Contains(t, text, rec.UUID)
	assert.Contains(t, text, "1m30s")
	assert.Contains(t, text, "yes")
	assert.Contains(t, text, "3.0 KiB")
	assert.Contains(t, text, path)
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.in))
	}
}
