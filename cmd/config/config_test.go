package config

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duorec/duorec/internal/conf"
)

func TestInitWritesDefaultConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "duorec", "config.yaml")
	cmd := Command(&conf.Settings{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", "--output", path})

	require.NoError(t, cmd.Execute())
	assert.FileExists(t, path)
	assert.Contains(t, out.String(), path)

	// a second init refuses to overwrite
	cmd = Command(&conf.Settings{})
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", "--output", path})
	require.Error(t, cmd.Execute())
}

func TestShowPrintsSettings(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Recordings.Dir = "/tmp/recordings-under-test"
	cmd := Command(settings)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "/tmp/recordings-under-test")
}
