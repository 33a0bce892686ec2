package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout); SetLevel("info") })

	SetLevel("info")
	Debugf("hidden %d", 1)
	Infof("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")

	buf.Reset()
	SetLevel("DEBUG")
	Debugf("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestInfoBlockSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	InfoBlock("report", "  first\nsecond  ")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "block=report")
}

func TestSetFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("json")
	t.Cleanup(func() { SetFormat("text"); SetOutput(os.Stdout) })

	With("session", "1:averaging:BTCUSDT").Info("recovered")
	assert.Contains(t, buf.String(), `"session":"1:averaging:BTCUSDT"`)
	assert.Contains(t, buf.String(), `"msg":"recovered"`)
}

func TestSetFileOutputWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "keeper.log")
	closer, err := SetFileOutput(FileConfig{Path: path, MaxSizeMB: 1})
	require.NoError(t, err)
	require.NotNil(t, closer)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	Warnf("rotated %s", "entry")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotated entry")
}

func TestSetFileOutputEmptyPath(t *testing.T) {
	closer, err := SetFileOutput(FileConfig{})
	assert.NoError(t, err)
	assert.Nil(t, closer)
}

func TestSetLevelUnknownFallsBackToInfo(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	assert.True(t, SetLevel("warning"))
	assert.False(t, SetLevel("verbose"))

	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })
	Debugf("quiet")
	Infof("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}
