package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l, closeLog, err := New(Options{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closeLog()

	cl := Component(l, "poller")
	cl.Debug().Int64("offset", 7).Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "poller", line["component"])
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, float64(7), line["offset"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l, closeLog, err := New(Options{Level: "chatty"}, &buf)
	require.NoError(t, err)
	defer closeLog()

	l.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
	l.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_FileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "worker.log")
	l, closeLog, err := New(Options{Level: "info", File: path}, &buf)
	require.NoError(t, err)

	l.Info().Msg("to both")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "***", Redact("short"))
	assert.Equal(t, "1234...yz", Redact("1234567:ABCxyz"))
}

func TestNew_CloseWithoutFileIsNoop(t *testing.T) {
	_, closeLog, err := New(Options{}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.NoError(t, closeLog())
	assert.NoError(t, closeLog())
}

func TestNew_FileSinkBadDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, closeLog, err := New(Options{File: filepath.Join(blocker, "worker.log")}, &bytes.Buffer{})
	require.Error(t, err)
	assert.NoError(t, closeLog())
}
