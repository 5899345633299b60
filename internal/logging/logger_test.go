package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureWritesJSONEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Configure(dir, LevelDebug, true))

	l := Get(CategoryCalibration)
	l.Info("calibration accepted: mean=%.2f", 0.58)

	path := filepath.Join(dir, "calibration.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var entry Entry
	// Each line is a JSON object; take the first.
	line := data
	if idx := indexNewline(data); idx >= 0 {
		line = data[:idx]
	}
	require.NoError(t, json.Unmarshal(line, &entry))
	require.Equal(t, "calibration", entry.Category)
	require.Equal(t, "INFO", entry.Level)
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Configure(dir, LevelError, false))

	l := Get(CategorySandbox)
	l.Debug("should not appear")
	l.Error("should appear")

	data, err := os.ReadFile(filepath.Join(dir, "sandbox.log"))
	require.NoError(t, err)
	require.NotContains(t, string(data), "should not appear")
	require.Contains(t, string(data), "should appear")
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}
