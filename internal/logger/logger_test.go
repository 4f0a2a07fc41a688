package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/notiq/internal/logger"
)

func readLogLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var lines []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(raw), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		lines = append(lines, entry)
	}
	return lines
}

func TestNewSystemLogger_WritesJSONToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	log, err := logger.NewSystemLogger(dir, slog.LevelInfo)
	require.NoError(t, err)

	log.Info("worker started", "worker_count", 3)

	lines := readLogLines(t, filepath.Join(dir, "notiq.log"))
	require.Len(t, lines, 1)
	assert.Equal(t, "worker started", lines[0]["msg"])
	assert.Equal(t, float64(3), lines[0]["worker_count"])
	assert.Equal(t, "INFO", lines[0]["level"])
}

func TestNewSystemLogger_HonorsLevel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	log, err := logger.NewSystemLogger(dir, slog.LevelWarn)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")

	lines := readLogLines(t, filepath.Join(dir, "notiq.log"))
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
}

func TestNewSystemLogger_FansOutToExtraHandlers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	var extra bytes.Buffer
	log, err := logger.NewSystemLogger(dir, slog.LevelInfo,
		slog.NewJSONHandler(&extra, &slog.HandlerOptions{Level: slog.LevelInfo}))
	require.NoError(t, err)

	log.With("job_id", "job-1").Info("job delivered")

	lines := readLogLines(t, filepath.Join(dir, "notiq.log"))
	require.Len(t, lines, 1)
	assert.Equal(t, "job delivered", lines[0]["msg"])
	assert.Equal(t, "job-1", lines[0]["job_id"])

	var mirrored map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(extra.Bytes()), &mirrored))
	assert.Equal(t, "job delivered", mirrored["msg"])
	assert.Equal(t, "job-1", mirrored["job_id"])
}

func TestNewCLILogger(t *testing.T) {
	log := logger.NewCLILogger(slog.LevelDebug)
	require.NotNil(t, log)
	assert.True(t, log.Enabled(t.Context(), slog.LevelDebug))
}
