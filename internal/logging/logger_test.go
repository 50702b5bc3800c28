package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLog(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return decodeLines(t, data)
}

func TestInitWritesSessionLogFile(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, FileName: "s1.log"})
	defer Shutdown()

	Logger().Info("worker_started", "session", "s1")

	records := readLog(t, filepath.Join(dir, "s1.log"))
	require.NotEmpty(t, records)
	assert.Equal(t, "worker_started", records[0]["msg"])
	assert.Equal(t, "s1", records[0]["session"])
}

func TestInitWithoutDestinationDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	require.NotNil(t, Logger())
	Logger().Info("goes_nowhere")
}

func TestForComponentCreatedBeforeInit(t *testing.T) {
	Shutdown()
	early := ForComponent(CompMonitor)

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	early.Info("limit_detected")

	records := readLog(t, filepath.Join(dir, DefaultFileName))
	require.NotEmpty(t, records)
	assert.Equal(t, CompMonitor, records[0]["component"])
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("should_be_filtered")
	Logger().Warn("should_appear")

	records := readLog(t, filepath.Join(dir, DefaultFileName))
	require.Len(t, records, 1)
	assert.Equal(t, "should_appear", records[0]["msg"])
}

func TestConsoleMirror(t *testing.T) {
	Shutdown()
	var console bytes.Buffer
	Init(Config{Console: &console, Format: "text"})
	defer Shutdown()

	Logger().Info("spawned")
	assert.Contains(t, console.String(), "msg=spawned")
}

func TestDumpRingBuffer(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, RingBufferSize: 4096})
	defer Shutdown()

	Logger().Error("poll_retries_exhausted")

	dump := filepath.Join(dir, "s1.crash.log")
	require.NoError(t, DumpRingBuffer(dump))
	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll_retries_exhausted")
}

func TestForSessionAndGroups(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	log := ForSession(CompWorker, "s1")
	log.WithGroup("tick").With(slog.Int("retry", 2)).Warn("poll_failed", slog.String("error", "boom"))

	records := readLog(t, filepath.Join(dir, DefaultFileName))
	require.Len(t, records, 1)
	assert.Equal(t, CompWorker, records[0]["component"])
	assert.Equal(t, "s1", records[0]["session"])
	tick, ok := records[0]["tick"].(map[string]any)
	require.True(t, ok, "grouped attrs nest under the group")
	assert.Equal(t, float64(2), tick["retry"])
	assert.Equal(t, "boom", tick["error"])
}

func TestReinitSwitchesFile(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, FileName: "cli.log"})
	Logger().Info("first")
	Init(Config{LogDir: dir, FileName: "s1.log"})
	defer Shutdown()
	Logger().Info("second")

	assert.Len(t, readLog(t, filepath.Join(dir, "cli.log")), 1)
	second := readLog(t, filepath.Join(dir, "s1.log"))
	require.Len(t, second, 1)
	assert.Equal(t, "second", second[0]["msg"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("chatty"))
}
