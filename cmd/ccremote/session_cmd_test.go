package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccremote/ccremote/internal/config"
	"github.com/ccremote/ccremote/internal/daemon"
	"github.com/ccremote/ccremote/internal/schedule"
	"github.com/ccremote/ccremote/internal/statedb"
)

func TestNewSessionRecord(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)
	quota := config.QuotaSettings{Time: "5:00", CommandTemplate: "/usage {date}"}

	t.Run("no quota", func(t *testing.T) {
		rec, err := newSessionRecord(startRequest{ID: "id1", Name: "My App", Now: now}, quota)
		require.NoError(t, err)
		assert.Equal(t, "ccremote-My-App", rec.TmuxSession)
		assert.Equal(t, statedb.StatusActive, rec.Status)
		assert.Nil(t, rec.Quota)
		assert.Equal(t, now, rec.CreatedAt)
	})

	t.Run("explicit time", func(t *testing.T) {
		rec, err := newSessionRecord(startRequest{ID: "id2", Name: "x", QuotaTime: "12:30", Now: now}, quota)
		require.NoError(t, err)
		require.NotNil(t, rec.Quota)
		assert.Equal(t, time.Date(2026, 3, 2, 12, 30, 0, 0, time.Local), rec.Quota.NextExecution)
		assert.Equal(t, "/usage 2026-03-02", rec.Quota.Command)
	})

	t.Run("default time rolls to tomorrow", func(t *testing.T) {
		rec, err := newSessionRecord(startRequest{ID: "id3", Name: "x", QuotaTime: "default", Now: now}, quota)
		require.NoError(t, err)
		require.NotNil(t, rec.Quota)
		assert.Equal(t, time.Date(2026, 3, 3, 5, 0, 0, 0, time.Local), rec.Quota.NextExecution)
	})

	t.Run("invalid time", func(t *testing.T) {
		_, err := newSessionRecord(startRequest{ID: "id4", Name: "x", QuotaTime: "25:00", Now: now}, quota)
		assert.Error(t, err)
	})
}

func TestNameTaken(t *testing.T) {
	records := []statedb.SessionRecord{
		{Name: "live", Status: statedb.StatusWaiting},
		{Name: "old", Status: statedb.StatusEnded},
	}
	assert.True(t, nameTaken(records, "live"))
	assert.False(t, nameTaken(records, "old"))
	assert.False(t, nameTaken(records, "new"))
}

func TestBuildRowsAndRenderTable(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	next := now.Add(time.Hour)
	records := []statedb.SessionRecord{
		{ID: "aaaaaaaa-1", Name: "running", TmuxSession: "ccremote-running", Status: statedb.StatusActive,
			LastActivity: now.Add(-2 * time.Minute), Quota: &schedule.QuotaSchedule{Time: "13:00", NextExecution: next}},
		{ID: "bbbbbbbb-2", Name: "idle", TmuxSession: "ccremote-idle", Status: statedb.StatusWaiting},
	}
	workers := []daemon.Record{{SessionID: "aaaaaaaa-1", WorkerHandle: 4242}}

	rows := buildRows(records, workers, func(r daemon.Record) bool { return r.WorkerHandle == 4242 })
	require.Len(t, rows, 2)
	assert.True(t, rows[0].WorkerRunning)
	assert.Equal(t, 4242, rows[0].WorkerPID)
	require.NotNil(t, rows[0].NextQuota)
	assert.Equal(t, next, *rows[0].NextQuota)
	assert.False(t, rows[1].WorkerRunning)
	assert.Nil(t, rows[1].NextQuota)

	out := renderTable(rows, now)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], "aaaaaaaa")
	assert.Contains(t, lines[1], "4242")
	assert.Contains(t, lines[1], "2m ago")
	assert.Contains(t, lines[2], "stopped")
	assert.Contains(t, out, "Total: 2 sessions")
}

func TestParseOption(t *testing.T) {
	n, err := parseOption(" 2 ")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, bad := range []string{"0", "10", "yes", ""} {
		_, err := parseOption(bad)
		assert.Error(t, err, bad)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", " b ", "c"))
	assert.Equal(t, "", firstNonEmpty("", " "))
}

func TestReadSubscription(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "sub.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"endpoint":"https://push.example/abc","keys":{"p256dh":"pk","auth":"au"}}`), 0o600))
	sub, err := readSubscription(good)
	require.NoError(t, err)
	assert.Equal(t, "https://push.example/abc", sub.Endpoint)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"endpoint":"https://push.example/abc"}`), 0o600))
	_, err = readSubscription(bad)
	assert.Error(t, err)

	_, err = readSubscription(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
