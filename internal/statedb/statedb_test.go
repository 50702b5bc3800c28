package statedb

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ccremote/ccremote/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRecord(id string) SessionRecord {
	return SessionRecord{
		ID:          id,
		Name:        "name-" + id,
		TmuxSession: "ccremote-" + id,
		CreatedAt:   time.Now().Truncate(time.Millisecond),
	}
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	db1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db1.Migrate())
	require.NoError(t, db1.Create(sampleRecord("s1")))
	require.NoError(t, db1.Close())

	db2, err := Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, db2.Migrate())

	rec, err := db2.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "name-s1", rec.Name)
	assert.Equal(t, StatusActive, rec.Status)

	version, err := db2.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}

func TestCreateDuplicate(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(sampleRecord("dup")))
	err := db.Create(sampleRecord("dup"))
	assert.True(t, errors.Is(err, ErrExists))
}

func TestCreateRejectsInvalid(t *testing.T) {
	db := newTestDB(t)
	assert.Error(t, db.Create(SessionRecord{}))
	rec := sampleRecord("bad")
	rec.Status = "paused"
	assert.Error(t, db.Create(rec))
}

func TestGetNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = db.Update("missing", StatusPatch(StatusWaiting, time.Now()))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdatePatch(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(sampleRecord("s1")))

	now := time.Now().Truncate(time.Millisecond)
	rec, err := db.Update("s1", StatusPatch(StatusWaiting, now))
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, rec.Status)
	assert.True(t, rec.LastActivity.Equal(now))

	channel := "C123"
	_, err = db.Update("s1", Patch{ChannelID: &channel})
	require.NoError(t, err)

	got, err := db.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status, "untouched fields survive")
	assert.Equal(t, "C123", got.ChannelID)
	assert.Equal(t, "name-s1", got.Name)
	assert.True(t, got.LastActivity.Equal(now))
}

func TestUpdateQuota(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(sampleRecord("q")))

	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	qs, err := schedule.NewQuotaSchedule("5:00", "/usage {date}", now)
	require.NoError(t, err)

	_, err = db.Update("q", Patch{Quota: qs})
	require.NoError(t, err)

	got, err := db.Get("q")
	require.NoError(t, err)
	require.NotNil(t, got.Quota)
	assert.Equal(t, "/usage 2026-03-11", got.Quota.Command)
	assert.True(t, got.Quota.NextExecution.Equal(qs.NextExecution))

	_, err = db.Update("q", Patch{ClearQuota: true})
	require.NoError(t, err)
	got, err = db.Get("q")
	require.NoError(t, err)
	assert.Nil(t, got.Quota)
}

func TestEndedIsTerminal(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(sampleRecord("e")))

	_, err := db.Update("e", StatusPatch(StatusEnded, time.Now()))
	require.NoError(t, err)

	_, err = db.Update("e", StatusPatch(StatusActive, time.Now()))
	assert.True(t, errors.Is(err, ErrEnded))

	// Re-marking ended is fine.
	_, err = db.Update("e", StatusPatch(StatusEnded, time.Now()))
	assert.NoError(t, err)
}

func TestListAndDelete(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Truncate(time.Millisecond)
	for i, id := range []string{"b", "a", "c"} {
		rec := sampleRecord(id)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, db.Create(rec))
	}

	list, err := db.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})

	require.NoError(t, db.Delete("a"))
	require.NoError(t, db.Delete("a"))
	list, err = db.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	empty, err := db.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestConcurrentUpdates(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(sampleRecord("c")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			_, err := db.Update("c", Patch{LastActivity: &now})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestWorkerHeartbeats(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RegisterWorker("s1"))
	require.NoError(t, db.Beat("s1"))

	hbs, err := db.Heartbeats()
	require.NoError(t, err)
	require.Contains(t, hbs, "s1")
	assert.Equal(t, os.Getpid(), hbs["s1"].PID)

	require.NoError(t, db.CleanStaleHeartbeats(time.Hour))
	hbs, err = db.Heartbeats()
	require.NoError(t, err)
	assert.Len(t, hbs, 1)

	require.NoError(t, db.UnregisterWorker("s1"))
	hbs, err = db.Heartbeats()
	require.NoError(t, err)
	assert.Empty(t, hbs)
}

func TestMigrateLegacyFile(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(sampleRecord("ccremote-2")))

	dir := t.TempDir()
	path := filepath.Join(dir, LegacyFileName)
	legacy := `{
  "ccremote-1": {
    "id": "ccremote-1",
    "name": "api",
    "tmuxSession": "ccremote-1",
    "status": "waiting",
    "created": "2026-03-01T10:00:00Z",
    "lastActivity": "2026-03-01T11:00:00Z",
    "quotaSchedule": {"time": "5:00", "command": "/usage", "nextExecution": "2026-03-02T05:00:00Z"}
  },
  "ccremote-2": {"id": "ccremote-2", "name": "dup", "status": "active", "created": "2026-03-01T10:00:00Z"},
  "ccremote-3": {"name": "legacy", "status": "unknown-state", "created": "2026-03-01T10:00:00Z"}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	n, err := MigrateLegacyFile(path, db)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := db.Get("ccremote-1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, rec.Status)
	require.NotNil(t, rec.Quota)
	assert.Equal(t, "5:00", rec.Quota.Time)

	rec, err = db.Get("ccremote-3")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, "ccremote-3", rec.TmuxSession)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".migrated")
	assert.NoError(t, err)

	// Second run is a no-op.
	n, err = MigrateLegacyFile(path, db)
	require.NoError(t, err)
	assert.Zero(t, n)
}
