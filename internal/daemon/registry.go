package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Record is one registry entry. WorkerHandle is the worker's PID, which is
// also its process group id.
type Record struct {
	SessionID    string    `json:"sessionId"`
	WorkerHandle int       `json:"workerHandle"`
	LogFile      string    `json:"logFile"`
	StartTime    time.Time `json:"startTime"`
}

// registry is the on-disk mirror of the supervisor's records. Every access
// goes through a sibling .lock file so concurrent CLI invocations never
// interleave a read-modify-write. A flock.Flock is reentrant for its owner,
// so mu serializes goroutines within this process.
type registry struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

func newRegistry(path string) *registry {
	return &registry{path: path, lock: flock.New(path + ".lock")}
}

func (r *registry) ensureDir() error {
	return os.MkdirAll(filepath.Dir(r.path), 0o700)
}

// read returns the registry contents under a shared lock.
func (r *registry) read() (map[string]Record, error) {
	if err := r.ensureDir(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	defer func() { _ = r.lock.Unlock() }()
	return r.load()
}

// update applies fn to the registry under an exclusive lock and persists
// the result. fn returning false skips the write.
func (r *registry) update(fn func(map[string]Record) bool) (map[string]Record, error) {
	if err := r.ensureDir(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	defer func() { _ = r.lock.Unlock() }()

	records, err := r.load()
	if err != nil {
		return nil, err
	}
	if !fn(records) {
		return records, nil
	}
	if err := r.save(records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *registry) load() (map[string]Record, error) {
	records := make(map[string]Record)
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(data) == 0 {
		return records, nil
	}

	var list []Record
	if err := json.Unmarshal(data, &list); err != nil {
		// A corrupt registry only loses crash-recovery hints.
		daemonLog.Warn("registry_corrupt", slog.String("path", r.path), slog.String("error", err.Error()))
		return records, nil
	}
	for _, rec := range list {
		if rec.SessionID != "" {
			records[rec.SessionID] = rec
		}
	}
	return records, nil
}

func (r *registry) save(records map[string]Record) error {
	data, err := json.MarshalIndent(sortedRecords(records), "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

func sortedRecords(records map[string]Record) []Record {
	list := make([]Record, 0, len(records))
	for _, rec := range records {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].StartTime.Before(list[j].StartTime)
		}
		return list[i].SessionID < list[j].SessionID
	})
	return list
}
