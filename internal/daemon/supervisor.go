// Package daemon spawns and tracks one worker process per session.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ccremote/ccremote/internal/config"
	"github.com/ccremote/ccremote/internal/logging"
	"github.com/ccremote/ccremote/internal/monitor"
)

var daemonLog = logging.ForComponent(logging.CompDaemon)

// ErrSpawn is the cause of every spawn failure.
var ErrSpawn = errors.New("spawn worker")

// WorkerEnv is set in every worker's environment.
const WorkerEnv = "CCREMOTE_WORKER"

const (
	defaultStopTimeout = 5 * time.Second
	stopPollInterval   = 50 * time.Millisecond
)

// Options configure a Supervisor.
type Options struct {
	// RegistryPath is the durable registry file.
	RegistryPath string
	// LogDir receives one <session-id>.log per worker.
	LogDir string
	// Home is exported to workers as CCREMOTE_HOME.
	Home string
	// Executable defaults to the running binary.
	Executable string
	// Args builds the worker argv (without argv[0]); default: worker <id>.
	Args func(sessionID string) []string
	// Env is appended to the inherited environment.
	Env []string
	// StopTimeout is the SIGTERM grace period before SIGKILL.
	StopTimeout time.Duration
}

// Supervisor owns the worker registry. Construct one per process.
type Supervisor struct {
	opts Options
	reg  *registry

	mu    sync.Mutex
	reaps map[int]chan struct{} // children of this process, closed after Wait
}

// New loads the registry and discards entries whose worker is gone.
func New(opts Options) (*Supervisor, error) {
	if opts.RegistryPath == "" {
		return nil, errors.New("daemon: registry path is required")
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(filepath.Dir(opts.RegistryPath), config.LogsDirName)
	}
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		opts.Executable = exe
	}
	if opts.Args == nil {
		opts.Args = func(id string) []string { return []string{"worker", id} }
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}

	s := &Supervisor{
		opts:  opts,
		reg:   newRegistry(opts.RegistryPath),
		reaps: make(map[int]chan struct{}),
	}
	if _, err := s.Prune(); err != nil {
		return nil, err
	}
	return s, nil
}

// Alive reports whether rec's worker is still running.
func (s *Supervisor) Alive(rec Record) bool {
	return processAlive(rec.WorkerHandle, rec.SessionID)
}

// Prune removes registry entries whose worker is no longer alive and
// returns the removed session ids. Stale entries are not errors.
func (s *Supervisor) Prune() ([]string, error) {
	var removed []string
	_, err := s.reg.update(func(records map[string]Record) bool {
		for id, rec := range records {
			if !s.Alive(rec) {
				delete(records, id)
				removed = append(removed, id)
			}
		}
		return len(removed) > 0
	})
	if err != nil {
		return nil, err
	}
	for _, id := range removed {
		daemonLog.Info("stale_worker_pruned", slog.String("session", id))
	}
	return removed, nil
}

// List returns registered workers ordered by start time.
func (s *Supervisor) List() ([]Record, error) {
	records, err := s.reg.read()
	if err != nil {
		return nil, err
	}
	return sortedRecords(records), nil
}

// Get returns the registry entry for sessionID.
func (s *Supervisor) Get(sessionID string) (Record, bool, error) {
	records, err := s.reg.read()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := records[sessionID]
	return rec, ok, nil
}

// Spawn starts a worker for sessionID. An existing worker for the same
// session is stopped first, so at most one is ever registered.
func (s *Supervisor) Spawn(sessionID string) (Record, error) {
	if sessionID == "" {
		return Record{}, spawnError(sessionID, errors.New("empty session id"))
	}
	if err := s.Stop(sessionID); err != nil {
		return Record{}, spawnError(sessionID, fmt.Errorf("stop previous worker: %w", err))
	}

	if err := os.MkdirAll(s.opts.LogDir, 0o700); err != nil {
		return Record{}, spawnError(sessionID, err)
	}
	logPath := filepath.Join(s.opts.LogDir, sessionID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return Record{}, spawnError(sessionID, fmt.Errorf("open log: %w", err))
	}
	defer logFile.Close()

	cmd := exec.Command(s.opts.Executable, s.opts.Args(sessionID)...)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	if s.opts.Home != "" {
		cmd.Env = append(cmd.Env, config.HomeEnv+"="+s.opts.Home)
	}
	cmd.Env = append(cmd.Env, s.opts.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so Stop reaches anything the worker starts.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Record{}, spawnError(sessionID, err)
	}
	pid := cmd.Process.Pid

	done := make(chan struct{})
	s.mu.Lock()
	s.reaps[pid] = done
	s.mu.Unlock()
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.reaps, pid)
		s.mu.Unlock()
		close(done)
		attrs := []any{slog.String("session", sessionID), slog.Int("pid", pid)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		daemonLog.Info("worker_exited", attrs...)
	}()

	rec := Record{
		SessionID:    sessionID,
		WorkerHandle: pid,
		LogFile:      logPath,
		StartTime:    time.Now(),
	}
	if _, err := s.reg.update(func(records map[string]Record) bool {
		records[sessionID] = rec
		return true
	}); err != nil {
		_ = signalGroup(pid, syscall.SIGKILL)
		return Record{}, spawnError(sessionID, fmt.Errorf("register: %w", err))
	}

	daemonLog.Info("worker_spawned",
		slog.String("session", sessionID),
		slog.Int("pid", pid),
		slog.String("log", logPath))
	return rec, nil
}

func spawnError(sessionID string, err error) error {
	return &monitor.FatalError{SessionID: sessionID, Cause: fmt.Errorf("%w: %w", ErrSpawn, err)}
}

// Stop terminates the worker for sessionID and removes its entry. Unknown
// sessions and workers that already exited are not errors.
func (s *Supervisor) Stop(sessionID string) error {
	rec, ok, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if s.Alive(rec) {
		if err := s.terminate(rec); err != nil {
			return fmt.Errorf("stop worker %s: %w", sessionID, err)
		}
	}

	_, err = s.reg.update(func(records map[string]Record) bool {
		cur, ok := records[sessionID]
		if !ok || cur.WorkerHandle != rec.WorkerHandle {
			return false
		}
		delete(records, sessionID)
		return true
	})
	if err != nil {
		return err
	}
	daemonLog.Info("worker_stopped", slog.String("session", sessionID), slog.Int("pid", rec.WorkerHandle))
	return nil
}

// terminate sends SIGTERM to the worker's group and escalates to SIGKILL
// after the grace period.
func (s *Supervisor) terminate(rec Record) error {
	pid := rec.WorkerHandle
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		return err
	}
	if s.waitExit(rec, s.opts.StopTimeout) {
		return nil
	}

	daemonLog.Warn("worker_kill", slog.String("session", rec.SessionID), slog.Int("pid", pid))
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		return err
	}
	if !s.waitExit(rec, time.Second) {
		return fmt.Errorf("pid %d still running after SIGKILL", pid)
	}
	return nil
}

func (s *Supervisor) waitExit(rec Record, timeout time.Duration) bool {
	s.mu.Lock()
	done := s.reaps[rec.WorkerHandle]
	s.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(stopPollInterval)
	defer tick.Stop()

	for {
		if done == nil && !s.Alive(rec) {
			return true
		}
		select {
		case <-done:
			return true
		case <-deadline.C:
			return !s.Alive(rec)
		case <-tick.C:
		}
	}
}

// StopAll stops every registered worker concurrently. It is a no-op when
// nothing is registered.
func (s *Supervisor) StopAll(ctx context.Context) error {
	records, err := s.List()
	if err != nil {
		return err
	}
	g, _ := errgroup.WithContext(ctx)
	for _, rec := range records {
		id := rec.SessionID
		g.Go(func() error { return s.Stop(id) })
	}
	return g.Wait()
}
