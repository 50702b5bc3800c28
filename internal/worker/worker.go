// Package worker hosts one session monitor in its own process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/ccremote/ccremote/internal/config"
	"github.com/ccremote/ccremote/internal/logging"
	"github.com/ccremote/ccremote/internal/monitor"
	"github.com/ccremote/ccremote/internal/notify"
	"github.com/ccremote/ccremote/internal/platform"
	"github.com/ccremote/ccremote/internal/statedb"
	"github.com/ccremote/ccremote/internal/tmux"
)

var workerLog = logging.ForComponent(logging.CompWorker)

// ErrAlreadyRunning means another worker holds the session lock.
var ErrAlreadyRunning = errors.New("worker already running")

const heartbeatInterval = 15 * time.Second

// Options let tests replace the outer collaborators. Zero values use the
// real tmux bridge, the configured sinks and the wall clock.
type Options struct {
	// Home is the data directory; empty resolves $CCREMOTE_HOME or ~/.ccremote.
	Home     string
	Console  io.Writer
	Terminal monitor.Terminal
	Sink     notify.Sink
	Clock    monitor.Clock
}

// Run monitors sessionID until the session ends, a fatal error occurs, or
// SIGINT/SIGTERM arrives. A tick in progress always completes first.
func Run(ctx context.Context, sessionID string, opts Options) error {
	paths, err := config.ResolvePaths(opts.Home)
	if err != nil {
		return err
	}
	if err := paths.Ensure(); err != nil {
		return err
	}
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		LogDir:     paths.Logs,
		FileName:   filepath.Base(paths.SessionLogFile(sessionID)),
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   cfg.Logs.Compress,
		Console:    opts.Console,
	})
	defer logging.Shutdown()
	log := logging.ForSession(logging.CompWorker, sessionID)

	lock := flock.New(paths.SessionLockFile(sessionID))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w for session %s", ErrAlreadyRunning, sessionID)
	}
	defer func() { _ = lock.Unlock() }()

	db, err := openStore(paths)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := db.Get(sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if err := db.RegisterWorker(sessionID); err != nil {
		log.Warn("heartbeat_register_failed", slog.String("error", err.Error()))
	}
	defer func() { _ = db.UnregisterWorker(sessionID) }()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	term := opts.Terminal
	if term == nil {
		term = tmux.NewBridge(tmux.Options{ContinueCommand: cfg.Monitor.ContinueCommand})
	}
	sink := opts.Sink
	if sink == nil {
		if sink, err = BuildSink(runCtx, cfg, paths, sessionID); err != nil {
			return fmt.Errorf("notification channels: %w", err)
		}
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("sink_close_failed", slog.String("error", err.Error()))
		}
	}()

	grammar, err := GrammarFromSettings(cfg.Patterns)
	if err != nil {
		return err
	}
	mon, err := monitor.New(sessionID, monitor.Deps{
		Terminal: term,
		Store:    db,
		Notifier: sink,
		Grammar:  grammar,
		Clock:    opts.Clock,
	}, monitor.ConfigFromSettings(cfg.Monitor))
	if err != nil {
		return err
	}
	sink.OnOptionSelected(func(id string, n int) {
		if id == sessionID {
			mon.SelectOption(n)
		}
	})

	log.Info("worker_started",
		slog.String("tmux", rec.TmuxSession),
		slog.String("status", string(rec.Status)),
		slog.String("platform", platform.Detect().String()))

	var wg sync.WaitGroup
	beatCtx, stopBeat := context.WithCancel(runCtx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeat(beatCtx, db, sessionID)
	}()

	events := make(chan monitor.Event, 64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			logEvent(log, ev)
		}
	}()

	runErr := mon.Run(runCtx, events)
	close(events)
	stopBeat()
	wg.Wait()

	finalize(log, db, term, mon, rec)

	if runErr != nil {
		crash := paths.SessionCrashFile(sessionID)
		if err := logging.DumpRingBuffer(crash); err != nil {
			log.Warn("crash_dump_failed", slog.String("error", err.Error()))
		}
		log.Error("worker_fatal", slog.String("error", runErr.Error()), slog.String("crash_log", crash))
		return runErr
	}
	log.Info("worker_stopped", slog.Bool("ended", mon.Ended()))
	return nil
}

func openStore(paths config.Paths) (*statedb.StateDB, error) {
	db, err := statedb.Open(paths.StateDB)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if n, err := statedb.MigrateLegacyFile(filepath.Join(paths.Root, statedb.LegacyFileName), db); err != nil {
		workerLog.Warn("legacy_migration_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		workerLog.Info("legacy_sessions_migrated", slog.Int("count", n))
	}
	return db, nil
}

func heartbeat(ctx context.Context, db *statedb.StateDB, sessionID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Beat(sessionID); err != nil {
				workerLog.Debug("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// finalize records ended when the terminal session is gone at shutdown.
func finalize(log *slog.Logger, db *statedb.StateDB, term monitor.Terminal, mon *monitor.Monitor, rec statedb.SessionRecord) {
	if mon.Ended() || term.SessionExists(rec.TmuxSession) {
		return
	}
	_, err := db.Update(rec.ID, statedb.StatusPatch(statedb.StatusEnded, time.Now()))
	if err != nil && !errors.Is(err, statedb.ErrEnded) {
		log.Warn("final_status_failed", slog.String("error", err.Error()))
	}
}

func logEvent(log *slog.Logger, ev monitor.Event) {
	attrs := []any{slog.String("event", string(ev.Type))}
	if !ev.ResetAt.IsZero() {
		attrs = append(attrs, slog.Time("reset_at", ev.ResetAt))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	if ev.Immediate {
		attrs = append(attrs, slog.Bool("immediate", true))
	}
	if ev.Approval != nil {
		attrs = append(attrs, slog.String("action", ev.Approval.Action))
	}
	if ev.Option > 0 {
		attrs = append(attrs, slog.Int("option", ev.Option))
	}
	if ev.Command != "" {
		attrs = append(attrs, slog.String("command", ev.Command))
	}
	switch ev.Type {
	case monitor.EventError:
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
		log.Warn("monitor_event", attrs...)
	case monitor.EventFatal:
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
		log.Error("monitor_event", attrs...)
	default:
		log.Info("monitor_event", attrs...)
	}
}
