// Package logging routes structured slog records to a rotating file, an
// in-memory ring kept for crash dumps, and optionally the console.
package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names carried in the "component" attribute.
const (
	CompMonitor  = "monitor"
	CompDetect   = "detect"
	CompSchedule = "schedule"
	CompDaemon   = "daemon"
	CompNotify   = "notify"
	CompTmux     = "tmux"
	CompStore    = "store"
	CompWorker   = "worker"
	CompCLI      = "cli"
)

// DefaultFileName is the log file used when Config.FileName is empty.
const DefaultFileName = "ccremote.log"

const (
	defaultMaxSizeMB     = 10
	defaultMaxBackups    = 5
	defaultMaxAgeDays    = 10
	defaultRingBytes     = 1 << 20
	defaultAggregateSecs = 60
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files. When empty, nothing is written
	// to disk.
	LogDir string

	// FileName is the log file inside LogDir. Workers use "<session-id>.log".
	FileName string

	// Level is "debug", "info", "warn" or "error" (default info).
	Level string

	// Format is "json" (default) or "text".
	Format string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// RingBufferSize is the crash ring size in bytes (default 1MB).
	RingBufferSize int

	// AggregateIntervalSecs is how often aggregated events are flushed (default 60).
	AggregateIntervalSecs int

	// Console, when set, receives a copy of every record.
	Console io.Writer
}

func (c Config) withDefaults() Config {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = defaultMaxSizeMB
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = defaultMaxBackups
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = defaultMaxAgeDays
	}
	if c.RingBufferSize <= 0 {
		c.RingBufferSize = defaultRingBytes
	}
	if c.AggregateIntervalSecs <= 0 {
		c.AggregateIntervalSecs = defaultAggregateSecs
	}
	if c.FileName == "" {
		c.FileName = DefaultFileName
	}
	return c
}

// parseLevel accepts slog level names in any case; unknown names mean info.
func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// pipeline is everything one Init call sets up. It is swapped as a unit.
type pipeline struct {
	logger *slog.Logger
	ring   *RingBuffer
	agg    *Aggregator
	file   *lumberjack.Logger
}

func (p *pipeline) close() {
	if p == nil {
		return
	}
	if p.agg != nil {
		p.agg.Stop()
	}
	if p.file != nil {
		_ = p.file.Close()
	}
}

var (
	mu     sync.RWMutex
	active *pipeline

	discard = slog.New(slog.NewJSONHandler(io.Discard, nil))
)

// Init replaces the active pipeline. A previous pipeline is flushed and
// closed. With neither LogDir nor Console, records only reach the ring.
func Init(cfg Config) {
	cfg = cfg.withDefaults()

	p := &pipeline{ring: NewRingBuffer(cfg.RingBufferSize)}
	writers := []io.Writer{p.ring}
	if cfg.LogDir != "" {
		p.file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, cfg.FileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, p.file)
	}
	if cfg.Console != nil {
		writers = append(writers, cfg.Console)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		p.logger = slog.New(slog.NewTextHandler(out, opts))
	} else {
		p.logger = slog.New(slog.NewJSONHandler(out, opts))
	}
	p.agg = NewAggregator(p.logger, cfg.AggregateIntervalSecs)
	p.agg.Start()

	mu.Lock()
	old := active
	active = p
	mu.Unlock()
	old.close()
}

func current() *pipeline {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

// Logger returns the active logger, or a discarding one before Init.
func Logger() *slog.Logger {
	if p := current(); p != nil {
		return p.logger
	}
	return discard
}

// ForComponent returns a logger tagged with component. It resolves the
// active pipeline per record, so package-level loggers work across Init.
func ForComponent(name string) *slog.Logger {
	return slog.New(&lateHandler{attrs: []slog.Attr{slog.String("component", name)}})
}

// ForSession is ForComponent with the session attribute set.
func ForSession(component, sessionID string) *slog.Logger {
	return ForComponent(component).With(slog.String("session", sessionID))
}

// lateHandler looks up the active handler at Handle time and replays the
// attrs and groups collected through With/WithGroup in order.
type lateHandler struct {
	attrs  []slog.Attr
	groups []lateGroup
}

// lateGroup is a WithGroup call and the attrs added after it.
type lateGroup struct {
	name  string
	attrs []slog.Attr
}

func (h *lateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *lateHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs(h.attrs)
	for _, g := range h.groups {
		handler = handler.WithGroup(g.name)
		if len(g.attrs) > 0 {
			handler = handler.WithAttrs(g.attrs)
		}
	}
	return handler.Handle(ctx, r)
}

func (h *lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &lateHandler{attrs: h.attrs, groups: h.groups}
	if n := len(h.groups); n > 0 {
		groups := append([]lateGroup(nil), h.groups...)
		last := groups[n-1]
		last.attrs = append(append([]slog.Attr(nil), last.attrs...), attrs...)
		groups[n-1] = last
		next.groups = groups
		return next
	}
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return next
}

func (h *lateHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]lateGroup(nil), h.groups...), lateGroup{name: name})
	return &lateHandler{attrs: h.attrs, groups: groups}
}

// Aggregate counts a high-frequency event; the aggregator logs a summary
// per interval instead of one line per occurrence.
func Aggregate(component, key string, fields ...slog.Attr) {
	if p := current(); p != nil {
		p.agg.Record(component, key, fields...)
	}
}

// DumpRingBuffer writes the recent records to path. Call before Shutdown.
func DumpRingBuffer(path string) error {
	p := current()
	if p == nil {
		return nil
	}
	return p.ring.DumpToFile(path)
}

// Shutdown flushes and closes the active pipeline.
func Shutdown() {
	mu.Lock()
	old := active
	active = nil
	mu.Unlock()
	old.close()
}
