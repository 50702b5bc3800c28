// Package monitor runs the per-session poll loop: capture the pane, classify
// what changed, then continue, defer, escalate or stage commands.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ccremote/ccremote/internal/config"
	"github.com/ccremote/ccremote/internal/detect"
	"github.com/ccremote/ccremote/internal/notify"
	"github.com/ccremote/ccremote/internal/statedb"
)

// Terminal is the subset of the tmux bridge the monitor drives.
type Terminal interface {
	SessionExists(name string) bool
	CapturePane(ctx context.Context, name string) (string, error)
	CapturePaneWithColors(ctx context.Context, name string) (string, error)
	SendKeys(name, text string) error
	SendRawKeys(name, text string) error
	SendEnter(name string) error
	SendContinueCommand(name string) error
	SendOptionSelection(name string, n int) error
}

// Store is the session store as seen by one monitor.
type Store interface {
	Get(id string) (statedb.SessionRecord, error)
	Update(id string, p statedb.Patch) (statedb.SessionRecord, error)
}

// Notifier delivers notifications. notify.Sink satisfies it.
type Notifier interface {
	Send(ctx context.Context, sessionID string, n notify.Notification) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// EventType names what happened during a tick.
type EventType string

const (
	EventLimitDetected    EventType = "limit_detected"
	EventContinued        EventType = "continued"
	EventApprovalNeeded   EventType = "approval_needed"
	EventApprovalAnswered EventType = "approval_answered"
	EventQuotaStaged      EventType = "quota_staged"
	EventQuotaExecuted    EventType = "quota_executed"
	EventSessionEnded     EventType = "session_ended"
	EventError            EventType = "error"
	EventFatal            EventType = "fatal"
)

// Event is emitted by Tick and pushed by Run.
type Event struct {
	Type      EventType
	SessionID string
	Time      time.Time

	// ResetAt is set on limit_detected when a reset time was parsed.
	ResetAt time.Time
	// Immediate marks a continuation that happened right after detection.
	Immediate bool
	// Reason says what triggered a deferred continuation (scheduled, ready_cue).
	Reason string
	// Approval is set on approval_needed.
	Approval *detect.ApprovalRequest
	// Option is the relayed selection on approval_answered.
	Option int
	// Command is the quota command on quota_staged / quota_executed.
	Command string
	// Err is set on error and fatal.
	Err error
}

// ErrRetriesExhausted is the cause of a FatalError after too many poll errors.
var ErrRetriesExhausted = errors.New("poll retries exhausted")

// FatalError stops monitoring for a session.
type FatalError struct {
	SessionID string
	Cause     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Config holds the monitor's timing knobs.
type Config struct {
	PollInterval    time.Duration
	MaxRetries      int
	ImmediateSettle time.Duration
	Cooldown        time.Duration
	MaxResetWindow  time.Duration
	ReadyCueDelay   time.Duration
	QuotaStageDelay time.Duration
	// ContinueCommand must match what the terminal types to resume.
	ContinueCommand string
}

// ConfigFromSettings converts the [monitor] config section.
func ConfigFromSettings(s config.MonitorSettings) Config {
	return Config{
		PollInterval:    s.PollInterval(),
		MaxRetries:      s.MaxRetries,
		ImmediateSettle: s.ImmediateSettle(),
		Cooldown:        s.Cooldown(),
		MaxResetWindow:  s.MaxResetWindow(),
		ReadyCueDelay:   s.ReadyCueDelay(),
		QuotaStageDelay: s.QuotaStageDelay(),
		ContinueCommand: s.ContinueCommand,
	}
}

func (c *Config) applyDefaults() {
	d := config.Default().Monitor
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.ImmediateSettle <= 0 {
		c.ImmediateSettle = d.ImmediateSettle()
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown()
	}
	if c.MaxResetWindow <= 0 {
		c.MaxResetWindow = d.MaxResetWindow()
	}
	if c.ReadyCueDelay <= 0 {
		c.ReadyCueDelay = d.ReadyCueDelay()
	}
	if c.QuotaStageDelay <= 0 {
		c.QuotaStageDelay = d.QuotaStageDelay()
	}
	if c.ContinueCommand == "" {
		c.ContinueCommand = d.ContinueCommand
	}
}
