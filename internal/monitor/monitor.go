package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ccremote/ccremote/internal/detect"
	"github.com/ccremote/ccremote/internal/logging"
	"github.com/ccremote/ccremote/internal/notify"
	"github.com/ccremote/ccremote/internal/schedule"
	"github.com/ccremote/ccremote/internal/statedb"
)

// workingState belongs to exactly one Monitor and is never persisted.
type workingState struct {
	lastOutput           string
	awaitingContinuation bool
	limitDetectedAt      time.Time
	retryCount           int
	cooldown             *schedule.Cooldown
	scheduledReset       time.Time
	immediateAttempted   bool
	quotaStaged          bool
	quotaStageAt         time.Time
	lastApproval         string
}

// Deps are the collaborators of a Monitor.
type Deps struct {
	Terminal Terminal
	Store    Store
	Notifier Notifier
	Grammar  *detect.Grammar
	Clock    Clock
}

// Monitor supervises one session. Tick and Run must be called from a single
// goroutine; SelectOption may be called from any goroutine.
type Monitor struct {
	sessionID string
	term      Terminal
	store     Store
	notifier  Notifier
	grammar   *detect.Grammar
	clock     Clock
	cfg       Config
	log       *slog.Logger

	state      workingState
	selections chan int
	pending    []int
	ended      bool
}

// New builds a Monitor for sessionID.
func New(sessionID string, deps Deps, cfg Config) (*Monitor, error) {
	if sessionID == "" {
		return nil, errors.New("monitor: session id is required")
	}
	if deps.Terminal == nil || deps.Store == nil {
		return nil, errors.New("monitor: terminal and store are required")
	}
	cfg.applyDefaults()
	if deps.Grammar == nil {
		deps.Grammar = detect.Default()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	return &Monitor{
		sessionID: sessionID,
		term:      deps.Terminal,
		store:     deps.Store,
		notifier:  deps.Notifier,
		grammar:   deps.Grammar,
		clock:     deps.Clock,
		cfg:       cfg,
		log:       logging.ForSession(logging.CompMonitor, sessionID),
		state:     workingState{cooldown: schedule.NewCooldown(cfg.Cooldown)},
		selections: make(chan int, 8),
	}, nil
}

// SessionID returns the monitored session id.
func (m *Monitor) SessionID() string { return m.sessionID }

// Ended reports whether the session reached the ended state.
func (m *Monitor) Ended() bool { return m.ended }

// SelectOption queues a remote reply. It is applied at the start of the
// next tick so ticks never overlap.
func (m *Monitor) SelectOption(n int) {
	select {
	case m.selections <- n:
	default:
		m.log.Warn("selection_dropped", slog.Int("option", n))
	}
}

// tick carries per-tick scratch data.
type tick struct {
	ctx    context.Context
	rec    statedb.SessionRecord
	now    time.Time
	events []Event
}

func (t *tick) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = t.now
	}
	t.events = append(t.events, ev)
}

// Tick runs one poll pass. The returned error is non-nil only when
// monitoring must stop (*FatalError).
func (m *Monitor) Tick(ctx context.Context) ([]Event, error) {
	if m.ended {
		return nil, nil
	}
	logging.Aggregate(logging.CompMonitor, "poll_tick")

	t := &tick{ctx: ctx, now: m.clock.Now()}
	if err := m.runTick(t); err != nil {
		return m.pollError(t, err)
	}
	m.state.retryCount = 0
	return t.events, nil
}

func (m *Monitor) runTick(t *tick) error {
	rec, err := m.store.Get(m.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	t.rec = rec

	if rec.Status == statedb.StatusEnded {
		m.ended = true
		m.log.Info("session_already_ended")
		t.emit(Event{Type: EventSessionEnded, SessionID: m.sessionID})
		return nil
	}
	if !m.term.SessionExists(rec.TmuxSession) {
		return m.endSession(t)
	}

	if err := m.applySelections(t); err != nil {
		return err
	}

	output, err := m.term.CapturePane(t.ctx, rec.TmuxSession)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	newText := detect.Diff(m.state.lastOutput, output)
	m.state.lastOutput = output

	if err := m.checkScheduledReset(t); err != nil {
		return err
	}
	if newText != "" {
		if err := m.checkReadyCue(t, newText); err != nil {
			return err
		}
		if err := m.checkLimit(t, newText); err != nil {
			return err
		}
	}
	if err := m.checkApproval(t, output, newText); err != nil {
		return err
	}
	return m.checkQuota(t)
}

// pollError counts a transient failure and escalates once MaxRetries is hit.
func (m *Monitor) pollError(t *tick, err error) ([]Event, error) {
	m.state.retryCount++
	m.log.Warn("poll_error",
		slog.Int("retry", m.state.retryCount),
		slog.Int("max", m.cfg.MaxRetries),
		slog.String("error", err.Error()))

	if m.state.retryCount < m.cfg.MaxRetries {
		t.emit(Event{Type: EventError, SessionID: m.sessionID, Err: err})
		return t.events, nil
	}

	fatal := &FatalError{
		SessionID: m.sessionID,
		Cause:     fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, m.state.retryCount, err),
	}
	m.ended = true
	m.log.Error("monitor_fatal", slog.String("error", fatal.Error()))
	m.notify(t, notify.KindError, fmt.Sprintf("Monitoring stopped: %v", fatal.Cause), nil)
	t.emit(Event{Type: EventFatal, SessionID: m.sessionID, Err: fatal})
	return t.events, fatal
}

func (m *Monitor) endSession(t *tick) error {
	m.ended = true
	if _, err := m.store.Update(m.sessionID, statedb.StatusPatch(statedb.StatusEnded, t.now)); err != nil {
		m.log.Warn("end_status_update_failed", slog.String("error", err.Error()))
	}
	m.log.Info("session_ended", slog.String("tmux", t.rec.TmuxSession))
	m.notify(t, notify.KindEnded, "Terminal session is gone; monitoring stopped.", nil)
	t.emit(Event{Type: EventSessionEnded, SessionID: m.sessionID})
	return nil
}

// setStatus persists a status change and keeps t.rec in sync.
func (m *Monitor) setStatus(t *tick, s statedb.Status) error {
	if t.rec.Status == s {
		return nil
	}
	rec, err := m.store.Update(m.sessionID, statedb.StatusPatch(s, t.now))
	if err != nil {
		if errors.Is(err, statedb.ErrEnded) {
			m.ended = true
			return nil
		}
		return fmt.Errorf("update status: %w", err)
	}
	m.log.Info("status_changed", slog.String("from", string(t.rec.Status)), slog.String("to", string(s)))
	t.rec = rec
	return nil
}

// notify is best-effort: failures are logged and never abort the tick.
func (m *Monitor) notify(t *tick, kind notify.Kind, msg string, meta map[string]any) {
	if m.notifier == nil {
		return
	}
	n := notify.Notification{
		Kind:        kind,
		SessionName: t.rec.Name,
		Message:     msg,
		Metadata:    meta,
		Time:        t.now,
	}
	if n.SessionName == "" {
		n.SessionName = m.sessionID
	}
	if err := m.notifier.Send(t.ctx, m.sessionID, n); err != nil {
		m.log.Warn("notification_failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	}
}

// --- Usage limits ---

func (m *Monitor) checkLimit(t *tick, newText string) error {
	if !m.grammar.DetectLimit(newText) {
		return nil
	}
	if m.state.awaitingContinuation {
		m.log.Debug("limit_already_handled")
		return nil
	}
	if active, remaining := m.state.cooldown.InCooldown(t.now); active {
		m.log.Info("limit_suppressed_cooldown", slog.Duration("remaining", remaining.Round(time.Second)))
		return nil
	}

	m.log.Info("limit_detected")
	m.state.awaitingContinuation = true
	m.state.limitDetectedAt = t.now
	m.state.immediateAttempted = false
	m.state.scheduledReset = time.Time{}

	continued, err := m.tryImmediateContinuation(t)
	if err != nil {
		return err
	}
	if continued {
		return nil
	}
	return m.deferContinuation(t, newText)
}

// tryImmediateContinuation sends the continue command once per detection
// and reports whether the limit banner is gone after the settle delay.
func (m *Monitor) tryImmediateContinuation(t *tick) (bool, error) {
	if m.state.immediateAttempted {
		return false, nil
	}
	m.state.immediateAttempted = true
	before := m.state.lastOutput

	if err := m.term.SendContinueCommand(t.rec.TmuxSession); err != nil {
		return false, fmt.Errorf("immediate continue: %w", err)
	}
	if err := m.clock.Sleep(t.ctx, m.cfg.ImmediateSettle); err != nil {
		return false, err
	}
	after, err := m.term.CapturePane(t.ctx, t.rec.TmuxSession)
	if err != nil {
		return false, fmt.Errorf("capture after continue: %w", err)
	}
	m.state.lastOutput = after

	if m.grammar.IsLimitMessage(textAfterContinue(before, after, m.cfg.ContinueCommand)) {
		m.log.Info("immediate_continuation_failed")
		return false, nil
	}

	now := m.clock.Now()
	m.state.awaitingContinuation = false
	m.state.cooldown.Mark(now)
	if err := m.setStatus(t, statedb.StatusActive); err != nil {
		return true, err
	}
	m.log.Info("immediate_continuation_succeeded")
	t.emit(Event{Type: EventContinued, SessionID: m.sessionID, Immediate: true, Time: now})
	return true, nil
}

// textAfterContinue isolates output produced after the continue command.
// A redrawn pane still shows the old banner above the typed command, and
// the banner itself may contain the command word, so only a whole echoed
// command line counts as the anchor.
func textAfterContinue(before, after, command string) string {
	fresh := detect.Diff(before, after)
	if end := echoedCommandEnd(fresh, command); end >= 0 {
		return fresh[end:]
	}
	if fresh == after && before != "" {
		return detect.LastLines(after, 20)
	}
	return fresh
}

// promptMarks are stripped from the left of a line before comparing it to
// the echoed command.
const promptMarks = ">❯›$│| \t"

// echoedCommandEnd returns the offset just past the last line of text that
// holds only command behind optional prompt marks, or -1.
func echoedCommandEnd(text, command string) int {
	command = strings.TrimSpace(command)
	if command == "" {
		return -1
	}
	off, end := 0, -1
	for _, line := range strings.SplitAfter(text, "\n") {
		off += len(line)
		s := strings.TrimRight(strings.TrimSpace(line), "│| ")
		s = strings.TrimLeft(s, promptMarks)
		if strings.EqualFold(s, command) {
			end = off
		}
	}
	return end
}

func (m *Monitor) deferContinuation(t *tick, bannerText string) error {
	if err := m.setStatus(t, statedb.StatusWaiting); err != nil {
		return err
	}

	resetAt, ok := schedule.ExtractResetTime(bannerText, t.now, m.cfg.MaxResetWindow)
	if !ok {
		resetAt, ok = schedule.ExtractResetTime(m.state.lastOutput, t.now, m.cfg.MaxResetWindow)
	}

	msg := "Usage limit reached. Reset time unknown; watching for the limit to clear."
	meta := map[string]any{"detectedAt": t.now.Format(time.RFC3339)}
	if ok {
		m.state.scheduledReset = resetAt
		msg = fmt.Sprintf("Usage limit reached. Will continue automatically at %s.", resetAt.Format("15:04"))
		meta["resetAt"] = resetAt.Format(time.RFC3339)
		m.log.Info("continuation_scheduled", slog.Time("reset_at", resetAt))
	} else {
		m.log.Info("reset_time_unknown")
	}

	m.notify(t, notify.KindLimit, msg, meta)
	t.emit(Event{Type: EventLimitDetected, SessionID: m.sessionID, ResetAt: m.state.scheduledReset})
	return nil
}

func (m *Monitor) checkScheduledReset(t *tick) error {
	if !m.state.awaitingContinuation || m.state.scheduledReset.IsZero() {
		return nil
	}
	if t.now.Before(m.state.scheduledReset) {
		return nil
	}
	m.state.scheduledReset = time.Time{}
	return m.performContinuation(t, "scheduled")
}

func (m *Monitor) checkReadyCue(t *tick, newText string) error {
	if !m.state.awaitingContinuation || !m.grammar.HasContinuationReadyCue(newText) {
		return nil
	}
	m.log.Info("continuation_ready_cue", slog.Duration("delay", m.cfg.ReadyCueDelay))
	if err := m.clock.Sleep(t.ctx, m.cfg.ReadyCueDelay); err != nil {
		return err
	}
	m.state.retryCount = 0
	return m.performContinuation(t, "ready_cue")
}

// performContinuation is the deferred path: send, mark active, notify.
func (m *Monitor) performContinuation(t *tick, reason string) error {
	if err := m.term.SendContinueCommand(t.rec.TmuxSession); err != nil {
		return fmt.Errorf("deferred continue: %w", err)
	}
	now := m.clock.Now()
	m.state.awaitingContinuation = false
	m.state.immediateAttempted = false
	m.state.scheduledReset = time.Time{}
	m.state.cooldown.Mark(now)

	if err := m.setStatus(t, statedb.StatusActive); err != nil {
		return err
	}
	m.log.Info("continuation_sent", slog.String("reason", reason))
	m.notify(t, notify.KindContinued, "Usage limit reset; session continued.", map[string]any{"reason": reason})
	t.emit(Event{Type: EventContinued, SessionID: m.sessionID, Reason: reason, Time: now})
	return nil
}

// --- Approval dialogs ---

func (m *Monitor) checkApproval(t *tick, output, newText string) error {
	if newText == "" {
		return nil
	}
	if !m.grammar.IsApprovalDialog(output) {
		if m.state.lastApproval != "" {
			m.state.lastApproval = ""
			return m.approvalAnswered(t, 0)
		}
		return nil
	}

	req, ok := m.grammar.ExtractApproval(output)
	if !ok || req.Fingerprint() == m.state.lastApproval {
		return nil
	}

	colored, err := m.term.CapturePaneWithColors(t.ctx, t.rec.TmuxSession)
	if err != nil {
		return fmt.Errorf("capture colors: %w", err)
	}
	if !m.grammar.IsInteractive(colored) {
		m.log.Info("approval_not_interactive", slog.String("question", req.Question))
		return nil
	}

	m.state.lastApproval = req.Fingerprint()
	if err := m.setStatus(t, statedb.StatusWaitingApproval); err != nil {
		return err
	}

	options := make([]string, 0, len(req.Options))
	for _, o := range req.Options {
		options = append(options, fmt.Sprintf("%d. %s", o.Number, o.Label))
	}
	m.log.Info("approval_needed", slog.String("tool", req.Tool), slog.String("action", req.Action))
	m.notify(t, notify.KindApproval,
		fmt.Sprintf("Approval needed: %s\n%s", req.Action, strings.Join(options, "\n")),
		map[string]any{
			"question": req.Question,
			"tool":     req.Tool,
			"action":   req.Action,
			"command":  req.Command,
			"options":  req.Options,
		})
	t.emit(Event{Type: EventApprovalNeeded, SessionID: m.sessionID, Approval: &req})
	return nil
}

func (m *Monitor) applySelections(t *tick) error {
drain:
	for {
		select {
		case n := <-m.selections:
			m.pending = append(m.pending, n)
		default:
			break drain
		}
	}
	for len(m.pending) > 0 {
		n := m.pending[0]
		// Without an open dialog the digit would land in the agent's input box.
		if t.rec.Status != statedb.StatusWaitingApproval {
			m.pending = m.pending[1:]
			m.log.Info("selection_ignored", slog.Int("option", n), slog.String("status", string(t.rec.Status)))
			continue
		}
		if err := m.term.SendOptionSelection(t.rec.TmuxSession, n); err != nil {
			return fmt.Errorf("send option %d: %w", n, err)
		}
		m.pending = m.pending[1:]
		m.log.Info("option_relayed", slog.Int("option", n))
		m.state.lastApproval = ""
		if err := m.approvalAnswered(t, n); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) approvalAnswered(t *tick, option int) error {
	if t.rec.Status == statedb.StatusWaitingApproval {
		if err := m.setStatus(t, statedb.StatusActive); err != nil {
			return err
		}
	}
	t.emit(Event{Type: EventApprovalAnswered, SessionID: m.sessionID, Option: option})
	return nil
}

// --- Quota window ---

func (m *Monitor) checkQuota(t *tick) error {
	q := t.rec.Quota
	if q == nil {
		return nil
	}
	if m.state.quotaStageAt.IsZero() {
		m.state.quotaStageAt = t.rec.CreatedAt.Add(m.cfg.QuotaStageDelay)
	}

	if q.Due(t.now) {
		return m.executeQuota(t, q)
	}

	if !m.state.quotaStaged && !t.now.Before(m.state.quotaStageAt) {
		if err := m.term.SendRawKeys(t.rec.TmuxSession, q.Command); err != nil {
			return fmt.Errorf("stage quota command: %w", err)
		}
		m.state.quotaStaged = true
		m.log.Info("quota_staged", slog.String("command", q.Command), slog.Time("next", q.NextExecution))
		t.emit(Event{Type: EventQuotaStaged, SessionID: m.sessionID, Command: q.Command})
	}
	return nil
}

func (m *Monitor) executeQuota(t *tick, q *schedule.QuotaSchedule) error {
	var err error
	if m.state.quotaStaged {
		err = m.term.SendEnter(t.rec.TmuxSession)
	} else {
		err = m.term.SendKeys(t.rec.TmuxSession, q.Command)
	}
	if err != nil {
		return fmt.Errorf("submit quota command: %w", err)
	}

	executed := q.Command
	next := *q
	if err := next.Advance(t.now); err != nil {
		return err
	}
	rec, err := m.store.Update(m.sessionID, statedb.Patch{Quota: &next})
	if err != nil {
		return fmt.Errorf("persist quota schedule: %w", err)
	}
	t.rec = rec
	m.state.quotaStaged = false
	m.state.quotaStageAt = t.now.Add(m.cfg.QuotaStageDelay)

	m.log.Info("quota_executed", slog.String("command", executed), slog.Time("next", next.NextExecution))
	m.notify(t, notify.KindQuota,
		fmt.Sprintf("Quota window command sent: %s. Next run %s.", executed, next.NextExecution.Format("2006-01-02 15:04")),
		map[string]any{"command": executed, "nextExecution": next.NextExecution.Format(time.RFC3339)})
	t.emit(Event{Type: EventQuotaExecuted, SessionID: m.sessionID, Command: executed})
	return nil
}
