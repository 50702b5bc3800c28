package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ccremote/ccremote/internal/config"
	"github.com/ccremote/ccremote/internal/daemon"
	"github.com/ccremote/ccremote/internal/logging"
	"github.com/ccremote/ccremote/internal/monitor"
	"github.com/ccremote/ccremote/internal/notify"
	"github.com/ccremote/ccremote/internal/schedule"
	"github.com/ccremote/ccremote/internal/statedb"
	"github.com/ccremote/ccremote/internal/tmux"
	"github.com/ccremote/ccremote/internal/worker"
)

var cliLog = logging.ForComponent(logging.CompCLI)

// Table column widths for list command output
const (
	tableColID     = 8
	tableColName   = 20
	tableColStatus = 20
	tableColTmux   = 24
	tableColWorker = 10
	tableColAge    = 10
)

// startRequest is the validated input of `ccremote start`.
type startRequest struct {
	ID        string
	Name      string
	Channel   string
	Command   string
	WorkDir   string
	QuotaTime string
	Now       time.Time
}

// newSessionRecord builds the record for req. An empty QuotaTime means no
// quota schedule; "default" uses the configured time.
func newSessionRecord(req startRequest, quota config.QuotaSettings) (statedb.SessionRecord, error) {
	rec := statedb.SessionRecord{
		ID:           req.ID,
		Name:         req.Name,
		TmuxSession:  tmux.SessionName(req.Name),
		ChannelID:    req.Channel,
		Status:       statedb.StatusActive,
		CreatedAt:    req.Now,
		LastActivity: req.Now,
	}
	if req.QuotaTime == "" {
		return rec, nil
	}
	at := req.QuotaTime
	if at == "default" {
		at = quota.Time
	}
	q, err := schedule.NewQuotaSchedule(at, quota.CommandTemplate, req.Now)
	if err != nil {
		return statedb.SessionRecord{}, err
	}
	rec.Quota = q
	return rec, nil
}

// nameTaken reports whether a live session already uses name.
func nameTaken(records []statedb.SessionRecord, name string) bool {
	for _, r := range records {
		if r.Name == name && r.Status != statedb.StatusEnded {
			return true
		}
	}
	return false
}

func handleStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	name := fs.String("name", "", "Session name (default: derived from the id)")
	nameShort := fs.String("n", "", "Session name (short)")
	quota := fs.String("quota", "", `Daily quota time HH:MM, or "default"`)
	channel := fs.String("channel", "", "Notification channel id for this session")
	command := fs.String("cmd", "", "Command to run in a new tmux session (default from config)")
	dir := fs.String("dir", "", "Working directory for a new tmux session (default: current)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Println("Usage: ccremote start [options]")
		fmt.Println()
		fmt.Println("Create a session record, its tmux session if absent, and a monitor worker.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	env := loadEnv(out)
	defer logging.Shutdown()

	workDir := *dir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	req := startRequest{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(firstNonEmpty(*name, *nameShort)),
		Channel:   *channel,
		Command:   firstNonEmpty(*command, env.cfg.Tmux.Command),
		WorkDir:   config.ExpandTilde(workDir),
		QuotaTime: strings.TrimSpace(*quota),
		Now:       time.Now(),
	}
	if req.Name == "" {
		req.Name = "session-" + TruncateID(req.ID)
	}

	db, err := env.openStore()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to open session store: %v", err), ErrCodeInternal)
	}
	defer db.Close()

	existing, err := db.List()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to list sessions: %v", err), ErrCodeInternal)
	}
	if nameTaken(existing, req.Name) {
		out.Fail(fmt.Sprintf("a session named '%s' already exists", req.Name), ErrCodeAlreadyExists)
	}

	rec, err := newSessionRecord(req, env.cfg.Quota)
	if err != nil {
		out.Fail(err.Error(), ErrCodeInvalidOperation)
	}

	bridge := tmux.NewBridge(tmux.Options{ContinueCommand: env.cfg.Monitor.ContinueCommand})
	if err := bridge.IsAvailable(); err != nil {
		out.Fail(fmt.Sprintf("tmux is required: %v", err), ErrCodeInvalidOperation)
	}
	created := false
	if !bridge.SessionExists(rec.TmuxSession) {
		if err := bridge.CreateSession(rec.TmuxSession, req.WorkDir, req.Command); err != nil {
			out.Fail(fmt.Sprintf("failed to create tmux session: %v", err), ErrCodeInternal)
		}
		created = true
	}

	if err := db.Create(rec); err != nil {
		out.Fail(fmt.Sprintf("failed to save session: %v", err), ErrCodeInternal)
	}

	sup, err := env.supervisor()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to load daemon registry: %v", err), ErrCodeInternal)
	}
	dr, err := sup.Spawn(rec.ID)
	if err != nil {
		cliLog.Error("spawn_failed", slog.String("session", rec.ID), slog.String("error", err.Error()))
		if _, uerr := db.Update(rec.ID, statedb.StatusPatch(statedb.StatusEnded, time.Now())); uerr != nil {
			cliLog.Warn("status_update_failed", slog.String("error", uerr.Error()))
		}
		if created {
			_ = bridge.KillSession(rec.TmuxSession)
		}
		out.Fail(err.Error(), ErrCodeSpawnFailed)
	}

	var human strings.Builder
	fmt.Fprintf(&human, "%s Started session %s (%s)\n", successStyle.Render(successSymbol), rec.Name, rec.ID)
	fmt.Fprintf(&human, "  tmux:   %s\n", rec.TmuxSession)
	fmt.Fprintf(&human, "  worker: pid %d, log %s\n", dr.WorkerHandle, dr.LogFile)
	if rec.Quota != nil {
		fmt.Fprintf(&human, "  quota:  %q at %s\n", rec.Quota.Command, rec.Quota.NextExecution.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(&human, "\nAttach with: tmux attach -t %s\n", rec.TmuxSession)
	out.Print(human.String(), map[string]any{
		"success": true,
		"session": rec,
		"worker":  dr,
	})
}

func handleStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	all := fs.Bool("all", false, "Stop every running monitor")
	kill := fs.Bool("kill", false, "Also kill the tmux session and mark the session ended")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Println("Usage: ccremote stop <id|name> [--kill] | --all")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	env := loadEnv(out)
	defer logging.Shutdown()

	sup, err := env.supervisor()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to load daemon registry: %v", err), ErrCodeInternal)
	}

	if *all {
		workers, err := sup.List()
		if err != nil {
			out.Fail(err.Error(), ErrCodeInternal)
		}
		if err := sup.StopAll(context.Background()); err != nil {
			out.Fail(err.Error(), ErrCodeInternal)
		}
		out.Success(fmt.Sprintf("Stopped %d monitor(s)", len(workers)), map[string]any{
			"success": true,
			"stopped": len(workers),
		})
		return
	}

	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	db, err := env.openStore()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to open session store: %v", err), ErrCodeInternal)
	}
	defer db.Close()
	records, err := db.List()
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	rec, msg, code := ResolveSession(fs.Arg(0), records)
	if rec == nil {
		out.Fail(msg, code)
	}

	if err := sup.Stop(rec.ID); err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	if *kill {
		bridge := tmux.NewBridge(tmux.Options{})
		if err := bridge.KillSession(rec.TmuxSession); err != nil {
			out.Fail(fmt.Sprintf("failed to kill tmux session: %v", err), ErrCodeInternal)
		}
		if _, err := db.Update(rec.ID, statedb.StatusPatch(statedb.StatusEnded, time.Now())); err != nil && !errors.Is(err, statedb.ErrEnded) {
			out.Fail(err.Error(), ErrCodeInternal)
		}
	}
	out.Success(fmt.Sprintf("Stopped monitor for %s", rec.Name), map[string]any{
		"success": true,
		"id":      rec.ID,
		"killed":  *kill,
	})
}

// sessionRow is one line of `list`, also its JSON form.
type sessionRow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Status        statedb.Status `json:"status"`
	TmuxSession   string         `json:"tmuxSession"`
	WorkerPID     int            `json:"workerPid,omitempty"`
	WorkerRunning bool           `json:"workerRunning"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastActivity  time.Time      `json:"lastActivity"`
	NextQuota     *time.Time     `json:"nextQuota,omitempty"`
}

func buildRows(records []statedb.SessionRecord, workers []daemon.Record, alive func(daemon.Record) bool) []sessionRow {
	byID := make(map[string]daemon.Record, len(workers))
	for _, w := range workers {
		byID[w.SessionID] = w
	}
	rows := make([]sessionRow, 0, len(records))
	for _, r := range records {
		row := sessionRow{
			ID:           r.ID,
			Name:         r.Name,
			Status:       r.Status,
			TmuxSession:  r.TmuxSession,
			CreatedAt:    r.CreatedAt,
			LastActivity: r.LastActivity,
		}
		if w, ok := byID[r.ID]; ok {
			row.WorkerPID = w.WorkerHandle
			row.WorkerRunning = alive(w)
		}
		if r.Quota != nil {
			next := r.Quota.NextExecution
			row.NextQuota = &next
		}
		rows = append(rows, row)
	}
	return rows
}

func renderTable(rows []sessionRow, now time.Time) string {
	var b strings.Builder
	header := cell("ID", tableColID) + " " + cell("NAME", tableColName) + " " +
		cell("STATUS", tableColStatus) + " " + cell("TMUX", tableColTmux) + " " +
		cell("WORKER", tableColWorker) + " " + cell("ACTIVE", tableColAge)
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")
	for _, r := range rows {
		workerCol := "stopped"
		if r.WorkerRunning {
			workerCol = strconv.Itoa(r.WorkerPID)
		}
		// Style after padding so escape codes do not skew the widths.
		status := cell(StatusSymbol(r.Status)+" "+string(r.Status), tableColStatus)
		if style, ok := statusStyles[r.Status]; ok {
			status = style.Render(status)
		}
		fmt.Fprintf(&b, "%s %s %s %s %s %s\n",
			cell(TruncateID(r.ID), tableColID),
			cell(r.Name, tableColName),
			status,
			cell(r.TmuxSession, tableColTmux),
			cell(workerCol, tableColWorker),
			dimStyle.Render(cell(formatAge(r.LastActivity, now), tableColAge)))
	}
	fmt.Fprintf(&b, "\nTotal: %d sessions\n", len(rows))
	return b.String()
}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	all := fs.Bool("all", false, "Include ended sessions")
	fs.Usage = func() {
		fmt.Println("Usage: ccremote list [--json] [--all]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	env := loadEnv(out)
	defer logging.Shutdown()

	db, err := env.openStore()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to open session store: %v", err), ErrCodeInternal)
	}
	defer db.Close()
	records, err := db.List()
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	if !*all {
		live := records[:0]
		for _, r := range records {
			if r.Status != statedb.StatusEnded {
				live = append(live, r)
			}
		}
		records = live
	}

	sup, err := env.supervisor()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to load daemon registry: %v", err), ErrCodeInternal)
	}
	workers, err := sup.List()
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	rows := buildRows(records, workers, sup.Alive)

	if *jsonOutput {
		out.printJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No sessions. Start one with: ccremote start --name <name>")
		return
	}
	fmt.Print(renderTable(rows, time.Now()))
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: ccremote status <id|name> [--json]")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	env := loadEnv(out)
	defer logging.Shutdown()

	db, err := env.openStore()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to open session store: %v", err), ErrCodeInternal)
	}
	defer db.Close()
	records, err := db.List()
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	rec, msg, code := ResolveSession(fs.Arg(0), records)
	if rec == nil {
		out.Fail(msg, code)
	}

	sup, err := env.supervisor()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to load daemon registry: %v", err), ErrCodeInternal)
	}
	dr, hasWorker, err := sup.Get(rec.ID)
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	heartbeats, err := db.Heartbeats()
	if err != nil {
		cliLog.Warn("heartbeats_unavailable", slog.String("error", err.Error()))
	}
	recent, err := notify.ReadOutbox(env.paths.SessionInbox(rec.ID), 5)
	if err != nil {
		cliLog.Warn("outbox_unavailable", slog.String("error", err.Error()))
	}

	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", headerStyle.Render(rec.Name))
	fmt.Fprintf(&b, "  id:        %s\n", rec.ID)
	fmt.Fprintf(&b, "  status:    %s\n", styledStatus(rec.Status))
	fmt.Fprintf(&b, "  tmux:      %s\n", rec.TmuxSession)
	fmt.Fprintf(&b, "  created:   %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "  activity:  %s\n", formatAge(rec.LastActivity, now))
	if rec.ChannelID != "" {
		fmt.Fprintf(&b, "  channel:   %s\n", rec.ChannelID)
	}
	if rec.Quota != nil {
		fmt.Fprintf(&b, "  quota:     %q next %s\n", rec.Quota.Command, rec.Quota.NextExecution.Format("2006-01-02 15:04"))
	}
	switch {
	case hasWorker && sup.Alive(dr):
		fmt.Fprintf(&b, "  worker:    pid %d since %s\n", dr.WorkerHandle, dr.StartTime.Format(time.RFC3339))
		if hb, ok := heartbeats[rec.ID]; ok {
			fmt.Fprintf(&b, "  heartbeat: %s\n", formatAge(hb.Last, now))
		}
		fmt.Fprintf(&b, "  log:       %s\n", dr.LogFile)
	default:
		fmt.Fprintf(&b, "  worker:    %s\n", dimStyle.Render("not running"))
	}
	if len(recent) > 0 {
		fmt.Fprintf(&b, "\nRecent notifications:\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "  %s %s %s\n", bulletSymbol, e.Time.Format("15:04"), firstLine(notify.FormatText(e.Notification)))
		}
	}

	out.Print(b.String(), map[string]any{
		"session":       rec,
		"worker":        dr,
		"workerRunning": hasWorker && sup.Alive(dr),
		"notifications": recent,
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func handleReply(args []string) {
	fs := flag.NewFlagSet("reply", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: ccremote reply <id|name> <option>")
		fmt.Println()
		fmt.Println("Select a numbered option in the session's pending approval prompt.")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 2 {
		fs.Usage()
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	option, err := parseOption(fs.Arg(1))
	if err != nil {
		out.Fail(err.Error(), ErrCodeInvalidOperation)
	}

	env := loadEnv(out)
	defer logging.Shutdown()
	db, err := env.openStore()
	if err != nil {
		out.Fail(fmt.Sprintf("failed to open session store: %v", err), ErrCodeInternal)
	}
	defer db.Close()
	records, err := db.List()
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	rec, msg, code := ResolveSession(fs.Arg(0), records)
	if rec == nil {
		out.Fail(msg, code)
	}
	if rec.Status == statedb.StatusEnded {
		out.Fail(fmt.Sprintf("session '%s' has ended", rec.Name), ErrCodeInvalidOperation)
	}

	if err := notify.WriteReply(env.paths.SessionInbox(rec.ID), rec.ID, option); err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	cliLog.Info("reply_queued", slog.String("session", rec.ID), slog.Int("option", option))
	out.Success(fmt.Sprintf("Sent option %d to %s", option, rec.Name), map[string]any{
		"success": true,
		"id":      rec.ID,
		"option":  option,
	})
}

// parseOption accepts the single digits a dialog can offer.
func parseOption(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 9 {
		return 0, fmt.Errorf("option must be a number from 1 to 9, got %q", s)
	}
	return n, nil
}

// handleWorker runs the monitor in the foreground. The supervisor launches
// it; running it by hand is useful for debugging.
func handleWorker(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ccremote worker <session-id>")
		os.Exit(1)
	}
	opts := worker.Options{}
	if os.Getenv(daemon.WorkerEnv) == "" && isInteractive() {
		opts.Console = os.Stderr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx, args[0], opts); err != nil {
		var fatal *monitor.FatalError
		if errors.As(err, &fatal) {
			fmt.Fprintf(os.Stderr, "Error: session %s: %v\n", fatal.SessionID, fatal.Cause)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// firstNonEmpty returns the first non-empty string after trimming whitespace.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
