// Package tmux is the terminal bridge: it shells out to tmux for the capture
// and send primitives the monitor needs, and nothing more.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ccremote/ccremote/internal/logging"
	"golang.org/x/sync/singleflight"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

var (
	// ErrCaptureTimeout is returned when capture-pane exceeds its timeout.
	// Callers should keep their previous capture rather than treating it as a change.
	ErrCaptureTimeout = errors.New("capture-pane timed out")

	// ErrSessionNotFound is returned when the target tmux session does not exist.
	ErrSessionNotFound = errors.New("tmux session not found")
)

// SessionPrefix is prepended to generated session names.
const SessionPrefix = "ccremote-"

const (
	defaultCaptureTimeout = 3 * time.Second
	defaultPasteDelay     = 100 * time.Millisecond
	chunkSize             = 4096
	chunkDelay            = 50 * time.Millisecond
)

// Options configures a Bridge.
type Options struct {
	// ContinueCommand is typed by SendContinueCommand (default "continue")
	ContinueCommand string
	// CaptureTimeout bounds one capture-pane call (default 3s)
	CaptureTimeout time.Duration
	// PasteDelay separates literal text from Enter (default 100ms)
	PasteDelay time.Duration
	// Binary is the tmux executable (default "tmux")
	Binary string
}

// Bridge runs tmux commands. Safe for concurrent use.
type Bridge struct {
	opts      Options
	captureSf singleflight.Group // deduplicates concurrent capture-pane calls
}

// NewBridge returns a Bridge with defaults applied.
func NewBridge(opts Options) *Bridge {
	if opts.ContinueCommand == "" {
		opts.ContinueCommand = "continue"
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = defaultCaptureTimeout
	}
	if opts.PasteDelay <= 0 {
		opts.PasteDelay = defaultPasteDelay
	}
	if opts.Binary == "" {
		opts.Binary = "tmux"
	}
	return &Bridge{opts: opts}
}

func (b *Bridge) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, b.opts.Binary, args...)
}

// run executes tmux and maps "no such session" failures to ErrSessionNotFound.
func (b *Bridge) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := b.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if isMissingSession(msg) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		if msg != "" {
			return nil, fmt.Errorf("tmux %s: %w (%s)", args[0], err, msg)
		}
		return nil, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return out, nil
}

func isMissingSession(stderr string) bool {
	return strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to")
}

// target pins name to an exact session match.
func target(name string) string {
	return "=" + name + ":"
}

// IsAvailable returns nil if tmux is installed and runnable.
func (b *Bridge) IsAvailable() error {
	output, err := b.command(context.Background(), "-V").CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not working: %w (output: %s)", err, string(output))
	}
	return nil
}

// CreateSession starts a detached session in workDir and, if command is
// set, types it into the new pane.
func (b *Bridge) CreateSession(name, workDir, command string) error {
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	output, err := b.command(context.Background(), "new-session", "-d", "-s", name, "-c", workDir).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to create tmux session: %w (output: %s)", err, string(output))
	}

	// Large scrollback for agent output; fast escape for editors.
	_ = b.command(context.Background(),
		"set-option", "-t", name, "history-limit", "10000", ";",
		"set-option", "-t", name, "escape-time", "10").Run()

	tmuxLog.Info("session_created", slog.String("session", name), slog.String("dir", workDir))

	if command != "" {
		if err := b.SendKeys(name, command); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
	}
	return nil
}

// SessionExists reports whether a session named exactly name exists.
func (b *Bridge) SessionExists(name string) bool {
	return b.command(context.Background(), "has-session", "-t", "="+name).Run() == nil
}

// KillSession terminates the session. A missing session is not an error.
func (b *Bridge) KillSession(name string) error {
	_, err := b.run(context.Background(), name, "kill-session", "-t", "="+name)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// ListSessions returns the names of all tmux sessions.
func (b *Bridge) ListSessions() ([]string, error) {
	out, err := b.run(context.Background(), "", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// CapturePane returns the visible pane text with wrapped lines joined.
func (b *Bridge) CapturePane(ctx context.Context, name string) (string, error) {
	return b.capture(ctx, name, false)
}

// CapturePaneWithColors is CapturePane with SGR escape codes preserved.
func (b *Bridge) CapturePaneWithColors(ctx context.Context, name string) (string, error) {
	return b.capture(ctx, name, true)
}

func (b *Bridge) capture(ctx context.Context, name string, colors bool) (string, error) {
	key := name
	args := []string{"capture-pane", "-p", "-J", "-t", target(name)}
	if colors {
		key += "\x00e"
		args = append(args, "-e")
	}

	v, err, _ := b.captureSf.Do(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, b.opts.CaptureTimeout)
		defer cancel()
		out, err := b.run(cctx, name, args...)
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return "", ErrCaptureTimeout
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		return string(out), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SendRawKeys types text literally without submitting it.
// -l makes tmux treat the string as text, not key names.
func (b *Bridge) SendRawKeys(name, text string) error {
	chunks := splitIntoChunks(text, chunkSize)
	for i, chunk := range chunks {
		if _, err := b.run(context.Background(), name, "send-keys", "-l", "-t", target(name), "--", chunk); err != nil {
			if len(chunks) > 1 {
				return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
			}
			return err
		}
		if i < len(chunks)-1 {
			time.Sleep(chunkDelay)
		}
	}
	return nil
}

// SendEnter presses Enter.
func (b *Bridge) SendEnter(name string) error {
	_, err := b.run(context.Background(), name, "send-keys", "-t", target(name), "Enter")
	return err
}

// SendKeys types text and submits it. Text and Enter are separate tmux calls
// with a short delay: tmux 3.2+ wraps send-keys -l in bracketed paste and an
// Enter arriving with the paste-end marker is swallowed by Ink-based TUIs.
func (b *Bridge) SendKeys(name, text string) error {
	if err := b.SendRawKeys(name, text); err != nil {
		return err
	}
	time.Sleep(b.opts.PasteDelay)
	return b.SendEnter(name)
}

// SendContinueCommand submits the configured continuation command.
func (b *Bridge) SendContinueCommand(name string) error {
	tmuxLog.Info("send_continue", slog.String("session", name), slog.String("command", b.opts.ContinueCommand))
	return b.SendKeys(name, b.opts.ContinueCommand)
}

// SendOptionSelection picks option n in an approval dialog. The dialog
// reacts to the digit key alone, so no Enter is sent.
func (b *Bridge) SendOptionSelection(name string, n int) error {
	key, err := optionKey(n)
	if err != nil {
		return err
	}
	tmuxLog.Info("send_option", slog.String("session", name), slog.Int("option", n))
	_, err = b.run(context.Background(), name, "send-keys", "-t", target(name), key)
	return err
}

func optionKey(n int) (string, error) {
	if n < 1 || n > 9 {
		return "", fmt.Errorf("option %d out of range 1-9", n)
	}
	return strconv.Itoa(n), nil
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring newline boundaries. A single line longer than maxSize is
// split at the byte boundary.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return []string{""}
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}
		cutPoint := strings.LastIndex(remaining[:maxSize], "\n")
		if cutPoint > 0 {
			chunks = append(chunks, remaining[:cutPoint+1])
			remaining = remaining[cutPoint+1:]
		} else {
			chunks = append(chunks, remaining[:maxSize])
			remaining = remaining[maxSize:]
		}
	}
	return chunks
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SessionName builds a tmux-safe session name from a display name.
// tmux rejects '.' and ':' in session names.
func SessionName(display string) string {
	clean := strings.Trim(unsafeNameChars.ReplaceAllString(display, "-"), "-")
	if clean == "" {
		clean = "session"
	}
	if strings.HasPrefix(clean, SessionPrefix) {
		return clean
	}
	return SessionPrefix + clean
}
