package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfNoTmuxServer(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not available")
	}
	if err := exec.Command("tmux", "list-sessions").Run(); err != nil {
		t.Skip("tmux server not running")
	}
}

func TestSplitIntoChunks(t *testing.T) {
	assert.Equal(t, []string{""}, splitIntoChunks("", 10))
	assert.Equal(t, []string{"short"}, splitIntoChunks("short", 10))

	chunks := splitIntoChunks("aaaa\nbbbb\ncccc\n", 10)
	assert.Equal(t, []string{"aaaa\nbbbb\n", "cccc\n"}, chunks)

	long := strings.Repeat("x", 25)
	chunks = splitIntoChunks(long, 10)
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, chunks)
	assert.Equal(t, long, strings.Join(chunks, ""))
}

func TestOptionKey(t *testing.T) {
	k, err := optionKey(3)
	require.NoError(t, err)
	assert.Equal(t, "3", k)

	_, err = optionKey(0)
	assert.Error(t, err)
	_, err = optionKey(10)
	assert.Error(t, err)
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "ccremote-my-project", SessionName("my project"))
	assert.Equal(t, "ccremote-api-v2", SessionName("api.v2"))
	assert.Equal(t, "ccremote-abc", SessionName("ccremote-abc"))
	assert.Equal(t, "ccremote-session", SessionName("::"))
}

func TestIsMissingSession(t *testing.T) {
	assert.True(t, isMissingSession("can't find session: foo"))
	assert.True(t, isMissingSession("no server running on /tmp/tmux-0/default"))
	assert.False(t, isMissingSession("unknown option -- z"))
}

func TestNewBridgeDefaults(t *testing.T) {
	b := NewBridge(Options{})
	assert.Equal(t, "continue", b.opts.ContinueCommand)
	assert.Equal(t, 3*time.Second, b.opts.CaptureTimeout)
	assert.Equal(t, 100*time.Millisecond, b.opts.PasteDelay)
}

func TestMissingBinary(t *testing.T) {
	b := NewBridge(Options{Binary: "/nonexistent/tmux-binary"})
	assert.Error(t, b.IsAvailable())
	assert.False(t, b.SessionExists("anything"))
	_, err := b.CapturePane(context.Background(), "anything")
	assert.Error(t, err)
}

func TestBridgeRoundTrip(t *testing.T) {
	skipIfNoTmuxServer(t)

	b := NewBridge(Options{ContinueCommand: "echo continued-marker"})
	name := fmt.Sprintf("%stest-%d", SessionPrefix, os.Getpid())
	require.NoError(t, b.CreateSession(name, t.TempDir(), ""))
	t.Cleanup(func() { _ = b.KillSession(name) })

	assert.True(t, b.SessionExists(name))
	assert.False(t, b.SessionExists(name+"-missing"))

	names, err := b.ListSessions()
	require.NoError(t, err)
	assert.Contains(t, names, name)

	require.NoError(t, b.SendContinueCommand(name))
	require.Eventually(t, func() bool {
		out, err := b.CapturePane(context.Background(), name)
		return err == nil && strings.Count(out, "continued-marker") >= 2
	}, 5*time.Second, 100*time.Millisecond)

	colored, err := b.CapturePaneWithColors(context.Background(), name)
	require.NoError(t, err)
	assert.Contains(t, colored, "continued-marker")

	require.NoError(t, b.KillSession(name))
	assert.False(t, b.SessionExists(name))
	require.NoError(t, b.KillSession(name), "killing twice is fine")

	_, err = b.CapturePane(context.Background(), name)
	assert.True(t, errors.Is(err, ErrSessionNotFound), "got %v", err)
}
