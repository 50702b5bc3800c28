package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/gen2brain/beeep"
	"github.com/mattn/go-runewidth"
)

const desktopBodyWidth = 100

// desktopNotify is swapped in tests.
var desktopNotify = func(title, body string) error {
	return beeep.Notify(title, body, "")
}

// DesktopSink shows an OS notification on the machine running the worker.
// It cannot receive replies.
type DesktopSink struct {
	handlerSet
}

// NewDesktopSink returns a desktop notification sink.
func NewDesktopSink() *DesktopSink { return &DesktopSink{} }

// Send shows n as "<icon> <session>" over a one-line body.
func (d *DesktopSink) Send(_ context.Context, _ string, n Notification) error {
	name := n.SessionName
	if name == "" {
		name = "session"
	}
	title := fmt.Sprintf("%s ccremote: %s", kindIcon(n.Kind), name)
	body := runewidth.Truncate(strings.Join(strings.Fields(n.Message), " "), desktopBodyWidth, "…")
	if err := desktopNotify(title, body); err != nil {
		return fmt.Errorf("desktop notify: %w", err)
	}
	return nil
}

// Close is a no-op.
func (d *DesktopSink) Close() error { return nil }
