package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePushSender struct {
	status   map[string]int
	payloads [][]byte
}

func (f *fakePushSender) Send(payload []byte, sub PushSubscription) (int, error) {
	f.payloads = append(f.payloads, payload)
	if code, ok := f.status[sub.Endpoint]; ok {
		return code, assert.AnError
	}
	return http.StatusCreated, nil
}

func sub(endpoint string) PushSubscription {
	return PushSubscription{Endpoint: endpoint, Keys: PushSubscriptionKeys{P256DH: "p", Auth: "a"}}
}

func TestSubscriptionStore(t *testing.T) {
	store := NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json"))

	list, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, store.Upsert(sub("https://push.example/a")))
	require.NoError(t, store.Upsert(sub("https://push.example/b")))
	require.NoError(t, store.Upsert(sub(" https://push.example/a ")))
	assert.Error(t, store.Upsert(PushSubscription{Endpoint: "x"}))

	list, err = store.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, store.RemoveByEndpoint("https://push.example/a"))
	list, err = store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "https://push.example/b", list[0].Endpoint)
}

func TestWebPushSinkRemovesGoneSubscriptions(t *testing.T) {
	store := NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json"))
	require.NoError(t, store.Upsert(sub("https://push.example/live")))
	require.NoError(t, store.Upsert(sub("https://push.example/gone")))
	require.NoError(t, store.Upsert(sub("https://push.example/flaky")))

	sender := &fakePushSender{status: map[string]int{
		"https://push.example/gone":  http.StatusGone,
		"https://push.example/flaky": http.StatusInternalServerError,
	}}
	sink := &WebPushSink{store: store, sender: sender}

	long := ""
	for i := 0; i < 50; i++ {
		long += "limit "
	}
	err := sink.Send(context.Background(), "s1", Notification{Kind: KindLimit, SessionName: "api", Message: long})
	require.Error(t, err, "flaky endpoint reports an error")
	assert.Len(t, sender.payloads, 3)

	var p pushPayload
	require.NoError(t, json.Unmarshal(sender.payloads[0], &p))
	assert.Equal(t, "ccremote: api", p.Title)
	assert.LessOrEqual(t, len([]rune(p.Body)), pushBodyWidth)

	list, err := store.List()
	require.NoError(t, err)
	assert.Len(t, list, 2, "gone subscription removed")
}

func TestWebPushSinkNoSubscriptions(t *testing.T) {
	store := NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json"))
	sink := NewWebPushSink(store, "", "pub", "priv")
	assert.NoError(t, sink.Send(context.Background(), "s1", Notification{Kind: KindLimit}))
}

func TestInboxSinkOutboxAndReplies(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox", "s1")
	sink, err := NewInboxSink(dir, "s1")
	require.NoError(t, err)
	defer sink.Close()

	selected := make(chan int, 2)
	sink.OnOptionSelected(func(sessionID string, n int) {
		assert.Equal(t, "s1", sessionID)
		selected <- n
	})

	require.NoError(t, sink.Send(context.Background(), "s1", Notification{Kind: KindLimit, Message: "one"}))
	require.NoError(t, sink.Send(context.Background(), "s1", Notification{Kind: KindContinued, Message: "two"}))

	entries, err := ReadOutbox(dir, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindContinued, entries[1].Kind)
	assert.Equal(t, "s1", entries[1].SessionID)

	last, err := ReadOutbox(dir, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "two", last[0].Message)

	require.NoError(t, WriteReply(dir, "s1", 3))
	select {
	case n := <-selected:
		assert.Equal(t, 3, n)
	case <-time.After(5 * time.Second):
		t.Fatal("reply not dispatched")
	}

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "reply-*.json"))
		return len(matches) == 0
	}, 2*time.Second, 20*time.Millisecond, "reply file consumed")
}

func TestInboxSinkPicksUpExistingReply(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteReply(dir, "", 1))

	sink, err := NewInboxSink(dir, "s9")
	require.NoError(t, err)
	defer sink.Close()

	// Handler registered after start may miss the scan; check the file is gone.
	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "reply-*.json"))
		return len(matches) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestInboxSinkPollingDispatchesOnce(t *testing.T) {
	dir := t.TempDir()
	sink, err := newInboxSink(dir, "s1", 20*time.Millisecond)
	require.NoError(t, err)
	defer sink.Close()

	selected := make(chan int, 4)
	sink.OnOptionSelected(func(_ string, n int) { selected <- n })

	require.NoError(t, WriteReply(dir, "s1", 2))
	select {
	case n := <-selected:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("reply not dispatched")
	}

	// The watcher and the rescan may both see the file; only one consumes it.
	select {
	case n := <-selected:
		t.Fatalf("reply dispatched twice (second option %d)", n)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDesktopSink(t *testing.T) {
	var titles, bodies []string
	orig := desktopNotify
	desktopNotify = func(title, body string) error {
		titles = append(titles, title)
		bodies = append(bodies, body)
		return nil
	}
	defer func() { desktopNotify = orig }()

	sink := NewDesktopSink()
	require.NoError(t, sink.Send(context.Background(), "s1", Notification{
		Kind:        KindApproval,
		SessionName: "api",
		Message:     "Approval needed: Edit main.go\n1. Yes\n2. No",
	}))
	require.Len(t, titles, 1)
	assert.Equal(t, "❓ ccremote: api", titles[0])
	assert.Equal(t, "Approval needed: Edit main.go 1. Yes 2. No", bodies[0])

	long := strings.Repeat("x", 300)
	require.NoError(t, sink.Send(context.Background(), "s1", Notification{Kind: KindLimit, Message: long}))
	assert.Equal(t, "⏸ ccremote: session", titles[1])
	assert.Equal(t, desktopBodyWidth, runewidth.StringWidth(bodies[1]))
}

func TestDesktopSinkError(t *testing.T) {
	orig := desktopNotify
	desktopNotify = func(string, string) error { return errors.New("no dbus") }
	defer func() { desktopNotify = orig }()

	err := NewDesktopSink().Send(context.Background(), "s1", Notification{Kind: KindError, Message: "x"})
	assert.ErrorContains(t, err, "no dbus")
}

func TestWriteReplyRejectsNonPositive(t *testing.T) {
	assert.Error(t, WriteReply(t.TempDir(), "s1", 0))
}

func TestReadOutboxMissing(t *testing.T) {
	entries, err := ReadOutbox(filepath.Join(t.TempDir(), "nope"), 5)
	require.NoError(t, err)
	assert.Nil(t, entries)
}
