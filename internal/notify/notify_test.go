package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records sends and fails the first failN of them.
type fakeSink struct {
	handlerSet
	mu     sync.Mutex
	sent   []Notification
	failN  int
	calls  int
	closed bool
}

func (f *fakeSink) Send(_ context.Context, _ string, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("boom")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	ok := &fakeSink{}
	bad := &fakeSink{failN: 100}
	m := NewMulti(ok, nil, bad)
	assert.Equal(t, 2, m.Len())

	err := m.Send(context.Background(), "s1", Notification{Kind: KindLimit, Message: "hi"})
	require.Error(t, err)
	assert.Len(t, ok.sent, 1)
	assert.False(t, ok.sent[0].Time.IsZero(), "Multi stamps the time")

	var got []int
	m.OnOptionSelected(func(_ string, n int) { got = append(got, n) })
	ok.dispatch("s1", 2)
	bad.dispatch("s1", 3)
	assert.Equal(t, []int{2, 3}, got)

	require.NoError(t, m.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}

func TestMultiOfReliableRetriesOnlyTheFailingChannel(t *testing.T) {
	healthy := &fakeSink{}
	down := &fakeSink{failN: 100}
	opts := ReliableOptions{MaxAttempts: 4, Sleep: noSleep}
	m := NewMulti(NewReliable(healthy, opts), NewReliable(down, opts))

	require.NoError(t, m.Send(context.Background(), "s1", Notification{Kind: KindLimit, Message: "limit"}))
	assert.Len(t, healthy.sent, 1)
	assert.Equal(t, 1, healthy.calls)
	assert.Equal(t, 4, down.calls)
}

func TestReliableRetriesThenSucceeds(t *testing.T) {
	inner := &fakeSink{failN: 2}
	var delays []time.Duration
	r := NewReliable(inner, ReliableOptions{
		MaxAttempts: 4,
		BackoffBase: 100 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})

	require.NoError(t, r.Send(context.Background(), "s1", Notification{Kind: KindLimit}))
	assert.Equal(t, 3, inner.calls)
	assert.Len(t, inner.sent, 1)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestReliableSwallowsAfterMaxAttempts(t *testing.T) {
	inner := &fakeSink{failN: 100}
	r := NewReliable(inner, ReliableOptions{MaxAttempts: 3, Sleep: noSleep})

	assert.NoError(t, r.Send(context.Background(), "s1", Notification{Kind: KindError}))
	assert.Equal(t, 3, inner.calls)
}

func TestReliableReturnsOnCancel(t *testing.T) {
	inner := &fakeSink{failN: 100}
	r := NewReliable(inner, ReliableOptions{MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Send(ctx, "s1", Notification{Kind: KindError})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReliableBackoffCapped(t *testing.T) {
	r := NewReliable(&fakeSink{}, ReliableOptions{BackoffBase: time.Second, BackoffMax: 5 * time.Second})
	assert.Equal(t, time.Second, r.Backoff(1))
	assert.Equal(t, 2*time.Second, r.Backoff(2))
	assert.Equal(t, 4*time.Second, r.Backoff(3))
	assert.Equal(t, 5*time.Second, r.Backoff(4))
	assert.Equal(t, 5*time.Second, r.Backoff(10))
}

func TestReliableRateLimit(t *testing.T) {
	inner := &fakeSink{}
	r := NewReliable(inner, ReliableOptions{RatePerMinute: 4, Sleep: noSleep})
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Send(context.Background(), "s1", Notification{Kind: KindLimit}))
	}
	// Burst of 1 at 4/minute: the rest are dropped.
	assert.Len(t, inner.sent, 1)
}

func TestWebhookSink(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	err := sink.Send(context.Background(), "s1", Notification{
		Kind:        KindLimit,
		SessionName: "api",
		Message:     "Usage limit reached, resets 10:30",
		Metadata:    map[string]any{"resetAt": "10:30"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, KindLimit, got.Kind)
	assert.Contains(t, got.Text, "api")
	assert.Contains(t, got.Text, "resets 10:30")
	assert.Equal(t, "10:30", got.Metadata["resetAt"])
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL).Send(context.Background(), "s1", Notification{Kind: KindError})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRelaySinkRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan relayMessage, 4)
	var authHeader atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg relayMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
			if msg.Type == "notification" {
				_ = conn.WriteJSON(relayMessage{Type: "select", SessionID: msg.SessionID, Option: 2})
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sink := NewRelaySink(url, "secret", "s1")
	defer sink.Close()

	selected := make(chan int, 1)
	sink.OnOptionSelected(func(sessionID string, n int) {
		assert.Equal(t, "s1", sessionID)
		selected <- n
	})

	require.NoError(t, sink.Send(context.Background(), "s1", Notification{Kind: KindApproval, Message: "Edit tmux.ts"}))

	sub := <-received
	assert.Equal(t, "subscribe", sub.Type)
	assert.Equal(t, "s1", sub.SessionID)

	note := <-received
	assert.Equal(t, "notification", note.Type)
	require.NotNil(t, note.Notification)
	assert.Equal(t, KindApproval, note.Notification.Kind)

	select {
	case n := <-selected:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("no option selection relayed")
	}
	assert.Equal(t, "Bearer secret", authHeader.Load())
}

func TestRelaySinkRedialsAfterDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub relayMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if conns.Add(1) == 1 {
			// Drop the first connection right after subscribe.
			return
		}
		_ = conn.WriteJSON(relayMessage{Type: "select", SessionID: sub.SessionID, Option: 3})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := NewRelaySink("ws"+strings.TrimPrefix(srv.URL, "http"), "", "s1")
	sink.redialBase = 10 * time.Millisecond
	sink.redialMax = 50 * time.Millisecond
	defer sink.Close()

	selected := make(chan int, 1)
	sink.OnOptionSelected(func(_ string, n int) { selected <- n })
	require.NoError(t, sink.Connect(context.Background()))

	// No Send happens: the reply must arrive over the redialed connection.
	select {
	case n := <-selected:
		assert.Equal(t, 3, n)
	case <-time.After(5 * time.Second):
		t.Fatal("reply not delivered after reconnect")
	}
	assert.Equal(t, int32(2), conns.Load())
}

func TestRelaySinkCloseStopsRedial(t *testing.T) {
	sink := NewRelaySink("ws://127.0.0.1:1/none", "", "s1")
	sink.redialBase = time.Millisecond
	sink.redialMax = 5 * time.Millisecond
	sink.Redial()

	done := make(chan struct{})
	go func() {
		_ = sink.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the redial loop")
	}
}

func TestRelaySinkDialFailure(t *testing.T) {
	sink := NewRelaySink("ws://127.0.0.1:1/none", "", "s1")
	defer sink.Close()
	err := sink.Send(context.Background(), "s1", Notification{Kind: KindLimit})
	assert.Error(t, err)
}

func TestRelaySinkClosed(t *testing.T) {
	sink := NewRelaySink("ws://127.0.0.1:1/none", "", "s1")
	require.NoError(t, sink.Close())
	assert.Error(t, sink.Connect(context.Background()))
}
