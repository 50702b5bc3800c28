package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const relayWriteTimeout = 10 * time.Second

// relayMessage is the wire format in both directions.
// Outbound: type "subscribe" or "notification". Inbound: type "select".
type relayMessage struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"sessionId,omitempty"`
	Option       int           `json:"option,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Text         string        `json:"text,omitempty"`
}

const (
	relayRedialBase = time.Second
	relayRedialMax  = time.Minute
)

// RelaySink keeps a websocket to a relay service. Notifications go out as
// JSON messages; "select" messages coming back are dispatched to handlers.
// A dropped connection is redialed in the background with capped backoff,
// so replies keep flowing while no notification is being sent.
type RelaySink struct {
	handlerSet

	url       string
	header    http.Header
	sessionID string
	dialer    *websocket.Dialer

	redialBase time.Duration
	redialMax  time.Duration

	// ctx is cancelled by Close and bounds background redials.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	redialing bool
	wg        sync.WaitGroup
}

// NewRelaySink returns a sink for the relay at url, subscribed to sessionID.
func NewRelaySink(url, token, sessionID string) *RelaySink {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RelaySink{
		url:       url,
		header:    header,
		sessionID: sessionID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		redialBase: relayRedialBase,
		redialMax:  relayRedialMax,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Connect dials the relay now so replies can arrive before the first notification.
func (r *RelaySink) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.connLocked(ctx)
	return err
}

func (r *RelaySink) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if r.closed {
		return nil, errors.New("relay: closed")
	}
	if r.conn != nil {
		return r.conn, nil
	}

	conn, resp, err := r.dialer.DialContext(ctx, r.url, r.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	if err := conn.WriteJSON(relayMessage{Type: "subscribe", SessionID: r.sessionID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}

	r.conn = conn
	r.wg.Add(1)
	go r.readLoop(conn)
	notifyLog.Info("relay_connected", slog.String("url", r.url), slog.String("session", r.sessionID))
	return conn, nil
}

func (r *RelaySink) readLoop(conn *websocket.Conn) {
	defer r.wg.Done()
	for {
		var msg relayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			r.mu.Lock()
			if r.conn == conn {
				r.conn = nil
			}
			closed := r.closed
			r.mu.Unlock()
			conn.Close()
			if !closed {
				notifyLog.Warn("relay_disconnected", slog.String("error", err.Error()))
				r.Redial()
			}
			return
		}
		if msg.Type != "select" || msg.Option <= 0 {
			continue
		}
		sessionID := msg.SessionID
		if sessionID == "" {
			sessionID = r.sessionID
		}
		notifyLog.Info("relay_option_selected", slog.String("session", sessionID), slog.Int("option", msg.Option))
		r.dispatch(sessionID, msg.Option)
	}
}

// Redial starts a background loop that reconnects with capped exponential
// backoff until a connection is up or the sink is closed. At most one loop
// runs at a time.
func (r *RelaySink) Redial() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.redialing || r.conn != nil {
		return
	}
	r.redialing = true
	r.wg.Add(1)
	go r.redialLoop()
}

func (r *RelaySink) redialLoop() {
	defer r.wg.Done()

	for attempt := 1; ; attempt++ {
		delay := capBackoff(r.redialBase, r.redialMax, attempt)
		if err := sleepCtx(r.ctx, delay); err != nil {
			r.stopRedial()
			return
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.dialer.HandshakeTimeout)
		r.mu.Lock()
		_, err := r.connLocked(ctx)
		if err == nil {
			// Cleared under the same lock so a drop of the new connection
			// can start the next loop.
			r.redialing = false
		}
		r.mu.Unlock()
		cancel()
		if err == nil {
			notifyLog.Info("relay_reconnected", slog.String("session", r.sessionID), slog.Int("attempt", attempt))
			return
		}
		if r.ctx.Err() != nil {
			r.stopRedial()
			return
		}
		notifyLog.Warn("relay_redial_failed",
			slog.String("session", r.sessionID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
	}
}

func (r *RelaySink) stopRedial() {
	r.mu.Lock()
	r.redialing = false
	r.mu.Unlock()
}

// Send writes n to the relay, dialing first if needed. A write failure
// drops the connection so the next Send redials.
func (r *RelaySink) Send(ctx context.Context, sessionID string, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.connLocked(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(relayWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	nn := n
	if err := conn.WriteJSON(relayMessage{
		Type:         "notification",
		SessionID:    sessionID,
		Notification: &nn,
		Text:         FormatText(n),
	}); err != nil {
		conn.Close()
		r.conn = nil
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

// Close sends a close frame and waits for the read loop to exit.
func (r *RelaySink) Close() error {
	r.cancel()
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	r.wg.Wait()
	return nil
}
