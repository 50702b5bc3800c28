// Package notify delivers session notifications to remote channels and
// relays numeric replies back to the worker.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ccremote/ccremote/internal/logging"
)

var notifyLog = logging.ForComponent(logging.CompNotify)

// Kind classifies a notification.
type Kind string

const (
	KindLimit     Kind = "limit"
	KindContinued Kind = "continued"
	KindApproval  Kind = "approval"
	KindError     Kind = "error"
	KindQuota     Kind = "quota"
	KindEnded     Kind = "ended"
)

// Notification is one message about a session.
type Notification struct {
	Kind        Kind           `json:"kind"`
	SessionName string         `json:"sessionName"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Time        time.Time      `json:"time"`
}

// SelectHandler receives a remote option reply for a session.
type SelectHandler func(sessionID string, option int)

// Sink delivers notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, sessionID string, n Notification) error
	OnOptionSelected(h SelectHandler)
	Close() error
}

// handlerSet is embedded by sinks that accept inbound replies.
type handlerSet struct {
	mu  sync.RWMutex
	fns []SelectHandler
}

func (h *handlerSet) OnOptionSelected(fn SelectHandler) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *handlerSet) dispatch(sessionID string, option int) {
	h.mu.RLock()
	fns := make([]SelectHandler, len(h.fns))
	copy(fns, h.fns)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(sessionID, option)
	}
}

// Multi fans a notification out to every sink.
type Multi struct {
	sinks []Sink
}

// NewMulti returns a Multi over sinks; nil sinks are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Send delivers to all sinks concurrently and joins their errors. Each sink
// sees n exactly once; retries belong to the sink itself (see Reliable).
func (m *Multi) Send(ctx context.Context, sessionID string, n Notification) error {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	errs := make([]error, len(m.sinks))
	var wg sync.WaitGroup
	for i, s := range m.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Send(ctx, sessionID, n)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// OnOptionSelected registers h on every sink.
func (m *Multi) OnOptionSelected(h SelectHandler) {
	for _, s := range m.sinks {
		s.OnOptionSelected(h)
	}
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
