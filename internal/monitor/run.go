package monitor

import (
	"context"
	"log/slog"
	"time"
)

// Run polls until ctx is cancelled, the session ends, or a FatalError occurs.
// Events are published to events when it is non-nil; a full channel drops
// them rather than stalling the loop.
func (m *Monitor) Run(ctx context.Context, events chan<- Event) error {
	m.log.Info("monitor_started", slog.Duration("interval", m.cfg.PollInterval))
	defer m.log.Info("monitor_stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-m.selections:
			// Replies wake the loop early instead of waiting a full interval.
			m.pending = append(m.pending, n)
		case <-timer.C:
		}

		// A tick in flight completes even if shutdown was requested.
		evs, err := m.Tick(context.WithoutCancel(ctx))
		m.publish(events, evs)
		if err != nil {
			return err
		}
		if m.ended {
			return nil
		}
		timer.Reset(m.cfg.PollInterval)
	}
}

func (m *Monitor) publish(events chan<- Event, evs []Event) {
	if events == nil {
		return
	}
	for _, ev := range evs {
		select {
		case events <- ev:
		default:
			m.log.Debug("event_dropped", slog.String("type", string(ev.Type)))
		}
	}
}
