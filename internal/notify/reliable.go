package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// ReliableOptions tunes Reliable.
type ReliableOptions struct {
	// Channel names the wrapped sink in log records.
	Channel string

	RatePerMinute int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *ReliableOptions) applyDefaults() {
	if o.RatePerMinute <= 0 {
		o.RatePerMinute = 20
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 8 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reliable wraps one sink with rate limiting and capped exponential backoff.
// Delivery failures are logged and swallowed: Send only returns an error
// when ctx is cancelled. Wrap each channel separately; wrapping a Multi
// would resend to the channels that already succeeded.
type Reliable struct {
	inner   Sink
	limiter *rate.Limiter
	opts    ReliableOptions
}

// NewReliable wraps inner.
func NewReliable(inner Sink, opts ReliableOptions) *Reliable {
	opts.applyDefaults()
	burst := opts.RatePerMinute / 4
	if burst < 1 {
		burst = 1
	}
	return &Reliable{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), burst),
		opts:    opts,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (r *Reliable) Backoff(attempt int) time.Duration {
	return capBackoff(r.opts.BackoffBase, r.opts.BackoffMax, attempt)
}

// capBackoff doubles base per attempt after the first, capped at limit.
func capBackoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

// Send delivers n, retrying failures up to MaxAttempts.
func (r *Reliable) Send(ctx context.Context, sessionID string, n Notification) error {
	if !r.limiter.Allow() {
		notifyLog.Warn("notification_rate_limited",
			slog.String("session", sessionID),
			slog.String("channel", r.opts.Channel),
			slog.String("kind", string(n.Kind)))
		return nil
	}

	for attempt := 1; ; attempt++ {
		err := r.inner.Send(ctx, sessionID, n)
		if err == nil {
			notifyLog.Debug("notification_sent",
				slog.String("session", sessionID),
				slog.String("channel", r.opts.Channel),
				slog.String("kind", string(n.Kind)),
				slog.Int("attempt", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= r.opts.MaxAttempts {
			notifyLog.Error("notification_dropped",
				slog.String("session", sessionID),
				slog.String("channel", r.opts.Channel),
				slog.String("kind", string(n.Kind)),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
			return nil
		}
		delay := r.Backoff(attempt)
		notifyLog.Warn("notification_retry",
			slog.String("session", sessionID),
			slog.String("channel", r.opts.Channel),
			slog.String("kind", string(n.Kind)),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		if err := r.opts.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// OnOptionSelected forwards to the wrapped sink.
func (r *Reliable) OnOptionSelected(h SelectHandler) { r.inner.OnOptionSelected(h) }

// Close closes the wrapped sink.
func (r *Reliable) Close() error { return r.inner.Close() }
