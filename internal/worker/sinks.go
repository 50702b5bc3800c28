package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ccremote/ccremote/internal/config"
	"github.com/ccremote/ccremote/internal/detect"
	"github.com/ccremote/ccremote/internal/notify"
)

const relayConnectTimeout = 10 * time.Second

// BuildSink assembles every configured channel, each behind its own rate
// limiter and retry loop, so an outage on one channel never resends to the
// others. With nothing configured the result is an empty fan-out.
func BuildSink(ctx context.Context, cfg *config.Config, paths config.Paths, sessionID string) (notify.Sink, error) {
	sinks, err := channels(ctx, cfg, paths, sessionID)
	if err != nil {
		return nil, err
	}
	workerLog.Info("notification_channels", slog.Int("count", len(sinks)))
	n := cfg.Notify
	wrapped := make([]notify.Sink, 0, len(sinks))
	for _, s := range sinks {
		wrapped = append(wrapped, notify.NewReliable(s, notify.ReliableOptions{
			Channel:       channelName(s),
			RatePerMinute: n.RatePerMinute,
			MaxAttempts:   n.MaxAttempts,
			BackoffBase:   time.Duration(n.BackoffBaseMs) * time.Millisecond,
			BackoffMax:    time.Duration(n.BackoffMaxMs) * time.Millisecond,
		}))
	}
	return notify.NewMulti(wrapped...), nil
}

func channelName(s notify.Sink) string {
	switch s.(type) {
	case *notify.WebhookSink:
		return "webhook"
	case *notify.RelaySink:
		return "relay"
	case *notify.WebPushSink:
		return "webpush"
	case *notify.DesktopSink:
		return "desktop"
	case *notify.InboxSink:
		return "inbox"
	}
	return "unknown"
}

// channels builds one sink per configured channel.
func channels(ctx context.Context, cfg *config.Config, paths config.Paths, sessionID string) ([]notify.Sink, error) {
	n := cfg.Notify
	var sinks []notify.Sink

	if n.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(n.WebhookURL))
	}
	if n.RelayURL != "" {
		relay := notify.NewRelaySink(n.RelayURL, n.RelayToken, sessionID)
		cctx, cancel := context.WithTimeout(ctx, relayConnectTimeout)
		// Dial early so replies can arrive before the first notification.
		if err := relay.Connect(cctx); err != nil {
			workerLog.Warn("relay_connect_failed", slog.String("error", err.Error()))
			relay.Redial()
		}
		cancel()
		sinks = append(sinks, relay)
	}
	if n.WebPush.Enabled() {
		store := notify.NewSubscriptionStore(config.ExpandTilde(n.WebPush.SubscriptionsFile))
		sinks = append(sinks, notify.NewWebPushSink(store, n.WebPush.Subject, n.WebPush.PublicKey, n.WebPush.PrivateKey))
	}
	if n.Desktop {
		sinks = append(sinks, notify.NewDesktopSink())
	}
	if n.InboxEnabled() {
		inbox, err := notify.NewInboxSink(paths.SessionInbox(sessionID), sessionID)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, inbox)
	}
	return sinks, nil
}

// GrammarFromSettings compiles the detection grammar with [patterns] applied.
func GrammarFromSettings(p config.PatternSettings) (*detect.Grammar, error) {
	overrides := &detect.RawGrammar{
		LimitPhrases:      p.LimitPhrases,
		ActiveStates:      p.ActiveStates,
		ReadyCues:         p.ReadyCues,
		ApprovalQuestions: p.ApprovalQuestions,
		SelectionMarkers:  p.SelectionMarkers,
	}
	extras := &detect.RawGrammar{
		LimitPhrases:      p.ExtraLimit,
		ActiveStates:      p.ExtraActive,
		ReadyCues:         p.ExtraReadyCues,
		ApprovalQuestions: p.ExtraApprovalQuestions,
		SelectionMarkers:  p.ExtraSelectionMarkers,
	}
	return detect.Compile(detect.MergeRawGrammar(detect.DefaultRawGrammar(), overrides, extras))
}
