package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/mattn/go-runewidth"
)

const pushBodyWidth = 160

// PushSubscription is a browser push subscription as produced by
// PushManager.subscribe().toJSON().
type PushSubscription struct {
	Endpoint string               `json:"endpoint"`
	Keys     PushSubscriptionKeys `json:"keys"`
}

// PushSubscriptionKeys are the subscription's encryption keys.
type PushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s PushSubscription) normalize() PushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

// Validate checks that all required fields are present.
func (s PushSubscription) Validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type subscriptionFile struct {
	UpdatedAt     time.Time          `json:"updatedAt"`
	Subscriptions []PushSubscription `json:"subscriptions"`
}

// SubscriptionStore is a JSON file of push subscriptions.
type SubscriptionStore struct {
	path string
	mu   sync.Mutex
}

// NewSubscriptionStore returns a store backed by path.
func NewSubscriptionStore(path string) *SubscriptionStore {
	return &SubscriptionStore{path: path}
}

// List returns all subscriptions.
func (s *SubscriptionStore) List() ([]PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return data.Subscriptions, nil
}

// Upsert adds sub or replaces the entry with the same endpoint.
func (s *SubscriptionStore) Upsert(sub PushSubscription) error {
	sub = sub.normalize()
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint == sub.Endpoint {
			data.Subscriptions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	data.UpdatedAt = time.Now().UTC()
	return s.writeLocked(data)
}

// RemoveByEndpoint deletes the subscription with endpoint.
func (s *SubscriptionStore) RemoveByEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	filtered := make([]PushSubscription, 0, len(data.Subscriptions))
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			filtered = append(filtered, sub)
		}
	}
	data.Subscriptions = filtered
	data.UpdatedAt = time.Now().UTC()
	return s.writeLocked(data)
}

func (s *SubscriptionStore) readLocked() (*subscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &subscriptionFile{Subscriptions: []PushSubscription{}}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}
	var data subscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []PushSubscription{}
	}
	return &data, nil
}

func (s *SubscriptionStore) writeLocked(data *subscriptionFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir push subscription dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp push subscriptions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename push subscriptions: %w", err)
	}
	return nil
}

// pushSender delivers one encrypted payload; returns the gateway status code.
type pushSender interface {
	Send(payload []byte, sub PushSubscription) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidPushSender) Send(payload []byte, sub PushSubscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
	})
	status := 0
	if resp != nil {
		status = resp.StatusCode
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// GenerateVAPIDKeys returns a new (private, public) VAPID key pair.
func GenerateVAPIDKeys() (string, string, error) {
	return webpush.GenerateVAPIDKeys()
}

// WebPushSink sends browser push notifications to every stored subscription.
// Subscriptions the gateway reports as gone (404/410) are removed.
type WebPushSink struct {
	handlerSet
	store  *SubscriptionStore
	sender pushSender
}

// NewWebPushSink returns a VAPID-signed push sink.
func NewWebPushSink(store *SubscriptionStore, subject, publicKey, privateKey string) *WebPushSink {
	if subject == "" {
		subject = "mailto:ccremote@localhost"
	}
	return &WebPushSink{
		store:  store,
		sender: &vapidPushSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
	}
}

type pushPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag"`
	SessionID string `json:"sessionId"`
	Kind      Kind   `json:"kind"`
}

// Send pushes n to all subscriptions and joins per-subscription errors.
func (w *WebPushSink) Send(_ context.Context, sessionID string, n Notification) error {
	subs, err := w.store.List()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	title := "ccremote"
	if n.SessionName != "" {
		title = "ccremote: " + n.SessionName
	}
	payload, err := json.Marshal(pushPayload{
		Title:     title,
		Body:      runewidth.Truncate(n.Message, pushBodyWidth, "…"),
		Tag:       "ccremote-" + sessionID,
		SessionID: sessionID,
		Kind:      n.Kind,
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		status, err := w.sender.Send(payload, sub)
		if status == http.StatusGone || status == http.StatusNotFound {
			notifyLog.Info("push_subscription_expired", slog.String("endpoint", sub.Endpoint), slog.Int("status", status))
			if rmErr := w.store.RemoveByEndpoint(sub.Endpoint); rmErr != nil {
				errs = append(errs, rmErr)
			}
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("push %s: %w", sub.Endpoint, err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op.
func (w *WebPushSink) Close() error { return nil }
