package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the ccremote configuration file (config.toml).
// The CLI and every worker resolve it from the same data directory, so
// secrets such as the webhook URL never travel on a command line.
type Config struct {
	// Monitor controls the per-session poll loop
	Monitor MonitorSettings `toml:"monitor"`

	// Notify configures the remote notification channels
	Notify NotifySettings `toml:"notify"`

	// Logs configures log files
	Logs LogSettings `toml:"logs"`

	// Patterns optionally overrides or extends the detection grammar
	Patterns PatternSettings `toml:"patterns"`

	// Quota sets defaults for daily quota schedules
	Quota QuotaSettings `toml:"quota"`

	// Tmux sets how new terminal sessions are created
	Tmux TmuxSettings `toml:"tmux"`
}

// MonitorSettings controls polling, retries and continuation timing.
type MonitorSettings struct {
	// PollIntervalMs is the delay between two ticks (default: 2000)
	PollIntervalMs int `toml:"poll_interval_ms"`

	// MaxRetries is the number of consecutive poll errors tolerated (default: 3)
	MaxRetries int `toml:"max_retries"`

	// ImmediateSettleMs is how long to wait after an immediate continuation
	// before re-checking the pane (default: 5000)
	ImmediateSettleMs int `toml:"immediate_settle_ms"`

	// ContinuationCooldownS is the minimum spacing between two automatic
	// continuations (default: 300)
	ContinuationCooldownS int `toml:"continuation_cooldown_s"`

	// MaxResetWindowH rejects parsed reset times further away (default: 5)
	MaxResetWindowH int `toml:"max_reset_window_h"`

	// ReadyCueDelayMs delays a cue-triggered continuation (default: 3000)
	ReadyCueDelayMs int `toml:"ready_cue_delay_ms"`

	// QuotaStageDelayS is how long after creation the quota command is staged (default: 5)
	QuotaStageDelayS int `toml:"quota_stage_delay_s"`

	// ContinueCommand is typed to resume the agent (default: "continue")
	ContinueCommand string `toml:"continue_command"`
}

// NotifySettings configures notification channels. Every configured channel is used.
type NotifySettings struct {
	// WebhookURL receives a JSON POST per notification
	WebhookURL string `toml:"webhook_url"`

	// RelayURL is a websocket relay that forwards notifications and returns option replies
	RelayURL string `toml:"relay_url"`

	// RelayToken is sent as a bearer token when dialing the relay
	RelayToken string `toml:"relay_token"`

	// WebPush delivers browser push notifications
	WebPush WebPushSettings `toml:"webpush"`

	// Desktop shows OS notifications on the machine running the worker
	Desktop bool `toml:"desktop"`

	// Inbox writes an outbox file and watches a local reply directory (default: true)
	Inbox *bool `toml:"inbox"`

	// RatePerMinute caps outbound notifications per session (default: 20)
	RatePerMinute int `toml:"rate_per_minute"`

	// MaxAttempts is the delivery attempt cap per notification (default: 4)
	MaxAttempts int `toml:"max_attempts"`

	// BackoffBaseMs is the first retry delay (default: 500)
	BackoffBaseMs int `toml:"backoff_base_ms"`

	// BackoffMaxMs caps the retry delay (default: 8000)
	BackoffMaxMs int `toml:"backoff_max_ms"`
}

// WebPushSettings configures VAPID web push delivery.
type WebPushSettings struct {
	Subject           string `toml:"subject"`
	PublicKey         string `toml:"public_key"`
	PrivateKey        string `toml:"private_key"`
	SubscriptionsFile string `toml:"subscriptions_file"`
}

// Enabled reports whether enough keys are configured to send pushes.
func (w WebPushSettings) Enabled() bool {
	return w.PublicKey != "" && w.PrivateKey != "" && w.SubscriptionsFile != ""
}

// LogSettings configures log files.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// PatternSettings overrides the detection grammar. A non-nil list replaces
// the default; Extra* lists are appended. Entries prefixed "re:" are regexes.
type PatternSettings struct {
	LimitPhrases      []string `toml:"limit_phrases"`
	ActiveStates      []string `toml:"active_states"`
	ReadyCues         []string `toml:"ready_cues"`
	ApprovalQuestions []string `toml:"approval_questions"`
	SelectionMarkers  []string `toml:"selection_markers"`

	ExtraLimit             []string `toml:"extra_limit_phrases"`
	ExtraActive            []string `toml:"extra_active_states"`
	ExtraReadyCues         []string `toml:"extra_ready_cues"`
	ExtraApprovalQuestions []string `toml:"extra_approval_questions"`
	ExtraSelectionMarkers  []string `toml:"extra_selection_markers"`
}

// QuotaSettings are defaults for `ccremote start --quota`.
type QuotaSettings struct {
	// Time is the default time of day, e.g. "5:00"
	Time string `toml:"time"`

	// CommandTemplate supports {date} and {time} placeholders
	CommandTemplate string `toml:"command_template"`
}

// TmuxSettings control session creation.
type TmuxSettings struct {
	// Command starts the coding agent in a new session (default: "claude")
	Command string `toml:"command"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	m := &c.Monitor
	if m.PollIntervalMs <= 0 {
		m.PollIntervalMs = 2000
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = 3
	}
	if m.ImmediateSettleMs <= 0 {
		m.ImmediateSettleMs = 5000
	}
	if m.ContinuationCooldownS <= 0 {
		m.ContinuationCooldownS = 300
	}
	if m.MaxResetWindowH <= 0 {
		m.MaxResetWindowH = 5
	}
	if m.ReadyCueDelayMs <= 0 {
		m.ReadyCueDelayMs = 3000
	}
	if m.QuotaStageDelayS <= 0 {
		m.QuotaStageDelayS = 5
	}
	if m.ContinueCommand == "" {
		m.ContinueCommand = "continue"
	}

	n := &c.Notify
	if n.Inbox == nil {
		enabled := true
		n.Inbox = &enabled
	}
	if n.RatePerMinute <= 0 {
		n.RatePerMinute = 20
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = 4
	}
	if n.BackoffBaseMs <= 0 {
		n.BackoffBaseMs = 500
	}
	if n.BackoffMaxMs <= 0 {
		n.BackoffMaxMs = 8000
	}
	n.WebPush.SubscriptionsFile = ExpandTilde(n.WebPush.SubscriptionsFile)

	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}

	if c.Quota.Time == "" {
		c.Quota.Time = "5:00"
	}
	if c.Quota.CommandTemplate == "" {
		c.Quota.CommandTemplate = "echo quota window {date} {time}"
	}
	if c.Tmux.Command == "" {
		c.Tmux.Command = "claude"
	}
}

// PollInterval returns the poll interval as a duration.
func (m MonitorSettings) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// ImmediateSettle returns the settle delay after an immediate continuation.
func (m MonitorSettings) ImmediateSettle() time.Duration {
	return time.Duration(m.ImmediateSettleMs) * time.Millisecond
}

// Cooldown returns the minimum spacing between automatic continuations.
func (m MonitorSettings) Cooldown() time.Duration {
	return time.Duration(m.ContinuationCooldownS) * time.Second
}

// MaxResetWindow returns the largest accepted distance to a parsed reset time.
func (m MonitorSettings) MaxResetWindow() time.Duration {
	return time.Duration(m.MaxResetWindowH) * time.Hour
}

// ReadyCueDelay returns the delay before a cue-triggered continuation.
func (m MonitorSettings) ReadyCueDelay() time.Duration {
	return time.Duration(m.ReadyCueDelayMs) * time.Millisecond
}

// QuotaStageDelay returns the delay between session creation and staging.
func (m MonitorSettings) QuotaStageDelay() time.Duration {
	return time.Duration(m.QuotaStageDelayS) * time.Second
}

// InboxEnabled reports whether the local inbox channel is on.
func (n NotifySettings) InboxEnabled() bool {
	return n.Inbox == nil || *n.Inbox
}

var (
	cacheMu   sync.RWMutex
	cache     *Config
	cachePath string
)

// Load reads config.toml at path. A missing file yields defaults.
// The result is cached per path; call Reload to force a re-read.
func Load(path string) (*Config, error) {
	cacheMu.RLock()
	if cache != nil && cachePath == path {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil && cachePath == path {
		return cache, nil
	}

	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	cache = cfg
	cachePath = path
	return cfg, nil
}

// Reload drops the cache and reads path again.
func Reload(path string) (*Config, error) {
	ClearCache()
	return Load(path)
}

// ClearCache forgets the cached config.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cachePath = ""
	cacheMu.Unlock()
}

func decodeFile(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.ApplyDefaults()
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes cfg to path with the write-fsync-rename pattern and clears the cache.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# ccremote configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearCache()
	return nil
}
