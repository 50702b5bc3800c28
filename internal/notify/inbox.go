package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ccremote/ccremote/internal/platform"
)

const (
	// OutboxFileName holds one JSON notification per line.
	OutboxFileName = "outbox.jsonl"
	replyPrefix    = "reply-"
	replyDebounce  = 100 * time.Millisecond

	// inboxPollInterval rescans the inbox on filesystems without file events.
	inboxPollInterval = time.Second
)

// OutboxEntry is one line of the outbox file.
type OutboxEntry struct {
	SessionID string `json:"sessionId"`
	Notification
}

type replyFile struct {
	SessionID string `json:"sessionId,omitempty"`
	Option    int    `json:"option"`
}

// InboxSink is the local channel. Notifications are appended to
// <dir>/outbox.jsonl; reply files dropped into <dir> (see WriteReply) are
// picked up through fsnotify and dispatched as option selections. On
// network and 9p mounts the directory is also rescanned periodically.
type InboxSink struct {
	handlerSet

	dir       string
	sessionID string
	watcher   *fsnotify.Watcher
	poll      time.Duration

	writeMu sync.Mutex
	procMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewInboxSink creates dir and starts watching it for replies.
func NewInboxSink(dir, sessionID string) (*InboxSink, error) {
	var poll time.Duration
	if warn := platform.WatchWarning(dir); warn != "" {
		notifyLog.Warn("inbox_polling", slog.String("dir", dir), slog.String("reason", warn))
		poll = inboxPollInterval
	}
	return newInboxSink(dir, sessionID, poll)
}

func newInboxSink(dir, sessionID string, poll time.Duration) (*InboxSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("inbox watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch inbox: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &InboxSink{
		dir:       dir,
		sessionID: sessionID,
		watcher:   watcher,
		poll:      poll,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

// Dir returns the inbox directory.
func (s *InboxSink) Dir() string { return s.dir }

// Send appends n to the outbox file.
func (s *InboxSink) Send(_ context.Context, sessionID string, n Notification) error {
	line, err := json.Marshal(OutboxEntry{SessionID: sessionID, Notification: n})
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, OutboxFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}

func (s *InboxSink) watch() {
	defer close(s.done)

	// Replies written before the watcher started.
	s.scanExisting()

	var debounceTimer *time.Timer
	pending := make(map[string]bool)
	var pendingMu sync.Mutex

	var rescan <-chan time.Time
	if s.poll > 0 {
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		rescan = ticker.C
	}

	for {
		select {
		case <-rescan:
			s.scanExisting()
		case <-s.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isReplyFile(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			pendingMu.Lock()
			pending[event.Name] = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(replyDebounce, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pending))
				for f := range pending {
					files = append(files, f)
				}
				pending = make(map[string]bool)
				pendingMu.Unlock()
				for _, f := range files {
					s.processReply(f)
				}
			})
			pendingMu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			notifyLog.Warn("inbox_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (s *InboxSink) scanExisting() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && isReplyFile(e.Name()) {
			s.processReply(filepath.Join(s.dir, e.Name()))
		}
	}
}

func isReplyFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, replyPrefix) && filepath.Ext(base) == ".json"
}

func (s *InboxSink) processReply(path string) {
	s.procMu.Lock()
	data, err := os.ReadFile(path)
	if err == nil {
		_ = os.Remove(path)
	}
	s.procMu.Unlock()
	if err != nil {
		return
	}

	var reply replyFile
	if err := json.Unmarshal(data, &reply); err != nil || reply.Option <= 0 {
		notifyLog.Warn("inbox_reply_invalid", slog.String("file", filepath.Base(path)))
		return
	}
	sessionID := reply.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}
	notifyLog.Info("inbox_option_selected", slog.String("session", sessionID), slog.Int("option", reply.Option))
	s.dispatch(sessionID, reply.Option)
}

// Close stops the watcher.
func (s *InboxSink) Close() error {
	s.cancel()
	err := s.watcher.Close()
	<-s.done
	return err
}

// WriteReply drops a reply file into dir for the worker watching it.
// The file is written under a temp name and renamed so the watcher never
// sees a partial write.
func WriteReply(dir, sessionID string, option int) error {
	if option <= 0 {
		return fmt.Errorf("option must be positive, got %d", option)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	data, err := json.Marshal(replyFile{SessionID: sessionID, Option: option})
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s%d.json", replyPrefix, time.Now().UnixNano())
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename reply: %w", err)
	}
	return nil
}

// ReadOutbox returns the last limit entries from dir's outbox (all if limit <= 0).
func ReadOutbox(dir string, limit int) ([]OutboxEntry, error) {
	f, err := os.Open(filepath.Join(dir, OutboxFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []OutboxEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e OutboxEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
