package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv overrides the data directory. Workers inherit it from the supervisor.
const HomeEnv = "CCREMOTE_HOME"

const (
	ConfigFileName   = "config.toml"
	StateDBFileName  = "state.db"
	RegistryFileName = "daemons.json"
	LogsDirName      = "logs"
	InboxDirName     = "inbox"
	RunDirName       = "run"
)

// DataDir returns the ccremote data directory ($CCREMOTE_HOME or ~/.ccremote).
func DataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(HomeEnv)); dir != "" {
		return ExpandTilde(dir), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".ccremote"), nil
}

// Paths bundles every on-disk location derived from the data directory.
type Paths struct {
	Root     string
	Config   string
	StateDB  string
	Registry string
	Logs     string
	Inbox    string
	Run      string
}

// ResolvePaths computes Paths for root, or for DataDir() when root is empty.
func ResolvePaths(root string) (Paths, error) {
	if root == "" {
		dir, err := DataDir()
		if err != nil {
			return Paths{}, err
		}
		root = dir
	}
	return Paths{
		Root:     root,
		Config:   filepath.Join(root, ConfigFileName),
		StateDB:  filepath.Join(root, StateDBFileName),
		Registry: filepath.Join(root, RegistryFileName),
		Logs:     filepath.Join(root, LogsDirName),
		Inbox:    filepath.Join(root, InboxDirName),
		Run:      filepath.Join(root, RunDirName),
	}, nil
}

// Ensure creates the directories under Root.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Root, p.Logs, p.Inbox, p.Run} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// SessionLogFile is the worker log for one session.
func (p Paths) SessionLogFile(sessionID string) string {
	return filepath.Join(p.Logs, sessionID+".log")
}

// SessionCrashFile is where a worker dumps its ring buffer on a fatal error.
func (p Paths) SessionCrashFile(sessionID string) string {
	return filepath.Join(p.Logs, sessionID+".crash.log")
}

// SessionLockFile guards against two workers for the same session.
func (p Paths) SessionLockFile(sessionID string) string {
	return filepath.Join(p.Run, sessionID+".lock")
}

// SessionInbox is the per-session directory for local replies and the outbox.
func (p Paths) SessionInbox(sessionID string) string {
	return filepath.Join(p.Inbox, sessionID)
}

// ExpandTilde expands a leading ~ to the user's home directory.
func ExpandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Clean(filepath.Join(home, strings.TrimPrefix(path, "~")))
	}
	return path
}
