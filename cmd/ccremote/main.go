package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/ccremote/ccremote/internal/config"
	"github.com/ccremote/ccremote/internal/daemon"
	"github.com/ccremote/ccremote/internal/logging"
	"github.com/ccremote/ccremote/internal/statedb"
)

const Version = "0.4.0"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

func initColorProfile() {
	// CCREMOTE_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("CCREMOTE_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}
	if os.Getenv("NO_COLOR") != "" || !isInteractive() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("ccremote v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "start":
		handleStart(args[1:])
	case "stop":
		handleStop(args[1:])
	case "list", "ls":
		handleList(args[1:])
	case "status":
		handleStatus(args[1:])
	case "reply":
		handleReply(args[1:])
	case "worker":
		handleWorker(args[1:])
	case "push":
		handlePush(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// cliEnv is the shared state of one CLI invocation.
type cliEnv struct {
	paths config.Paths
	cfg   *config.Config
}

// loadEnv resolves the data directory and config, and routes CLI logs to
// <data>/ccremote.log.
func loadEnv(out *CLIOutput) *cliEnv {
	paths, err := config.ResolvePaths("")
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	if err := paths.Ensure(); err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	cfg, err := config.Load(paths.Config)
	if err != nil {
		out.Fail(err.Error(), ErrCodeInternal)
	}
	logging.Init(logging.Config{
		LogDir:     paths.Root,
		FileName:   logging.DefaultFileName,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   cfg.Logs.Compress,
	})
	return &cliEnv{paths: paths, cfg: cfg}
}

func (e *cliEnv) openStore() (*statedb.StateDB, error) {
	db, err := statedb.Open(e.paths.StateDB)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := statedb.MigrateLegacyFile(filepath.Join(e.paths.Root, statedb.LegacyFileName), db); err != nil {
		logging.ForComponent(logging.CompCLI).Warn("legacy_migration_failed", slog.String("error", err.Error()))
	}
	return db, nil
}

func (e *cliEnv) supervisor() (*daemon.Supervisor, error) {
	return daemon.New(daemon.Options{
		RegistryPath: e.paths.Registry,
		LogDir:       e.paths.Logs,
		Home:         e.paths.Root,
	})
}

func printHelp() {
	fmt.Printf("ccremote v%s\n", Version)
	fmt.Println("Supervise coding-agent tmux sessions through usage limits and approval prompts")
	fmt.Println()
	fmt.Println("Usage: ccremote <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start            Create a session and start its monitor")
	fmt.Println("  stop <id|name>   Stop a session's monitor (--all for every session)")
	fmt.Println("  list, ls         List sessions")
	fmt.Println("  status <id|name> Show session details")
	fmt.Println("  reply <id> <n>   Answer an approval prompt with option n")
	fmt.Println("  push             Manage browser push keys and subscriptions")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  ccremote start --name api --quota 5:00   # New session with a daily quota command")
	fmt.Println("  ccremote list --json                     # Sessions as JSON")
	fmt.Println("  ccremote reply api 1                     # Approve the pending prompt")
	fmt.Println("  ccremote stop --all                      # Stop every monitor")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  CCREMOTE_HOME     Data directory (default: ~/.ccremote)")
	fmt.Println("  CCREMOTE_COLOR    Color mode: truecolor, 256, 16, none")
}
