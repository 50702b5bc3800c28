package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"
	"golang.org/x/term"

	"github.com/ccremote/ccremote/internal/statedb"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which means
// "stop my-session --kill" silently ignores --kill. This function moves all
// flags to the front so they get parsed correctly.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "--" terminates flag processing
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)

			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}

			// If it's not a bool flag, the next arg is its value
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// CLIOutput renders command results either for humans or as JSON.
type CLIOutput struct {
	jsonMode bool
	stdout   io.Writer
	stderr   io.Writer
	exit     func(int)
}

// errorResponse is the JSON body of a failed command.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// NewCLIOutput writes to the process stdout and stderr.
func NewCLIOutput(jsonMode bool) *CLIOutput {
	return &CLIOutput{jsonMode: jsonMode, stdout: os.Stdout, stderr: os.Stderr, exit: os.Exit}
}

// Success prints "✓ message", or data in JSON mode.
func (c *CLIOutput) Success(message string, data any) {
	c.Print(fmt.Sprintf("%s %s\n", successStyle.Render(successSymbol), message), data)
}

// Error reports a failure on stderr, or as an errorResponse on stdout in
// JSON mode so scripts read one stream.
func (c *CLIOutput) Error(message, code string) {
	if c.jsonMode {
		c.printJSON(errorResponse{Error: message, Code: code})
		return
	}
	fmt.Fprintf(c.stderr, "%s %s\n", errorStyle.Render("Error:"), message)
}

// Fail reports the error and exits with status 1.
func (c *CLIOutput) Fail(message, code string) {
	c.Error(message, code)
	c.exit(1)
}

// Print writes human text, or jsonData in JSON mode.
func (c *CLIOutput) Print(human string, jsonData any) {
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Fprint(c.stdout, human)
}

func (c *CLIOutput) printJSON(data any) {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		fmt.Fprintf(c.stderr, "Error: failed to format JSON: %v\n", err)
		c.exit(1)
	}
}

// Symbols for human-readable output
const (
	successSymbol = "✓"
	bulletSymbol  = "•"
)

// Error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeAmbiguous        = "AMBIGUOUS"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeSpawnFailed      = "SPAWN_FAILED"
	ErrCodeInternal         = "INTERNAL"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	statusStyles = map[statedb.Status]lipgloss.Style{
		statedb.StatusActive:          lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		statedb.StatusWaiting:         lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		statedb.StatusWaitingApproval: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		statedb.StatusEnded:           lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

// StatusSymbol returns the symbol for a status
func StatusSymbol(status statedb.Status) string {
	switch status {
	case statedb.StatusActive:
		return "●"
	case statedb.StatusWaiting:
		return "◐"
	case statedb.StatusWaitingApproval:
		return "?"
	case statedb.StatusEnded:
		return "○"
	default:
		return "·"
	}
}

// styledStatus renders status with its symbol and color.
func styledStatus(status statedb.Status) string {
	text := StatusSymbol(status) + " " + string(status)
	if style, ok := statusStyles[status]; ok {
		return style.Render(text)
	}
	return text
}

// ResolveSession finds a session by exact id, exact name, id prefix, and
// finally a fuzzy name match. It returns the match or a message and code.
func ResolveSession(identifier string, records []statedb.SessionRecord) (*statedb.SessionRecord, string, string) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, "session identifier is required", ErrCodeNotFound
	}

	for i := range records {
		if records[i].ID == identifier {
			return &records[i], "", ""
		}
	}
	for i := range records {
		if records[i].Name == identifier || records[i].TmuxSession == identifier {
			return &records[i], "", ""
		}
	}

	// ID prefix match (minimum 6 chars to avoid too many matches)
	if len(identifier) >= 6 {
		var matches []*statedb.SessionRecord
		for i := range records {
			if strings.HasPrefix(records[i].ID, identifier) {
				matches = append(matches, &records[i])
			}
		}
		if len(matches) == 1 {
			return matches[0], "", ""
		}
		if len(matches) > 1 {
			return nil, ambiguousMessage(identifier, matches), ErrCodeAmbiguous
		}
	}

	found := fuzzy.FindFrom(identifier, recordSource(records))
	switch {
	case len(found) == 1:
		return &records[found[0].Index], "", ""
	case len(found) > 1:
		matches := make([]*statedb.SessionRecord, 0, len(found))
		for _, m := range found {
			matches = append(matches, &records[m.Index])
		}
		return nil, ambiguousMessage(identifier, matches), ErrCodeAmbiguous
	}
	return nil, fmt.Sprintf("session '%s' not found", identifier), ErrCodeNotFound
}

// recordSource implements fuzzy.Source over session names.
type recordSource []statedb.SessionRecord

func (s recordSource) String(i int) string { return s[i].Name }
func (s recordSource) Len() int            { return len(s) }

func ambiguousMessage(identifier string, matches []*statedb.SessionRecord) string {
	const maxShown = 5
	var names []string
	for i, m := range matches {
		if i == maxShown {
			names = append(names, fmt.Sprintf("... and %d more", len(matches)-maxShown))
			break
		}
		names = append(names, fmt.Sprintf("%s (%s)", m.Name, TruncateID(m.ID)))
	}
	return fmt.Sprintf("'%s' matches multiple sessions:\n  - %s\nUse the full ID or exact name.",
		identifier, strings.Join(names, "\n  - "))
}

// TruncateID returns a shortened ID for display
func TruncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// cell truncates s to width display columns and pads it.
func cell(s string, width int) string {
	return runewidth.FillRight(runewidth.Truncate(s, width, "…"), width)
}

// formatAge renders the time since t in a compact form.
func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// isInteractive reports whether stdout is a terminal.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
