// Package schedule turns free-text reset announcements into instants,
// tracks the continuation cooldown and computes daily quota windows.
package schedule

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ccremote/ccremote/internal/logging"
)

var scheduleLog = logging.ForComponent(logging.CompSchedule)

// DefaultMaxResetWindow bounds how far ahead a parsed reset may lie.
// Lockouts last at most five hours; anything later is a misparse.
const DefaultMaxResetWindow = 5 * time.Hour

const clockExpr = `(\d{1,2}(?::\d{2})?\s*(?:[ap]\.?m\.?)?)(?:\s*\(([A-Za-z_]+(?:/[A-Za-z_+-]+)+|UTC)\))?`

// resetPatterns are tried in order; the last match in the text wins.
var resetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bresets?\s+(?:at\s+)?` + clockExpr),
	regexp.MustCompile(`(?i)\bavailable again at\s+` + clockExpr),
	regexp.MustCompile(`(?i)\bready at\s+` + clockExpr),
	regexp.MustCompile(`(?i)\btry again at\s+` + clockExpr),
}

var clockRe = regexp.MustCompile(`(?i)^(\d{1,2})(?::(\d{2}))?\s*([ap])?\.?(?:m\.?)?$`)

// ExtractResetTime finds a reset announcement in text and resolves it to an
// absolute instant after now. A time of day that already passed rolls to the
// next day. Results more than maxWindow ahead are rejected.
func ExtractResetTime(text string, now time.Time, maxWindow time.Duration) (time.Time, bool) {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxResetWindow
	}

	var match []string
	matchPos := -1
	for _, re := range resetPatterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			if loc[0] > matchPos {
				matchPos = loc[0]
				match = submatches(text, loc)
			}
		}
	}
	if match == nil {
		return time.Time{}, false
	}

	ref := now
	if tz := match[2]; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			ref = now.In(loc)
		} else {
			scheduleLog.Debug("reset_timezone_unknown", slog.String("tz", tz))
		}
	}

	at, err := ParseClock(match[1], ref)
	if err != nil {
		scheduleLog.Debug("reset_time_unparsed",
			slog.String("text", match[1]),
			slog.String("error", err.Error()))
		return time.Time{}, false
	}
	if delta := at.Sub(now); delta > maxWindow {
		scheduleLog.Info("reset_time_rejected",
			slog.String("text", match[1]),
			slog.Duration("delta", delta),
			slog.Duration("max", maxWindow))
		return time.Time{}, false
	}
	return at.In(now.Location()), true
}

func submatches(s string, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = s[loc[2*i]:loc[2*i+1]]
		}
	}
	return out
}

// ParseClock parses a time of day ("3:45pm", "15:45", "3pm", "5:00") and
// returns its next occurrence strictly after now, in now's location.
func ParseClock(s string, now time.Time) (time.Time, error) {
	hour, minute, err := parseHM(s)
	if err != nil {
		return time.Time{}, err
	}
	return nextOccurrence(hour, minute, now), nil
}

func parseHM(s string) (int, int, error) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}

	switch strings.ToLower(m[3]) {
	case "a":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("invalid hour in %q", s)
		}
		if hour == 12 {
			hour = 0
		}
	case "p":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("invalid hour in %q", s)
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, fmt.Errorf("invalid hour in %q", s)
		}
	}
	return hour, minute, nil
}

func nextOccurrence(hour, minute int, now time.Time) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !at.After(now) {
		at = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, now.Location())
	}
	return at
}
