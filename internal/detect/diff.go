package detect

import "strings"

// Diff returns the part of cur that is new relative to prev.
// When the pane only appended, that is the suffix after prev. When the pane
// scrolled or redrew, cur is returned whole and callers must re-scan it.
func Diff(prev, cur string) string {
	if prev != "" && strings.HasPrefix(cur, prev) {
		return cur[len(prev):]
	}
	return cur
}

// LastLines returns the last n lines of text, ignoring trailing blank lines.
func LastLines(text string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(text, "\n "), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
