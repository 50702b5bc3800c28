package detect

import (
	"regexp"
	"strconv"
	"strings"
)

// Option is one numbered choice in an approval dialog.
type Option struct {
	Number   int    `json:"number"`
	Label    string `json:"label"`
	Shortcut string `json:"shortcut,omitempty"`
}

// ApprovalRequest is the structured form of an approval dialog.
type ApprovalRequest struct {
	Question string   `json:"question"`
	Tool     string   `json:"tool"`
	Action   string   `json:"action"`
	Command  string   `json:"command,omitempty"`
	Options  []Option `json:"options"`
}

// Fingerprint identifies a dialog for de-duplication.
func (r ApprovalRequest) Fingerprint() string {
	return r.Question
}

var (
	// The optional leading rune is the selection marker, whatever glyph the
	// configured markers use.
	yesOptionRe = regexp.MustCompile(`(?m)^(?:[^\s\d]\s*)?1\.\s+Yes\b`)
	optionRe    = regexp.MustCompile(`^(?:[^\s\d]\s*)?(\d+)\.\s+(.+?)\s*$`)
	shortcutRe  = regexp.MustCompile(`^(.*?)\s*\(([^()]+)\)$`)
	editRe      = regexp.MustCompile(`Do you want to make this edit to (.+?)\?`)
	createRe    = regexp.MustCompile(`Do you want to create (.+?)\?`)
	proceedRe   = regexp.MustCompile(`Do you want to proceed\?`)
)

// cleanLines strips box-drawing borders and surrounding space from each line.
func cleanLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, len(raw))
	for i, l := range raw {
		out[i] = cleanLine(l)
	}
	return out
}

func cleanLine(l string) string {
	l = strings.TrimSpace(l)
	l = strings.TrimPrefix(l, "│")
	l = strings.TrimSuffix(l, "│")
	return strings.TrimSpace(l)
}

// IsApprovalDialog requires a confirmation question, a numbered "1. Yes"
// option and a selection marker. Any two alone are not enough.
func (g *Grammar) IsApprovalDialog(text string) bool {
	plain := StripANSI(text)
	if !g.questions.match(plain) || !g.markers.match(plain) {
		return false
	}
	return yesOptionRe.MatchString(strings.Join(cleanLines(plain), "\n"))
}

// IsInteractive inspects a color capture of a recognized dialog. It is
// interactive when the capture has no SGR codes at all, or when some
// question line is rendered in a normal (not dim/grey/invisible) color.
func (g *Grammar) IsInteractive(colored string) bool {
	if !HasSGR(colored) {
		return true
	}
	for _, line := range strings.Split(colored, "\n") {
		if !g.questions.match(StripANSI(line)) {
			continue
		}
		if !isDimmed(line) {
			return true
		}
	}
	return false
}

// ExtractApproval parses the last approval question in text together with
// the numbered options that follow it.
func (g *Grammar) ExtractApproval(text string) (ApprovalRequest, bool) {
	lines := cleanLines(StripANSI(text))

	qIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if g.questions.match(lines[i]) {
			qIdx = i
			break
		}
	}
	if qIdx < 0 {
		return ApprovalRequest{}, false
	}

	req := ApprovalRequest{Question: lines[qIdx]}
	classifyAction(&req, lines[:qIdx])
	req.Options = parseOptions(lines[qIdx+1:])
	if len(req.Options) == 0 {
		return ApprovalRequest{}, false
	}
	return req, true
}

func classifyAction(req *ApprovalRequest, before []string) {
	if m := editRe.FindStringSubmatch(req.Question); m != nil {
		req.Tool = "Edit"
		req.Action = "Edit " + m[1]
		return
	}
	if m := createRe.FindStringSubmatch(req.Question); m != nil {
		req.Tool = "Create"
		req.Action = "Create " + m[1]
		return
	}
	if proceedRe.MatchString(req.Question) {
		if cmd := bashCommand(before); cmd != "" {
			req.Tool = "Bash"
			req.Command = cmd
			req.Action = cmd
			return
		}
	}
	req.Tool = "Proceed"
	req.Action = "Proceed"
}

// bashCommand returns the first non-empty line after the last "Bash command" marker.
func bashCommand(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if !strings.Contains(lines[i], "Bash command") {
			continue
		}
		for _, l := range lines[i+1:] {
			if l = strings.Trim(l, "─╭╮╰╯ "); l != "" {
				return l
			}
		}
		return ""
	}
	return ""
}

func parseOptions(lines []string) []Option {
	var opts []Option
	for _, l := range lines {
		m := optionRe.FindStringSubmatch(l)
		if m == nil {
			if len(opts) > 0 && l != "" {
				break
			}
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		opt := Option{Number: n, Label: m[2]}
		if sm := shortcutRe.FindStringSubmatch(m[2]); sm != nil && sm[1] != "" {
			opt.Label = sm[1]
			opt.Shortcut = sm[2]
		}
		opts = append(opts, opt)
	}
	return opts
}
