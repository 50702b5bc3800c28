// Package detect classifies captured terminal text: usage-limit banners,
// active prompt states, continuation-ready cues and approval dialogs.
// Every function here is pure; the monitor owns all state.
package detect

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/ccremote/ccremote/internal/logging"
)

var grammarLog = logging.ForComponent(logging.CompDetect)

// RawGrammar holds string-form patterns before compilation.
// Patterns prefixed with "re:" are compiled as regex; everything else is a
// case-insensitive substring match.
type RawGrammar struct {
	LimitPhrases      []string
	ActiveStates      []string
	ReadyCues         []string
	ApprovalQuestions []string
	SelectionMarkers  []string
}

// DefaultRawGrammar returns the built-in grammar for the coding-agent CLI.
func DefaultRawGrammar() *RawGrammar {
	return &RawGrammar{
		// Full contextual phrases only. A bare "limit reached" in a list row is not enough.
		LimitPhrases: []string{
			`re:(?i)\breached your [\w\s-]{0,40}\blimit`,
			`re:(?i)\blimit (?:will )?resets?\b`,
			`re:(?i)continue this conversation.{0,80}\b(?:when|by)\b`,
			`re:(?i)limit reached\s*[∙·•|-]\s*resets`,
		},
		ActiveStates: []string{
			`re:(?m)^\s*[>❯]\s*$`,         // bare prompt line
			`re:(?m)^\s*[│|]\s*[>❯](?:\s|$)`, // open input box
			`re:(?i)\bresets? (?:at )?\d{1,2}(?::\d{2})?\s*(?:am|pm)?`,
			`re:(?i)continue this conversation`,
			`re:(?i)\btry again (?:at|in)\b`,
		},
		ReadyCues: []string{
			"limit has reset",
			"limit has been reset",
			`re:(?i)you can (?:now )?continue (?:this conversation|working)`,
		},
		ApprovalQuestions: []string{
			`re:Do you want to make this edit to .+\?`,
			`re:Do you want to create .+\?`,
			`re:Do you want to proceed\?`,
		},
		SelectionMarkers: []string{
			`re:[❯›]\s*\d+\.`,
		},
	}
}

// MergeRawGrammar merges defaults with overrides and extras.
//   - A non-nil overrides field replaces the default field.
//   - extras fields are appended after defaults or overrides.
func MergeRawGrammar(defaults, overrides, extras *RawGrammar) *RawGrammar {
	result := &RawGrammar{}
	if defaults != nil {
		result.LimitPhrases = copySlice(defaults.LimitPhrases)
		result.ActiveStates = copySlice(defaults.ActiveStates)
		result.ReadyCues = copySlice(defaults.ReadyCues)
		result.ApprovalQuestions = copySlice(defaults.ApprovalQuestions)
		result.SelectionMarkers = copySlice(defaults.SelectionMarkers)
	}
	if overrides != nil {
		if overrides.LimitPhrases != nil {
			result.LimitPhrases = copySlice(overrides.LimitPhrases)
		}
		if overrides.ActiveStates != nil {
			result.ActiveStates = copySlice(overrides.ActiveStates)
		}
		if overrides.ReadyCues != nil {
			result.ReadyCues = copySlice(overrides.ReadyCues)
		}
		if overrides.ApprovalQuestions != nil {
			result.ApprovalQuestions = copySlice(overrides.ApprovalQuestions)
		}
		if overrides.SelectionMarkers != nil {
			result.SelectionMarkers = copySlice(overrides.SelectionMarkers)
		}
	}
	if extras != nil {
		result.LimitPhrases = append(result.LimitPhrases, extras.LimitPhrases...)
		result.ActiveStates = append(result.ActiveStates, extras.ActiveStates...)
		result.ReadyCues = append(result.ReadyCues, extras.ReadyCues...)
		result.ApprovalQuestions = append(result.ApprovalQuestions, extras.ApprovalQuestions...)
		result.SelectionMarkers = append(result.SelectionMarkers, extras.SelectionMarkers...)
	}
	return result
}

// matcher is one compiled pattern list.
type matcher struct {
	strs []string // lowercased
	res  []*regexp.Regexp
}

func (m matcher) match(text string) bool {
	if len(m.strs) > 0 {
		lower := strings.ToLower(text)
		for _, s := range m.strs {
			if strings.Contains(lower, s) {
				return true
			}
		}
	}
	for _, re := range m.res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (m matcher) empty() bool {
	return len(m.strs) == 0 && len(m.res) == 0
}

// Grammar is a compiled, ready-to-use RawGrammar. Safe for concurrent use.
type Grammar struct {
	limit     matcher
	active    matcher
	ready     matcher
	questions matcher
	markers   matcher
}

// Compile compiles raw into a Grammar. Invalid regexes are logged and
// skipped; only a nil grammar is an error.
func Compile(raw *RawGrammar) (*Grammar, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawGrammar")
	}
	return &Grammar{
		limit:     compileList("limit", raw.LimitPhrases),
		active:    compileList("active", raw.ActiveStates),
		ready:     compileList("ready", raw.ReadyCues),
		questions: compileList("question", raw.ApprovalQuestions),
		markers:   compileList("marker", raw.SelectionMarkers),
	}, nil
}

func compileList(kind string, patterns []string) matcher {
	var m matcher
	for _, p := range patterns {
		if strings.HasPrefix(p, "re:") {
			re, err := regexp.Compile(p[3:])
			if err != nil {
				grammarLog.Warn("invalid_grammar_regex",
					slog.String("kind", kind),
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			m.res = append(m.res, re)
			continue
		}
		if p = strings.TrimSpace(p); p != "" {
			m.strs = append(m.strs, strings.ToLower(p))
		}
	}
	return m
}

var defaultGrammar = sync.OnceValue(func() *Grammar {
	g, _ := Compile(DefaultRawGrammar())
	return g
})

// Default returns the compiled built-in grammar.
func Default() *Grammar {
	return defaultGrammar()
}

// IsLimitMessage reports whether text carries a full usage-limit phrase.
func (g *Grammar) IsLimitMessage(text string) bool {
	return g.limit.match(text)
}

// HasActiveTerminalState reports whether text looks like a live terminal:
// a bare prompt, an open input box, or explicit reset/continuation phrasing.
func (g *Grammar) HasActiveTerminalState(text string) bool {
	return g.active.match(text)
}

// DetectLimit is true only when both the limit grammar and the active-state
// grammar match, which rejects static views that mention limits in passing.
func (g *Grammar) DetectLimit(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return g.IsLimitMessage(text) && g.HasActiveTerminalState(text)
}

// HasContinuationReadyCue reports an explicit "you can continue now" cue.
func (g *Grammar) HasContinuationReadyCue(text string) bool {
	if g.ready.empty() {
		return false
	}
	return g.ready.match(text)
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}
