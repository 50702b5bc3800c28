package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccremote/ccremote/internal/statedb"
)

func TestNormalizeArgs(t *testing.T) {
	newFS := func() *flag.FlagSet {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.Bool("kill", false, "")
		fs.Bool("json", false, "")
		fs.String("name", "", "")
		return fs
	}

	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags already first",
			args:     []string{"--kill", "api"},
			expected: []string{"--kill", "api"},
		},
		{
			name:     "bool flag after positional",
			args:     []string{"api", "--kill"},
			expected: []string{"--kill", "api"},
		},
		{
			name:     "string flag takes next value",
			args:     []string{"api", "--name", "my session"},
			expected: []string{"--name", "my session", "api"},
		},
		{
			name:     "equals syntax",
			args:     []string{"api", "--name=x", "--json"},
			expected: []string{"--name=x", "--json", "api"},
		},
		{
			name:     "double dash ends flags",
			args:     []string{"--json", "--", "--kill"},
			expected: []string{"--json", "--kill"},
		},
		{
			name:     "stdin dash is positional",
			args:     []string{"-", "--json"},
			expected: []string{"--json", "-"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeArgs(newFS(), tt.args))
		})
	}
}

func testRecords() []statedb.SessionRecord {
	return []statedb.SessionRecord{
		{ID: "abcdef12-0000-4000-8000-000000000001", Name: "refactor", TmuxSession: "ccremote-refactor"},
		{ID: "abcdef99-0000-4000-8000-000000000002", Name: "api-server", TmuxSession: "ccremote-api-server"},
		{ID: "12345678-0000-4000-8000-000000000003", Name: "api-client", TmuxSession: "ccremote-api-client"},
	}
}

func TestResolveSession(t *testing.T) {
	records := testRecords()

	tests := []struct {
		name       string
		identifier string
		wantName   string
		wantCode   string
	}{
		{name: "exact id", identifier: records[1].ID, wantName: "api-server"},
		{name: "exact name", identifier: "api-client", wantName: "api-client"},
		{name: "tmux name", identifier: "ccremote-refactor", wantName: "refactor"},
		{name: "unique id prefix", identifier: "abcdef1", wantName: "refactor"},
		{name: "ambiguous id prefix", identifier: "abcdef", wantCode: ErrCodeAmbiguous},
		{name: "fuzzy unique", identifier: "refac", wantName: "refactor"},
		{name: "fuzzy ambiguous", identifier: "api", wantCode: ErrCodeAmbiguous},
		{name: "not found", identifier: "zzz", wantCode: ErrCodeNotFound},
		{name: "empty", identifier: "  ", wantCode: ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, msg, code := ResolveSession(tt.identifier, records)
			if tt.wantCode != "" {
				assert.Nil(t, rec)
				assert.Equal(t, tt.wantCode, code)
				assert.NotEmpty(t, msg)
				return
			}
			require.NotNil(t, rec, msg)
			assert.Equal(t, tt.wantName, rec.Name)
		})
	}
}

func TestResolveSession_AmbiguousListsCandidates(t *testing.T) {
	_, msg, _ := ResolveSession("api", testRecords())
	assert.Contains(t, msg, "api-server (abcdef99)")
	assert.Contains(t, msg, "api-client (12345678)")
}

func TestCell(t *testing.T) {
	assert.Equal(t, "ab  ", cell("ab", 4))
	assert.Equal(t, "abc…", cell("abcdef", 4))
	assert.Equal(t, 4, runewidth.StringWidth(cell("日本語テキスト", 4)))
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", formatAge(time.Time{}, now))
	assert.Equal(t, "just now", formatAge(now.Add(-30*time.Second), now))
	assert.Equal(t, "5m ago", formatAge(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", formatAge(now.Add(-3*time.Hour), now))
	assert.Equal(t, "2d ago", formatAge(now.Add(-49*time.Hour), now))
}

func TestStatusSymbol(t *testing.T) {
	seen := map[string]statedb.Status{}
	for _, s := range []statedb.Status{
		statedb.StatusActive, statedb.StatusWaiting,
		statedb.StatusWaitingApproval, statedb.StatusEnded,
	} {
		sym := StatusSymbol(s)
		_, dup := seen[sym]
		assert.False(t, dup, "symbol %q reused for %s", sym, s)
		seen[sym] = s
	}
	assert.Equal(t, "·", StatusSymbol("bogus"))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abcdef12", TruncateID("abcdef12-0000"))
	assert.Equal(t, "short", TruncateID("short"))
}

func newTestOutput(jsonMode bool) (*CLIOutput, *bytes.Buffer, *bytes.Buffer, *int) {
	var stdout, stderr bytes.Buffer
	code := -1
	return &CLIOutput{
		jsonMode: jsonMode,
		stdout:   &stdout,
		stderr:   &stderr,
		exit:     func(c int) { code = c },
	}, &stdout, &stderr, &code
}

func TestCLIOutput_Human(t *testing.T) {
	out, stdout, stderr, code := newTestOutput(false)

	out.Success("Stopped monitor for api", map[string]any{"id": "x"})
	assert.Equal(t, successSymbol+" Stopped monitor for api\n", stdout.String())

	out.Fail("session 'zzz' not found", ErrCodeNotFound)
	assert.Contains(t, stderr.String(), "session 'zzz' not found")
	assert.Equal(t, 1, *code)
}

func TestCLIOutput_JSON(t *testing.T) {
	out, stdout, stderr, code := newTestOutput(true)

	out.Success("ignored in json mode", map[string]any{"success": true, "option": 2})
	var ok map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &ok))
	assert.Equal(t, float64(2), ok["option"])

	stdout.Reset()
	out.Fail("ambiguous", ErrCodeAmbiguous)
	var failed errorResponse
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &failed))
	assert.False(t, failed.Success)
	assert.Equal(t, ErrCodeAmbiguous, failed.Code)
	assert.Empty(t, stderr.String())
	assert.Equal(t, 1, *code)
}
