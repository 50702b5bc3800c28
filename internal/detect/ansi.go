package detect

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()][AB012]`)
	sgrRe  = regexp.MustCompile(`\x1b\[([0-9;]*)m`)
)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiRe.ReplaceAllString(s, "")
}

// HasSGR reports whether s contains any color/style escape.
func HasSGR(s string) bool {
	return sgrRe.MatchString(s)
}

type sgrClass int

const (
	sgrIgnored sgrClass = iota // resets, backgrounds
	sgrDim
	sgrNormal
)

// isDimmed is true when line has at least one meaningful SGR code and all of
// them are dim, grey or invisible. Pasted text renders this way in the agent UI.
func isDimmed(line string) bool {
	sawMeaningful := false
	for _, m := range sgrRe.FindAllStringSubmatch(line, -1) {
		for _, c := range classifySGR(m[1]) {
			switch c {
			case sgrNormal:
				return false
			case sgrDim:
				sawMeaningful = true
			}
		}
	}
	return sawMeaningful
}

func classifySGR(params string) []sgrClass {
	if params == "" {
		return nil
	}
	parts := strings.Split(params, ";")
	var out []sgrClass
	for i := 0; i < len(parts); i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			continue
		}
		switch {
		case n == 0, n == 22, n == 39, n == 49:
			out = append(out, sgrIgnored)
		case n == 2, n == 8, n == 90:
			out = append(out, sgrDim)
		case n == 38 || n == 48:
			c, skip := classifyExtended(parts[i+1:])
			i += skip
			if n == 48 {
				c = sgrIgnored
			}
			out = append(out, c)
		case (n >= 40 && n <= 47) || (n >= 100 && n <= 107):
			out = append(out, sgrIgnored)
		default:
			out = append(out, sgrNormal)
		}
	}
	return out
}

// classifyExtended handles the tail of a 38;5;n or 38;2;r;g;b sequence and
// returns how many parameters it consumed.
func classifyExtended(rest []string) (sgrClass, int) {
	if len(rest) == 0 {
		return sgrIgnored, 0
	}
	switch rest[0] {
	case "5":
		if len(rest) < 2 {
			return sgrIgnored, len(rest)
		}
		n, _ := strconv.Atoi(rest[1])
		if n == 8 || (n >= 232 && n <= 250) {
			return sgrDim, 2
		}
		return sgrNormal, 2
	case "2":
		if len(rest) < 4 {
			return sgrIgnored, len(rest)
		}
		r, _ := strconv.Atoi(rest[1])
		g, _ := strconv.Atoi(rest[2])
		b, _ := strconv.Atoi(rest[3])
		if r == g && g == b && r >= 64 && r <= 200 {
			return sgrDim, 4
		}
		return sgrNormal, 4
	}
	return sgrIgnored, 1
}
