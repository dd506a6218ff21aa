// Package guard rejects chat input that carries markup or script vectors and
// normalizes what it lets through.
package guard

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/encoding/charmap"
)

const DefaultMaxLength = 4000

const patternOpts = regexp2.IgnoreCase | regexp2.Multiline

var blockedPatterns = []*regexp2.Regexp{
	regexp2.MustCompile(`<script\b[^<]*(?:(?!</script>)<[^<]*)*</script>`, patternOpts),
	regexp2.MustCompile(`<iframe\b[^<]*(?:(?!</iframe>)<[^<]*)*</iframe>`, patternOpts),
	regexp2.MustCompile(`\bjavascript\s*:`, patternOpts),
	regexp2.MustCompile(`\bdata\s*:\s*text/html`, patternOpts),
	regexp2.MustCompile(`\bvbscript\s*:`, patternOpts),
	regexp2.MustCompile(`\son\w+\s*=\s*`, patternOpts),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func init() {
	for _, re := range blockedPatterns {
		re.MatchTimeout = 100 * time.Millisecond
	}
}

type Guard struct {
	MaxLength int
}

func New(maxLength int) *Guard {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Guard{MaxLength: maxLength}
}

// Validate reports whether raw may be relayed. A pattern that times out
// counts as a match.
func (g *Guard) Validate(raw string) bool {
	text, ok := toUTF8(raw)
	if !ok {
		return false
	}
	if utf8.RuneCountInString(text) > g.maxLength() {
		return false
	}
	for _, re := range blockedPatterns {
		matched, err := re.MatchString(text)
		if err != nil || matched {
			return false
		}
	}
	return true
}

// Sanitize strips NUL bytes, coerces to UTF-8, trims and collapses whitespace.
// It does not make unsafe content safe; Validate does the rejecting.
func (g *Guard) Sanitize(raw string) string {
	text := strings.ReplaceAll(raw, "\x00", "")
	text, ok := toUTF8(text)
	if !ok {
		text = strings.ToValidUTF8(text, "")
	}
	text = strings.TrimSpace(text)
	return whitespaceRun.ReplaceAllString(text, " ")
}

func (g *Guard) maxLength() int {
	if g == nil || g.MaxLength <= 0 {
		return DefaultMaxLength
	}
	return g.MaxLength
}

// toUTF8 returns s unchanged when it is valid UTF-8 and otherwise reads its
// bytes as ISO-8859-1.
func toUTF8(s string) (string, bool) {
	if utf8.ValidString(s) {
		return s, true
	}
	out, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err != nil || !utf8.ValidString(out) {
		return s, false
	}
	return out, true
}
