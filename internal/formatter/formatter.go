// Package formatter turns agent output into WhatsApp-ready text.
package formatter

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"whatsapp-ai-bot/internal/domain"
)

// DefaultMaxLength keeps replies well under WhatsApp's message size limit.
const DefaultMaxLength = 4000

// Emphasis delimiters only count when they open after whitespace (or an
// opening paren) and close before whitespace or punctuation, so identifiers
// like snake__case__name and **kwargs stay untouched.
var (
	mdBold      = regexp.MustCompile(`(?m)(^|[\s(])\*\*([^*\s](?:[^\n]*?[^*\s])?)\*\*([\s.,;:!?)]|$)`)
	mdUnderline = regexp.MustCompile(`(?m)(^|[\s(])__([^_\s](?:[^\n]*?[^_\s])?)__([\s.,;:!?)]|$)`)
	identifier  = regexp.MustCompile(`^\w+$`)
	mdHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
	trailingWS  = regexp.MustCompile(`(?m)[ \t]+$`)
)

// Formatter is stateless apart from its length cap.
type Formatter struct {
	MaxLength int
}

func New() *Formatter {
	return &Formatter{MaxLength: DefaultMaxLength}
}

// Format renders resp.Response. A nil response yields "".
func (f *Formatter) Format(resp *domain.AIResponse) string {
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = replaceEmphasis(mdBold, text, "*", nil)
	text = replaceEmphasis(mdUnderline, text, "_", identifier)
	text = mdHeading.ReplaceAllString(text, "")
	text = trailingWS.ReplaceAllString(text, "")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	return truncate(text, f.maxLength())
}

// replaceEmphasis rewrites each re match to mark-delimited text. Bodies
// matching skip are left as written (__init__ is a name, not emphasis). Two
// passes cover neighbours that share a separating space.
func replaceEmphasis(re *regexp.Regexp, text, mark string, skip *regexp.Regexp) string {
	for range 2 {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			sm := re.FindStringSubmatch(m)
			if sm == nil || (skip != nil && skip.MatchString(sm[2])) {
				return m
			}
			return sm[1] + mark + sm[2] + mark + sm[3]
		})
	}
	return text
}

func (f *Formatter) maxLength() int {
	if f == nil || f.MaxLength <= 0 {
		return DefaultMaxLength
	}
	return f.MaxLength
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
