package agent

import (
	"regexp"
	"strings"
)

// overridePatterns are unambiguous attempts to replace the assistant's
// instructions. A match refuses the message without calling the model.
var overridePatterns = []string{
	`\b(?:ignore|disregard|forget)\s+(?:all\s+)?(?:of\s+)?(?:the\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|rules|prompts?|directions)`,
	`\b(?:ignore|disregard|forget)\s+(?:all\s+)?(?:of\s+)?your\s+(?:instructions|rules|prompts?|guidelines|programming)`,
	`\b(?:reveal|print|show|repeat|output)\s+(?:me\s+)?(?:your|the)\s+(?:system\s+prompt|hidden\s+instructions)`,
	`\bjailbr[eo]ak`,
	`\bdan\s+mode\b`,
	`<\s*/?\s*system\b`,
	`\[\s*system\s*\]`,
}

// roleplayCues show up in override attempts but also in ordinary questions
// ("how do I enable developer mode"). They are logged, never refused; the
// system prompt's guardrails handle them.
var roleplayCues = []string{
	"you are now",
	"you are no longer",
	"new instructions",
	"system prompt",
	"developer mode",
	"god mode",
	"sudo mode",
	"new persona",
	"pretend to be",
	"pretend you are",
	"in reality you are",
}

var (
	overrideRe   = regexp.MustCompile(`(?i)` + strings.Join(overridePatterns, "|"))
	cueRe        = buildPhraseRegexp(roleplayCues)
	rolePrefixRe = regexp.MustCompile(`(?im)^[ \t]*(?:system|assistant)[ \t]*:[ \t]*`)
	markupRe     = regexp.MustCompile("```|`|</?(?:assistant|user)>")
	fenceRunRe   = regexp.MustCompile(`#{3,}|-{3,}|={3,}`)
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
)

func buildPhraseRegexp(phrases []string) *regexp.Regexp {
	quoted := make([]string, 0, len(phrases))
	for _, p := range phrases {
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// GuardResult is the outcome of inspecting one inbound message.
type GuardResult struct {
	Text    string
	Flagged bool
	Reason  string
	Cues    []string
}

// Inspect strips prompt-formatting tricks from text and flags attempts to
// rewrite the assistant's instructions.
func Inspect(text string) GuardResult {
	if m := overrideRe.FindString(text); m != "" {
		return GuardResult{Text: text, Flagged: true, Reason: "matched " + strings.ToLower(m)}
	}

	var cues []string
	for _, m := range cueRe.FindAllString(text, -1) {
		cues = append(cues, strings.ToLower(m))
	}

	// "system:" only counts as a role prefix at the start of a line, so
	// "my operating system: Windows 11" is left alone.
	cleaned := rolePrefixRe.ReplaceAllString(text, "")
	cleaned = markupRe.ReplaceAllString(cleaned, "")
	cleaned = fenceRunRe.ReplaceAllString(cleaned, "")
	cleaned = spaceRunRe.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)

	// Most of the message was formatting scaffolding.
	before := len(strings.Fields(text))
	after := len(strings.Fields(cleaned))
	if before > 3 && after < before/2 {
		return GuardResult{Text: cleaned, Flagged: true, Reason: "message was mostly markup", Cues: cues}
	}

	return GuardResult{Text: cleaned, Cues: cues}
}
