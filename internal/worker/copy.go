// SPDX-License-Identifier: MIT

package worker

import (
	"fmt"
	"regexp"
	"strings"

	"reelscribe/internal/adapters"
)

var sentenceEnd = regexp.MustCompile(`([.!?]+)\s+`)

// splitSentences breaks text on sentence punctuation, keeping the punctuation
// attached. Text without terminal punctuation comes back as one sentence.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AllocateCopy distributes transcript sentences into hook, body and CTA
// deterministically: with three or fewer sentences the first is the hook and
// the last the CTA; longer transcripts split 20/60/20.
func AllocateCopy(transcript string) (hook, body, cta string) {
	sents := splitSentences(transcript)
	switch n := len(sents); {
	case n == 0:
		return "", "", ""
	case n == 1:
		return sents[0], "", ""
	case n == 2:
		return sents[0], "", sents[1]
	case n == 3:
		return sents[0], sents[1], sents[2]
	default:
		hookN := n / 5
		if hookN == 0 {
			hookN = 1
		}
		ctaN := hookN
		hook = strings.Join(sents[:hookN], " ")
		body = strings.Join(sents[hookN:n-ctaN], " ")
		cta = strings.Join(sents[n-ctaN:], " ")
		return hook, body, cta
	}
}

// FormatCopyScript renders the analyzed reel as the canonical script layout,
// folding in scene descriptions and visual cues as production notes.
func FormatCopyScript(a adapters.Analysis) string {
	hook, body, cta := AllocateCopy(a.Transcript)

	var b strings.Builder
	b.WriteString("[HOOK]\n")
	b.WriteString(hook)
	b.WriteString("\n\n[BODY]\n")
	b.WriteString(body)
	b.WriteString("\n\n[CTA]\n")
	b.WriteString(cta)

	if len(a.Scenes) > 0 {
		b.WriteString("\n\n[SCENES]\n")
		for i, s := range a.Scenes {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	if len(a.VisualCues) > 0 {
		b.WriteString("\n[VISUAL NOTES]\n")
		for _, c := range a.VisualCues {
			b.WriteString("- " + c + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FallbackScript is the deterministic last-resort script delivered when
// every generation attempt failed. It embeds the subscriber's idea so the
// conversation never dead-ends on a bare error.
func FallbackScript(idea string) string {
	if strings.TrimSpace(idea) == "" {
		idea = "your topic"
	}
	return fmt.Sprintf(`[HOOK]
Stop scrolling if you care about %s.

[BODY]
Here is the one thing most people get wrong about %s, and the simple fix:
start before you feel ready, keep the first version small, and share what
you learn as you go.

[CTA]
Follow for more on %s, and comment what you want covered next.`, idea, idea, idea)
}
