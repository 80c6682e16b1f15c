// SPDX-License-Identifier: MIT

package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"reelscribe/internal/adapters"
)

func TestAllocateCopyShortTranscripts(t *testing.T) {
	hook, body, cta := AllocateCopy("")
	assert.Empty(t, hook)
	assert.Empty(t, body)
	assert.Empty(t, cta)

	hook, body, cta = AllocateCopy("Just one line without an ending")
	assert.Equal(t, "Just one line without an ending", hook)
	assert.Empty(t, body)
	assert.Empty(t, cta)

	hook, body, cta = AllocateCopy("First. Second.")
	assert.Equal(t, "First.", hook)
	assert.Empty(t, body)
	assert.Equal(t, "Second.", cta)

	hook, body, cta = AllocateCopy("First. Second. Third!")
	assert.Equal(t, "First.", hook)
	assert.Equal(t, "Second.", body)
	assert.Equal(t, "Third!", cta)
}

func TestAllocateCopyLongTranscriptSplits(t *testing.T) {
	// Ten sentences: 20% hook, 60% body, 20% CTA.
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("Sentence number ")
		sb.WriteString(string(rune('0' + i)))
		sb.WriteString(". ")
	}
	hook, body, cta := AllocateCopy(sb.String())

	assert.Equal(t, 2, strings.Count(hook, "Sentence"))
	assert.Equal(t, 6, strings.Count(body, "Sentence"))
	assert.Equal(t, 2, strings.Count(cta, "Sentence"))
	assert.True(t, strings.HasPrefix(hook, "Sentence number 0."))
	assert.True(t, strings.HasSuffix(cta, "Sentence number 9."))
}

func TestAllocateCopyIsDeterministic(t *testing.T) {
	in := "One. Two. Three. Four. Five."
	h1, b1, c1 := AllocateCopy(in)
	h2, b2, c2 := AllocateCopy(in)
	assert.Equal(t, h1, h2)
	assert.Equal(t, b1, b2)
	assert.Equal(t, c1, c2)
}

func TestFormatCopyScriptSections(t *testing.T) {
	out := FormatCopyScript(adapters.Analysis{
		Transcript: "Watch this. It matters. Follow me.",
		Scenes:     []string{"close-up on product", "outdoor shot"},
		VisualCues: []string{"bold caption overlay"},
	})
	assert.Contains(t, out, "[HOOK]\nWatch this.")
	assert.Contains(t, out, "[BODY]\nIt matters.")
	assert.Contains(t, out, "[CTA]\nFollow me.")
	assert.Contains(t, out, "[SCENES]\n1. close-up on product")
	assert.Contains(t, out, "[VISUAL NOTES]\n- bold caption overlay")

	hookIdx := strings.Index(out, "[HOOK]")
	bodyIdx := strings.Index(out, "[BODY]")
	ctaIdx := strings.Index(out, "[CTA]")
	assert.True(t, hookIdx < bodyIdx && bodyIdx < ctaIdx)
}

func TestFallbackScriptEmbedsIdea(t *testing.T) {
	out := FallbackScript("dog grooming")
	assert.Contains(t, out, "dog grooming")
	assert.Contains(t, out, "[HOOK]")
	assert.Contains(t, out, "[BODY]")
	assert.Contains(t, out, "[CTA]")

	assert.Contains(t, FallbackScript("  "), "your topic")
	assert.Equal(t, FallbackScript("x"), FallbackScript("x"), "fallback is deterministic")
}

func TestSummarizeScript(t *testing.T) {
	text := "[HOOK]\nThe hook line.\n\n[BODY]\nFirst body line.\nSecond body line.\n\n[CTA]\nFollow."
	got := summarizeScript(text)
	assert.Contains(t, got, "The hook line.")
	assert.Contains(t, got, "First body line.")
	assert.NotContains(t, got, "Second body line.")
	assert.NotContains(t, got, "Follow.")
}
