// SPDX-License-Identifier: MIT

package intent

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Type
	}{
		{"copy request", "just give me a copy of it", TypeCopy},
		{"transcript request", "can I get the transcript", TypeCopy},
		{"copy beats generate", "copy it, don't generate", TypeCopy},
		{"generate", "generate", TypeGenerate},
		{"instant", "instant please", TypeGenerate},
		{"surprise me", "surprise me", TypeGenerate},
		{"generate beats redo", "generate another one", TypeGenerate},
		{"redo", "another", TypeRedo},
		{"try again", "try again", TypeRedo},
		{"redo beats positive", "great, one more", TypeRedo},
		{"fire emoji", "\U0001F525", TypePositiveFeedback},
		{"love it", "love it!!", TypePositiveFeedback},
		{"thumbs down", "\U0001F44E", TypeNegativeFeedback},
		{"dont like", "don't like this one", TypeNegativeFeedback},
		{"positive beats negative", "great but bad ending", TypePositiveFeedback},
		{"idea", "a morning routine for busy parents", TypeIdea},
		{"too short", "ok", TypeUnknown},
		{"empty", "", TypeUnknown},
		{"whitespace", "   \n  ", TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.message)
			assert.Equal(t, tt.want, got.Type, "message %q", tt.message)
		})
	}
}

func TestParseFlags(t *testing.T) {
	res := Parse("copy please")
	assert.True(t, res.IsCopyFlow)
	assert.True(t, res.IsInstantFlow)

	res = Parse("generate")
	assert.True(t, res.IsInstantFlow)
	assert.False(t, res.IsCopyFlow)

	res = Parse("redo")
	assert.True(t, res.IsRedo)

	res = Parse("perfect")
	assert.Equal(t, "positive", res.FeedbackPolarity)

	res = Parse("bad")
	assert.Equal(t, "negative", res.FeedbackPolarity)
}

func TestParseModifiers(t *testing.T) {
	res := Parse("generate a funny version about dog grooming")
	assert.Equal(t, TypeGenerate, res.Type)
	assert.Equal(t, "funny", res.DetectedTone)

	res = Parse("professional short version of my pitch")
	assert.Equal(t, "professional", res.DetectedTone)
	assert.Equal(t, IntensityLite, res.Intensity)

	res = Parse("go deep on the breakdown")
	assert.Equal(t, IntensityDeep, res.Intensity)

	res = Parse("just the hook for this one")
	assert.True(t, res.IsHookOnly)

	res = Parse("morning routine idea")
	assert.Equal(t, IntensityMedium, res.Intensity, "intensity defaults to medium")
}

func TestParseCleanedMessage(t *testing.T) {
	res := Parse("generate a funny version about dog grooming")
	assert.Equal(t, "a version about dog grooming", res.CleanedMessage)

	// Triggers, modifiers and URLs are all removed.
	res = Parse("https://www.instagram.com/reel/ABC123/ generate professional")
	assert.Equal(t, "", res.CleanedMessage)
	assert.Equal(t, TypeGenerate, res.Type)
	assert.Equal(t, "professional", res.DetectedTone)
}

// Re-parsing the cleaned text must never find a trigger again.
func TestParseCleanedIsStable(t *testing.T) {
	inputs := []string{
		"generate a funny version about dog grooming",
		"copy the exact script word for word",
		"another one but make it professional",
		"love it \U0001F525 amazing",
		"a morning routine for busy parents",
		"\U0001F525\U0001F525\U0001F525",
	}
	for _, in := range inputs {
		first := Parse(in)
		second := Parse(first.CleanedMessage)
		if second.Type != TypeUnknown && second.Type != TypeIdea {
			t.Errorf("Parse(%q) cleaned to %q which re-parsed as %s", in, first.CleanedMessage, second.Type)
		}
	}
}

// A bare reaction emoji is positive feedback even though nothing textual
// survives cleaning.
func TestEmojiOnlyIsPositiveFeedback(t *testing.T) {
	res := Parse("\U0001F525")
	require.Equal(t, TypePositiveFeedback, res.Type)
	assert.Equal(t, "positive", res.FeedbackPolarity)
	assert.Empty(t, res.CleanedMessage)
}

func TestParseConfidence(t *testing.T) {
	assert.InDelta(t, 0.95, Parse("generate").Confidence, 0.001)
	assert.InDelta(t, 0.8, Parse("a morning routine for busy parents").Confidence, 0.001)
	assert.InDelta(t, 0.3, Parse("ok").Confidence, 0.001)
	assert.NotEmpty(t, Parse("generate").MatchedPattern)
}

func TestExtractURL(t *testing.T) {
	url, rest := ExtractURL("https://www.instagram.com/reel/ABC123/ generate")
	assert.Equal(t, "https://www.instagram.com/reel/ABC123/", url)
	assert.Equal(t, "generate", rest)

	url, rest = ExtractURL("check this https://instagram.com/reel/XYZ. amazing")
	assert.Equal(t, "https://instagram.com/reel/XYZ", url, "trailing punctuation trimmed")
	assert.Contains(t, rest, "amazing")

	url, rest = ExtractURL("no links here")
	assert.Empty(t, url)
	assert.Equal(t, "no links here", rest)
}

// An embedded URL and a separately supplied URL yield the same parse.
func TestParseMessageEquivalence(t *testing.T) {
	withURL, url := ParseMessage("https://www.instagram.com/reel/ABC123/ generate funny")
	require.NotEmpty(t, url)
	bare := Parse("generate funny")
	if diff := cmp.Diff(bare, withURL); diff != "" {
		t.Errorf("embedded URL changed the parse (-bare +withURL):\n%s", diff)
	}
}
