// SPDX-License-Identifier: MIT

// Package intent classifies inbound free text into a closed set of intents
// and extracts orthogonal modifiers. Parsing is deterministic and pure: the
// pattern list ordering below is contractual and preserved for test
// reproducibility.
package intent

import (
	"regexp"
	"strings"
	"unicode"
)

// Type is the closed intent set.
type Type string

const (
	TypeGenerate         Type = "generate"
	TypeCopy             Type = "copy"
	TypeRedo             Type = "redo"
	TypePositiveFeedback Type = "positive_feedback"
	TypeNegativeFeedback Type = "negative_feedback"
	TypeIdea             Type = "idea"
	TypeUnknown          Type = "unknown"
)

// Intensity controls how elaborate the generated script should be.
type Intensity string

const (
	IntensityLite   Intensity = "lite"
	IntensityMedium Intensity = "medium"
	IntensityDeep   Intensity = "deep"
)

// Result is the parsed shape of one utterance.
type Result struct {
	Type             Type
	IsInstantFlow    bool
	IsCopyFlow       bool
	IsRedo           bool
	FeedbackPolarity string // "positive" or "negative" when feedback
	DetectedTone     string
	Intensity        Intensity
	IsHookOnly       bool
	CleanedMessage   string
	Confidence       float64
	MatchedPattern   string
}

// Pattern order within each class is first-match-wins.
var (
	copyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bcopy\b`),
		regexp.MustCompile(`(?i)\btranscript\b`),
		regexp.MustCompile(`(?i)\bword\s+for\s+word\b`),
		regexp.MustCompile(`(?i)\bexact\s+script\b`),
	}

	generatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bgenerate\b`),
		regexp.MustCompile(`(?i)\binstant\b`),
		regexp.MustCompile(`(?i)\bjust\s+make\s+it\b`),
		regexp.MustCompile(`(?i)\bsurprise\s+me\b`),
		regexp.MustCompile(`(?i)\bscript\s+this\b`),
	}

	redoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\banother\b`),
		regexp.MustCompile(`(?i)\bredo\b`),
		regexp.MustCompile(`(?i)\bone\s+more\b`),
		regexp.MustCompile(`(?i)\btry\s+again\b`),
		regexp.MustCompile(`(?i)\bnext\s+version\b`),
		regexp.MustCompile(`(?i)\bdifferent\s+version\b`),
	}

	positivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`[\x{1F525}\x{2764}\x{1F60D}\x{1F44D}\x{1F4AF}]`), // fire, heart, heart-eyes, thumbs up, 100
		regexp.MustCompile(`(?i)\blove\s+it\b`),
		regexp.MustCompile(`(?i)\bperfect\b`),
		regexp.MustCompile(`(?i)\bamazing\b`),
		regexp.MustCompile(`(?i)\bawesome\b`),
		regexp.MustCompile(`(?i)\bgreat\b`),
		regexp.MustCompile(`(?i)\bthank(s| you)\b`),
	}

	negativePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\x{1F44E}`), // thumbs down
		regexp.MustCompile(`(?i)\bdon'?t\s+like\b`),
		regexp.MustCompile(`(?i)\bnot\s+good\b`),
		regexp.MustCompile(`(?i)\bbad\b`),
		regexp.MustCompile(`(?i)\bworse\b`),
		regexp.MustCompile(`(?i)\bmeh\b`),
	}

	tonePatterns = []struct {
		tone string
		re   *regexp.Regexp
	}{
		{"professional", regexp.MustCompile(`(?i)\bprofessional(ly)?\b`)},
		{"funny", regexp.MustCompile(`(?i)\b(funny|funnier|humor(ous)?)\b`)},
		{"provocative", regexp.MustCompile(`(?i)\b(provocative|edgy|spicy)\b`)},
		{"educational", regexp.MustCompile(`(?i)\beducational\b`)},
		{"casual", regexp.MustCompile(`(?i)\bcasual(ly)?\b`)},
	}

	intensityPatterns = []struct {
		level Intensity
		re    *regexp.Regexp
	}{
		{IntensityLite, regexp.MustCompile(`(?i)\b(lite|light|short|quick)\s+version\b`)},
		{IntensityLite, regexp.MustCompile(`(?i)\bkeep\s+it\s+short\b`)},
		{IntensityDeep, regexp.MustCompile(`(?i)\b(deep|detailed|long)\s+version\b`)},
		{IntensityDeep, regexp.MustCompile(`(?i)\bgo\s+deep\b`)},
	}

	hookOnlyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bhook\s+only\b`),
		regexp.MustCompile(`(?i)\bjust\s+the\s+hook\b`),
		regexp.MustCompile(`(?i)\bonly\s+the\s+hook\b`),
	}

	urlPattern = regexp.MustCompile(`https?://[^\s]+`)
)

// Parse classifies an utterance. It never errors: unmatched input becomes
// idea (substantial content) or unknown.
func Parse(message string) Result {
	res := Result{
		Type:      TypeUnknown,
		Intensity: IntensityMedium,
	}

	working := urlPattern.ReplaceAllString(message, " ")

	// Modifiers are orthogonal and removed from the cleaned text regardless
	// of which intent wins.
	for _, tp := range tonePatterns {
		if tp.re.MatchString(working) {
			res.DetectedTone = tp.tone
			working = tp.re.ReplaceAllString(working, " ")
			break
		}
	}
	for _, ip := range intensityPatterns {
		if ip.re.MatchString(working) {
			res.Intensity = ip.level
			working = ip.re.ReplaceAllString(working, " ")
			break
		}
	}
	for _, re := range hookOnlyPatterns {
		if re.MatchString(working) {
			res.IsHookOnly = true
			working = re.ReplaceAllString(working, " ")
			break
		}
	}

	classify := func(patterns []*regexp.Regexp) (string, bool) {
		for _, re := range patterns {
			if re.MatchString(working) {
				return re.String(), true
			}
		}
		return "", false
	}

	// Priority order is contractual: copy > generate > redo > positive >
	// negative > idea > unknown.
	switch {
	case matchInto(&res, classify, copyPatterns, TypeCopy):
		res.IsCopyFlow = true
		res.IsInstantFlow = true
	case matchInto(&res, classify, generatePatterns, TypeGenerate):
		res.IsInstantFlow = true
	case matchInto(&res, classify, redoPatterns, TypeRedo):
		res.IsRedo = true
	case matchInto(&res, classify, positivePatterns, TypePositiveFeedback):
		res.FeedbackPolarity = "positive"
	case matchInto(&res, classify, negativePatterns, TypeNegativeFeedback):
		res.FeedbackPolarity = "negative"
	}

	// Once any trigger matched, delete every trigger token so the cleaned
	// text never re-classifies as a trigger.
	if res.Type != TypeUnknown {
		for _, class := range [][]*regexp.Regexp{copyPatterns, generatePatterns, redoPatterns, positivePatterns, negativePatterns} {
			for _, re := range class {
				working = re.ReplaceAllString(working, " ")
			}
		}
	}

	res.CleanedMessage = clean(working)

	if res.Type == TypeUnknown {
		if len([]rune(res.CleanedMessage)) > 3 {
			res.Type = TypeIdea
			res.Confidence = 0.8
		} else {
			res.Confidence = 0.3
		}
	}
	return res
}

func matchInto(res *Result, classify func([]*regexp.Regexp) (string, bool), patterns []*regexp.Regexp, t Type) bool {
	pattern, ok := classify(patterns)
	if !ok {
		return false
	}
	res.Type = t
	res.MatchedPattern = pattern
	res.Confidence = 0.95
	return true
}

// clean strips residual symbols and collapses whitespace after trigger and
// modifier tokens have been deleted.
func clean(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsSymbol(r), unicode.In(r, unicode.So, unicode.Sk):
			// drop emoji and symbol runes
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ExtractURL splits an embedded reel URL out of the utterance, returning the
// URL (or "") and the remaining text. "<url> generate" and "generate" with a
// separately supplied URL parse identically.
func ExtractURL(message string) (url, remainder string) {
	loc := urlPattern.FindStringIndex(message)
	if loc == nil {
		return "", message
	}
	url = strings.TrimRight(message[loc[0]:loc[1]], ".,;!?")
	remainder = strings.TrimSpace(message[:loc[0]] + " " + message[loc[1]:])
	return url, remainder
}

// ParseMessage extracts an embedded URL and parses the remainder.
func ParseMessage(message string) (Result, string) {
	url, remainder := ExtractURL(message)
	return Parse(remainder), url
}
