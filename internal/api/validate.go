// SPDX-License-Identifier: MIT

package api

import (
	"net/url"
	"regexp"
	"strings"

	"reelscribe/internal/apperr"
)

var (
	numericSubscriber = regexp.MustCompile(`^[0-9]{1,32}$`)
	placeholderField  = regexp.MustCompile(`^\{\{.*\}\}$`)
	languageHint      = regexp.MustCompile(`^[A-Za-z]{1,50}$`)
	injectionChars    = "<>{}`"
)

// supportedHosts are the reel sources the downloader can handle.
var supportedHosts = map[string]bool{
	"instagram.com":     true,
	"www.instagram.com": true,
	"m.instagram.com":   true,
}

var allowedTones = map[string]bool{
	"professional": true,
	"funny":        true,
	"provocative":  true,
	"educational":  true,
	"casual":       true,
}

// generateRequest is the ingress payload. Field names follow the vendor's
// webhook mapping convention.
type generateRequest struct {
	SubscriberID string `json:"subscriber_id"`
	ReelURL      string `json:"reel_url"`
	UserIdea     string `json:"user_idea"`
	ToneHint     string `json:"tone_hint"`
	LanguageHint string `json:"language_hint"`
	Mode         string `json:"mode"`
}

// coercePlaceholders blanks any field the vendor platform left as a raw
// `{{...}}` template token.
func (r *generateRequest) coercePlaceholders() {
	for _, f := range []*string{&r.SubscriberID, &r.ReelURL, &r.UserIdea, &r.ToneHint, &r.LanguageHint, &r.Mode} {
		if placeholderField.MatchString(strings.TrimSpace(*f)) {
			*f = ""
		}
	}
}

// validate checks the payload shape. The idea text is validated separately
// because some branches (feedback, url-only) legitimately carry short text.
func (r *generateRequest) validate() error {
	if !numericSubscriber.MatchString(r.SubscriberID) {
		return apperr.Validationf("subscriber_id must be a numeric id")
	}
	if r.ReelURL != "" {
		if err := validateReelURL(r.ReelURL); err != nil {
			return err
		}
	}
	if r.ToneHint != "" && !allowedTones[strings.ToLower(r.ToneHint)] {
		return apperr.Validationf("tone_hint must be one of professional, funny, provocative, educational, casual")
	}
	if r.LanguageHint != "" && !languageHint.MatchString(r.LanguageHint) {
		return apperr.Validationf("language_hint must be letters only, at most 50 characters")
	}
	switch r.Mode {
	case "", "full", "hook_only":
	default:
		return apperr.Validationf("mode must be full or hook_only")
	}
	return nil
}

func validateReelURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return apperr.Validationf("reel_url must be an https URL")
	}
	if !supportedHosts[strings.ToLower(u.Host)] {
		return apperr.Validationf("reel_url host is not supported")
	}
	path := u.Path
	if !strings.Contains(path, "/reel/") && !strings.Contains(path, "/reels/") {
		return apperr.Validationf("reel_url must point at a reel")
	}
	return nil
}

// validateIdea enforces the bounds for text that will drive a generation.
func validateIdea(idea string) error {
	n := len([]rune(idea))
	if n < 4 || n > 500 {
		return apperr.Validationf("idea must be between 4 and 500 characters")
	}
	if strings.ContainsAny(idea, injectionChars) {
		return apperr.Validationf("idea contains unsupported characters")
	}
	return nil
}
