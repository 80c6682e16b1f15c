// SPDX-License-Identifier: MIT

// Package urlkey normalizes reel URLs and derives the cache keys used by the
// two cache tiers. Key derivation is pure and stable across processes.
package urlkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// keyVersion prefixes the tier-2 tuple so future extensions cannot collide
// with keys already persisted.
const keyVersion = "v2"

var publicIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{6,12}$`)

// Canonicalize returns the stable form of a reel URL: query stripped,
// trailing slash removed, plural path segment singularized. Unparseable
// input is returned unchanged.
func Canonicalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.Replace(u.Path, "/reels/", "/reel/", 1)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// NormalizeIdea produces the comparable form of a user idea: NFC-normalized,
// trimmed, lowercased. Used for tier-2 keys and variation-counter keys so
// "Make It About Coding" and "make it about coding " are the same family.
func NormalizeIdea(idea string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(idea)))
}

// Tier1Key is the reel-analysis cache key over the canonical URL alone.
func Tier1Key(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// Tier2Key is the script cache key over the full request tuple.
func Tier2Key(subscriber, canonicalURL, idea string, variation int, mode string) string {
	tuple := fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		keyVersion, subscriber, canonicalURL, NormalizeIdea(idea), variation, mode)
	sum := sha256.Sum256([]byte(tuple))
	return hex.EncodeToString(sum[:])
}

// NewPublicID draws a fresh short handle from a 48-bit random space. The
// caller retries on store collision.
func NewPublicID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("publicId entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// ValidPublicID reports whether id is a well-formed public handle.
func ValidPublicID(id string) bool {
	return publicIDRe.MatchString(id)
}
