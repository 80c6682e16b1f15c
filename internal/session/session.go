// SPDX-License-Identifier: MIT

// Package session tracks short-lived conversation state per subscriber and
// the per-(subscriber, reel, idea) variation counter. All state lives in
// redis with TTLs; losing it degrades to the onboarding path, never to an
// error.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reelscribe/internal/kv"
	"reelscribe/internal/log"
	"reelscribe/internal/urlkey"
)

// State is the conversation position of a subscriber.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingIdea    State = "awaiting_idea"
	StateAwaitingConfirm State = "awaiting_confirm"
	StateProcessing      State = "processing"
)

// Session is the per-subscriber conversational context.
type Session struct {
	SubscriberID string    `json:"subscriberId"`
	State        State     `json:"state"`
	ReelURL      string    `json:"reelUrl,omitempty"`
	Idea         string    `json:"idea,omitempty"`
	Tone         string    `json:"tone,omitempty"`
	Mode         string    `json:"mode,omitempty"`
	LastHash     string    `json:"lastHash,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Manager reads and writes sessions with a sliding TTL.
type Manager struct {
	kv           *kv.Store
	sessionTTL   time.Duration
	variationTTL time.Duration
	adviseAfter  int64
	logger       zerolog.Logger
}

// New builds a Manager. adviseAfter is the variation count past which
// Next reports the soft ceiling; zero disables the advisory.
func New(store *kv.Store, sessionTTL, variationTTL time.Duration, adviseAfter int) *Manager {
	return &Manager{
		kv:           store,
		sessionTTL:   sessionTTL,
		variationTTL: variationTTL,
		adviseAfter:  int64(adviseAfter),
		logger:       log.WithComponent("session"),
	}
}

func sessionKey(subscriberID string) string {
	return "session:" + subscriberID
}

// Get loads the subscriber's session. A missing or expired session comes
// back as a fresh idle one; redis errors also degrade to idle so a cache
// outage never blocks ingress.
func (m *Manager) Get(ctx context.Context, subscriberID string) Session {
	var s Session
	ok, err := m.kv.GetJSON(ctx, sessionKey(subscriberID), &s)
	if err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSubscriber, subscriberID).Msg("session read failed, treating as idle")
	}
	if err != nil || !ok {
		return Session{SubscriberID: subscriberID, State: StateIdle}
	}
	return s
}

// Put stores the session and restarts the sliding TTL.
func (m *Manager) Put(ctx context.Context, s Session) error {
	s.UpdatedAt = time.Now().UTC()
	if err := m.kv.SetJSON(ctx, sessionKey(s.SubscriberID), s, m.sessionTTL); err != nil {
		return fmt.Errorf("session put: %w", err)
	}
	return nil
}

// Touch re-extends the TTL of an existing session without rewriting it.
func (m *Manager) Touch(ctx context.Context, subscriberID string) {
	if err := m.kv.Expire(ctx, sessionKey(subscriberID), m.sessionTTL); err != nil {
		m.logger.Debug().Err(err).Str(log.FieldSubscriber, subscriberID).Msg("session touch failed")
	}
}

// Clear drops the session, returning the subscriber to idle.
func (m *Manager) Clear(ctx context.Context, subscriberID string) error {
	return m.kv.Delete(ctx, sessionKey(subscriberID))
}

// ActiveCount estimates live sessions for the detailed health view.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	return m.kv.CountPrefix(ctx, "session:")
}

func variationKey(subscriberID, reelURL, idea string) string {
	canonical := urlkey.Canonicalize(reelURL)
	norm := urlkey.NormalizeIdea(idea)
	return "variation:" + subscriberID + ":" + strings.ReplaceAll(canonical, ":", "_") + ":" + norm
}

// Variation is the outcome of one counter advance.
type Variation struct {
	N          int64 // zero-based variation index for this request
	CeilingHit bool  // soft advisory only, never blocks
}

// Next atomically advances the variation counter for the triple and returns
// the index this request should use. The first request for a triple gets 0.
// The 7-day TTL is restarted on every advance.
func (m *Manager) Next(ctx context.Context, subscriberID, reelURL, idea string) (Variation, error) {
	n, err := m.kv.IncrWithTTL(ctx, variationKey(subscriberID, reelURL, idea), m.variationTTL)
	if err != nil {
		return Variation{}, fmt.Errorf("variation incr: %w", err)
	}
	v := Variation{N: n - 1}
	if m.adviseAfter > 0 && v.N >= m.adviseAfter {
		v.CeilingHit = true
	}
	return v, nil
}

// Peek reads the counter without advancing it. Missing keys read as 0.
func (m *Manager) Peek(ctx context.Context, subscriberID, reelURL, idea string) (int64, error) {
	n, _, err := m.kv.GetInt(ctx, variationKey(subscriberID, reelURL, idea))
	return n, err
}
