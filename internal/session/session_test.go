// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelscribe/internal/kv"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewFromClient(client)
	return New(store, 30*time.Minute, 7*24*time.Hour, 5), mr
}

func TestSessionRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s := m.Get(ctx, "42")
	assert.Equal(t, StateIdle, s.State, "missing session reads as idle")

	s.State = StateAwaitingIdea
	s.ReelURL = "https://www.instagram.com/reel/ABC/"
	require.NoError(t, m.Put(ctx, s))

	got := m.Get(ctx, "42")
	assert.Equal(t, StateAwaitingIdea, got.State)
	assert.Equal(t, s.ReelURL, got.ReelURL)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSessionStateVocabulary(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Session{SubscriberID: "42", State: StateAwaitingConfirm}))

	// The persisted string is the wire vocabulary other tooling reads.
	raw, err := mr.Get("session:42")
	require.NoError(t, err)
	assert.Contains(t, raw, `"state":"awaiting_confirm"`)
}

func TestSessionExpires(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Session{SubscriberID: "42", State: StateProcessing}))
	mr.FastForward(31 * time.Minute)

	got := m.Get(ctx, "42")
	assert.Equal(t, StateIdle, got.State, "expired session reads as idle")
}

func TestSessionTouchSlidesTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Session{SubscriberID: "42", State: StateAwaitingIdea}))
	mr.FastForward(20 * time.Minute)
	m.Touch(ctx, "42")
	mr.FastForward(20 * time.Minute)

	got := m.Get(ctx, "42")
	assert.Equal(t, StateAwaitingIdea, got.State, "touched session survives past the original TTL")
}

func TestSessionClear(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Session{SubscriberID: "42", State: StateProcessing}))
	require.NoError(t, m.Clear(ctx, "42"))
	assert.Equal(t, StateIdle, m.Get(ctx, "42").State)
}

func TestSessionReadFailureDegradesToIdle(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Session{SubscriberID: "42", State: StateProcessing}))
	mr.SetError("connection refused")

	got := m.Get(ctx, "42")
	assert.Equal(t, StateIdle, got.State, "redis outage degrades to onboarding, not error")
}

func TestVariationCounter(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	v, err := m.Next(ctx, "42", "https://www.instagram.com/reel/ABC/", "Dog Grooming")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.N, "first request for a triple is variation 0")
	assert.False(t, v.CeilingHit)

	v, err = m.Next(ctx, "42", "https://www.instagram.com/reel/ABC/", "dog grooming")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v.N, "idea normalization makes the triples equal")

	// Different subscriber, url or idea keeps its own counter.
	v, err = m.Next(ctx, "43", "https://www.instagram.com/reel/ABC/", "dog grooming")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.N)

	v, err = m.Next(ctx, "42", "https://www.instagram.com/reel/XYZ/", "dog grooming")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.N)
}

func TestVariationCanonicalURL(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Next(ctx, "42", "https://www.instagram.com/reels/ABC/?igsh=xyz", "pitch")
	require.NoError(t, err)
	v, err := m.Next(ctx, "42", "https://www.instagram.com/reel/ABC", "pitch")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v.N, "query strings and /reels/ alias share one counter")
}

func TestVariationCeilingAdvisory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var v Variation
	var err error
	for i := 0; i < 6; i++ {
		v, err = m.Next(ctx, "42", "https://www.instagram.com/reel/ABC/", "pitch")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 5, v.N)
	assert.True(t, v.CeilingHit, "soft ceiling reported, not enforced")
}

func TestVariationCounterExpires(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	_, err := m.Next(ctx, "42", "https://www.instagram.com/reel/ABC/", "pitch")
	require.NoError(t, err)
	mr.FastForward(8 * 24 * time.Hour)

	v, err := m.Next(ctx, "42", "https://www.instagram.com/reel/ABC/", "pitch")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.N, "counter resets after the retention window")
}
