// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelscribe/internal/gate"
	"reelscribe/internal/health"
	"reelscribe/internal/kv"
	"reelscribe/internal/queue"
	"reelscribe/internal/resilience"
	"reelscribe/internal/session"
	"reelscribe/internal/store"
	"reelscribe/internal/urlkey"
	"reelscribe/internal/worker"
)

type fakeQueue struct {
	enqueued []queue.Payload
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, p queue.Payload) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.enqueued = append(f.enqueued, p)
	return true, nil
}

func (f *fakeQueue) Depth(context.Context) (int64, error) {
	return int64(len(f.enqueued)), nil
}

type fakeMessenger struct{ texts []string }

func (f *fakeMessenger) DeliverScript(context.Context, string, string, string) error { return nil }
func (f *fakeMessenger) SendText(_ context.Context, _, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

type apiRig struct {
	server *Server
	srv    *httptest.Server
	store  *store.Store
	kv     *kv.Store
	redis  *miniredis.Miniredis
	queue  *fakeQueue
	msg    *fakeMessenger
}

func newAPIRig(t *testing.T, capacity int) *apiRig {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kvs := kv.NewFromClient(client)

	g := gate.New(st, kvs, gate.Config{
		BetaCapacity: capacity,
		QuotaPerHour: 10,
		QuotaWindow:  time.Hour,
		BlockFlagTTL: 24 * time.Hour,
	})
	sessions := session.New(kvs, 30*time.Minute, 7*24*time.Hour, 5)
	fq := &fakeQueue{}
	msg := &fakeMessenger{}
	breakers := resilience.NewRegistry(resilience.Settings{}, nil)
	hm := health.New(st, kvs, breakers, fq, sessions, "test")

	server := NewServer(st, kvs, g, sessions, fq, msg, hm, Config{
		AdminAPIKey: "admin-key",
	})
	rig := &apiRig{server: server, store: st, kv: kvs, redis: mr, queue: fq, msg: msg}
	rig.srv = httptest.NewServer(server.Router())
	t.Cleanup(rig.srv.Close)
	return rig
}

func (r *apiRig) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(r.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

const reelWithTracking = "https://www.instagram.com/reel/AbC/?utm_source=share"

func generateBody(subscriber, idea string) map[string]string {
	return map[string]string{
		"subscriber_id": subscriber,
		"reel_url":      reelWithTracking,
		"user_idea":     idea,
	}
}

func TestGenerateNewSubscriberQueuesJob(t *testing.T) {
	rig := newAPIRig(t, 100)

	resp, out := rig.post(t, "/api/v1/script/generate", generateBody("12345", "Make it about coding"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", out["status"])
	assert.EqualValues(t, 1, out["variationNumber"])
	assert.NotEmpty(t, out["jobId"])
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))

	// User admitted with the first ordinal.
	user, err := rig.store.GetUser(context.Background(), "12345")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, store.UserActive, user.Status)
	require.NotNil(t, user.RegistrationNo)
	assert.EqualValues(t, 1, *user.RegistrationNo)

	// Job durable and enqueued, with the canonical URL in the work order.
	require.Len(t, rig.queue.enqueued, 1)
	var req worker.Request
	ok, err := rig.kv.GetJSON(context.Background(), "jobreq:"+rig.queue.enqueued[0].JobID, &req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://www.instagram.com/reel/AbC", req.ReelURL, "tracking params stripped")
	assert.Equal(t, "make it about coding", strings.ToLower(req.Idea))
	assert.EqualValues(t, 0, req.Variation)
}

func TestGenerateValidation(t *testing.T) {
	rig := newAPIRig(t, 100)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"non-numeric subscriber", map[string]string{"subscriber_id": "abc", "reel_url": reelWithTracking, "user_idea": "a valid idea"}},
		{"wrong host", map[string]string{"subscriber_id": "1", "reel_url": "https://evil.example/reel/x", "user_idea": "a valid idea"}},
		{"not a reel path", map[string]string{"subscriber_id": "1", "reel_url": "https://www.instagram.com/p/AbC/", "user_idea": "a valid idea"}},
		{"http scheme", map[string]string{"subscriber_id": "1", "reel_url": "http://www.instagram.com/reel/AbC/", "user_idea": "a valid idea"}},
		{"injection in idea", map[string]string{"subscriber_id": "1", "reel_url": reelWithTracking, "user_idea": "nice idea {{braces}} here"}},
		{"bad tone", map[string]string{"subscriber_id": "1", "reel_url": reelWithTracking, "user_idea": "a valid idea", "tone_hint": "sarcastic"}},
		{"bad mode", map[string]string{"subscriber_id": "1", "reel_url": reelWithTracking, "user_idea": "a valid idea", "mode": "tiny"}},
		{"idea too long", map[string]string{"subscriber_id": "1", "reel_url": reelWithTracking, "user_idea": strings.Repeat("x", 501)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, out := rig.post(t, "/api/v1/script/generate", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "validation", out["error"])
		})
	}
}

func TestGeneratePlaceholderCoercion(t *testing.T) {
	rig := newAPIRig(t, 100)

	// The vendor platform sends raw template tokens for unset fields.
	resp, out := rig.post(t, "/api/v1/script/generate", map[string]string{
		"subscriber_id": "12345",
		"reel_url":      reelWithTracking,
		"user_idea":     "{{last_text_input}}",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "awaiting_idea", out["status"], "blank idea with a URL parks the reel")
	assert.NotEmpty(t, rig.msg.texts, "subscriber is prompted for an idea")
}

func TestGenerateAwaitingIdeaFlow(t *testing.T) {
	rig := newAPIRig(t, 100)

	resp, out := rig.post(t, "/api/v1/script/generate", map[string]string{
		"subscriber_id": "12345",
		"reel_url":      reelWithTracking,
		"user_idea":     "",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "awaiting_idea", out["status"])

	// The idea arrives as a follow-up message without the URL.
	resp, out = rig.post(t, "/api/v1/script/generate", map[string]string{
		"subscriber_id": "12345",
		"user_idea":     "morning routines for parents",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", out["status"])

	var req worker.Request
	ok, err := rig.kv.GetJSON(context.Background(), "jobreq:"+rig.queue.enqueued[0].JobID, &req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://www.instagram.com/reel/AbC", req.ReelURL, "stored reel is reused")
}

func TestGenerateEmojiOnlyIsFeedback(t *testing.T) {
	rig := newAPIRig(t, 100)

	resp, out := rig.post(t, "/api/v1/script/generate", generateBody("12345", "\U0001F525"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "feedback_received", out["status"])
	assert.Empty(t, rig.queue.enqueued, "no job for a reaction emoji")
	assert.NotEmpty(t, rig.msg.texts)
}

func TestGenerateCopyMode(t *testing.T) {
	rig := newAPIRig(t, 100)

	resp, out := rig.post(t, "/api/v1/script/generate", generateBody("12345", "just give me a copy"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", out["status"])

	var req worker.Request
	ok, err := rig.kv.GetJSON(context.Background(), "jobreq:"+rig.queue.enqueued[0].JobID, &req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, req.CopyMode)
}

func TestGenerateRepeatReferencesInFlightJob(t *testing.T) {
	rig := newAPIRig(t, 100)

	_, first := rig.post(t, "/api/v1/script/generate", generateBody("12345", "Make it about coding"))
	require.Equal(t, "queued", first["status"])

	resp, out := rig.post(t, "/api/v1/script/generate", generateBody("12345", "make it about coding"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, first["jobId"], out["jobId"], "identical tuple rides the running job")
	assert.Len(t, rig.queue.enqueued, 1, "no second enqueue")

	// Once the job lands its script, the same tuple turns into a cache hit
	// instead of a fresh variation.
	hash := rig.queue.enqueued[0].RequestHash
	require.NoError(t, rig.store.InsertScript(context.Background(), store.Script{
		RequestHash: hash, PublicID: "ff00aa11", SubscriberID: "12345",
		ReelURL: "https://www.instagram.com/reel/AbC", UserIdea: "Make it about coding",
		ScriptText: "[HOOK]\ndone\n", ScriptURL: "https://s.example/s/ff00aa11",
	}))

	resp, out = rig.post(t, "/api/v1/script/generate", generateBody("12345", "Make it about coding"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["cached"])
	assert.Len(t, rig.queue.enqueued, 1, "finished tuple never re-enqueues")
}

func TestGenerateRedoReusesSession(t *testing.T) {
	rig := newAPIRig(t, 100)

	_, first := rig.post(t, "/api/v1/script/generate", generateBody("12345", "Make it about coding"))
	require.Equal(t, "queued", first["status"])

	resp, out := rig.post(t, "/api/v1/script/generate", map[string]string{
		"subscriber_id": "12345",
		"user_idea":     "another one please",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", out["status"])
	assert.EqualValues(t, 2, out["variationNumber"], "redo advances the variation counter")

	require.Len(t, rig.queue.enqueued, 2)
	var req worker.Request
	ok, err := rig.kv.GetJSON(context.Background(), "jobreq:"+rig.queue.enqueued[1].JobID, &req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://www.instagram.com/reel/AbC", req.ReelURL)
	assert.EqualValues(t, 1, req.Variation)
}

func TestGenerateTier2CacheHit(t *testing.T) {
	rig := newAPIRig(t, 100)
	ctx := context.Background()

	canonical := urlkey.Canonicalize(reelWithTracking)
	hash := urlkey.Tier2Key("12345", canonical, "make it about coding", 0, "full")
	require.NoError(t, rig.store.InsertScript(ctx, store.Script{
		RequestHash: hash, PublicID: "abcdef12", SubscriberID: "12345",
		ReelURL: canonical, UserIdea: "make it about coding",
		ScriptText: "[HOOK]\ncached\n", ScriptURL: "https://s.example/s/abcdef12",
	}))

	resp, out := rig.post(t, "/api/v1/script/generate", generateBody("12345", "Make it about coding"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, true, out["cached"])
	assert.Contains(t, out["script"], "cached")
	assert.Empty(t, rig.queue.enqueued, "cache hits never enqueue")
}

func TestGenerateWaitlistAtCapacity(t *testing.T) {
	rig := newAPIRig(t, 1)

	_, first := rig.post(t, "/api/v1/script/generate", generateBody("100", "a valid idea"))
	require.Equal(t, "queued", first["status"])

	resp, out := rig.post(t, "/api/v1/script/generate", generateBody("200", "a valid idea"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "waitlist", out["status"])
	assert.EqualValues(t, 1, out["position"])
}

func TestGenerateBlockedSubscriber(t *testing.T) {
	rig := newAPIRig(t, 100)

	_, _ = rig.post(t, "/api/v1/script/generate", generateBody("12345", "a valid idea"))
	require.NoError(t, rig.server.gate.Block(context.Background(), "12345"))

	resp, out := rig.post(t, "/api/v1/script/generate", generateBody("12345", "a valid idea"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access_denied", out["error"])
}

func TestGenerateQuotaExceeded(t *testing.T) {
	rig := newAPIRig(t, 100)
	// Burn the whole budget with cheap feedback messages.
	for i := 0; i < 10; i++ {
		resp, _ := rig.post(t, "/api/v1/script/generate", generateBody("12345", "\U0001F525"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, out := rig.post(t, "/api/v1/script/generate", generateBody("12345", "a valid idea"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "quota_exceeded", out["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestGenerateGateStoreDownFailsClosed(t *testing.T) {
	rig := newAPIRig(t, 100)
	rig.redis.SetError("connection refused")

	resp, out := rig.post(t, "/api/v1/script/generate", generateBody("12345", "a valid idea"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", out["error"])
}

func TestPublicView(t *testing.T) {
	rig := newAPIRig(t, 100)
	ctx := context.Background()

	require.NoError(t, rig.store.InsertScript(ctx, store.Script{
		RequestHash: "hash-1", PublicID: "abc_-123", SubscriberID: "1",
		ReelURL: "https://www.instagram.com/reel/X",
		UserIdea: "idea", ScriptText: "[HOOK]\nWatch <this> & more\n\n[BODY]\nbody text\n\n[CTA]\nfollow",
	}))

	resp, err := http.Get(rig.srv.URL + "/s/abc_-123")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	body := readBody(t, resp)
	assert.Contains(t, body, "noindex, nofollow")
	assert.Contains(t, body, "Watch &lt;this&gt; &amp; more", "user text is escaped")
	assert.NotContains(t, body, "Watch <this>")
	assert.Contains(t, body, "Call to Action")
}

func TestPublicViewInvalidAndMissing(t *testing.T) {
	rig := newAPIRig(t, 100)

	resp, err := http.Get(rig.srv.URL + "/s/bad!id")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(rig.srv.URL + "/s/zzzzzzzz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotContains(t, readBody(t, resp), "sql", "no internals disclosed")
}

func TestFeedbackEndpointAndStats(t *testing.T) {
	rig := newAPIRig(t, 100)
	ctx := context.Background()

	require.NoError(t, rig.store.InsertScript(ctx, store.Script{
		RequestHash: "hash-f", PublicID: "aaaa1111", SubscriberID: "12345",
		ReelURL: "https://x/reel/1", UserIdea: "idea", ScriptText: "text",
	}))
	require.NoError(t, rig.store.AppendDatasetRecord(ctx, store.DatasetRecord{
		RequestHash: "hash-f", SubscriberID: "12345", Payload: map[string]any{"idea": "idea"},
	}))

	rating := 5
	resp, out := rig.post(t, "/api/v1/feedback", map[string]any{
		"subscriber_id": "12345",
		"request_hash":  "hash-f",
		"rating":        rating,
		"text":          "loved it",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", out["status"])

	// Stats behind the admin key.
	req, _ := http.NewRequest(http.MethodGet, rig.srv.URL+"/api/v1/feedback/stats", nil)
	req.Header.Set("X-API-Key", "admin-key")
	sresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = sresp.Body.Close() }()
	var stats store.FeedbackStats
	require.NoError(t, json.NewDecoder(sresp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Validated)
	assert.Equal(t, 1, stats.Rated)
	assert.InDelta(t, 5.0, stats.AvgRating, 0.001)
}

func TestAdminEndpointsRequireKey(t *testing.T) {
	rig := newAPIRig(t, 100)

	resp, err := http.Get(rig.srv.URL + "/api/v1/dataset/export")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, rig.srv.URL+"/api/v1/dataset/export", nil)
	req.Header.Set("X-API-Key", "admin-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDatasetExportCSV(t *testing.T) {
	rig := newAPIRig(t, 100)
	require.NoError(t, rig.store.AppendDatasetRecord(context.Background(), store.DatasetRecord{
		RequestHash: "hash-csv", SubscriberID: "1", Payload: map[string]any{"idea": "x"},
	}))

	req, _ := http.NewRequest(http.MethodGet, rig.srv.URL+"/api/v1/dataset/export?format=csv", nil)
	req.Header.Set("X-API-Key", "admin-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	body := readBody(t, resp)
	assert.Contains(t, body, "request_hash")
	assert.Contains(t, body, "hash-csv")
}

func TestMetricsJSON(t *testing.T) {
	rig := newAPIRig(t, 100)

	resp, err := http.Get(rig.srv.URL + "/metrics/json")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out)
}

func TestHealthEndpoints(t *testing.T) {
	rig := newAPIRig(t, 100)

	resp, err := http.Get(rig.srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	dresp, err := http.Get(rig.srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer func() { _ = dresp.Body.Close() }()
	var detailed map[string]any
	require.NoError(t, json.NewDecoder(dresp.Body).Decode(&detailed))
	assert.Equal(t, "ok", detailed["status"])
	assert.Equal(t, "ok", detailed["store"])
	assert.Equal(t, "ok", detailed["cache"])
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}
