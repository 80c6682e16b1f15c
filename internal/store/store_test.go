// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestScriptRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sc := Script{
		RequestHash:  "hash-1",
		PublicID:     "Ab3_-xYz",
		SubscriberID: "12345",
		ReelURL:      "https://www.instagram.com/reel/AbC",
		UserIdea:     "make it about coding",
		ScriptText:   "[HOOK]\nhi\n[BODY]\nbody\n[CTA]\nfollow",
		ScriptURL:    "http://localhost:8080/s/Ab3_-xYz",
	}
	require.NoError(t, s.InsertScript(ctx, sc))

	got, err := s.GetScriptByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sc.ScriptText, got.ScriptText)

	byID, err := s.GetScriptByPublicID(ctx, "Ab3_-xYz")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "hash-1", byID.RequestHash)

	missing, err := s.GetScriptByHash(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestScriptPublicIDCollision(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertScript(ctx, Script{
		RequestHash: "h1", PublicID: "AAAAAAAA", SubscriberID: "1",
		ReelURL: "u", UserIdea: "i", ScriptText: "t",
	}))
	err := s.InsertScript(ctx, Script{
		RequestHash: "h2", PublicID: "AAAAAAAA", SubscriberID: "1",
		ReelURL: "u", UserIdea: "i", ScriptText: "t",
	})
	assert.ErrorIs(t, err, ErrPublicIDCollision)
}

func TestScriptUpsertIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := Script{RequestHash: "h1", PublicID: "AAAAAAAA", SubscriberID: "1",
		ReelURL: "u", UserIdea: "i", ScriptText: "first"}
	require.NoError(t, s.InsertScript(ctx, base))

	base.ScriptText = "redelivered"
	require.NoError(t, s.InsertScript(ctx, base), "same hash re-delivery must not error")

	got, err := s.GetScriptByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "redelivered", got.ScriptText)
}

func TestPriorScripts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i, idea := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		require.NoError(t, s.InsertScript(ctx, Script{
			RequestHash:  "h" + idea,
			PublicID:     "AAAAAAA" + idea,
			SubscriberID: "1",
			ReelURL:      "url-x",
			UserIdea:     idea,
			ScriptText:   "t",
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	prior, err := s.PriorScripts(ctx, "1", "url-x", 5)
	require.NoError(t, err)
	assert.Len(t, prior, 5)
	assert.Equal(t, "g", prior[0].UserIdea, "newest first")
}

func TestJobCreateDedup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j1, created, err := s.CreateJob(ctx, Job{JobID: "job-1", SubscriberID: "1", RequestHash: "rh"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, JobQueued, j1.Status)

	j2, created, err := s.CreateJob(ctx, Job{JobID: "job-2", SubscriberID: "1", RequestHash: "rh"})
	require.NoError(t, err)
	assert.False(t, created, "a live job for the hash must dedup")
	assert.Equal(t, "job-1", j2.JobID)
}

func TestJobMonotonicTransitions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, _, err := s.CreateJob(ctx, Job{JobID: "job-1", SubscriberID: "1", RequestHash: "rh"})
	require.NoError(t, err)

	j, err := s.TransitionJob(ctx, "job-1", JobProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, JobProcessing, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.NotNil(t, j.StartedAt)

	j, err = s.TransitionJob(ctx, "job-1", JobCompleted, func(j *Job) { j.ResultID = "pub-1" })
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, j.Status)
	assert.NotNil(t, j.CompletedAt)

	// Backward transition is ignored.
	j, err = s.TransitionJob(ctx, "job-1", JobQueued, nil)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, j.Status)

	// After the first job completed, the hash is free for a new job.
	_, created, err := s.CreateJob(ctx, Job{JobID: "job-2", SubscriberID: "1", RequestHash: "rh"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAdmissionFillsCapacityThenWaitlists(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	resA, err := s.AdmitOrLookup(ctx, "100", 2, now)
	require.NoError(t, err)
	assert.True(t, resA.Admitted)
	assert.Equal(t, UserActive, resA.User.Status)
	require.NotNil(t, resA.User.RegistrationNo)
	assert.Equal(t, int64(1), *resA.User.RegistrationNo)

	resB, err := s.AdmitOrLookup(ctx, "200", 2, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), *resB.User.RegistrationNo)

	resC, err := s.AdmitOrLookup(ctx, "300", 2, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, resC.Admitted)
	assert.Equal(t, UserWaitlist, resC.User.Status)
	assert.Equal(t, 1, resC.Position)

	resD, err := s.AdmitOrLookup(ctx, "400", 2, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, resD.Position)

	active, err := s.CountActiveUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, active)
}

func TestPromotionIsOldestFirstWithFreshOrdinal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.AdmitOrLookup(ctx, "100", 1, now)
	require.NoError(t, err)
	_, err = s.AdmitOrLookup(ctx, "200", 1, now.Add(time.Second))
	require.NoError(t, err)
	_, err = s.AdmitOrLookup(ctx, "300", 1, now.Add(2*time.Second))
	require.NoError(t, err)

	// A slot opens.
	require.NoError(t, s.SetUserStatus(ctx, "100", UserBlocked))

	// The younger waitlist entry is not promoted out of turn.
	res, err := s.AdmitOrLookup(ctx, "300", 1, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, UserWaitlist, res.User.Status)
	assert.Equal(t, 2, res.Position)

	// The oldest gets the slot and a fresh ordinal (never a reused one).
	res, err = s.AdmitOrLookup(ctx, "200", 1, now.Add(4*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	require.NotNil(t, res.User.RegistrationNo)
	assert.Equal(t, int64(2), *res.User.RegistrationNo)
}

func TestBlockedUserPassesThrough(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.AdmitOrLookup(ctx, "100", 5, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SetUserStatus(ctx, "100", UserBlocked))

	res, err := s.AdmitOrLookup(ctx, "100", 5, time.Now())
	require.NoError(t, err)
	assert.Equal(t, UserBlocked, res.User.Status)
	assert.False(t, res.Admitted)
}

func TestAnalysisTTL(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutAnalysis(ctx, ReelAnalysis{
		ReelHash:     "rh1",
		CanonicalURL: "u",
		Transcript:   "hello world",
		VisualCues:   []string{"text overlay"},
		Scenes:       []string{"desk shot"},
		ExpiresAt:    now.Add(time.Hour),
	}))

	got, err := s.GetAnalysis(ctx, "rh1", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello world", got.Transcript)
	assert.Equal(t, []string{"text overlay"}, got.VisualCues)

	expired, err := s.GetAnalysis(ctx, "rh1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, expired, "expired analysis is a miss")
}

func TestAnalysisRicherOverwriteKeepsVideoURL(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutAnalysis(ctx, ReelAnalysis{
		ReelHash: "rh1", CanonicalURL: "u", Transcript: "v1",
		VideoURL: "https://cdn/video.mp4", ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, s.PutAnalysis(ctx, ReelAnalysis{
		ReelHash: "rh1", CanonicalURL: "u", Transcript: "v2 with transcript",
		ExpiresAt: now.Add(2 * time.Hour),
	}))

	got, err := s.GetAnalysis(ctx, "rh1", now)
	require.NoError(t, err)
	assert.Equal(t, "v2 with transcript", got.Transcript)
	assert.Equal(t, "https://cdn/video.mp4", got.VideoURL, "empty overwrite must not erase the durable video URL")
}

func TestDatasetAppendAndFeedback(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := DatasetRecord{
		RequestHash:  "rh1",
		SubscriberID: "1",
		Payload:      map[string]any{"idea": "coding", "variation": float64(0)},
	}
	require.NoError(t, s.AppendDatasetRecord(ctx, rec))
	require.NoError(t, s.AppendDatasetRecord(ctx, rec), "re-delivery is a no-op")

	rating := 4
	require.NoError(t, s.AttachFeedback(ctx, "rh1", &rating, "loved it"))

	out, err := s.ExportDataset(ctx, DatasetExportFilter{ValidatedOnly: true})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 4, *out[0].OverallRating)
	assert.Equal(t, "loved it", out[0].FeedbackText)
	assert.Equal(t, "coding", out[0].Payload["idea"])

	stats, err := s.GetFeedbackStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Rated)
	assert.InDelta(t, 4.0, stats.AvgRating, 0.001)
}

func TestUserMemoryFold(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r5 := 5
	require.NoError(t, s.FoldUserMemory(ctx, "1", MemoryUpdate{Rating: &r5, Polarity: "positive", Tone: "funny"}))
	r3 := 3
	require.NoError(t, s.FoldUserMemory(ctx, "1", MemoryUpdate{Rating: &r3, Polarity: "negative"}))

	m, err := s.GetUserMemory(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "funny", m.PreferredTone)
	assert.InDelta(t, 4.0, m.AvgRating(), 0.001)
	assert.Equal(t, int64(1), m.PositiveCount)
	assert.Equal(t, int64(1), m.NegativeCount)
}

func TestSweepRemovesTerminalJobsAndExpiredAnalysis(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	_, _, err := s.CreateJob(ctx, Job{JobID: "old", SubscriberID: "1", RequestHash: "rh-old"})
	require.NoError(t, err)
	_, err = s.TransitionJob(ctx, "old", JobCompleted, nil)
	require.NoError(t, err)

	_, _, err = s.CreateJob(ctx, Job{JobID: "live", SubscriberID: "1", RequestHash: "rh-live"})
	require.NoError(t, err)

	require.NoError(t, s.PutAnalysis(ctx, ReelAnalysis{
		ReelHash: "gone", CanonicalURL: "u", ExpiresAt: now.Add(-time.Hour),
	}))

	deleted, err := s.Sweep(ctx, 0, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	j, err := s.GetJob(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, j, "live jobs survive the sweep")
}
