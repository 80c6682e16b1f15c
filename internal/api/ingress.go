// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reelscribe/internal/apperr"
	"reelscribe/internal/gate"
	"reelscribe/internal/intent"
	"reelscribe/internal/log"
	"reelscribe/internal/metrics"
	"reelscribe/internal/queue"
	"reelscribe/internal/session"
	"reelscribe/internal/store"
	"reelscribe/internal/urlkey"
	"reelscribe/internal/worker"
)

const maxIngressBody = 64 << 10

// handleGenerate is the messaging-platform webhook: it admits, classifies,
// branches and answers fast. Worker completion is never awaited here.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.ObserveIngressDuration("generate", float64(time.Since(start).Milliseconds()))
	}()

	var req generateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngressBody))
	if err := dec.Decode(&req); err != nil {
		s.fail(w, "generate", apperr.Validationf("invalid JSON body"))
		return
	}
	req.coercePlaceholders()
	if err := req.validate(); err != nil {
		s.fail(w, "generate", err)
		return
	}

	ctx := log.ContextWithSubscriber(r.Context(), req.SubscriberID)
	logger := log.WithComponent("ingress")

	decision, err := s.gate.Admit(ctx, req.SubscriberID)
	if err != nil {
		if apperr.ClassOf(err) == apperr.ClassQuotaExceeded {
			w.Header().Set("X-RateLimit-Remaining", "0")
			if retry, ok := apperr.RetryAfterOf(err); ok {
				w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(retry.Seconds())))
			}
		}
		if decision.User.Status == store.UserWaitlist {
			metrics.RecordRequest("generate", "202")
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":   "waitlist",
				"position": decision.WaitlistPosition,
				"message":  "You're on the waitlist — we'll let you in as spots open.",
			})
			return
		}
		s.fail(w, "generate", err)
		return
	}
	s.quotaHeaders(w, decision)

	parsed, embeddedURL := intent.ParseMessage(req.UserIdea)
	sess := s.sessions.Get(ctx, req.SubscriberID)

	reelURL := req.ReelURL
	if reelURL == "" {
		reelURL = embeddedURL
	}
	if reelURL != "" && req.ReelURL == "" {
		if err := validateReelURL(reelURL); err != nil {
			s.fail(w, "generate", err)
			return
		}
	}

	plan, done := s.branch(ctx, w, logger, req, parsed, sess, reelURL)
	if done {
		return
	}
	s.startJob(ctx, w, req, decision, plan, sess)
}

// jobPlan is the resolved work order after branching.
type jobPlan struct {
	ReelURL  string
	Idea     string
	CopyMode bool
	HookOnly bool
	Redo     bool
	Tone     string
}

// branch resolves the conversational state machine. It returns done=true
// when the request was answered without starting a job.
func (s *Server) branch(ctx context.Context, w http.ResponseWriter, logger zerolog.Logger, req generateRequest, parsed intent.Result, sess session.Session, reelURL string) (jobPlan, bool) {
	plan := jobPlan{
		ReelURL:  reelURL,
		Tone:     firstNonEmpty(req.ToneHint, parsed.DetectedTone),
		HookOnly: parsed.IsHookOnly || req.Mode == "hook_only",
	}

	switch {
	case parsed.IsRedo && sess.ReelURL != "" && sess.Idea != "":
		plan.Redo = true
		plan.ReelURL = sess.ReelURL
		plan.Idea = sess.Idea
		if plan.Tone == "" {
			plan.Tone = sess.Tone
		}
		return plan, false

	case parsed.IsCopyFlow && plan.ReelURL != "":
		plan.CopyMode = true
		plan.Idea = "transcript copy"
		return plan, false

	case parsed.IsInstantFlow && plan.ReelURL != "":
		plan.Idea = s.defaultIdea(ctx, plan.ReelURL)
		return plan, false

	case parsed.Type == intent.TypeIdea && plan.ReelURL != "":
		plan.Idea = parsed.CleanedMessage
		if err := validateIdea(plan.Idea); err != nil {
			s.fail(w, "generate", err)
			return plan, true
		}
		return plan, false

	case plan.ReelURL != "" && parsed.Type == intent.TypeUnknown:
		// URL with no usable text: park it and ask for the idea.
		sess.ReelURL = urlkey.Canonicalize(plan.ReelURL)
		sess.State = session.StateAwaitingIdea
		if err := s.sessions.Put(ctx, sess); err != nil {
			logger.Warn().Err(err).Msg("session save failed")
		}
		s.sendText(ctx, req.SubscriberID, "Got the reel! What should the script be about? Reply with your idea.")
		metrics.RecordRequest("generate", "200")
		writeJSON(w, http.StatusOK, map[string]any{"status": "awaiting_idea"})
		return plan, true

	case plan.ReelURL == "" && sess.State == session.StateAwaitingIdea && parsed.Type == intent.TypeIdea:
		plan.ReelURL = sess.ReelURL
		plan.Idea = parsed.CleanedMessage
		if err := validateIdea(plan.Idea); err != nil {
			s.fail(w, "generate", err)
			return plan, true
		}
		return plan, false

	case parsed.Type == intent.TypePositiveFeedback || parsed.Type == intent.TypeNegativeFeedback:
		s.recordConversationalFeedback(ctx, logger, req.SubscriberID, parsed, sess)
		s.sendText(ctx, req.SubscriberID, feedbackReply(parsed.FeedbackPolarity))
		metrics.RecordRequest("generate", "200")
		writeJSON(w, http.StatusOK, map[string]any{"status": "feedback_received"})
		return plan, true

	default:
		s.sendText(ctx, req.SubscriberID, "Send me an Instagram reel link plus your idea, and I'll turn it into a script for you.")
		metrics.RecordRequest("generate", "200")
		writeJSON(w, http.StatusOK, map[string]any{"status": "onboarding"})
		return plan, true
	}
}

// startJob runs the cache ladder and enqueues when no cached or in-flight
// result exists.
func (s *Server) startJob(ctx context.Context, w http.ResponseWriter, req generateRequest, decision gate.Decision, plan jobPlan, sess session.Session) {
	canonical := urlkey.Canonicalize(plan.ReelURL)

	// An identical tuple resubmitted is not a new variation: it returns the
	// finished script, or rides the in-flight job. Only an explicit redo
	// trigger advances the variation counter for the family.
	if !plan.Redo && sess.LastHash != "" && sess.ReelURL == canonical &&
		urlkey.NormalizeIdea(sess.Idea) == urlkey.NormalizeIdea(plan.Idea) {
		if sc, err := s.store.GetScriptByHash(ctx, sess.LastHash); err == nil && sc != nil {
			metrics.RecordCacheHit("tier2")
			metrics.RecordRequest("generate", "200")
			writeJSON(w, http.StatusOK, map[string]any{
				"status":    "success",
				"cached":    true,
				"script":    sc.ScriptText,
				"imageUrl":  sc.ImageURL,
				"scriptUrl": sc.ScriptURL,
			})
			return
		}
		if live, err := s.store.LiveJobForHash(ctx, sess.LastHash); err == nil && live != nil {
			metrics.RecordRequest("generate", "202")
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "jobId": live.JobID})
			return
		}
	}

	variation, err := s.sessions.Next(ctx, req.SubscriberID, canonical, plan.Idea)
	if err != nil {
		s.fail(w, "generate", apperr.Unavailable(err, "variation counter unavailable"))
		return
	}

	mode := "full"
	switch {
	case plan.CopyMode:
		mode = "copy"
	case plan.HookOnly:
		mode = "hook_only"
	}
	hash := urlkey.Tier2Key(req.SubscriberID, canonical, plan.Idea, int(variation.N), mode)

	if variation.N == 0 {
		if sc, err := s.store.GetScriptByHash(ctx, hash); err == nil && sc != nil {
			metrics.RecordCacheHit("tier2")
			metrics.RecordRequest("generate", "200")
			s.saveSession(ctx, sess, req.SubscriberID, canonical, plan, hash)
			writeJSON(w, http.StatusOK, map[string]any{
				"status":    "success",
				"cached":    true,
				"script":    sc.ScriptText,
				"imageUrl":  sc.ImageURL,
				"scriptUrl": sc.ScriptURL,
			})
			return
		}
		metrics.RecordCacheMiss("tier2")
	}

	if live, err := s.store.LiveJobForHash(ctx, hash); err == nil && live != nil {
		metrics.RecordRequest("generate", "202")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "queued",
			"jobId":  live.JobID,
		})
		return
	}

	jobID := uuid.NewString()
	job, created, err := s.store.CreateJob(ctx, store.Job{
		JobID:        jobID,
		SubscriberID: req.SubscriberID,
		RequestHash:  hash,
		Status:       store.JobQueued,
	})
	if err != nil {
		s.fail(w, "generate", apperr.Internal(err))
		return
	}
	if !created {
		// Raced another request for the same tuple.
		metrics.RecordRequest("generate", "202")
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "jobId": job.JobID})
		return
	}

	if err := worker.SaveRequest(ctx, s.kv, worker.Request{
		JobID:        jobID,
		SubscriberID: req.SubscriberID,
		RequestHash:  hash,
		ReelURL:      canonical,
		Idea:         plan.Idea,
		Tone:         plan.Tone,
		Language:     req.LanguageHint,
		HookOnly:     plan.HookOnly,
		CopyMode:     plan.CopyMode,
		Variation:    variation.N,
	}); err != nil {
		s.fail(w, "generate", apperr.Unavailable(err, "job store unavailable"))
		return
	}
	if _, err := s.queue.Enqueue(ctx, queue.Payload{
		JobID:        jobID,
		SubscriberID: req.SubscriberID,
		RequestHash:  hash,
	}); err != nil {
		s.fail(w, "generate", apperr.Unavailable(err, "queue unavailable"))
		return
	}

	s.saveSession(ctx, sess, req.SubscriberID, canonical, plan, hash)

	resp := map[string]any{
		"status":          "queued",
		"jobId":           jobID,
		"variationNumber": variation.N + 1,
		"quotaRemaining":  decision.QuotaRemaining,
	}
	if variation.CeilingHit {
		resp["note"] = "You've made quite a few versions of this one — consider a fresh idea for better results."
	}
	metrics.RecordRequest("generate", "202")
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) saveSession(ctx context.Context, sess session.Session, subscriberID, canonical string, plan jobPlan, hash string) {
	sess.SubscriberID = subscriberID
	sess.State = session.StateProcessing
	sess.ReelURL = canonical
	sess.Idea = plan.Idea
	sess.Tone = plan.Tone
	sess.LastHash = hash
	if err := s.sessions.Put(ctx, sess); err != nil {
		base := log.Base()
		base.Warn().Err(err).Str(log.FieldSubscriber, subscriberID).Msg("session save failed")
	}
}

// defaultIdea picks the instant-flow idea: detected hook type first, then
// the analyzed tone, then a generic prompt.
func (s *Server) defaultIdea(ctx context.Context, reelURL string) string {
	canonical := urlkey.Canonicalize(reelURL)
	if a, err := s.store.GetAnalysis(ctx, urlkey.Tier1Key(canonical), time.Now()); err == nil && a != nil {
		if idea, ok := hookTypeIdeas[a.HookType]; ok {
			return idea
		}
		if a.Tone != "" {
			return "a " + a.Tone + " script inspired by this reel"
		}
	}
	return "a script in the style of this reel"
}

var hookTypeIdeas = map[string]string{
	"question":    "a script that opens with a provocative question like this reel",
	"statistic":   "a script built around a surprising number like this reel",
	"story":       "a story-driven script in the style of this reel",
	"controversy": "a bold opinion script in the style of this reel",
}

func (s *Server) recordConversationalFeedback(ctx context.Context, logger zerolog.Logger, subscriberID string, parsed intent.Result, sess session.Session) {
	metrics.RecordFeedback(parsed.FeedbackPolarity)
	if err := s.store.FoldUserMemory(ctx, subscriberID, store.MemoryUpdate{
		Polarity: parsed.FeedbackPolarity,
		Tone:     sess.Tone,
	}); err != nil {
		logger.Warn().Err(err).Msg("memory fold failed")
	}
	if sess.LastHash != "" {
		if err := s.store.AttachFeedback(ctx, sess.LastHash, nil, parsed.FeedbackPolarity); err != nil {
			logger.Warn().Err(err).Msg("feedback attach failed")
		}
	}
}

func feedbackReply(polarity string) string {
	if polarity == "negative" {
		return "Thanks for the honesty — reply \"another\" and I'll take a different angle."
	}
	return "Glad you liked it! Reply \"another\" for a fresh take, or send a new reel."
}

func (s *Server) quotaHeaders(w http.ResponseWriter, d gate.Decision) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.QuotaRemaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(d.QuotaReset.Seconds())))
}

func (s *Server) sendText(ctx context.Context, subscriberID, text string) {
	if s.messenger == nil {
		return
	}
	if err := s.messenger.SendText(ctx, subscriberID, text); err != nil {
		base := log.Base()
		base.Warn().Err(err).Str(log.FieldSubscriber, subscriberID).Msg("prompt delivery failed")
	}
}

// fail records and writes a typed error response.
func (s *Server) fail(w http.ResponseWriter, endpoint string, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		err = apperr.Internal(err)
	}
	metrics.RecordError(string(apperr.ClassOf(err)))
	metrics.RecordRequest(endpoint, strconv.Itoa(apperr.HTTPStatus(err)))
	writeError(w, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
