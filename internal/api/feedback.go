// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"reelscribe/internal/apperr"
	"reelscribe/internal/metrics"
	"reelscribe/internal/store"
)

type feedbackRequest struct {
	SubscriberID string `json:"subscriber_id"`
	RequestHash  string `json:"request_hash"`
	Rating       *int   `json:"rating"`
	Text         string `json:"text"`
}

// handleFeedback takes explicit structured feedback (star rating plus free
// text) and folds it into both the dataset record and the user memory.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.ObserveIngressDuration("feedback", float64(time.Since(start).Milliseconds()))
	}()

	var req feedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngressBody)).Decode(&req); err != nil {
		s.fail(w, "feedback", apperr.Validationf("invalid JSON body"))
		return
	}
	if !numericSubscriber.MatchString(req.SubscriberID) {
		s.fail(w, "feedback", apperr.Validationf("subscriber_id must be a numeric id"))
		return
	}
	if req.Rating != nil && (*req.Rating < 1 || *req.Rating > 5) {
		s.fail(w, "feedback", apperr.Validationf("rating must be between 1 and 5"))
		return
	}
	if len(req.Text) > 1000 {
		s.fail(w, "feedback", apperr.Validationf("feedback text too long"))
		return
	}

	ctx := r.Context()
	hash := req.RequestHash
	if hash == "" {
		hash = s.sessions.Get(ctx, req.SubscriberID).LastHash
	}
	if hash != "" {
		if err := s.store.AttachFeedback(ctx, hash, req.Rating, req.Text); err != nil {
			s.fail(w, "feedback", apperr.Internal(err))
			return
		}
		if req.Rating != nil {
			if err := s.store.ScoreScript(ctx, hash, float64(*req.Rating)/5); err != nil {
				s.logger.Warn().Err(err).Msg("script score update failed")
			}
		}
	}

	polarity := ""
	if req.Rating != nil {
		if *req.Rating >= 4 {
			polarity = "positive"
		} else if *req.Rating <= 2 {
			polarity = "negative"
		}
	}
	if err := s.store.FoldUserMemory(ctx, req.SubscriberID, store.MemoryUpdate{
		Rating:   req.Rating,
		Polarity: polarity,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("memory fold failed")
	}
	if polarity != "" {
		metrics.RecordFeedback(polarity)
	}

	metrics.RecordRequest("feedback", "200")
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}
