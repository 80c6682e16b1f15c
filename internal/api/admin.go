// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"reelscribe/internal/store"
)

// requireAdminKey guards the operator endpoints with a constant-time header
// comparison. An empty configured key disables the endpoints entirely.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminAPIKey == "" {
			http.NotFound(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminAPIKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleDatasetExport pages the training dataset out as JSON.
func (s *Server) handleDatasetExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	skip, _ := strconv.Atoi(q.Get("skip"))
	validatedOnly := q.Get("validated") == "true"

	records, err := s.store.ExportDataset(r.Context(), store.DatasetExportFilter{
		Limit:         limit,
		Skip:          skip,
		ValidatedOnly: validatedOnly,
	})
	if err != nil {
		s.fail(w, "dataset_export", err)
		return
	}
	if records == nil {
		records = []store.DatasetRecord{}
	}
	if q.Get("format") == "csv" {
		writeDatasetCSV(w, records)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

func writeDatasetCSV(w http.ResponseWriter, records []store.DatasetRecord) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="dataset.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "request_hash", "subscriber_id", "schema_version",
		"overall_rating", "feedback_text", "validated", "created_at", "payload"})
	for _, rec := range records {
		rating := ""
		if rec.OverallRating != nil {
			rating = strconv.Itoa(*rec.OverallRating)
		}
		payload, _ := json.Marshal(rec.Payload)
		_ = cw.Write([]string{
			strconv.FormatInt(rec.ID, 10),
			rec.RequestHash,
			rec.SubscriberID,
			strconv.Itoa(rec.SchemaVersion),
			rating,
			rec.FeedbackText,
			strconv.FormatBool(rec.Validated),
			rec.CreatedAt.UTC().Format(time.RFC3339),
			string(payload),
		})
	}
	cw.Flush()
}

// handleFeedbackStats reports dataset-wide rating aggregates.
func (s *Server) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetFeedbackStats(r.Context())
	if err != nil {
		s.fail(w, "feedback_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleBlockUser flips the block state of a subscriber.
func (s *Server) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriberID string `json:"subscriber_id"`
		Blocked      bool   `json:"blocked"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, "block_user", err)
		return
	}
	var err error
	if req.Blocked {
		err = s.gate.Block(r.Context(), req.SubscriberID)
	} else {
		err = s.gate.Unblock(r.Context(), req.SubscriberID)
	}
	if err != nil {
		s.fail(w, "block_user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}
