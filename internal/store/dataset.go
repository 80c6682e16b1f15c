// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AppendDatasetRecord writes the once-per-generation record. Re-delivery of
// the same requestHash is a no-op, keeping the dataset append-only under
// at-least-once job execution.
func (s *Store) AppendDatasetRecord(ctx context.Context, rec DatasetRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("dataset payload: %w", err)
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = 2
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dataset_records (request_hash, subscriber_id, schema_version, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_hash) DO NOTHING`,
		rec.RequestHash, rec.SubscriberID, rec.SchemaVersion, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("append dataset: %w", err)
	}
	return nil
}

// AttachFeedback merges explicit feedback into the dataset record and marks
// it validated. Missing records are not an error: feedback can race the job.
func (s *Store) AttachFeedback(ctx context.Context, requestHash string, rating *int, text string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dataset_records
		SET overall_rating = COALESCE(?, overall_rating),
			feedback_text = CASE WHEN ? != '' THEN ? ELSE feedback_text END,
			validated = 1,
			updated_at = ?
		WHERE request_hash = ?`,
		ratingArg(rating), text, text, time.Now().Unix(), requestHash)
	if err != nil {
		return fmt.Errorf("attach feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug().Str("request_hash", requestHash).Msg("feedback arrived before dataset record")
	}
	return nil
}

func ratingArg(r *int) any {
	if r == nil {
		return nil
	}
	return *r
}

// DatasetExportFilter narrows ExportDataset output.
type DatasetExportFilter struct {
	Limit         int
	Skip          int
	ValidatedOnly bool
}

// ExportDataset pages through dataset records for the admin export endpoint.
func (s *Store) ExportDataset(ctx context.Context, f DatasetExportFilter) ([]DatasetRecord, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	q := `
		SELECT id, request_hash, subscriber_id, schema_version, payload,
			overall_rating, feedback_text, validated, created_at, updated_at
		FROM dataset_records`
	args := []any{}
	if f.ValidatedOnly {
		q += ` WHERE validated = 1`
	}
	q += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Skip)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("export dataset: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DatasetRecord
	for rows.Next() {
		var rec DatasetRecord
		var payload string
		var rating sql.NullInt64
		var validated int
		var created, updated int64
		if err := rows.Scan(&rec.ID, &rec.RequestHash, &rec.SubscriberID, &rec.SchemaVersion,
			&payload, &rating, &rec.FeedbackText, &validated, &created, &updated); err != nil {
			return nil, fmt.Errorf("export scan: %w", err)
		}
		if rating.Valid {
			v := int(rating.Int64)
			rec.OverallRating = &v
		}
		rec.Validated = validated == 1
		rec.CreatedAt = time.Unix(created, 0).UTC()
		rec.UpdatedAt = time.Unix(updated, 0).UTC()
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			rec.Payload = map[string]any{}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FeedbackStats aggregates explicit ratings for the admin stats endpoint.
type FeedbackStats struct {
	Total     int     `json:"total"`
	Validated int     `json:"validated"`
	Rated     int     `json:"rated"`
	AvgRating float64 `json:"avgRating"`
}

// GetFeedbackStats computes dataset-wide feedback aggregates.
func (s *Store) GetFeedbackStats(ctx context.Context) (FeedbackStats, error) {
	var st FeedbackStats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(validated), 0),
			COUNT(overall_rating),
			AVG(overall_rating)
		FROM dataset_records`).Scan(&st.Total, &st.Validated, &st.Rated, &avg)
	if err != nil {
		return st, fmt.Errorf("feedback stats: %w", err)
	}
	if avg.Valid {
		st.AvgRating = avg.Float64
	}
	return st, nil
}
