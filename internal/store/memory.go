// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetUserMemory loads the rolling aggregates for a subscriber.
// Returns (nil, nil) when the subscriber has no memory yet.
func (s *Store) GetUserMemory(ctx context.Context, subscriberID string) (*UserMemory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subscriber_id, preferred_tone, rating_sum, rating_count,
			positive_count, negative_count, updated_at
		FROM user_memory WHERE subscriber_id = ?`, subscriberID)

	var m UserMemory
	var updated int64
	err := row.Scan(&m.SubscriberID, &m.PreferredTone, &m.RatingSum, &m.RatingCount,
		&m.PositiveCount, &m.NegativeCount, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user memory: %w", err)
	}
	m.UpdatedAt = time.Unix(updated, 0).UTC()
	return &m, nil
}

// MemoryUpdate describes one feedback event folded into user memory.
type MemoryUpdate struct {
	Rating   *int
	Polarity string // "positive", "negative" or ""
	Tone     string // tone hint from the scored request, if any
}

// FoldUserMemory merges one feedback event into the subscriber's aggregates.
func (s *Store) FoldUserMemory(ctx context.Context, subscriberID string, u MemoryUpdate) error {
	ratingSum := 0
	ratingCount := 0
	if u.Rating != nil {
		ratingSum = *u.Rating
		ratingCount = 1
	}
	pos, neg := 0, 0
	switch u.Polarity {
	case "positive":
		pos = 1
	case "negative":
		neg = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_memory (subscriber_id, preferred_tone, rating_sum, rating_count,
			positive_count, negative_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscriber_id) DO UPDATE SET
			preferred_tone = CASE WHEN excluded.preferred_tone != '' THEN excluded.preferred_tone ELSE user_memory.preferred_tone END,
			rating_sum = user_memory.rating_sum + excluded.rating_sum,
			rating_count = user_memory.rating_count + excluded.rating_count,
			positive_count = user_memory.positive_count + excluded.positive_count,
			negative_count = user_memory.negative_count + excluded.negative_count,
			updated_at = excluded.updated_at`,
		subscriberID, u.Tone, ratingSum, ratingCount, pos, neg, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("fold user memory: %w", err)
	}
	return nil
}
