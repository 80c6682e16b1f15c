// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetAnalysis looks up the tier-1 cache. Expired rows count as misses.
func (s *Store) GetAnalysis(ctx context.Context, reelHash string, now time.Time) (*ReelAnalysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT reel_hash, canonical_url, transcript, tone, hook_type, visual_cues,
			scenes, video_url, created_at, expires_at
		FROM reel_analysis WHERE reel_hash = ?`, reelHash)

	var ra ReelAnalysis
	var cues, scenes string
	var created, expires int64
	err := row.Scan(&ra.ReelHash, &ra.CanonicalURL, &ra.Transcript, &ra.Tone, &ra.HookType,
		&cues, &scenes, &ra.VideoURL, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	ra.CreatedAt = time.Unix(created, 0).UTC()
	ra.ExpiresAt = time.Unix(expires, 0).UTC()
	if !ra.ExpiresAt.After(now) {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(cues), &ra.VisualCues); err != nil {
		ra.VisualCues = nil
	}
	if err := json.Unmarshal([]byte(scenes), &ra.Scenes); err != nil {
		ra.Scenes = nil
	}
	return &ra, nil
}

// PutAnalysis upserts the tier-1 record. A later pass with richer data (e.g.
// an extracted transcript) overwrites the earlier one.
func (s *Store) PutAnalysis(ctx context.Context, ra ReelAnalysis) error {
	cues, err := json.Marshal(ra.VisualCues)
	if err != nil {
		return fmt.Errorf("put analysis cues: %w", err)
	}
	scenes, err := json.Marshal(ra.Scenes)
	if err != nil {
		return fmt.Errorf("put analysis scenes: %w", err)
	}
	if ra.CreatedAt.IsZero() {
		ra.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reel_analysis (reel_hash, canonical_url, transcript, tone, hook_type,
			visual_cues, scenes, video_url, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(reel_hash) DO UPDATE SET
			transcript = excluded.transcript,
			tone = excluded.tone,
			hook_type = excluded.hook_type,
			visual_cues = excluded.visual_cues,
			scenes = excluded.scenes,
			video_url = CASE WHEN excluded.video_url != '' THEN excluded.video_url ELSE reel_analysis.video_url END,
			expires_at = excluded.expires_at`,
		ra.ReelHash, ra.CanonicalURL, ra.Transcript, ra.Tone, ra.HookType,
		string(cues), string(scenes), ra.VideoURL, ra.CreatedAt.Unix(), ra.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("put analysis: %w", err)
	}
	return nil
}
