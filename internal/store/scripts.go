// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPublicIDCollision is returned when a freshly drawn publicId already
// exists; the caller redraws.
var ErrPublicIDCollision = errors.New("publicId collision")

// InsertScript persists a completed generation. The requestHash upsert keeps
// delivery idempotent under at-least-once execution; the publicId stays
// unique because a collision aborts the insert.
func (s *Store) InsertScript(ctx context.Context, sc Script) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (request_hash, public_id, subscriber_id, reel_url, user_idea,
			script_text, image_url, script_url, generator_version, generation_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_hash) DO UPDATE SET
			script_text = excluded.script_text,
			image_url = excluded.image_url,
			script_url = excluded.script_url,
			generation_ms = excluded.generation_ms`,
		sc.RequestHash, sc.PublicID, sc.SubscriberID, sc.ReelURL, sc.UserIdea,
		sc.ScriptText, sc.ImageURL, sc.ScriptURL, sc.GeneratorVersion, sc.GenerationMS,
		sc.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: scripts.public_id") {
			return ErrPublicIDCollision
		}
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}

// GetScriptByHash looks up the tier-2 cache. Returns (nil, nil) on miss.
func (s *Store) GetScriptByHash(ctx context.Context, requestHash string) (*Script, error) {
	return s.getScript(ctx, "request_hash = ?", requestHash)
}

// GetScriptByPublicID backs the public copy view.
func (s *Store) GetScriptByPublicID(ctx context.Context, publicID string) (*Script, error) {
	return s.getScript(ctx, "public_id = ?", publicID)
}

func (s *Store) getScript(ctx context.Context, where string, arg any) (*Script, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_hash, public_id, subscriber_id, reel_url, user_idea, script_text,
			image_url, script_url, generator_version, generation_ms, quality_score, created_at
		FROM scripts WHERE `+where, arg)

	var sc Script
	var created int64
	var quality sql.NullFloat64
	err := row.Scan(&sc.RequestHash, &sc.PublicID, &sc.SubscriberID, &sc.ReelURL, &sc.UserIdea,
		&sc.ScriptText, &sc.ImageURL, &sc.ScriptURL, &sc.GeneratorVersion, &sc.GenerationMS,
		&quality, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	if quality.Valid {
		sc.QualityScore = &quality.Float64
	}
	sc.CreatedAt = time.Unix(created, 0).UTC()
	return &sc, nil
}

// PriorScripts returns up to limit recent scripts for the same canonical URL
// and subscriber, newest first. Best-effort context for the generator.
func (s *Store) PriorScripts(ctx context.Context, subscriberID, reelURL string, limit int) ([]Script, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_hash, public_id, subscriber_id, reel_url, user_idea, script_text,
			image_url, script_url, generator_version, generation_ms, quality_score, created_at
		FROM scripts
		WHERE subscriber_id = ? AND reel_url = ?
		ORDER BY created_at DESC LIMIT ?`, subscriberID, reelURL, limit)
	if err != nil {
		return nil, fmt.Errorf("prior scripts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Script
	for rows.Next() {
		var sc Script
		var created int64
		var quality sql.NullFloat64
		if err := rows.Scan(&sc.RequestHash, &sc.PublicID, &sc.SubscriberID, &sc.ReelURL,
			&sc.UserIdea, &sc.ScriptText, &sc.ImageURL, &sc.ScriptURL, &sc.GeneratorVersion,
			&sc.GenerationMS, &quality, &created); err != nil {
			return nil, fmt.Errorf("prior scripts scan: %w", err)
		}
		if quality.Valid {
			sc.QualityScore = &quality.Float64
		}
		sc.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ScoreScript records a feedback-derived quality score; the only mutation a
// script record accepts after creation.
func (s *Store) ScoreScript(ctx context.Context, requestHash string, score float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scripts SET quality_score = ? WHERE request_hash = ?`, score, requestHash)
	if err != nil {
		return fmt.Errorf("score script: %w", err)
	}
	return nil
}
