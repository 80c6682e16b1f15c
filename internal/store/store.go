// SPDX-License-Identifier: MIT

// Package store is the durable document store for scripts, jobs, users, the
// reel-analysis cache, dataset records and user memory. It is the only writer
// of durable state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"reelscribe/internal/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS scripts (
	request_hash      TEXT PRIMARY KEY,
	public_id         TEXT NOT NULL UNIQUE,
	subscriber_id     TEXT NOT NULL,
	reel_url          TEXT NOT NULL,
	user_idea         TEXT NOT NULL,
	script_text       TEXT NOT NULL,
	image_url         TEXT NOT NULL DEFAULT '',
	script_url        TEXT NOT NULL DEFAULT '',
	generator_version TEXT NOT NULL DEFAULT '',
	generation_ms     INTEGER NOT NULL DEFAULT 0,
	quality_score     REAL,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scripts_subscriber ON scripts(subscriber_id, created_at);

CREATE TABLE IF NOT EXISTS jobs (
	job_id        TEXT PRIMARY KEY,
	subscriber_id TEXT NOT NULL,
	request_hash  TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	error_summary TEXT NOT NULL DEFAULT '',
	result_id     TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	completed_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_request_hash ON jobs(request_hash);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS users (
	subscriber_id   TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	registration_no INTEGER,
	request_count   INTEGER NOT NULL DEFAULT 0,
	last_request_at INTEGER,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_status_created ON users(status, created_at);

CREATE TABLE IF NOT EXISTS reel_analysis (
	reel_hash     TEXT PRIMARY KEY,
	canonical_url TEXT NOT NULL,
	transcript    TEXT NOT NULL DEFAULT '',
	tone          TEXT NOT NULL DEFAULT '',
	hook_type     TEXT NOT NULL DEFAULT '',
	visual_cues   TEXT NOT NULL DEFAULT '[]',
	scenes        TEXT NOT NULL DEFAULT '[]',
	video_url     TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reel_analysis_expires ON reel_analysis(expires_at);

CREATE TABLE IF NOT EXISTS dataset_records (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	request_hash   TEXT NOT NULL UNIQUE,
	subscriber_id  TEXT NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 2,
	payload        TEXT NOT NULL DEFAULT '{}',
	overall_rating INTEGER,
	feedback_text  TEXT NOT NULL DEFAULT '',
	validated      INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_memory (
	subscriber_id  TEXT PRIMARY KEY,
	preferred_tone TEXT NOT NULL DEFAULT '',
	rating_sum     INTEGER NOT NULL DEFAULT 0,
	rating_count   INTEGER NOT NULL DEFAULT 0,
	positive_count INTEGER NOT NULL DEFAULT 0,
	negative_count INTEGER NOT NULL DEFAULT 0,
	updated_at     INTEGER NOT NULL
);
`

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open connects with bounded exponential backoff (five attempts, base 2s),
// applies pragmas and creates the schema.
func Open(ctx context.Context, path string, poolMax int) (*Store, error) {
	logger := log.WithComponent("store")

	var db *sql.DB
	var err error
	backoff := 2 * time.Second
	for attempt := 1; attempt <= 5; attempt++ {
		db, err = open(ctx, path, poolMax)
		if err == nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("store open failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return nil, fmt.Errorf("store open after retries: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("durable store ready")
	return &Store{db: db, logger: logger}, nil
}

func open(ctx context.Context, path string, poolMax int) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if poolMax > 0 {
		db.SetMaxOpenConns(poolMax)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens an in-memory store (tests).
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// A single connection keeps the shared in-memory database alive.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logger: log.WithComponent("store")}, nil
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sweep removes terminal jobs past the retention horizon and expired
// reel-analysis rows. Returns the number of rows removed.
func (s *Store) Sweep(ctx context.Context, jobRetention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-jobRetention).Unix()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		JobCompleted, JobFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	jobsDeleted, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM reel_analysis WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return jobsDeleted, fmt.Errorf("sweep reel_analysis: %w", err)
	}
	analysisDeleted, _ := res.RowsAffected()

	total := jobsDeleted + analysisDeleted
	if total > 0 {
		s.logger.Info().
			Int64("jobs", jobsDeleted).
			Int64("analysis", analysisDeleted).
			Msg("swept expired durable records")
	}
	return total, nil
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
