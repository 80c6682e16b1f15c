// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateJob inserts a queued job unless a live job for the same requestHash
// already exists. Returns the live job and false when dedup fires.
func (s *Store) CreateJob(ctx context.Context, job Job) (*Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create job begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanJob(tx.QueryRowContext(ctx, jobSelect+`
		WHERE request_hash = ? AND status IN (?, ?) LIMIT 1`,
		job.RequestHash, JobQueued, JobProcessing))
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Status = JobQueued
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, subscriber_id, request_hash, status, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		job.JobID, job.SubscriberID, job.RequestHash, job.Status, job.CreatedAt.Unix())
	if err != nil {
		return nil, false, fmt.Errorf("create job insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("create job commit: %w", err)
	}
	return &job, true, nil
}

const jobSelect = `
	SELECT job_id, subscriber_id, request_hash, status, attempts, error_summary,
		result_id, created_at, started_at, completed_at
	FROM jobs`

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var created int64
	var started, completed sql.NullInt64
	err := row.Scan(&j.JobID, &j.SubscriberID, &j.RequestHash, &j.Status, &j.Attempts,
		&j.ErrorSummary, &j.ResultID, &created, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.CreatedAt = time.Unix(created, 0).UTC()
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return &j, nil
}

// GetJob looks up a job by id. Returns (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE job_id = ?`, jobID))
}

// LiveJobForHash returns the queued or processing job for a requestHash.
func (s *Store) LiveJobForHash(ctx context.Context, requestHash string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, jobSelect+`
		WHERE request_hash = ? AND status IN (?, ?) LIMIT 1`,
		requestHash, JobQueued, JobProcessing))
}

// TransitionJob performs a findOneAndUpdate-style monotonic state change.
// Backward transitions are rejected silently (the row keeps its state) so a
// stalled worker cannot resurrect a completed job.
func (s *Store) TransitionJob(ctx context.Context, jobID string, to JobStatus, update func(*Job)) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("transition begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanJob(tx.QueryRowContext(ctx, jobSelect+` WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("transition: job %s not found", jobID)
	}
	if to.rank() < j.Status.rank() {
		return j, nil
	}

	j.Status = to
	now := time.Now()
	switch to {
	case JobProcessing:
		j.StartedAt = &now
		j.Attempts++
	case JobCompleted, JobFailed:
		j.CompletedAt = &now
	}
	if update != nil {
		update(j)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, error_summary = ?, result_id = ?,
			started_at = ?, completed_at = ?
		WHERE job_id = ?`,
		j.Status, j.Attempts, j.ErrorSummary, j.ResultID,
		unixPtr(j.StartedAt), unixPtr(j.CompletedAt), j.JobID)
	if err != nil {
		return nil, fmt.Errorf("transition update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("transition commit: %w", err)
	}
	return j, nil
}

// CountJobs returns the number of jobs in the given status.
func (s *Store) CountJobs(ctx context.Context, status JobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}
