// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AdmissionResult describes the outcome of AdmitOrLookup.
type AdmissionResult struct {
	User     User
	Admitted bool // user gained active status during this call
	Position int  // waitlist position when status is waitlist
}

// AdmitOrLookup implements beta admission in one transaction:
//   - unknown subscriber below capacity: insert active with the next ordinal
//   - unknown subscriber at capacity: insert waitlisted
//   - waitlisted subscriber: promote oldest-first when a slot opened
//   - blocked and active subscribers pass through unchanged
//
// Ordinals are strictly monotonic and never reused.
func (s *Store) AdmitOrLookup(ctx context.Context, subscriberID string, capacity int, now time.Time) (AdmissionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("admit begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	user, err := scanUser(tx.QueryRowContext(ctx, userSelect+` WHERE subscriber_id = ?`, subscriberID))
	if err != nil {
		return AdmissionResult{}, err
	}

	var res AdmissionResult
	switch {
	case user == nil:
		active, err := countActiveTx(ctx, tx)
		if err != nil {
			return AdmissionResult{}, err
		}
		status := UserWaitlist
		var regNo *int64
		if active < capacity {
			status = UserActive
			n, err := nextOrdinalTx(ctx, tx)
			if err != nil {
				return AdmissionResult{}, err
			}
			regNo = &n
		}
		u := User{
			SubscriberID:   subscriberID,
			Status:         status,
			RegistrationNo: regNo,
			CreatedAt:      now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (subscriber_id, status, registration_no, created_at)
			VALUES (?, ?, ?, ?)`,
			u.SubscriberID, u.Status, regNo, now.Unix()); err != nil {
			return AdmissionResult{}, fmt.Errorf("admit insert: %w", err)
		}
		res = AdmissionResult{User: u, Admitted: status == UserActive}
		if status == UserWaitlist {
			pos, err := waitlistPositionTx(ctx, tx, now, subscriberID)
			if err != nil {
				return AdmissionResult{}, err
			}
			res.Position = pos
		}

	case user.Status == UserWaitlist:
		active, err := countActiveTx(ctx, tx)
		if err != nil {
			return AdmissionResult{}, err
		}
		if active < capacity {
			// Promotion is strictly oldest-first; only promote this user if
			// nobody ahead of them is still waiting.
			pos, err := waitlistPositionTx(ctx, tx, user.CreatedAt, user.SubscriberID)
			if err != nil {
				return AdmissionResult{}, err
			}
			if pos == 1 {
				n, err := nextOrdinalTx(ctx, tx)
				if err != nil {
					return AdmissionResult{}, err
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE users SET status = ?, registration_no = ? WHERE subscriber_id = ?`,
					UserActive, n, subscriberID); err != nil {
					return AdmissionResult{}, fmt.Errorf("promote: %w", err)
				}
				user.Status = UserActive
				user.RegistrationNo = &n
				res = AdmissionResult{User: *user, Admitted: true}
				break
			}
			res = AdmissionResult{User: *user, Position: pos}
			break
		}
		pos, err := waitlistPositionTx(ctx, tx, user.CreatedAt, user.SubscriberID)
		if err != nil {
			return AdmissionResult{}, err
		}
		res = AdmissionResult{User: *user, Position: pos}

	default:
		res = AdmissionResult{User: *user}
	}

	if err := tx.Commit(); err != nil {
		return AdmissionResult{}, fmt.Errorf("admit commit: %w", err)
	}
	return res, nil
}

const userSelect = `
	SELECT subscriber_id, status, registration_no, request_count, last_request_at, created_at
	FROM users`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var regNo, lastReq sql.NullInt64
	var created int64
	err := row.Scan(&u.SubscriberID, &u.Status, &regNo, &u.RequestCount, &lastReq, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if regNo.Valid {
		u.RegistrationNo = &regNo.Int64
	}
	u.LastRequestAt = timePtr(lastReq)
	u.CreatedAt = time.Unix(created, 0).UTC()
	return &u, nil
}

func countActiveTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE status = ?`, UserActive).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

func nextOrdinalTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var n int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(registration_no), 0) + 1 FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("next ordinal: %w", err)
	}
	return n, nil
}

func waitlistPositionTx(ctx context.Context, tx *sql.Tx, createdAt time.Time, subscriberID string) (int, error) {
	var ahead int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users
		WHERE status = ? AND (created_at < ? OR (created_at = ? AND subscriber_id < ?))`,
		UserWaitlist, createdAt.Unix(), createdAt.Unix(), subscriberID).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("waitlist position: %w", err)
	}
	return ahead + 1, nil
}

// GetUser looks up a user. Returns (nil, nil) when absent.
func (s *Store) GetUser(ctx context.Context, subscriberID string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE subscriber_id = ?`, subscriberID))
}

// TouchUserRequest bumps the request counter and last-request timestamp.
func (s *Store) TouchUserRequest(ctx context.Context, subscriberID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET request_count = request_count + 1, last_request_at = ?
		WHERE subscriber_id = ?`, now.Unix(), subscriberID)
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

// CountActiveUsers returns the current active-user count.
func (s *Store) CountActiveUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE status = ?`, UserActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}

// SetUserStatus force-sets a user's access status (operator action).
func (s *Store) SetUserStatus(ctx context.Context, subscriberID string, status UserStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ? WHERE subscriber_id = ?`, status, subscriberID)
	if err != nil {
		return fmt.Errorf("set user status: %w", err)
	}
	return nil
}
