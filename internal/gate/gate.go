// SPDX-License-Identifier: MIT

// Package gate runs the pre-processing admission chain: beta membership,
// block flags, and the per-subscriber quota. The chain is ordered so cheaper
// and more decisive checks come first, and quota increments happen only for
// requests that will actually be processed.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reelscribe/internal/apperr"
	"reelscribe/internal/kv"
	"reelscribe/internal/log"
	"reelscribe/internal/metrics"
	"reelscribe/internal/store"
)

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed bool
	User    store.User

	// Waitlist position when the user is not yet admitted.
	WaitlistPosition int
	// NewlyAdmitted is set when this very request promoted the user.
	NewlyAdmitted bool

	// Quota accounting for response headers. Only meaningful when the quota
	// check ran (i.e. the user is active).
	QuotaRemaining int
	QuotaReset     time.Duration
}

// Config carries the gate tunables.
type Config struct {
	BetaCapacity int
	QuotaPerHour int
	QuotaWindow  time.Duration
	BlockFlagTTL time.Duration
}

// Chain evaluates admission for inbound script requests.
type Chain struct {
	store  *store.Store
	kv     *kv.Store
	cfg    Config
	logger zerolog.Logger
}

func New(st *store.Store, k *kv.Store, cfg Config) *Chain {
	return &Chain{store: st, kv: k, cfg: cfg, logger: log.WithComponent("gate")}
}

func blockKey(subscriberID string) string { return "blocked:" + subscriberID }
func quotaKey(subscriberID string) string { return "user_rl:" + subscriberID }

// Admit runs the full chain. Denials come back as typed errors so handlers
// can map them to the right status and message:
//
//	apperr.AccessDenied  blocked or waitlisted (Decision still describes why)
//	apperr.QuotaExceeded hourly quota spent
//	apperr.Unavailable   quota backend unreachable (fail closed)
func (c *Chain) Admit(ctx context.Context, subscriberID string) (Decision, error) {
	// Fast block flag first: survives even when the sqlite row lags.
	if blocked, err := c.kv.Exists(ctx, blockKey(subscriberID)); err == nil && blocked {
		metrics.RecordAdmission("blocked")
		return Decision{}, apperr.AccessDenied("subscriber is blocked")
	}

	res, err := c.store.AdmitOrLookup(ctx, subscriberID, c.cfg.BetaCapacity, time.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("admission lookup: %w", err)
	}

	d := Decision{User: res.User, NewlyAdmitted: res.Admitted, WaitlistPosition: res.Position}

	switch res.User.Status {
	case store.UserBlocked:
		metrics.RecordAdmission("blocked")
		return d, apperr.AccessDenied("subscriber is blocked")
	case store.UserWaitlist:
		metrics.RecordAdmission("waitlisted")
		return d, apperr.AccessDenied(fmt.Sprintf("waitlisted at position %d", res.Position))
	}

	remaining, reset, err := c.consumeQuota(ctx, subscriberID)
	if err != nil {
		return d, err
	}
	d.QuotaRemaining = remaining
	d.QuotaReset = reset

	d.Allowed = true
	if res.Admitted {
		metrics.RecordAdmission("admitted")
		evt := c.logger.Info().Str(log.FieldSubscriber, subscriberID)
		if res.User.RegistrationNo != nil {
			evt = evt.Int64("registration_no", *res.User.RegistrationNo)
		}
		evt.Msg("subscriber admitted to beta")
	} else {
		metrics.RecordAdmission("allowed")
	}

	if err := c.store.TouchUserRequest(ctx, subscriberID, time.Now()); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSubscriber, subscriberID).Msg("touch user failed")
	}
	return d, nil
}

// consumeQuota spends one unit of the hourly budget. The counter backend
// being down means we cannot prove the budget has room, so the request is
// refused rather than waved through.
func (c *Chain) consumeQuota(ctx context.Context, subscriberID string) (remaining int, reset time.Duration, err error) {
	n, err := c.kv.IncrWithTTL(ctx, quotaKey(subscriberID), c.cfg.QuotaWindow)
	if err != nil {
		c.logger.Error().Err(err).Str(log.FieldSubscriber, subscriberID).Msg("quota backend unavailable, failing closed")
		return 0, 0, apperr.Unavailable(err, "quota backend unavailable")
	}
	reset, ttlErr := c.kv.TTL(ctx, quotaKey(subscriberID))
	if ttlErr != nil {
		reset = c.cfg.QuotaWindow
	}
	if n > int64(c.cfg.QuotaPerHour) {
		metrics.RecordAdmission("quota_exceeded")
		return 0, reset, apperr.QuotaExceeded("hourly script quota spent", reset)
	}
	return c.cfg.QuotaPerHour - int(n), reset, nil
}

// Block sets the fast block flag and the durable status together.
func (c *Chain) Block(ctx context.Context, subscriberID string) error {
	if err := c.store.SetUserStatus(ctx, subscriberID, store.UserBlocked); err != nil {
		return err
	}
	return c.kv.SetString(ctx, blockKey(subscriberID), "1", c.cfg.BlockFlagTTL)
}

// Unblock clears both sides of the block.
func (c *Chain) Unblock(ctx context.Context, subscriberID string) error {
	if err := c.kv.Delete(ctx, blockKey(subscriberID)); err != nil {
		return err
	}
	return c.store.SetUserStatus(ctx, subscriberID, store.UserActive)
}
