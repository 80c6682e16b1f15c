// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"reelscribe/internal/log"
)

// RedisMirror replicates breaker state under circuit:<service>:state keys.
// Writes and reads are best-effort; a mirror outage fails open so the local
// view always wins.
type RedisMirror struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisMirror creates a mirror on an existing client.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{
		client: client,
		logger: log.WithComponent("breaker-mirror"),
	}
}

func mirrorKey(service string) string {
	return fmt.Sprintf("circuit:%s:state", service)
}

// Publish records the state with a TTL so crashed instances age out.
func (m *RedisMirror) Publish(ctx context.Context, service string, state State, ttl time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := m.client.Set(opCtx, mirrorKey(service), state.String(), ttl).Err(); err != nil {
		m.logger.Warn().Err(err).Str("service", service).Msg("breaker state publish failed")
		return err
	}
	return nil
}

// Observe reads the replicated state. The second return is false when no
// state is recorded or the store is unreachable.
func (m *RedisMirror) Observe(ctx context.Context, service string) (State, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	v, err := m.client.Get(opCtx, mirrorKey(service)).Result()
	if err == redis.Nil {
		return StateClosed, false, nil
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("service", service).Msg("breaker state observe failed")
		return StateClosed, false, err
	}
	switch v {
	case "open":
		return StateOpen, true, nil
	case "half-open":
		return StateHalfOpen, true, nil
	default:
		return StateClosed, true, nil
	}
}
