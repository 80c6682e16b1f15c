// SPDX-License-Identifier: MIT

// Package health aggregates liveness signals from the daemon's dependencies
// for the health endpoints.
package health

import (
	"context"
	"time"

	"reelscribe/internal/kv"
	"reelscribe/internal/resilience"
	"reelscribe/internal/store"
)

// QueueInspector exposes the queue depth without importing the queue itself.
type QueueInspector interface {
	Depth(ctx context.Context) (int64, error)
}

// SessionCounter estimates live conversation sessions.
type SessionCounter interface {
	ActiveCount(ctx context.Context) (int, error)
}

// Manager snapshots component health on demand.
type Manager struct {
	store    *store.Store
	kv       *kv.Store
	breakers *resilience.Registry
	queue    QueueInspector
	sessions SessionCounter

	started time.Time
	version string
}

func New(st *store.Store, kvs *kv.Store, breakers *resilience.Registry, q QueueInspector, sc SessionCounter, version string) *Manager {
	return &Manager{
		store:    st,
		kv:       kvs,
		breakers: breakers,
		queue:    q,
		sessions: sc,
		started:  time.Now(),
		version:  version,
	}
}

// Check is the shallow liveness probe: process up, stores reachable.
type Check struct {
	Status  string `json:"status"` // ok or degraded
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Detailed adds per-dependency state for operators.
type Detailed struct {
	Check
	Store    string            `json:"store"`
	Cache    string            `json:"cache"`
	Breakers map[string]string `json:"breakers"`

	QueueDepth     int64 `json:"queueDepth"`
	ActiveSessions int   `json:"activeSessions"`
	ActiveUsers    int   `json:"activeUsers"`
}

func (m *Manager) Liveness(ctx context.Context) Check {
	c := Check{Status: "ok", Version: m.version, Uptime: time.Since(m.started).Round(time.Second).String()}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if m.store.Ping(ctx) != nil || m.kv.Ping(ctx) != nil {
		c.Status = "degraded"
	}
	return c
}

func (m *Manager) Detailed(ctx context.Context) Detailed {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	d := Detailed{Check: Check{Status: "ok", Version: m.version, Uptime: time.Since(m.started).Round(time.Second).String()}}

	d.Store = "ok"
	if err := m.store.Ping(ctx); err != nil {
		d.Store = err.Error()
		d.Status = "degraded"
	}
	d.Cache = "ok"
	if err := m.kv.Ping(ctx); err != nil {
		d.Cache = err.Error()
		d.Status = "degraded"
	}

	d.Breakers = m.breakers.Snapshot()
	for _, state := range d.Breakers {
		if state == "open" {
			d.Status = "degraded"
		}
	}

	if m.queue != nil {
		if n, err := m.queue.Depth(ctx); err == nil {
			d.QueueDepth = n
		}
	}
	if m.sessions != nil {
		if n, err := m.sessions.ActiveCount(ctx); err == nil {
			d.ActiveSessions = n
		}
	}
	if n, err := m.store.CountActiveUsers(ctx); err == nil {
		d.ActiveUsers = n
	}
	return d
}
