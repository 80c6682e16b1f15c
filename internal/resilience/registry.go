// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"sync"
)

// Registry holds one breaker per external service name.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	mirror   Mirror
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry using shared settings and an optional mirror.
func NewRegistry(settings Settings, mirror Mirror) *Registry {
	return &Registry{
		settings: settings,
		mirror:   mirror,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for service, creating it on first use.
func (r *Registry) Get(service string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[service]; ok {
		return cb
	}
	opts := []Option{}
	if r.mirror != nil {
		opts = append(opts, WithMirror(r.mirror))
	}
	cb := NewCircuitBreaker(service, r.settings, opts...)
	r.breakers[service] = cb
	return cb
}

// Execute runs fn under the breaker for the named service.
func (r *Registry) Execute(ctx context.Context, service string, fn func() error) error {
	return r.Get(service).Execute(ctx, fn)
}

// Snapshot returns the current state of every known breaker.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}
