// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single checker when the registry has none set.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// SetTimeout changes the per-checker deadline.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	if d > 0 {
		r.timeout = d
	}
	r.mu.Unlock()
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results in
// registration order. A checker that outlives its deadline is reported
// unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = run(ctx, nc, timeout)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, nc namedChecker, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Status{Name: nc.name, Detail: fmt.Sprintf("panic: %v", p)}
			}
		}()
		done <- nc.check(ctx)
	}()

	select {
	case s := <-done:
		if s.Name == "" {
			s.Name = nc.name
		}
		return s
	case <-ctx.Done():
		return Status{Name: nc.name, Detail: "timed out"}
	}
}

// PingChecker adapts a Ping-style dependency (database, cache, RPC pool).
func PingChecker(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// RunningChecker reports whether a background worker loop is alive.
func RunningChecker(name string, running func() bool) Checker {
	return func(_ context.Context) Status {
		if !running() {
			return Status{Name: name, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
