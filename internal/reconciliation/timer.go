package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the time between scheduled reconciliation runs.
const DefaultInterval = 5 * time.Minute

// failureAlertThreshold is the number of consecutive failed runs after
// which failures are logged at error level.
const failureAlertThreshold = 3

// Timer runs the reconciliation service on a fixed schedule.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
	failures atomic.Int64
}

// NewTimer creates a reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger.With("component", "reconciliation_timer"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// ConsecutiveFailures returns the number of failed runs since the last
// successful one.
func (t *Timer) ConsecutiveFailures() int64 {
	return t.failures.Load()
}

// Start blocks until ctx is done or Stop is called. The first run happens
// one interval after Start, giving the projection time to catch up.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer func() {
		t.running.Store(false)
		close(t.done)
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop ends the loop and waits for an in-flight run. Safe to call more
// than once and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.running.Load() {
		<-t.done
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
		}
	}()

	rep, err := t.service.Run(ctx)
	if err != nil {
		n := t.failures.Add(1)
		if n >= failureAlertThreshold {
			t.logger.Error("reconciliation keeps failing", "consecutive_failures", n, "error", err)
		} else {
			t.logger.Warn("reconciliation run failed", "error", err)
		}
		return
	}
	t.failures.Store(0)
	t.logger.Debug("reconciliation run complete",
		"checked", rep.Checked,
		"in_sync", rep.InSync,
		"duration_ms", rep.DurationMs,
	)
}
