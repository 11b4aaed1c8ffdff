package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the monitor sweeps all sessions.
const DefaultInterval = 5 * time.Minute

// Timer runs the monitor sweep on a fixed interval.
type Timer struct {
	monitor  *Monitor
	interval time.Duration
	logger   *slog.Logger

	stop    chan struct{}
	running atomic.Bool
}

// NewTimer creates a sweep timer. A non-positive interval falls back to
// DefaultInterval.
func NewTimer(monitor *Monitor, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		monitor:  monitor,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// Call in a goroutine. The first sweep runs immediately so pause deadlines
// persisted before a restart are honored without waiting a full interval.
func (t *Timer) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	defer t.running.Store(false)

	t.logger.Info("session monitor started", "interval", t.interval)
	t.safeSweep(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("session monitor stopped", "reason", "context cancelled")
			return
		case <-t.stop:
			t.logger.Info("session monitor stopped", "reason", "stop requested")
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (t *Timer) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in monitor sweep", "panic", r)
		}
	}()
	t.monitor.Sweep(ctx)
}
