package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps for disputes whose active deadline has elapsed
// and applies the deadline transition. The sweep is idempotent: AutoAdvance
// re-validates the deadline under the dispute lock, so a sweep racing a party
// action (or another sweep) applies nothing.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new deadline sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in dispute deadline sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	elapsed, err := t.store.ListDeadlineElapsed(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list elapsed dispute deadlines", "error", err)
		return
	}

	for _, d := range elapsed {
		before := d.Status
		advanced, err := t.service.AutoAdvance(ctx, d.ID)
		if err != nil {
			t.logger.Warn("failed to advance dispute past deadline",
				"disputeId", d.ID, "status", string(before), "error", err)
			continue
		}
		if advanced.Status == before {
			continue
		}
		t.logger.Info("advanced dispute past deadline",
			"disputeId", d.ID,
			"from", string(before),
			"to", string(advanced.Status),
		)
	}
}
