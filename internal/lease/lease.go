// Package lease keeps a single task's lease alive in the background while it
// is being processed.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	leaseq "github.com/eugener/leaseq/internal"
)

// defaultRenewTimeout bounds a single renew call once it has started.
const defaultRenewTimeout = 30 * time.Second

// Options tunes a renewal unit.
type Options struct {
	// Duration is the lease length requested on every renewal. Renewals are
	// issued every Duration/2.
	Duration time.Duration
	// RenewTimeout bounds one renew call. Defaults to min(Duration/2, 30s).
	RenewTimeout time.Duration
	// OnRenew, when set, is called after every renew attempt.
	OnRenew func(task string, err error)
}

// Handle pairs a leased task with its renewal goroutine. The goroutine is the
// only writer of the latest schedule time; readers must call Stop first.
type Handle struct {
	task     leaseq.Task
	latest   atomic.Pointer[string]
	renewals atomic.Int32
	failed   atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Start launches a renewal unit for t. The first renewal happens after one
// half-interval. The unit ends when Stop is called, when ctx is cancelled, or
// after the first failed renewal.
func Start(ctx context.Context, r leaseq.Renewer, t leaseq.Task, opts Options) (*Handle, error) {
	switch {
	case r == nil:
		return nil, fmt.Errorf("lease: nil renewer: %w", leaseq.ErrSetup)
	case t.Name == "":
		return nil, fmt.Errorf("lease: task without name: %w", leaseq.ErrSetup)
	case t.ScheduleTime == "":
		return nil, fmt.Errorf("lease: task %s has no schedule time: %w", t.Name, leaseq.ErrSetup)
	case opts.Duration <= 0:
		return nil, fmt.Errorf("lease: non-positive lease duration %v: %w", opts.Duration, leaseq.ErrSetup)
	}
	if opts.RenewTimeout <= 0 {
		opts.RenewTimeout = min(opts.Duration/2, defaultRenewTimeout)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		task:   t,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	st := t.ScheduleTime
	h.latest.Store(&st)

	go h.run(ctx, r, opts)
	return h, nil
}

func (h *Handle) run(ctx context.Context, r leaseq.Renewer, opts Options) {
	defer close(h.done)
	defer h.cancel()

	interval := opts.Duration / 2
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// An in-flight renewal must finish even if Stop is called meanwhile,
		// otherwise the server may hold a token we never observed.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.RenewTimeout)
		renewed, err := r.Renew(rctx, h.Task(), opts.Duration)
		cancel()

		if opts.OnRenew != nil {
			opts.OnRenew(h.task.Name, err)
		}
		if err != nil {
			h.failed.Store(true)
			slog.LogAttrs(ctx, slog.LevelError, "lease renewal failed, stopping renewal",
				slog.String("task", h.task.Name),
				slog.String("batch_id", leaseq.BatchIDFromContext(ctx)),
				slog.String("error", err.Error()),
			)
			return
		}

		st := renewed.ScheduleTime
		h.latest.Store(&st)
		h.renewals.Add(1)
		slog.LogAttrs(ctx, slog.LevelDebug, "lease extended",
			slog.String("task", h.task.Name),
			slog.Duration("lease", opts.Duration),
		)
		timer.Reset(interval)
	}
}

// Stop signals the unit and waits for it to exit. Safe to call repeatedly.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the unit has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stopped reports whether the unit has exited.
func (h *Handle) Stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Task returns the task carrying the most recently observed schedule time.
func (h *Handle) Task() leaseq.Task {
	return h.task.WithScheduleTime(*h.latest.Load())
}

// Name returns the task name.
func (h *Handle) Name() string { return h.task.Name }

// Renewals returns the number of successful renewals.
func (h *Handle) Renewals() int { return int(h.renewals.Load()) }

// Failed reports whether the unit stopped because a renewal failed.
func (h *Handle) Failed() bool { return h.failed.Load() }

// StopAll stops every handle and waits for all of them. Stop signals are
// sent first so the units wind down concurrently.
func StopAll(hs []*Handle) {
	for _, h := range hs {
		h.cancel()
	}
	for _, h := range hs {
		<-h.done
	}
}
