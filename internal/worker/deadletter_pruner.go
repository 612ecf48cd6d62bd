package worker

import (
	"context"
	"log/slog"
	"time"
)

const defaultPruneInterval = time.Hour

// PruneStore is the persistence interface consumed by DeadletterPruner.
type PruneStore interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadletterPruner periodically deletes deadletters older than the
// retention period.
type DeadletterPruner struct {
	store     PruneStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewDeadletterPruner creates a pruner. A non-positive interval defaults to
// one hour.
func NewDeadletterPruner(store PruneStore, retention, interval time.Duration) *DeadletterPruner {
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &DeadletterPruner{store: store, retention: retention, interval: interval, now: time.Now}
}

// Name returns the worker identifier.
func (w *DeadletterPruner) Name() string { return "deadletter_pruner" }

// Run prunes once at startup, then on every interval until ctx is cancelled.
func (w *DeadletterPruner) Run(ctx context.Context) error {
	w.prune(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *DeadletterPruner) prune(ctx context.Context) {
	cutoff := w.now().Add(-w.retention)
	n, err := w.store.Prune(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.LogAttrs(ctx, slog.LevelError, "deadletter prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.Info("deadletters pruned", "count", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
}
