package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cenkalti "github.com/cenkalti/backoff/v5"

	leaseq "github.com/eugener/leaseq/internal"
	"github.com/eugener/leaseq/internal/backoff"
	"github.com/eugener/leaseq/internal/circuitbreaker"
)

// seedInsertTries bounds attempts per seed task.
const seedInsertTries = 4

// seedBackoff spaces retries of a failed seed insert.
var seedBackoff = backoff.Config{Base: 2, Factor: 50 * time.Millisecond, Max: 2 * time.Second}

// SeedQueue is the subset of leaseq.Queue used for seeding.
type SeedQueue interface {
	List(ctx context.Context, pageSize int, pageToken string) (leaseq.TaskPage, error)
	Insert(ctx context.Context, payload []byte, tag string) (leaseq.Task, error)
}

// Bootstrap inserts the configured seed tasks on first run. A queue that
// already holds tasks is left untouched, so restarts do not duplicate seeds.
func Bootstrap(ctx context.Context, cfg *Config, q SeedQueue) (int, error) {
	if len(cfg.Seed) == 0 {
		return 0, nil
	}
	page, err := q.List(ctx, 1, "")
	if err != nil {
		return 0, fmt.Errorf("bootstrap: list queue: %w", err)
	}
	if len(page.Tasks) > 0 {
		slog.Info("queue not empty, skipping seed", "seed_tasks", len(cfg.Seed))
		return 0, nil
	}

	for i, s := range cfg.Seed {
		t, err := insertSeed(ctx, q, s)
		if err != nil {
			return i, fmt.Errorf("bootstrap: insert seed %d: %w", i, err)
		}
		slog.Info("bootstrapped task", "task", t.Name, "tag", s.Tag)
	}
	return len(cfg.Seed), nil
}

// insertSeed retries transient insert failures. Errors the breaker weighs at
// zero (rejected requests, cancellation) are not retried.
func insertSeed(ctx context.Context, q SeedQueue, s SeedEntry) (leaseq.Task, error) {
	return cenkalti.Retry(ctx, func() (leaseq.Task, error) {
		t, err := q.Insert(ctx, []byte(s.Payload), s.Tag)
		if err != nil && circuitbreaker.ClassifyError(err) == 0 {
			return t, cenkalti.Permanent(err)
		}
		return t, err
	},
		cenkalti.WithBackOff(backoff.New(seedBackoff)),
		cenkalti.WithMaxTries(seedInsertTries),
	)
}
