package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	leaseq "github.com/eugener/leaseq/internal"
)

const drainPageSize = 100

// Drain deletes every task in q and returns how many were deleted. Pages are
// listed up front so deletes cannot shift the paging window. An empty queue
// results in zero deletes.
func Drain(ctx context.Context, q leaseq.Queue) (int, error) {
	var names []string
	token := ""
	for {
		page, err := q.List(ctx, drainPageSize, token)
		if err != nil {
			return 0, fmt.Errorf("taskqueue: drain: list: %w", err)
		}
		for _, t := range page.Tasks {
			names = append(names, t.Name)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	deleted := 0
	for _, name := range names {
		if err := q.Delete(ctx, name); err != nil {
			if errors.Is(err, leaseq.ErrNotFound) {
				continue
			}
			return deleted, fmt.Errorf("taskqueue: drain: delete %s: %w", name, err)
		}
		deleted++
		slog.LogAttrs(ctx, slog.LevelDebug, "drained task", slog.String("task", name))
	}
	slog.Info("queue drained", "deleted", deleted)
	return deleted, nil
}
