package manager

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	leaseq "github.com/eugener/leaseq/internal"
	"github.com/eugener/leaseq/internal/lease"
)

// Deadletter reasons stored alongside the payload.
const (
	reasonFailFast   = "fail_fast"
	reasonRetryLimit = "retry_limit_exceeded"
)

// resolve applies the disposition policy to every task of a batch. All
// renewal units have already been stopped, so Task() carries the final
// fencing token. Resolution calls are best-effort and never abort the batch.
func (m *Manager) resolve(ctx context.Context, handles []*lease.Handle, results []error) {
	ctx = context.WithoutCancel(ctx)

	if m.cfg.ResolveConcurrency <= 1 {
		for i, h := range handles {
			m.settle(ctx, h.Task(), results[i])
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.ResolveConcurrency)
	for i, h := range handles {
		g.Go(func() error {
			m.settle(ctx, h.Task(), results[i])
			return nil
		})
	}
	_ = g.Wait()
}

// settle resolves a single task:
//
//	success                      -> ack
//	fail fast                    -> deadletter, then FailFastAction
//	retryable, under retry limit -> cancel
//	retryable, limit reached     -> deadletter, then delete
func (m *Manager) settle(ctx context.Context, t leaseq.Task, result error) leaseq.Disposition {
	outcome := leaseq.Classify(result)
	d := leaseq.Disposition{
		Task:     t.Name,
		BatchID:  leaseq.BatchIDFromContext(ctx),
		Outcome:  outcome.String(),
		Attempts: t.Attempts,
		At:       m.now(),
	}
	if result != nil {
		d.Error = result.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	var err error
	switch outcome {
	case leaseq.OutcomeSuccess:
		d.Action = leaseq.ActionAck
		_, err = m.deps.Queue.Ack(ctx, t)

	case leaseq.OutcomeFailFast:
		slog.LogAttrs(ctx, slog.LevelError, "task failed permanently",
			slog.String("task", t.Name),
			slog.String("error", d.Error),
		)
		d.Deadlettered = m.deadletter(ctx, t, result, reasonFailFast)
		d.Action = m.cfg.FailFastAction
		err = m.finish(ctx, t, d.Action)

	default:
		if m.cfg.RetryLimit == nil || t.Attempts < *m.cfg.RetryLimit {
			slog.LogAttrs(ctx, slog.LevelInfo, "task failed, releasing for retry",
				slog.String("task", t.Name),
				slog.Int("attempts", t.Attempts),
				slog.String("error", d.Error),
			)
			d.Action = leaseq.ActionCancel
			_, err = m.deps.Queue.Cancel(ctx, t)
			break
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "task exceeded retry limit",
			slog.String("task", t.Name),
			slog.Int("attempts", t.Attempts),
			slog.Int("retry_limit", *m.cfg.RetryLimit),
			slog.String("error", d.Error),
		)
		d.Deadlettered = m.deadletter(ctx, t, result, reasonRetryLimit)
		d.Action = leaseq.ActionDelete
		err = m.deps.Queue.Delete(ctx, t.Name)
	}

	if err != nil {
		d.ResolveError = err.Error()
		slog.LogAttrs(ctx, slog.LevelWarn, "task resolution failed, lease expiry will resurface it",
			slog.String("task", t.Name),
			slog.String("action", string(d.Action)),
			slog.String("error", err.Error()),
		)
	}
	m.deps.Metrics.ObserveDisposition(d.Outcome, string(d.Action), err)
	if m.deps.Recorder != nil {
		m.deps.Recorder.Record(d)
	}
	return d
}

func (m *Manager) finish(ctx context.Context, t leaseq.Task, action leaseq.Action) error {
	if action == leaseq.ActionDelete {
		return m.deps.Queue.Delete(ctx, t.Name)
	}
	_, err := m.deps.Queue.Cancel(ctx, t)
	return err
}

// deadletter stores the payload of a permanently failed task. It reports
// whether a record was written.
func (m *Manager) deadletter(ctx context.Context, t leaseq.Task, cause error, reason string) bool {
	if m.deps.Deadletter == nil {
		return false
	}
	props := map[string]any{
		"task":         t.Name,
		"error":        errString(cause),
		"outcome":      reason,
		"attempts":     t.Attempts,
		"payload":      string(t.Payload),
		"time_created": m.now().UTC(),
	}
	err := m.deps.Deadletter.Insert(ctx, m.deadletterName(t), props)
	m.deps.Metrics.ObserveDeadletter(err)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "deadletter write failed",
			slog.String("task", t.Name),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (m *Manager) deadletterName(t leaseq.Task) string {
	if m.deps.DeadletterNameField == "" || !gjson.ValidBytes(t.Payload) {
		return t.Name
	}
	r := gjson.GetBytes(t.Payload, m.deps.DeadletterNameField)
	if r.Type != gjson.String || r.Str == "" {
		return t.Name
	}
	return r.Str
}

// burn keeps the first BurnCapacity tasks and discards the rest in the
// background. Run waits for outstanding burns before returning.
func (m *Manager) burn(ctx context.Context, tasks []leaseq.Task) []leaseq.Task {
	if !m.cfg.BurnMode || len(tasks) <= m.cfg.BurnCapacity {
		return tasks
	}
	keep, excess := tasks[:m.cfg.BurnCapacity], tasks[m.cfg.BurnCapacity:]
	bctx := context.WithoutCancel(ctx)

	slog.LogAttrs(ctx, slog.LevelInfo, "burning excess tasks",
		slog.Int("kept", len(keep)),
		slog.Int("burned", len(excess)),
		slog.String("action", string(m.cfg.BurnAction)),
	)
	for _, t := range excess {
		m.burns.Go(func() {
			ctx, cancel := context.WithTimeout(bctx, resolveTimeout)
			defer cancel()

			var err error
			if m.cfg.BurnAction == leaseq.ActionRelease {
				_, err = m.deps.Queue.Cancel(ctx, t)
			} else {
				err = m.deps.Queue.Delete(ctx, t.Name)
			}
			m.deps.Metrics.ObserveBurn(string(m.cfg.BurnAction), err)

			d := leaseq.Disposition{
				Task:     t.Name,
				BatchID:  leaseq.BatchIDFromContext(ctx),
				Outcome:  string(leaseq.ActionBurn),
				Action:   m.cfg.BurnAction,
				Attempts: t.Attempts,
				At:       m.now(),
			}
			if err != nil {
				d.ResolveError = err.Error()
				slog.LogAttrs(ctx, slog.LevelWarn, "burn failed",
					slog.String("task", t.Name),
					slog.String("error", err.Error()),
				)
			}
			if m.deps.Recorder != nil {
				m.deps.Recorder.Record(d)
			}
		})
	}
	return keep
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
