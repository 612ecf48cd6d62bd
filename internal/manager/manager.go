// Package manager implements the lease-based pull-queue task manager: it
// leases batches from a queue, keeps their leases alive while a worker runs,
// and resolves every task according to the worker's outcome.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	leaseq "github.com/eugener/leaseq/internal"
	"github.com/eugener/leaseq/internal/backoff"
	"github.com/eugener/leaseq/internal/lease"
	"github.com/eugener/leaseq/internal/telemetry"
)

const (
	defaultLeaseDuration = 60 * time.Second
	// resolveTimeout bounds each ack, cancel, delete and burn call.
	resolveTimeout = 30 * time.Second
)

// Config holds the manager's policy knobs.
type Config struct {
	// BatchSize is the maximum number of tasks leased per poll (min 1).
	BatchSize     int
	LeaseDuration time.Duration
	// RetryLimit caps retries of retryable failures. Nil means unlimited.
	RetryLimit *int
	// BurnMode discards leased tasks beyond BurnCapacity.
	BurnMode     bool
	BurnCapacity int
	// BurnAction is ActionDelete (default) or ActionRelease.
	BurnAction leaseq.Action
	// FailFastAction is ActionCancel (default) or ActionDelete.
	FailFastAction leaseq.Action
	// ResolveConcurrency > 1 resolves a batch with bounded parallelism.
	ResolveConcurrency int
	// RenewTimeout bounds a single lease renewal call.
	RenewTimeout time.Duration
	Backoff      backoff.Config
}

// Deps holds the manager's collaborators.
type Deps struct {
	Queue  leaseq.Queue
	Worker leaseq.Worker
	// Deadletter receives permanently failed payloads. Nil disables it.
	Deadletter leaseq.DeadletterSink
	// DeadletterNameField is a gjson path into JSON payloads used as the
	// deadletter record name. Empty or missing falls back to the task name.
	DeadletterNameField string
	Decoder             leaseq.Decoder             // nil = JSON
	Recorder            leaseq.DispositionRecorder // nil = no recording
	Metrics             *telemetry.Metrics         // nil = no metrics
}

type startFunc func(ctx context.Context, r leaseq.Renewer, t leaseq.Task, opts lease.Options) (*lease.Handle, error)

// Manager is the orchestration loop. Run it once; it is not reusable after
// Run returns.
type Manager struct {
	cfg     Config
	deps    Deps
	backoff *backoff.Sequencer
	tracer  trace.Tracer

	stop     chan struct{}
	stopOnce sync.Once
	burns    sync.WaitGroup
	running  atomic.Bool

	startRenewal startFunc
	now          func() time.Time
}

// New validates cfg and deps and returns a Manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Queue == nil {
		return nil, errors.New("manager: queue is required")
	}
	if deps.Worker == nil {
		return nil, errors.New("manager: worker is required")
	}
	if cfg.RetryLimit != nil && *cfg.RetryLimit < 0 {
		return nil, fmt.Errorf("manager: negative retry limit %d", *cfg.RetryLimit)
	}

	cfg.BatchSize = max(cfg.BatchSize, 1)
	cfg.BurnCapacity = max(cfg.BurnCapacity, 1)
	cfg.ResolveConcurrency = max(cfg.ResolveConcurrency, 1)
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	switch cfg.BurnAction {
	case "":
		cfg.BurnAction = leaseq.ActionDelete
	case leaseq.ActionDelete, leaseq.ActionRelease:
	default:
		return nil, fmt.Errorf("manager: unknown burn action %q", cfg.BurnAction)
	}
	switch cfg.FailFastAction {
	case "":
		cfg.FailFastAction = leaseq.ActionCancel
	case leaseq.ActionCancel, leaseq.ActionDelete:
	default:
		return nil, fmt.Errorf("manager: unknown fail-fast action %q", cfg.FailFastAction)
	}
	if deps.Decoder == nil {
		deps.Decoder = DecodeJSON
	}

	return &Manager{
		cfg:          cfg,
		deps:         deps,
		backoff:      backoff.New(cfg.Backoff),
		tracer:       telemetry.Tracer("github.com/eugener/leaseq/internal/manager"),
		stop:         make(chan struct{}),
		startRenewal: lease.Start,
		now:          time.Now,
	}, nil
}

// Name returns the worker identifier.
func (m *Manager) Name() string { return "task_manager" }

// Stop asks Run to return before its next lease. A batch already in flight
// completes normally. Cancelling the Run context is the hard stop: it also
// reaches the worker and the renewal units.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Ready reports ErrStopped unless Run is polling and no stop was requested.
func (m *Manager) Ready(context.Context) error {
	if !m.running.Load() {
		return fmt.Errorf("manager: loop not running: %w", leaseq.ErrStopped)
	}
	select {
	case <-m.stop:
		return fmt.Errorf("manager: stopping: %w", leaseq.ErrStopped)
	default:
		return nil
	}
}

func (m *Manager) stopping(ctx context.Context) bool {
	select {
	case <-m.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run polls for work until Stop is called, ctx is cancelled, or a batch
// fails fatally (worker invocation failure or setup fault). Ordinary task
// failures never end the loop.
func (m *Manager) Run(ctx context.Context) error {
	defer m.burns.Wait()
	m.running.Store(true)
	defer m.running.Store(false)

	slog.Info("task manager started",
		"batch_size", m.cfg.BatchSize,
		"lease", m.cfg.LeaseDuration,
		"burn_mode", m.cfg.BurnMode,
	)
	for {
		if m.stopping(ctx) {
			slog.Info("task manager stopped")
			return nil
		}

		n, err := m.ProcessBatch(ctx)
		if err != nil {
			kind := "worker"
			if errors.Is(err, leaseq.ErrSetup) {
				kind = "setup"
			}
			m.deps.Metrics.ObserveFatal(kind)
			slog.LogAttrs(ctx, slog.LevelError, "task manager stopped on fatal error",
				slog.Bool("fatal", true),
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
			return err
		}
		if n > 0 {
			m.deps.Metrics.SetIdleBackoff(0)
			continue
		}

		wait := m.backoff.Next()
		m.deps.Metrics.SetIdleBackoff(wait)
		if !m.sleep(ctx, wait) {
			slog.Info("task manager stopped")
			return nil
		}
	}
}

// sleep waits for d and reports false if interrupted by a stop request.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// ProcessBatch runs one lease/dispatch/resolve cycle and returns the number
// of tasks leased. Lease transport errors count as an empty poll. The
// returned error is always fatal: it wraps leaseq.ErrSetup or
// leaseq.ErrWorker, and in both cases no task of the batch was resolved.
func (m *Manager) ProcessBatch(ctx context.Context) (int, error) {
	tasks, err := m.deps.Queue.Lease(ctx, m.cfg.BatchSize, m.cfg.LeaseDuration)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		m.deps.Metrics.ObservePoll(-1)
		slog.LogAttrs(ctx, slog.LevelWarn, "lease failed, treating as empty poll",
			slog.String("error", err.Error()),
		)
		return 0, nil
	}
	m.deps.Metrics.ObservePoll(len(tasks))
	if len(tasks) == 0 {
		return 0, nil
	}
	m.backoff.Reset()
	leased := len(tasks)

	batchID := uuid.Must(uuid.NewV7()).String()
	ctx = leaseq.ContextWithBatchID(ctx, batchID)
	ctx, span := m.tracer.Start(ctx, "leaseq.batch", trace.WithAttributes(
		attribute.String("leaseq.batch_id", batchID),
		attribute.Int("leaseq.leased", leased),
	))
	defer span.End()

	slog.LogAttrs(ctx, slog.LevelInfo, "leased tasks",
		slog.Int("count", leased),
		slog.String("batch_id", batchID),
	)

	tasks = m.burn(ctx, tasks)

	handles, err := m.startRenewals(ctx, tasks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failure")
		return leased, err
	}

	results, err := m.dispatch(ctx, handles)

	// Barrier: no resolution call may race a renewal.
	lease.StopAll(handles)
	m.deps.Metrics.AddActiveLeases(-len(handles))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker failure")
		return leased, err
	}

	m.resolve(ctx, handles, results)
	return leased, nil
}

func (m *Manager) startRenewals(ctx context.Context, tasks []leaseq.Task) ([]*lease.Handle, error) {
	opts := lease.Options{
		Duration:     m.cfg.LeaseDuration,
		RenewTimeout: m.cfg.RenewTimeout,
		OnRenew: func(_ string, err error) {
			m.deps.Metrics.ObserveRenewal(err)
		},
	}

	handles := make([]*lease.Handle, 0, len(tasks))
	for _, t := range tasks {
		h, err := m.startRenewal(ctx, m.deps.Queue, t, opts)
		if err != nil {
			lease.StopAll(handles)
			m.deps.Metrics.AddActiveLeases(-len(handles))
			if !errors.Is(err, leaseq.ErrSetup) {
				err = fmt.Errorf("%w: %w", leaseq.ErrSetup, err)
			}
			return nil, fmt.Errorf("manager: start renewal for %s: %w", t.Name, err)
		}
		m.deps.Metrics.AddActiveLeases(1)
		handles = append(handles, h)
	}
	return handles, nil
}

// dispatch decodes every payload and invokes the worker once. Payloads that
// fail to decode get a fail-fast result and are not passed to the worker.
func (m *Manager) dispatch(ctx context.Context, handles []*lease.Handle) ([]error, error) {
	results := make([]error, len(handles))
	payloads := make([]any, 0, len(handles))
	index := make([]int, 0, len(handles))

	for i, h := range handles {
		v, err := m.deps.Decoder(h.Task().Payload)
		if err != nil {
			results[i] = leaseq.FailFast(fmt.Errorf("decode payload: %w: %w", leaseq.ErrInvalidPayload, err))
			continue
		}
		payloads = append(payloads, v)
		index = append(index, i)
	}
	if len(payloads) == 0 {
		return results, nil
	}

	out, err := m.invoke(ctx, payloads)
	if err != nil {
		return nil, err
	}
	for j, r := range out {
		results[index[j]] = r
	}
	return results, nil
}

// invoke calls the worker, converting panics and malformed result slices
// into leaseq.ErrWorker.
func (m *Manager) invoke(ctx context.Context, payloads []any) (out []error, err error) {
	ctx, span := m.tracer.Start(ctx, "leaseq.worker", trace.WithAttributes(
		attribute.Int("leaseq.payloads", len(payloads)),
	))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: panic: %v", leaseq.ErrWorker, r)
		}
		m.deps.Metrics.ObserveWorker(time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "worker failure")
		}
		span.End()
	}()

	out, err = m.deps.Worker(ctx, payloads)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", leaseq.ErrWorker, err)
	}
	if len(out) != len(payloads) {
		return nil, fmt.Errorf("%w: %d results for %d payloads", leaseq.ErrWorker, len(out), len(payloads))
	}
	return out, nil
}

// DecodeJSON is the default payload decoder: it validates the payload as
// JSON and passes it on as json.RawMessage.
func DecodeJSON(payload []byte) (any, error) {
	if !json.Valid(payload) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(payload), nil
}

// DecodeRaw passes payload bytes through unchanged.
func DecodeRaw(payload []byte) (any, error) {
	return payload, nil
}
