// Package leaseq defines domain types and interfaces for the leaseq pull-queue
// consumer. This package has no project imports -- it is the dependency root.
package leaseq

import (
	"context"
	"errors"
	"time"
)

// --- Queue ---

// Task is a single leased (or listed) item of a remote pull queue.
type Task struct {
	// Name is the full resource name and the task's identity.
	Name string
	// Payload holds the raw message bytes (already base64-decoded).
	Payload []byte
	Tag     string
	// ScheduleTime is the opaque fencing token returned by every successful
	// lease, renew, ack and cancel call. The next such call must carry it.
	ScheduleTime string
	CreateTime   string
	// Attempts is the queue's dispatch attempt counter.
	Attempts      int
	LeaseDuration time.Duration
}

// WithScheduleTime returns a copy of t carrying the given fencing token.
func (t Task) WithScheduleTime(st string) Task {
	t.ScheduleTime = st
	return t
}

// TaskPage is one page of a List call.
type TaskPage struct {
	Tasks         []Task
	NextPageToken string
}

// Renewer extends the lease of a single task.
type Renewer interface {
	Renew(ctx context.Context, t Task, d time.Duration) (Task, error)
}

// Queue is the transport-level contract of a remote pull queue.
type Queue interface {
	Renewer
	// Lease claims up to maxTasks tasks for d. An empty result means no work.
	Lease(ctx context.Context, maxTasks int, d time.Duration) ([]Task, error)
	// Ack acknowledges a completed task. Fails when t.ScheduleTime is stale.
	Ack(ctx context.Context, t Task) (Task, error)
	// Cancel releases the lease early so the task can be re-leased.
	Cancel(ctx context.Context, t Task) (Task, error)
	// Delete removes the task permanently.
	Delete(ctx context.Context, name string) error
	Insert(ctx context.Context, payload []byte, tag string) (Task, error)
	List(ctx context.Context, pageSize int, pageToken string) (TaskPage, error)
}

// --- Worker ---

// Worker processes a batch of decoded payloads and returns one error per
// payload, index-aligned with the input. A nil element is a success, an
// element wrapping *FailFastError must not be retried, and any other error is
// retryable. A non-nil second return value means the invocation itself
// failed and no per-item outcome is available.
type Worker func(ctx context.Context, payloads []any) ([]error, error)

// Decoder turns raw task payload bytes into the value handed to a Worker.
type Decoder func(payload []byte) (any, error)

// --- Deadletter ---

// DeadletterSink stores permanently failed payloads for offline inspection.
type DeadletterSink interface {
	Insert(ctx context.Context, name string, properties map[string]any) error
}

// --- Outcome ---

// Outcome classifies a single worker result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeFailFast
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailFast:
		return "fail_fast"
	default:
		return "unknown"
	}
}

// Classify maps a per-item worker error to its Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var ff *FailFastError
	if errors.As(err, &ff) {
		return OutcomeFailFast
	}
	return OutcomeRetry
}

// --- Disposition ---

// Action is the queue call used to resolve a task.
type Action string

const (
	ActionAck     Action = "ack"
	ActionCancel  Action = "cancel"
	ActionDelete  Action = "delete"
	ActionBurn    Action = "burn"
	ActionRelease Action = "release"
)

// Disposition records how a task was resolved.
type Disposition struct {
	Task         string    `json:"task"`
	BatchID      string    `json:"batch_id"`
	Outcome      string    `json:"outcome"`
	Action       Action    `json:"action"`
	Attempts     int       `json:"attempts"`
	Deadlettered bool      `json:"deadlettered"`
	Error        string    `json:"error,omitempty"`
	ResolveError string    `json:"resolve_error,omitempty"`
	At           time.Time `json:"at"`
}

// DispositionRecorder observes task resolutions.
type DispositionRecorder interface {
	Record(d Disposition)
}

// --- Context helpers ---

type ctxKey int

const (
	batchIDKey ctxKey = iota
	requestIDKey
)

// ContextWithBatchID stores the lease batch ID in ctx.
func ContextWithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey, id)
}

// BatchIDFromContext extracts the lease batch ID from ctx.
func BatchIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(batchIDKey).(string)
	return id
}

// ContextWithRequestID stores an admin HTTP request ID in ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the admin HTTP request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
