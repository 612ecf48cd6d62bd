package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	leaseq "github.com/eugener/leaseq/internal"
)

// Queue operation names recorded by FakeQueue.
const (
	OpLease  = "lease"
	OpAck    = "ack"
	OpCancel = "cancel"
	OpDelete = "delete"
	OpRenew  = "renew"
	OpInsert = "insert"
	OpList   = "list"
)

// Call is one recorded FakeQueue operation.
type Call struct {
	Op   string
	Name string
	Seq  int
}

type fakeTask struct {
	task        leaseq.Task
	leasedUntil time.Time
}

// FakeQueue is an in-memory leaseq.Queue with schedule-time fencing: every
// lease, renew and cancel issues a new token, and ack, cancel and renew
// reject a stale one with leaseq.ErrStaleLease. It is safe for concurrent use.
type FakeQueue struct {
	mu    sync.Mutex
	tasks map[string]*fakeTask
	order []string
	token int
	seq   int
	calls []Call

	// Optional injected errors, returned before any state change.
	LeaseErr  error
	AckErr    error
	CancelErr error
	DeleteErr error
	RenewErr  error

	// OnCall runs (outside the lock) before every operation.
	OnCall func(op, name string)
}

var _ leaseq.Queue = (*FakeQueue)(nil)

// NewFakeQueue returns an empty FakeQueue.
func NewFakeQueue() *FakeQueue {
	return &FakeQueue{tasks: make(map[string]*fakeTask)}
}

// Add enqueues a task with the given payload and returns its name.
func (q *FakeQueue) Add(payload string) string {
	t := q.insert([]byte(payload), "")
	return t.Name
}

// SetAttempts overrides the dispatch counter of a stored task.
func (q *FakeQueue) SetAttempts(name string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ft, ok := q.tasks[name]; ok {
		ft.task.Attempts = n
	}
}

// Len returns the number of stored tasks.
func (q *FakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Has reports whether a task is still stored.
func (q *FakeQueue) Has(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[name]
	return ok
}

// Leased reports whether a stored task currently holds a lease.
func (q *FakeQueue) Leased(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ft, ok := q.tasks[name]
	return ok && time.Now().Before(ft.leasedUntil)
}

// Calls returns a copy of the recorded operations.
func (q *FakeQueue) Calls() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Call, len(q.calls))
	copy(out, q.calls)
	return out
}

// Count returns how many times op was called.
func (q *FakeQueue) Count(op string) int {
	n := 0
	for _, c := range q.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Names returns the task names passed to op, in call order.
func (q *FakeQueue) Names(op string) []string {
	var out []string
	for _, c := range q.Calls() {
		if c.Op == op {
			out = append(out, c.Name)
		}
	}
	return out
}

func (q *FakeQueue) record(op, name string) {
	if q.OnCall != nil {
		q.OnCall(op, name)
	}
	q.mu.Lock()
	q.seq++
	q.calls = append(q.calls, Call{Op: op, Name: name, Seq: q.seq})
	q.mu.Unlock()
}

// nextToken must be called with q.mu held.
func (q *FakeQueue) nextToken() string {
	q.token++
	return "st-" + strconv.Itoa(q.token)
}

// checkLease must be called with q.mu held.
func (q *FakeQueue) checkLease(t leaseq.Task) (*fakeTask, error) {
	ft, ok := q.tasks[t.Name]
	if !ok {
		return nil, fmt.Errorf("fake queue: %s: %w", t.Name, leaseq.ErrNotFound)
	}
	if ft.task.ScheduleTime != t.ScheduleTime {
		return nil, fmt.Errorf("fake queue: %s: have %s, got %s: %w",
			t.Name, ft.task.ScheduleTime, t.ScheduleTime, leaseq.ErrStaleLease)
	}
	return ft, nil
}

// Lease claims up to maxTasks unleased tasks in insertion order.
func (q *FakeQueue) Lease(_ context.Context, maxTasks int, d time.Duration) ([]leaseq.Task, error) {
	q.record(OpLease, "")
	if q.LeaseErr != nil {
		return nil, q.LeaseErr
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []leaseq.Task
	for _, name := range q.order {
		if len(out) >= maxTasks {
			break
		}
		ft, ok := q.tasks[name]
		if !ok || now.Before(ft.leasedUntil) {
			continue
		}
		ft.leasedUntil = now.Add(d)
		ft.task.ScheduleTime = q.nextToken()
		ft.task.Attempts++
		ft.task.LeaseDuration = d
		out = append(out, ft.task)
	}
	return out, nil
}

// Ack removes a task when the token matches.
func (q *FakeQueue) Ack(_ context.Context, t leaseq.Task) (leaseq.Task, error) {
	q.record(OpAck, t.Name)
	if q.AckErr != nil {
		return leaseq.Task{}, q.AckErr
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	ft, err := q.checkLease(t)
	if err != nil {
		return leaseq.Task{}, err
	}
	q.remove(t.Name)
	return ft.task, nil
}

// Cancel releases the lease when the token matches.
func (q *FakeQueue) Cancel(_ context.Context, t leaseq.Task) (leaseq.Task, error) {
	q.record(OpCancel, t.Name)
	if q.CancelErr != nil {
		return leaseq.Task{}, q.CancelErr
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	ft, err := q.checkLease(t)
	if err != nil {
		return leaseq.Task{}, err
	}
	ft.leasedUntil = time.Time{}
	ft.task.ScheduleTime = q.nextToken()
	return ft.task, nil
}

// Delete removes a task regardless of its lease.
func (q *FakeQueue) Delete(_ context.Context, name string) error {
	q.record(OpDelete, name)
	if q.DeleteErr != nil {
		return q.DeleteErr
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[name]; !ok {
		return fmt.Errorf("fake queue: %s: %w", name, leaseq.ErrNotFound)
	}
	q.remove(name)
	return nil
}

// Renew extends the lease and issues a new token when the token matches.
func (q *FakeQueue) Renew(_ context.Context, t leaseq.Task, d time.Duration) (leaseq.Task, error) {
	q.record(OpRenew, t.Name)
	if q.RenewErr != nil {
		return leaseq.Task{}, q.RenewErr
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	ft, err := q.checkLease(t)
	if err != nil {
		return leaseq.Task{}, err
	}
	ft.leasedUntil = time.Now().Add(d)
	ft.task.ScheduleTime = q.nextToken()
	return ft.task, nil
}

// Insert stores a new task.
func (q *FakeQueue) Insert(_ context.Context, payload []byte, tag string) (leaseq.Task, error) {
	t := q.insert(payload, tag)
	q.record(OpInsert, t.Name)
	return t, nil
}

func (q *FakeQueue) insert(payload []byte, tag string) leaseq.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	name := "projects/test/locations/local/queues/fake/tasks/" + strconv.Itoa(len(q.order)+1)
	t := leaseq.Task{
		Name:       name,
		Payload:    append([]byte(nil), payload...),
		Tag:        tag,
		CreateTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
	q.tasks[name] = &fakeTask{task: t}
	q.order = append(q.order, name)
	return t
}

// List pages through stored tasks in insertion order. Page tokens are
// opaque offsets.
func (q *FakeQueue) List(_ context.Context, pageSize int, pageToken string) (leaseq.TaskPage, error) {
	q.record(OpList, "")

	q.mu.Lock()
	defer q.mu.Unlock()
	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return leaseq.TaskPage{}, fmt.Errorf("fake queue: bad page token %q", pageToken)
		}
		start = n
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	var live []string
	for _, name := range q.order {
		if _, ok := q.tasks[name]; ok {
			live = append(live, name)
		}
	}

	var page leaseq.TaskPage
	for i := start; i < len(live) && len(page.Tasks) < pageSize; i++ {
		page.Tasks = append(page.Tasks, q.tasks[live[i]].task)
	}
	if next := start + len(page.Tasks); next < len(live) {
		page.NextPageToken = strconv.Itoa(next)
	}
	return page, nil
}

// remove must be called with q.mu held.
func (q *FakeQueue) remove(name string) {
	delete(q.tasks, name)
}
