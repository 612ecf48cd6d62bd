package taskqueue

import (
	"context"
	"sync"
	"time"

	leaseq "github.com/eugener/leaseq/internal"
	"github.com/eugener/leaseq/internal/ratelimit"
)

// SerializedQueue funnels every call through one mutex so that at most one
// request to the underlying queue is in flight. With a limiter, each call
// first waits for a token (outside the lock).
type SerializedQueue struct {
	mu      sync.Mutex
	q       leaseq.Queue
	limiter *ratelimit.Limiter
}

var _ leaseq.Queue = (*SerializedQueue)(nil)

// Serialized wraps q. limiter may be nil.
func Serialized(q leaseq.Queue, limiter *ratelimit.Limiter) *SerializedQueue {
	return &SerializedQueue{q: q, limiter: limiter}
}

func (s *SerializedQueue) acquire(ctx context.Context) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	return nil
}

func (s *SerializedQueue) Lease(ctx context.Context, maxTasks int, d time.Duration) ([]leaseq.Task, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.q.Lease(ctx, maxTasks, d)
}

func (s *SerializedQueue) Ack(ctx context.Context, t leaseq.Task) (leaseq.Task, error) {
	if err := s.acquire(ctx); err != nil {
		return leaseq.Task{}, err
	}
	defer s.mu.Unlock()
	return s.q.Ack(ctx, t)
}

func (s *SerializedQueue) Cancel(ctx context.Context, t leaseq.Task) (leaseq.Task, error) {
	if err := s.acquire(ctx); err != nil {
		return leaseq.Task{}, err
	}
	defer s.mu.Unlock()
	return s.q.Cancel(ctx, t)
}

func (s *SerializedQueue) Delete(ctx context.Context, name string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.q.Delete(ctx, name)
}

func (s *SerializedQueue) Renew(ctx context.Context, t leaseq.Task, d time.Duration) (leaseq.Task, error) {
	if err := s.acquire(ctx); err != nil {
		return leaseq.Task{}, err
	}
	defer s.mu.Unlock()
	return s.q.Renew(ctx, t, d)
}

func (s *SerializedQueue) Insert(ctx context.Context, payload []byte, tag string) (leaseq.Task, error) {
	if err := s.acquire(ctx); err != nil {
		return leaseq.Task{}, err
	}
	defer s.mu.Unlock()
	return s.q.Insert(ctx, payload, tag)
}

func (s *SerializedQueue) List(ctx context.Context, pageSize int, pageToken string) (leaseq.TaskPage, error) {
	if err := s.acquire(ctx); err != nil {
		return leaseq.TaskPage{}, err
	}
	defer s.mu.Unlock()
	return s.q.List(ctx, pageSize, pageToken)
}
