package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	leaseq "github.com/eugener/leaseq/internal"
)

type fakeDispositionSink struct {
	mu      sync.Mutex
	batches [][]leaseq.Disposition
}

func (s *fakeDispositionSink) Add(ds []leaseq.Disposition) {
	s.mu.Lock()
	s.batches = append(s.batches, ds)
	s.mu.Unlock()
}

func (s *fakeDispositionSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestDispositionRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	sink := &fakeDispositionSink{}
	rec := NewDispositionRecorder(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for i := range dispositionBatchSize {
		rec.Record(leaseq.Disposition{Task: fmt.Sprintf("t%d", i)})
	}
	waitFor(t, 2*time.Second, func() bool { return sink.total() >= dispositionBatchSize })

	cancel()
	<-done
}

func TestDispositionRecorder_FlushOnTick(t *testing.T) {
	t.Parallel()
	sink := &fakeDispositionSink{}
	rec := NewDispositionRecorder(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(leaseq.Disposition{Task: "t1"})
	rec.Record(leaseq.Disposition{Task: "t2"})
	waitFor(t, 5*time.Second, func() bool { return sink.total() >= 2 })

	cancel()
	<-done
}

func TestDispositionRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	rec := &DispositionRecorder{
		ch:   make(chan leaseq.Disposition, 2), // tiny buffer
		sink: &fakeDispositionSink{},
	}

	rec.Record(leaseq.Disposition{Task: "1"})
	rec.Record(leaseq.Disposition{Task: "2"})
	// This should be dropped silently.
	rec.Record(leaseq.Disposition{Task: "3"})

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestDispositionRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	sink := &fakeDispositionSink{}
	rec := NewDispositionRecorder(sink)

	rec.Record(leaseq.Disposition{Task: "drain-1"})
	rec.Record(leaseq.Disposition{Task: "drain-2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if sink.total() != 2 {
		t.Errorf("drained %d dispositions, want 2", sink.total())
	}
}
