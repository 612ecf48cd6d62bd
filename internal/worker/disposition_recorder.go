package worker

import (
	"context"
	"log/slog"
	"time"

	leaseq "github.com/eugener/leaseq/internal"
)

const (
	dispositionChanSize   = 1000
	dispositionBatchSize  = 100
	dispositionFlushEvery = time.Second
)

// DispositionSink consumes batches of dispositions (e.g. the history cache).
type DispositionSink interface {
	Add(ds []leaseq.Disposition)
}

// DispositionRecorder buffers dispositions off the manager's hot path and
// batch-flushes them to a sink. Dispositions are dropped if the channel is
// full.
type DispositionRecorder struct {
	ch   chan leaseq.Disposition
	sink DispositionSink
}

var _ leaseq.DispositionRecorder = (*DispositionRecorder)(nil)

// NewDispositionRecorder creates a DispositionRecorder backed by sink.
func NewDispositionRecorder(sink DispositionSink) *DispositionRecorder {
	return &DispositionRecorder{
		ch:   make(chan leaseq.Disposition, dispositionChanSize),
		sink: sink,
	}
}

// Name returns the worker identifier.
func (r *DispositionRecorder) Name() string { return "disposition_recorder" }

// Record enqueues d. It never blocks; drops on full channel.
func (r *DispositionRecorder) Record(d leaseq.Disposition) {
	select {
	case r.ch <- d:
	default:
		slog.Warn("disposition dropped, channel full", "task", d.Task)
	}
}

// Run processes dispositions until ctx is cancelled, then drains the rest.
func (r *DispositionRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(dispositionFlushEvery)
	defer ticker.Stop()

	buf := make([]leaseq.Disposition, 0, dispositionBatchSize)

	for {
		select {
		case d := <-r.ch:
			buf = append(buf, d)
			if len(buf) >= dispositionBatchSize {
				r.flush(buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *DispositionRecorder) drain(buf []leaseq.Disposition) {
	for {
		select {
		case d := <-r.ch:
			buf = append(buf, d)
			if len(buf) >= dispositionBatchSize {
				r.flush(buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				r.flush(buf)
			}
			return
		}
	}
}

func (r *DispositionRecorder) flush(buf []leaseq.Disposition) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]leaseq.Disposition, len(buf))
	copy(batch, buf)
	r.sink.Add(batch)
}
