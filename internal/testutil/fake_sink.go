// Package testutil provides configurable test fakes for leaseq interfaces.
package testutil

import (
	"context"
	"sync"

	leaseq "github.com/eugener/leaseq/internal"
)

// DeadletterEntry is one recorded FakeSink insert.
type DeadletterEntry struct {
	Name       string
	Properties map[string]any
}

// FakeSink is an in-memory leaseq.DeadletterSink for testing.
type FakeSink struct {
	mu      sync.Mutex
	entries []DeadletterEntry
	Err     error

	// OnInsert runs before every insert.
	OnInsert func(name string)
}

var _ leaseq.DeadletterSink = (*FakeSink)(nil)

// Insert records the entry, or returns Err when set.
func (s *FakeSink) Insert(_ context.Context, name string, properties map[string]any) error {
	if s.OnInsert != nil {
		s.OnInsert(name)
	}
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.entries = append(s.entries, DeadletterEntry{Name: name, Properties: properties})
	s.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded inserts.
func (s *FakeSink) Entries() []DeadletterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadletterEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// FakeRecorder collects dispositions.
type FakeRecorder struct {
	mu  sync.Mutex
	all []leaseq.Disposition
}

// Record stores d.
func (r *FakeRecorder) Record(d leaseq.Disposition) {
	r.mu.Lock()
	r.all = append(r.all, d)
	r.mu.Unlock()
}

// All returns a copy of the recorded dispositions.
func (r *FakeRecorder) All() []leaseq.Disposition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]leaseq.Disposition, len(r.all))
	copy(out, r.all)
	return out
}
