// Package history keeps the most recent disposition of each task in a
// bounded in-memory cache for the admin API.
package history

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/maypok86/otter/v2"

	leaseq "github.com/eugener/leaseq/internal"
)

// History is an in-memory W-TinyLFU cache of dispositions keyed by task name,
// backed by otter. Entries expire ttl after they were written.
type History struct {
	cache *otter.Cache[string, leaseq.Disposition]
}

// New creates a History with the given max entry count and TTL.
func New(maxSize int, ttl time.Duration) (*History, error) {
	c, err := otter.New[string, leaseq.Disposition](&otter.Options[string, leaseq.Disposition]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, leaseq.Disposition](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("history: create cache: %w", err)
	}
	return &History{cache: c}, nil
}

// Add stores ds, replacing any earlier disposition of the same task.
func (h *History) Add(ds []leaseq.Disposition) {
	for _, d := range ds {
		h.cache.Set(d.Task, d)
	}
}

// Get returns the latest disposition recorded for the named task.
func (h *History) Get(task string) (leaseq.Disposition, bool) {
	return h.cache.GetIfPresent(task)
}

// Recent returns up to limit dispositions, newest first. A non-positive
// limit returns all of them.
func (h *History) Recent(limit int) []leaseq.Disposition {
	var out []leaseq.Disposition
	for _, d := range h.cache.All() {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b leaseq.Disposition) int {
		return cmp.Or(b.At.Compare(a.At), cmp.Compare(a.Task, b.Task))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the approximate number of entries.
func (h *History) Len() int {
	return h.cache.EstimatedSize()
}

// Purge removes all entries.
func (h *History) Purge() {
	h.cache.InvalidateAll()
}
