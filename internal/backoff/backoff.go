// Package backoff produces the idle-poll wait sequence for the task manager:
// exponential growth capped at a jittered ceiling, with an explicit reset.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Defaults used when a Config field is zero.
const (
	DefaultBase   = 2.0
	DefaultFactor = 1100 * time.Millisecond
	DefaultMax    = 60 * time.Second
)

// Config holds the sequence parameters. The nth value is Factor * Base^n.
type Config struct {
	Base   float64
	Factor time.Duration
	// Max caps the sequence. Zero means unbounded growth.
	Max time.Duration
}

// Sequencer is a stateful exponential backoff. It satisfies backoff.BackOff
// from cenkalti/backoff; seeding drives backoff.Retry with it.
type Sequencer struct {
	mu     sync.Mutex
	n      int
	base   float64
	factor float64 // nanoseconds
	max    float64 // nanoseconds, 0 = no ceiling
	jitter func() float64
}

var _ backoff.BackOff = (*Sequencer)(nil)

// New creates a Sequencer. Zero Base and Factor take DefaultBase and
// DefaultFactor. A Base of 1 yields a constant Factor; smaller bases are
// raised to 1 so the sequence never shrinks.
func New(cfg Config) *Sequencer {
	switch {
	case cfg.Base == 0:
		cfg.Base = DefaultBase
	case cfg.Base < 1:
		cfg.Base = 1
	}
	if cfg.Factor <= 0 {
		cfg.Factor = DefaultFactor
	}
	if cfg.Max < 0 {
		cfg.Max = 0
	}
	return &Sequencer{
		base:   cfg.Base,
		factor: float64(cfg.Factor),
		max:    float64(cfg.Max),
		jitter: rand.Float64,
	}
}

// Next returns the next wait duration and advances the sequence. Once the
// exponential value would reach Max, it returns Max minus up to 10% jitter
// and stops advancing.
func (s *Sequencer) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.factor * math.Pow(s.base, float64(s.n))
	if s.max == 0 && v >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if s.max == 0 || v < s.max {
		s.n++
		return time.Duration(v)
	}
	return time.Duration(s.max - s.jitter()*s.max/10)
}

// Reset restarts the sequence from its first value.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	s.n = 0
	s.mu.Unlock()
}

// NextBackOff implements backoff.BackOff.
func (s *Sequencer) NextBackOff() time.Duration { return s.Next() }

// Attempt returns the current exponent.
func (s *Sequencer) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
