// Package sampler implements deterministic down-sampling of pushed logs.
package sampler

import (
	"sync"

	"github.com/hsdfat/go-klog/klogerr"
)

// Sampler admits a fixed fraction of calls. Admission depends only on the
// rate and the number of previous calls, so for a given rate and call count
// the number of admitted calls is always the same.
type Sampler struct {
	mu     sync.Mutex
	rate   float64
	calls  uint64
	passed uint64
}

// New returns a Sampler admitting the given fraction of calls. The rate
// must be in (0, 1].
func New(rate float64) (*Sampler, error) {
	if !(rate > 0 && rate <= 1) {
		return nil, klogerr.Configf("down sample rate must be in (0, 1], got %v", rate)
	}
	return &Sampler{rate: rate}, nil
}

// Allow reports whether the current call is admitted. Safe for concurrent
// use.
func (s *Sampler) Allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := float64(s.passed) <= float64(s.calls)*s.rate
	s.calls++
	if ok {
		s.passed++
	}
	return ok
}

// Rate returns the configured rate.
func (s *Sampler) Rate() float64 {
	return s.rate
}
