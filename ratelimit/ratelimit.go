// Package ratelimit throttles how often the worker issues deliveries.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hsdfat/go-klog/klogerr"
)

// Bounds on the configuration accepted by New.
const (
	// MaxSlots caps the default number of scheduling slots per second.
	MaxSlots = 100
	// MaxPerSecond bounds the rate; the limiter remembers one timestamp per
	// permit of the last second.
	MaxPerSecond = 1 << 20
)

// Limiter allows at most perSecond operations in any one-second window.
// Permits are spread over slots sub-second intervals: a slot releases at
// most ceil(perSecond/slots) permits, so a burst never consumes a whole
// second's allowance at once.
type Limiter struct {
	limiter *rate.Limiter
	perSec  int
	slots   int

	mu     sync.Mutex
	recent []time.Time // completion times of the last perSec permits
	next   int
}

// New creates a Limiter allowing perSecond operations per second over the
// given number of slots. A slots value of 0 selects min(perSecond,
// MaxSlots). Both values must be positive integers.
func New(perSecond, slots float64) (*Limiter, error) {
	if perSecond <= 0 || perSecond != math.Trunc(perSecond) || perSecond > MaxPerSecond {
		return nil, klogerr.Configf("rate limit must be a positive integer up to %d, got %v", MaxPerSecond, perSecond)
	}
	if slots == 0 {
		slots = math.Min(perSecond, MaxSlots)
	}
	if slots < 0 || slots != math.Trunc(slots) || math.IsInf(slots, 0) {
		return nil, klogerr.Configf("rate limit slots must be a positive integer, got %v", slots)
	}

	burst := int(math.Ceil(perSecond / slots))
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	// Start empty so the first second is not topped up by a full bucket.
	limiter.AllowN(time.Now(), burst)

	return &Limiter{
		limiter: limiter,
		perSec:  int(perSecond),
		slots:   int(slots),
		recent:  make([]time.Time, int(perSecond)),
	}, nil
}

// Wait blocks until the next operation is permitted or ctx is done.
//
// The token bucket paces permits. After an idle period it holds a full
// burst on top of the steady refill, so a sliding window over the last
// perSec completions caps every one-second window at perSec.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if oldest := l.recent[l.next]; !oldest.IsZero() {
		if d := time.Until(oldest.Add(time.Second)); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	l.recent[l.next] = time.Now()
	l.next = (l.next + 1) % len(l.recent)
	return nil
}

// Limit returns the configured operations per second.
func (l *Limiter) Limit() int {
	return l.perSec
}

// Slots returns the number of scheduling slots per second.
func (l *Limiter) Slots() int {
	return l.slots
}
