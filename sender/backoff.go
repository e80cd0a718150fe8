package sender

import "time"

// Default adaptive backoff bounds.
const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 60 * time.Second
)

// Backoff yields the pause before retry number attempt (0 for the first
// retry).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval before every retry.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(int) time.Duration {
	return f.Interval
}

// Exponential starts at Base and doubles on every retry up to Cap.
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	d := e.Base
	for i := 0; i < attempt && d < e.Cap; i++ {
		d *= 2
	}
	if d > e.Cap {
		d = e.Cap
	}
	return d
}

// NewBackoff selects Fixed for a positive retry interval and the default
// Exponential policy otherwise.
func NewBackoff(retryInterval time.Duration) Backoff {
	if retryInterval > 0 {
		return Fixed{Interval: retryInterval}
	}
	return Exponential{Base: InitialBackoff, Cap: MaxBackoff}
}
