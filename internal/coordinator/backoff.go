package coordinator

import (
	"sync"
	"time"
)

// backoff tracks the refresh interval. Transient vendor trouble doubles the
// interval up to max; one fully applied cycle resets it to nominal.
type backoff struct {
	mu      sync.Mutex
	nominal time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(nominal, max time.Duration) *backoff {
	if nominal <= 0 {
		nominal = time.Minute
	}
	if max < nominal {
		max = nominal
	}
	return &backoff{nominal: nominal, max: max, current: nominal}
}

func (b *backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *backoff) Increase() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	refreshInterval.Set(b.current.Seconds())
	return b.current
}

func (b *backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.nominal
	refreshInterval.Set(b.current.Seconds())
}
