package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is stored as 1e9 units so a refill rate of N tokens/sec adds N
// units per elapsed nanosecond without floating point.
const unitsPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket limits inbound messages on a single connection. It starts full.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // units
	rate     int64 // tokens/sec == units/ns
	units    int64
	last     time.Time
}

// NewTokenBucket returns a bucket holding up to capacity tokens that refills at
// ratePerSecond. A nil clock uses RealClock.
func NewTokenBucket(clock Clock, capacity, ratePerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}
	capUnits := toUnits(capacity)
	return &TokenBucket{
		clock:    clock,
		capacity: capUnits,
		rate:     ratePerSecond,
		units:    capUnits,
		last:     clock.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toUnits(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.units < cost {
		return false
	}
	b.units -= cost
	return true
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that steps backwards only moves the reference point.
	if elapsed <= 0 || b.rate == 0 || b.units >= b.capacity {
		if b.units > b.capacity {
			b.units = b.capacity
		}
		return
	}

	missing := b.capacity - b.units
	if int64(elapsed) >= missing/b.rate {
		b.units = b.capacity
		return
	}
	b.units += int64(elapsed) * b.rate
	if b.units > b.capacity {
		b.units = b.capacity
	}
}

func toUnits(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/unitsPerToken {
		return maxInt64
	}
	return tokens * unitsPerToken
}
