// Package pool bounds the number of concurrently live connection workers.
//
// The slot counter is the only state shared between workers. It is adjusted
// with atomic compare-and-swap, never under a lock, so unrelated connections
// never serialize on it.
package pool

import (
	"fmt"
	"sync/atomic"
)

// Pool is a fixed-capacity slot counter.
type Pool struct {
	capacity int64
	inUse    atomic.Int64
	peak     atomic.Int64
}

// New creates a pool with the given capacity.
func New(capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", capacity)
	}
	return &Pool{capacity: int64(capacity)}, nil
}

// TryAcquire takes a slot if one is free. It never blocks.
func (p *Pool) TryAcquire() bool {
	for {
		current := p.inUse.Load()
		if current >= p.capacity {
			return false
		}
		if p.inUse.CompareAndSwap(current, current+1) {
			p.recordPeak(current + 1)
			return true
		}
	}
}

// Release returns a slot. Releasing more slots than were acquired is a
// programming error and panics rather than driving the counter negative.
func (p *Pool) Release() {
	for {
		current := p.inUse.Load()
		if current <= 0 {
			panic("pool: release without matching acquire")
		}
		if p.inUse.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// InUse returns the number of held slots.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Capacity returns the configured capacity.
func (p *Pool) Capacity() int {
	return int(p.capacity)
}

// Peak returns the highest number of slots held at once.
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}

func (p *Pool) recordPeak(n int64) {
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}
