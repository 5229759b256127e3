package store

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// Clock issues the timestamps that order versions. Next must return a value
// strictly greater than anything previously issued or observed.
type Clock interface {
	Next() Timestamp
	Current() Timestamp
	// Observe bumps the clock if ts is ahead of it.
	Observe(ts Timestamp)
	// WatermarkBefore maps "lag ago" onto the timestamp axis: every version
	// at or below the result was issued at least lag ago.
	WatermarkBefore(lag time.Duration) Timestamp
}

// NewClock builds the clock named in configuration.
func NewClock(name string) (Clock, error) {
	switch name {
	case "", ClockHybrid:
		return NewHLC(), nil
	case ClockLogical:
		return NewCounter(), nil
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown clock %q", name)
	}
}

const hlcLogicalBits = 16
const hlcLogicalMask uint64 = (1 << hlcLogicalBits) - 1

// HLC implements a hybrid logical clock.
//
// Layout (ms logical):
//
//	high 48 bits: wall clock milliseconds since Unix epoch
//	low 16 bits : logical counter to break ties when wall time does not advance
type HLC struct {
	// last holds the last issued timestamp in the same layout (ms<<bits | logical).
	last atomic.Uint64
}

var _ Clock = (*HLC)(nil)

func nonNegativeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func clampUint64ToInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func clampUint64ToUint16(v uint64) uint16 {
	max := uint64(^uint16(0))
	if v > max {
		return uint16(max)
	}
	return uint16(v)
}

func NewHLC() *HLC {
	return &HLC{}
}

// Next returns the next hybrid logical timestamp.
func (h *HLC) Next() Timestamp {
	for {
		prev := h.last.Load()
		prevWall := clampUint64ToInt64(prev >> hlcLogicalBits)
		prevLogical := clampUint64ToUint16(prev & hlcLogicalMask)

		nowMs := time.Now().UnixMilli()
		newWall := nowMs
		newLogical := uint16(0)

		if nowMs <= prevWall {
			newWall = prevWall
			newLogical = prevLogical + 1
			if newLogical == 0 { // overflow
				newWall++
			}
		}

		next := (nonNegativeUint64(newWall) << hlcLogicalBits) | uint64(newLogical)
		if h.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Current returns the last issued or observed value without advancing it.
func (h *HLC) Current() Timestamp {
	return h.last.Load()
}

func (h *HLC) Observe(ts Timestamp) {
	for {
		prev := h.last.Load()
		if ts <= prev {
			return
		}
		if h.last.CompareAndSwap(prev, ts) {
			return
		}
	}
}

// WatermarkBefore returns Current for a non-positive lag, so every issued
// timestamp is covered even within the current millisecond.
func (h *HLC) WatermarkBefore(lag time.Duration) Timestamp {
	if lag <= 0 {
		return h.Current()
	}
	cutoff := time.Now().Add(-lag).UnixMilli()
	return nonNegativeUint64(cutoff) << hlcLogicalBits
}

const (
	counterSampleEvery = time.Second
	counterMaxSamples  = 4096
)

type clockSample struct {
	at time.Time
	ts Timestamp
}

// Counter is a plain process-local counter guarded by one mutex. The first
// issued timestamp is 2. Because its values carry no wall time, it samples
// (wall time, timestamp) pairs at most once per second to answer
// WatermarkBefore.
type Counter struct {
	mu      sync.Mutex
	ts      Timestamp
	samples []clockSample
	now     func() time.Time
}

var _ Clock = (*Counter)(nil)

func NewCounter() *Counter {
	return newCounterWithNow(time.Now)
}

func newCounterWithNow(now func() time.Time) *Counter {
	return &Counter{ts: 1, now: now}
}

func (c *Counter) Next() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	c.sampleLocked()
	return c.ts
}

func (c *Counter) Current() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

func (c *Counter) Observe(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.ts {
		c.ts = ts
		c.sampleLocked()
	}
}

func (c *Counter) sampleLocked() {
	now := c.now()
	if n := len(c.samples); n > 0 && now.Sub(c.samples[n-1].at) < counterSampleEvery {
		return
	}
	if len(c.samples) == counterMaxSamples {
		c.samples = append(c.samples[:0], c.samples[1:]...)
	}
	c.samples = append(c.samples, clockSample{at: now, ts: c.ts})
}

func (c *Counter) WatermarkBefore(lag time.Duration) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lag <= 0 {
		return c.ts
	}
	cutoff := c.now().Add(-lag)
	for i := len(c.samples) - 1; i >= 0; i-- {
		if !c.samples[i].at.After(cutoff) {
			return c.samples[i].ts
		}
	}
	return 0
}
