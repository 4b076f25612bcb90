// Monotonic millisecond clock for the scheduler.

package threadly_internal

import (
	"sync"
	"sync/atomic"
	"time"
)

// All due times in the scheduler are expressed in milliseconds since OS boot
// (see GetOsBootTime). The reference below anchors that epoch to Go's
// monotonic reading, so subsequent values are immune to wall clock steps.
//
// The clock keeps a cached value:
//   - LastKnownTime returns it as-is, it is a cheap read for non critical
//     uses, e.g. idle timestamps.
//   - AccurateTime refreshes it from the monotonic source, unless updates
//     are suspended.
//
// The suspension bracket StopForcingUpdate/ResumeForcingUpdate, with one
// UpdateClock inside, makes every AccurateTime call within the bracket
// return the same value. The delay queues rely on this when repositioning a
// recurring task: the new delay is computed in two places which must agree,
// otherwise the ordering comparison is made against a moving target.

type MonotonicClock struct {
	// The anchor: refMono was read when refMs milliseconds had elapsed since
	// OS boot:
	refMono time.Time
	refMs   int64
	// The cached value, updated atomically so that LastKnownTime is a plain
	// load:
	cachedMs atomic.Int64
	// Suspension bracket nesting count:
	suspendCount int
	mu           *sync.Mutex
}

func NewMonotonicClock() *MonotonicClock {
	clock := &MonotonicClock{
		refMono: time.Now(),
		mu:      &sync.Mutex{},
	}
	clock.refMs = clock.refMono.Sub(BootTime).Milliseconds()
	clock.cachedMs.Store(clock.refMs)
	return clock
}

// The current monotonic ms, read from the source:
func (clock *MonotonicClock) nowMs() int64 {
	return clock.refMs + time.Since(clock.refMono).Milliseconds()
}

// Cheap read of the cached value; it is as fresh as the most recent
// AccurateTime/UpdateClock call:
func (clock *MonotonicClock) LastKnownTime() int64 {
	return clock.cachedMs.Load()
}

// Refresh the cache and return it, unless updates are suspended, in which
// case the cached value is returned unchanged:
func (clock *MonotonicClock) AccurateTime() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	if clock.suspendCount > 0 {
		return clock.cachedMs.Load()
	}
	ms := clock.nowMs()
	clock.cachedMs.Store(ms)
	return ms
}

// Refresh the cache even while updates are suspended; to be called once
// inside a suspension bracket:
func (clock *MonotonicClock) UpdateClock() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	ms := clock.nowMs()
	clock.cachedMs.Store(ms)
	return ms
}

func (clock *MonotonicClock) StopForcingUpdate() {
	clock.mu.Lock()
	clock.suspendCount++
	clock.mu.Unlock()
}

func (clock *MonotonicClock) ResumeForcingUpdate() {
	clock.mu.Lock()
	if clock.suspendCount > 0 {
		clock.suspendCount--
	}
	clock.mu.Unlock()
}
