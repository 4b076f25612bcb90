// Priority-segmented delay queue.

package threadly_internal

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// Each priority has its own delay queue: an ordered doubly linked sequence
// of task wrappers, ascending by current delay, head being the earliest due
// task. A linked sequence rather than a heap because:
//   - equal due times keep their insertion order (stable FIFO within a
//     priority)
//   - a recurring task is repositioned in place after each run, without
//     leaving the queue
//
// The queue lock also covers the take-and-mark step: when the dispatcher
// takes a recurring task, the task is marked executing and re-appended at
// the tail (delay reported as forever) in the same critical section. There
// is no window in which the task is neither in the queue nor marked, which
// is what keeps removal by action working for recurring tasks.

type delayQueue struct {
	priority Priority
	clock    *MonotonicClock

	head, tail *taskWrapper
	length     int

	// Closed once the queue is drained at shutdown; add and reposition
	// become no-ops from then on:
	closed bool

	mu *sync.Mutex
	// Nudges a parked take() when the head changes; buffered so senders
	// never block:
	wakeupCh chan struct{}
}

func newDelayQueue(priority Priority, clock *MonotonicClock) *delayQueue {
	return &delayQueue{
		priority: priority,
		clock:    clock,
		mu:       &sync.Mutex{},
		wakeupCh: make(chan struct{}, 1),
	}
}

func (q *delayQueue) nudge() {
	select {
	case q.wakeupCh <- struct{}{}:
	default:
	}
}

// Insert w before the first entry with a strictly greater delay, i.e. after
// all entries due at the same time. Lock held by the caller.
func (q *delayQueue) insertSortedLocked(w *taskWrapper) {
	nowMs := q.clock.AccurateTime()
	wDelayMs := w.delayMs(nowMs)
	var after *taskWrapper
	for cur := q.head; cur != nil && cur.delayMs(nowMs) <= wDelayMs; cur = cur.next {
		after = cur
	}
	q.insertAfterLocked(w, after)
}

// Insert w after the given entry, nil standing for the head position. Lock
// held by the caller. Adapted doubly linked list bookkeeping, shared with
// the worker pool's idle deque.
func (q *delayQueue) insertAfterLocked(w, after *taskWrapper) {
	w.prev = after
	if after != nil {
		w.next = after.next
		after.next = w
	} else {
		w.next = q.head
		q.head = w
	}
	if w.next != nil {
		w.next.prev = w
	} else {
		q.tail = w
	}
	q.length++
}

func (q *delayQueue) unlinkLocked(w *taskWrapper) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.prev = nil
	w.next = nil
	q.length--
}

// add inserts at the position implied by the task's current delay. Returns
// false once the queue was closed for shutdown.
func (q *delayQueue) add(w *taskWrapper) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.insertSortedLocked(w)
	if q.head == w {
		q.nudge()
	}
	return true
}

// addLast appends unconditionally; the caller guarantees the task is not
// eligible yet (recurring task marked executing, delay reported forever).
func (q *delayQueue) addLast(w *taskWrapper) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.insertAfterLocked(w, q.tail)
	return true
}

// reposition commits a recurring task's new due time and re-sorts it in
// place: unlink, clear executing (so that the true delay becomes readable),
// set the new due time, reinsert. All under the one lock, and with the
// clock expected to be held frozen by the caller, so every delay read
// during the re-sort agrees on "now".
func (q *delayQueue) reposition(w *taskWrapper, newRunTimeMs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || w.canceled.Load() {
		// Left wherever it is, still marked executing, so take() never
		// returns it again; Remove or the shutdown drain unlinks it.
		return
	}
	q.unlinkLocked(w)
	w.executing.Store(false)
	w.runTimeMs = newRunTimeMs
	q.insertSortedLocked(w)
	q.nudge()
}

// take blocks until the head is due, removes and returns it. A recurring
// task is marked executing and re-appended at the tail in the same critical
// section. Wakeup sources: an earlier head inserted, a reposition, the
// head's due time lapsing, context cancellation (shutdown).
func (q *delayQueue) take(ctx context.Context) (*taskWrapper, error) {
	for {
		q.mu.Lock()
		var waitMs int64 = -1
		if q.head != nil {
			w := q.head
			delayMs := w.delayMs(q.clock.AccurateTime())
			if delayMs <= 0 {
				q.unlinkLocked(w)
				if w.recurring && !w.canceled.Load() {
					w.executing.Store(true)
					q.insertAfterLocked(w, q.tail)
				}
				q.mu.Unlock()
				return w, nil
			}
			waitMs = delayMs
		}
		q.mu.Unlock()

		// A head that is not coming due on its own (e.g. an executing
		// recurring task reporting its delay as forever) is waited on via
		// wakeups only:
		if waitMs >= delayForeverMs {
			waitMs = -1
		}
		if waitMs < 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.wakeupCh:
			}
		} else {
			timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-q.wakeupCh:
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// removeByAction scans for the first entry wrapping the given action,
// cancels and unlinks it. Identity is the function pointer, the closest Go
// equivalent of object identity for the submitted callable.
func (q *delayQueue) removeByAction(action func()) *taskWrapper {
	actionPtr := reflect.ValueOf(action).Pointer()
	q.mu.Lock()
	defer q.mu.Unlock()
	for w := q.head; w != nil; w = w.next {
		if reflect.ValueOf(w.action).Pointer() == actionPtr {
			w.Cancel()
			q.unlinkLocked(w)
			return w
		}
	}
	return nil
}

// closeAndDrain empties the queue and marks it closed; used by shutdown.
// The entries are returned for the caller to cancel individually, outside
// this queue's lock.
func (q *delayQueue) closeAndDrain() []*taskWrapper {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	drained := make([]*taskWrapper, 0, q.length)
	for q.head != nil {
		w := q.head
		q.unlinkLocked(w)
		drained = append(drained, w)
	}
	q.nudge()
	return drained
}

// clear drops all entries without closing the queue; callers are expected
// to have cancelled them beforehand.
func (q *delayQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head != nil {
		q.unlinkLocked(q.head)
	}
}

func (q *delayQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}
