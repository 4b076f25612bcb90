// Tests for delay_queue.go

package threadly_internal

import (
	"context"
	"testing"
	"time"
)

func newQueueTestTask(clock *MonotonicClock, delay time.Duration) *taskWrapper {
	return &taskWrapper{
		priority:  PriorityHigh,
		action:    func() {},
		runTimeMs: clock.AccurateTime() + delay.Milliseconds(),
	}
}

func newQueueTestRecurringTask(clock *MonotonicClock, delay, recurringDelay time.Duration) *taskWrapper {
	w := newQueueTestTask(clock, delay)
	w.recurring = true
	w.recurringDelayMs = recurringDelay.Milliseconds()
	return w
}

// Walk the queue and return the entries in order:
func queueEntries(q *delayQueue) []*taskWrapper {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]*taskWrapper, 0, q.length)
	for w := q.head; w != nil; w = w.next {
		entries = append(entries, w)
	}
	return entries
}

func TestDelayQueueOrderedInsert(t *testing.T) {
	clock := NewMonotonicClock()
	q := newDelayQueue(PriorityHigh, clock)

	w100 := newQueueTestTask(clock, 100*time.Millisecond)
	w10 := newQueueTestTask(clock, 10*time.Millisecond)
	w50 := newQueueTestTask(clock, 50*time.Millisecond)

	for _, w := range []*taskWrapper{w100, w10, w50} {
		if !q.add(w) {
			t.Fatal("add: want true, got false")
		}
	}

	want := []*taskWrapper{w10, w50, w100}
	got := queueEntries(q)
	if len(got) != len(want) {
		t.Fatalf("length: want %d, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry# %d: want due %d, got due %d", i, want[i].runTimeMs, got[i].runTimeMs)
		}
	}
}

func TestDelayQueueStableForEqualDueTimes(t *testing.T) {
	clock := NewMonotonicClock()
	q := newDelayQueue(PriorityHigh, clock)

	dueMs := clock.AccurateTime() + (50 * time.Millisecond).Milliseconds()
	tasks := make([]*taskWrapper, 5)
	for i := range tasks {
		tasks[i] = &taskWrapper{priority: PriorityHigh, action: func() {}, runTimeMs: dueMs}
		q.add(tasks[i])
	}

	got := queueEntries(q)
	for i := range tasks {
		if got[i] != tasks[i] {
			t.Fatalf("insertion order not preserved at entry# %d", i)
		}
	}
}

func TestDelayQueueTakeBlocksUntilDue(t *testing.T) {
	clock := NewMonotonicClock()
	q := newDelayQueue(PriorityHigh, clock)

	delay := 50 * time.Millisecond
	w := newQueueTestTask(clock, delay)
	before := time.Now()
	q.add(w)

	got, err := q.take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != w {
		t.Fatal("take returned an unexpected task")
	}
	// ms granularity rounding grace:
	if elapsed := time.Since(before); elapsed < delay-2*time.Millisecond {
		t.Fatalf("take returned after %s, want >= %s", elapsed, delay)
	}
}

func TestDelayQueueTakeWakesOnEarlierHead(t *testing.T) {
	clock := NewMonotonicClock()
	q := newDelayQueue(PriorityHigh, clock)

	q.add(newQueueTestTask(clock, time.Hour))

	type takeResult struct {
		w   *taskWrapper
		err error
	}
	resultCh := make(chan takeResult, 1)
	go func() {
		w, err := q.take(context.Background())
		resultCh <- takeResult{w, err}
	}()

	// Let the take park on the one hour head, then insert an immediate one:
	time.Sleep(20 * time.Millisecond)
	wNow := newQueueTestTask(clock, 0)
	q.add(wNow)

	select {
	case result := <-resultCh:
		if result.err != nil {
			t.Fatal(result.err)
		}
		if result.w != wNow {
			t.Fatal("take: want the newly inserted immediate task")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("take was not woken by the earlier head")
	}
}

func TestDelayQueueTakeMarksRecurringExecuting(t *testing.T) {
	clock := NewMonotonicClock()
	q := newDelayQueue(PriorityHigh, clock)

	w := newQueueTestRecurringTask(clock, 0, 100*time.Millisecond)
	q.add(w)

	got, err := q.take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != w {
		t.Fatal("take returned an unexpected task")
	}
	if !w.executing.Load() {
		t.Fatal("recurring task not marked executing")
	}
	// Taken and yet still present, at the tail, for removal:
	if q.size() != 1 {
		t.Fatalf("queue size: want 1, got %d", q.size())
	}
	if w.delayMs(clock.AccurateTime()) < delayForeverMs {
		t.Fatal("executing recurring task must report its delay as forever")
	}
}

func TestDelayQueueReposition(t *testing.T) {
	clock := NewMonotonicClock()
	q := newDelayQueue(PriorityHigh, clock)

	wLater := newQueueTestTask(clock, 30*time.Millisecond)
	q.add(wLater)

	w := newQueueTestRecurringTask(clock, 0, 10*time.Millisecond)
	q.add(w)
	if _, err := q.take(context.Background()); err != nil {
		t.Fatal(err)
	}
	// w is now executing at the tail, after wLater:
	if entries := queueEntries(q); entries[len(entries)-1] != w {
		t.Fatal("executing recurring task not at the tail")
	}

	// The reposition commits the new due time, clears executing and
	// re-sorts; 10ms from now places it ahead of wLater:
	clock.StopForcingUpdate()
	clock.UpdateClock()
	q.reposition(w, clock.AccurateTime()+10)
	clock.ResumeForcingUpdate()

	if w.executing.Load() {
		t.Fatal("reposition must clear the executing mark")
	}
	if entries := queueEntries(q); entries[0] != w {
		t.Fatal("repositioned task not sorted to the head")
	}

	got, err := q.take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != w {
		t.Fatal("take after reposition: want the repositioned task")
	}
}

func TestDelayQueueRemoveByAction(t *testing.T) {
	clock := NewMonotonicClock()
	q := newDelayQueue(PriorityHigh, clock)

	hit := func() { panic("must not run") }
	miss := func() {}
	wHit := &taskWrapper{priority: PriorityHigh, action: hit, runTimeMs: clock.AccurateTime() + 1000}
	wMiss := &taskWrapper{priority: PriorityHigh, action: miss, runTimeMs: clock.AccurateTime() + 1000}
	q.add(wMiss)
	q.add(wHit)

	if w := q.removeByAction(hit); w != wHit {
		t.Fatal("removeByAction did not find the matching entry")
	}
	if !wHit.canceled.Load() {
		t.Fatal("removed task not cancelled")
	}
	if q.size() != 1 {
		t.Fatalf("queue size after removal: want 1, got %d", q.size())
	}
	if w := q.removeByAction(hit); w != nil {
		t.Fatal("removeByAction: want no match after removal")
	}
}

func TestDelayQueueCloseAndDrain(t *testing.T) {
	clock := NewMonotonicClock()
	q := newDelayQueue(PriorityHigh, clock)

	for i := 0; i < 10; i++ {
		q.add(newQueueTestTask(clock, time.Second))
	}
	drained := q.closeAndDrain()
	if len(drained) != 10 {
		t.Fatalf("drained: want 10, got %d", len(drained))
	}
	if q.size() != 0 {
		t.Fatalf("queue size after drain: want 0, got %d", q.size())
	}
	// Closed for business:
	if q.add(newQueueTestTask(clock, 0)) {
		t.Fatal("add after close: want false, got true")
	}
}

func TestDelayQueueTakeCancelled(t *testing.T) {
	clock := NewMonotonicClock()
	q := newDelayQueue(PriorityHigh, clock)

	ctx, cancelFn := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.take(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFn()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("take on cancelled context: want error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("take not released by context cancellation")
	}
}
