// Tests for worker_pool.go and worker.go

package threadly_internal

import (
	"sync/atomic"
	"testing"
	"time"
)

// Poll until the condition holds or the deadline lapses:
func waitForCondition(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

func newPoolTestTask(action func()) *taskWrapper {
	return &taskWrapper{priority: PriorityHigh, action: action}
}

func newTestWorkerPool(core, max int, keepAlive, maxWaitLow time.Duration, allowCoreTimeout bool) *workerPool {
	return newWorkerPool(core, max, keepAlive, maxWaitLow, allowCoreTimeout, NewMonotonicClock(), nil)
}

func shutdownTestWorkerPool(p *workerPool) {
	p.startShutdown()
	p.finishShutdown()
}

func TestWorkerPoolPrestart(t *testing.T) {
	p := newTestWorkerPool(3, 6, time.Minute, 0, false)
	defer shutdownTestWorkerPool(p)

	p.prestartAllCoreWorkers()
	if got := p.CurrentPoolSize(); got != 3 {
		t.Fatalf("CurrentPoolSize: want 3, got %d", got)
	}
	if got := p.AvailableWorkerCount(); got != 3 {
		t.Fatalf("AvailableWorkerCount: want 3, got %d", got)
	}
	// Idempotent:
	p.prestartAllCoreWorkers()
	if got := p.CurrentPoolSize(); got != 3 {
		t.Fatalf("CurrentPoolSize after second prestart: want 3, got %d", got)
	}
}

func TestWorkerPoolHighPriorityGrowth(t *testing.T) {
	p := newTestWorkerPool(1, 4, time.Minute, 0, false)
	defer shutdownTestWorkerPool(p)

	releaseCh := make(chan struct{})
	startedCount := atomic.Int32{}
	for i := 0; i < 4; i++ {
		ok := p.runHighPriorityTask(newPoolTestTask(func() {
			startedCount.Add(1)
			<-releaseCh
		}))
		if !ok {
			t.Fatal("runHighPriorityTask: want true")
		}
	}
	waitForCondition(t, "all 4 tasks started", 2*time.Second, func() bool {
		return startedCount.Load() == 4
	})
	if got := p.CurrentPoolSize(); got != 4 {
		t.Fatalf("CurrentPoolSize: want 4, got %d", got)
	}
	close(releaseCh)

	waitForCondition(t, "workers idle", 2*time.Second, func() bool {
		return p.AvailableWorkerCount() == 4
	})

	// Invariant: available <= current <= max:
	p.mu.Lock()
	available, current := p.available.length, p.currentPoolSize
	p.mu.Unlock()
	if available > current || current > 4 {
		t.Fatalf("invariant violated: available %d, current %d, max 4", available, current)
	}
}

func TestWorkerPoolKeepAliveDecay(t *testing.T) {
	keepAlive := 50 * time.Millisecond
	p := newTestWorkerPool(1, 4, keepAlive, 0, false)
	defer shutdownTestWorkerPool(p)

	releaseCh := make(chan struct{})
	for i := 0; i < 4; i++ {
		p.runHighPriorityTask(newPoolTestTask(func() { <-releaseCh }))
	}
	waitForCondition(t, "pool grown to 4", 2*time.Second, func() bool {
		return p.CurrentPoolSize() == 4
	})
	close(releaseCh)

	// The idle workers above core size age out on their own:
	waitForCondition(t, "pool decayed to core size", 2*time.Second, func() bool {
		return p.CurrentPoolSize() == 1
	})
	if got := p.AvailableWorkerCount(); got != 1 {
		t.Fatalf("AvailableWorkerCount after decay: want 1, got %d", got)
	}
}

func TestWorkerPoolAllowCoreTimeout(t *testing.T) {
	p := newTestWorkerPool(2, 4, 30*time.Millisecond, 0, true)
	defer shutdownTestWorkerPool(p)

	p.prestartAllCoreWorkers()
	waitForCondition(t, "core workers timed out too", 2*time.Second, func() bool {
		return p.CurrentPoolSize() == 0
	})
}

func TestWorkerPoolLowPriorityReuse(t *testing.T) {
	p := newTestWorkerPool(2, 4, time.Minute, 500*time.Millisecond, false)
	defer shutdownTestWorkerPool(p)

	p.prestartAllCoreWorkers()

	highReleaseCh := make(chan struct{})
	p.runHighPriorityTask(newPoolTestTask(func() { <-highReleaseCh }))
	defer close(highReleaseCh)

	lowRan := make(chan struct{})
	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- p.runLowPriorityTask(newPoolTestTask(func() { close(lowRan) }))
	}()

	select {
	case <-lowRan:
	case <-time.After(2 * time.Second):
		t.Fatal("low priority task did not run on the idle core worker")
	}
	if !<-doneCh {
		t.Fatal("runLowPriorityTask: want true")
	}
	if got := p.CurrentPoolSize(); got != 2 {
		t.Fatalf("CurrentPoolSize: want 2 (no growth), got %d", got)
	}
}

func TestWorkerPoolLowPriorityGrowthOnTimeout(t *testing.T) {
	maxWaitLow := 50 * time.Millisecond
	p := newTestWorkerPool(1, 2, time.Minute, maxWaitLow, false)
	defer shutdownTestWorkerPool(p)

	highReleaseCh := make(chan struct{})
	p.runHighPriorityTask(newPoolTestTask(func() { <-highReleaseCh }))
	defer close(highReleaseCh)
	waitForCondition(t, "high priority task occupying the pool", 2*time.Second, func() bool {
		return p.CurrentPoolSize() == 1 && p.AvailableWorkerCount() == 0
	})

	lowRan := make(chan struct{})
	before := time.Now()
	if !p.runLowPriorityTask(newPoolTestTask(func() { close(lowRan) })) {
		t.Fatal("runLowPriorityTask: want true")
	}
	elapsed := time.Since(before)

	// The low priority acceptor must have waited out maxWaitForLowPriority
	// before growing the pool:
	if elapsed < maxWaitLow {
		t.Fatalf("pool grown after %s, want >= %s", elapsed, maxWaitLow)
	}
	select {
	case <-lowRan:
	case <-time.After(2 * time.Second):
		t.Fatal("low priority task did not run")
	}
	if got := p.CurrentPoolSize(); got != 2 {
		t.Fatalf("CurrentPoolSize: want 2, got %d", got)
	}
	stats := p.SnapStats(nil)
	if got := stats[POOL_STATS_LOW_PRIORITY_WAIT_TIMEOUT_COUNT]; got != 1 {
		t.Fatalf("low priority wait timeout count: want 1, got %d", got)
	}
}

func TestWorkerPoolShutdownDropsTasks(t *testing.T) {
	p := newTestWorkerPool(1, 2, time.Minute, 0, false)

	p.startShutdown()
	w := newPoolTestTask(func() { t.Error("task must not run after shutdown") })
	if p.runHighPriorityTask(w) {
		t.Fatal("runHighPriorityTask after shutdown: want false")
	}
	if !w.canceled.Load() {
		t.Fatal("dropped task not cancelled")
	}
	p.finishShutdown()
	if got := p.CurrentPoolSize(); got != 0 {
		t.Fatalf("CurrentPoolSize after shutdown: want 0, got %d", got)
	}
}

func TestWorkerPoolSetterValidation(t *testing.T) {
	p := newTestWorkerPool(2, 4, time.Minute, 0, false)
	defer shutdownTestWorkerPool(p)

	for _, tc := range []struct {
		name string
		err  error
	}{
		{"core_below_one", p.SetCorePoolSize(0)},
		{"core_above_max", p.SetCorePoolSize(5)},
		{"max_below_core", p.SetMaxPoolSize(1)},
		{"negative_keep_alive", p.SetKeepAlive(-time.Second)},
		{"negative_low_wait", p.SetMaxWaitForLowPriority(-time.Second)},
	} {
		if tc.err == nil {
			t.Fatalf("%s: want error, got nil", tc.name)
		}
	}

	if err := p.SetCorePoolSize(3); err != nil {
		t.Fatal(err)
	}
	if got := p.CorePoolSize(); got != 3 {
		t.Fatalf("CorePoolSize: want 3, got %d", got)
	}
	if err := p.SetMaxPoolSize(8); err != nil {
		t.Fatal(err)
	}
	if err := p.SetKeepAlive(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := p.SetMaxWaitForLowPriority(time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerPoolShrinkingKeepAliveTakesEffect(t *testing.T) {
	p := newTestWorkerPool(1, 4, time.Hour, 0, false)
	defer shutdownTestWorkerPool(p)

	releaseCh := make(chan struct{})
	for i := 0; i < 3; i++ {
		p.runHighPriorityTask(newPoolTestTask(func() { <-releaseCh }))
	}
	waitForCondition(t, "pool grown to 3", 2*time.Second, func() bool {
		return p.CurrentPoolSize() == 3
	})
	close(releaseCh)
	waitForCondition(t, "workers idle", 2*time.Second, func() bool {
		return p.AvailableWorkerCount() == 3
	})

	time.Sleep(20 * time.Millisecond)
	if err := p.SetKeepAlive(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitForCondition(t, "pool shrunk after keep alive change", 2*time.Second, func() bool {
		return p.CurrentPoolSize() == 1
	})
}
