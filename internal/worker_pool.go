// Worker pool lifecycle manager.

package threadly_internal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var poolLog = NewCompLogger("worker_pool")

// How the pool launches goroutines (workers, dispatchers, reaper). The
// hook exists for callers that wrap their goroutines, e.g. for naming or
// crash reporting:
type GoroutineSpawner func(fn func())

func defaultGoroutineSpawner(fn func()) {
	go fn()
}

// Pool stats:
const (
	POOL_STATS_WORKER_CREATED_COUNT = iota
	POOL_STATS_WORKER_EXPIRED_COUNT
	POOL_STATS_WORKER_KILLED_COUNT
	POOL_STATS_LOW_PRIORITY_WAIT_TIMEOUT_COUNT
	POOL_STATS_UNBOUNDED_WAIT_COUNT
	POOL_STATS_TASK_DROPPED_COUNT
	POOL_STATS_TASK_PANIC_COUNT
	// Must be last:
	POOL_STATS_UINT64_LEN
)

type WorkerPoolStats []uint64

// Idle worker deque: newest at the front (popped first, for cache warmth),
// oldest at the back (aged out first). Same linked list bookkeeping as the
// delay queue.
type workerDeque struct {
	head, tail *worker
	length     int
}

func (dq *workerDeque) pushFront(w *worker) {
	w.prev = nil
	w.next = dq.head
	if dq.head != nil {
		dq.head.prev = w
	} else {
		dq.tail = w
	}
	dq.head = w
	dq.length++
}

func (dq *workerDeque) popFront() *worker {
	w := dq.head
	if w == nil {
		return nil
	}
	dq.head = w.next
	if dq.head != nil {
		dq.head.prev = nil
	} else {
		dq.tail = nil
	}
	w.next = nil
	dq.length--
	return w
}

func (dq *workerDeque) popBack() *worker {
	w := dq.tail
	if w == nil {
		return nil
	}
	dq.tail = w.prev
	if dq.tail != nil {
		dq.tail.next = nil
	} else {
		dq.head = nil
	}
	w.prev = nil
	dq.length--
	return w
}

// The pool manager: creates, lends, collects and kills workers within the
// core/max bounds. All state below is guarded by mu; `running` is
// additionally an atomic so that submission paths can read it without the
// lock.
type workerPool struct {
	clock   *MonotonicClock
	spawner GoroutineSpawner

	available workerDeque
	// Acceptors blocked for a worker, in arrival order. Each entry is a
	// capacity 1 channel: a freed worker is handed to the oldest waiter
	// directly, bypassing the idle deque:
	waiters []chan *worker

	currentPoolSize int
	nextWorkerId    int

	corePoolSize            int
	maxPoolSize             int
	keepAliveMs             int64
	maxWaitForLowPriorityMs int64
	allowCoreTimeout        bool

	running atomic.Bool

	stats WorkerPoolStats

	mu *sync.Mutex
	// Reaper lifecycle:
	ctx      context.Context
	cancelFn context.CancelFunc
	// Nudges the reaper when the expiration deadline may have moved:
	reaperCh chan struct{}
	// Workers and reaper exit sync:
	wg *sync.WaitGroup
}

func newWorkerPool(
	corePoolSize, maxPoolSize int,
	keepAlive, maxWaitForLowPriority time.Duration,
	allowCoreTimeout bool,
	clock *MonotonicClock,
	spawner GoroutineSpawner,
) *workerPool {
	if spawner == nil {
		spawner = defaultGoroutineSpawner
	}
	pool := &workerPool{
		clock:                   clock,
		spawner:                 spawner,
		corePoolSize:            corePoolSize,
		maxPoolSize:             maxPoolSize,
		keepAliveMs:             keepAlive.Milliseconds(),
		maxWaitForLowPriorityMs: maxWaitForLowPriority.Milliseconds(),
		allowCoreTimeout:        allowCoreTimeout,
		stats:                   make(WorkerPoolStats, POOL_STATS_UINT64_LEN),
		mu:                      &sync.Mutex{},
		reaperCh:                make(chan struct{}, 1),
		wg:                      &sync.WaitGroup{},
	}
	pool.running.Store(true)
	pool.ctx, pool.cancelFn = context.WithCancel(context.Background())
	pool.wg.Add(1)
	pool.spawner(pool.reaperLoop)
	return pool
}

func (p *workerPool) IsRunning() bool {
	return p.running.Load()
}

// runHighPriorityTask acquires a worker for a high priority task: an idle
// worker if available, a new one if there is room, otherwise an unbounded
// wait. Returns false if the task was dropped (shutdown).
func (p *workerPool) runHighPriorityTask(t *taskWrapper) bool {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return p.dropTask(t)
	}
	var w *worker
	if p.currentPoolSize >= p.maxPoolSize {
		p.stats[POOL_STATS_UNBOUNDED_WAIT_COUNT]++
		w = p.getExistingWorkerLocked(-1)
	} else if w = p.available.popFront(); w == nil {
		w = p.makeNewWorkerLocked()
	}
	p.mu.Unlock()
	return p.handOff(w, t)
}

// runLowPriorityTask acquires a worker for a low priority task: wait a
// bounded time for an existing worker first, trading latency for reuse;
// grow the pool only if the wait lapses and there is still room.
func (p *workerPool) runLowPriorityTask(t *taskWrapper) bool {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return p.dropTask(t)
	}
	waitMs := p.maxWaitForLowPriorityMs
	if p.currentPoolSize >= p.maxPoolSize {
		waitMs = -1
	}
	w := p.getExistingWorkerLocked(waitMs)
	if w == nil && p.running.Load() {
		p.stats[POOL_STATS_LOW_PRIORITY_WAIT_TIMEOUT_COUNT]++
		if p.currentPoolSize < p.maxPoolSize {
			w = p.makeNewWorkerLocked()
		} else {
			// Other activity filled the pool meanwhile; nothing left but to
			// wait it out:
			p.stats[POOL_STATS_UNBOUNDED_WAIT_COUNT]++
			w = p.getExistingWorkerLocked(-1)
		}
	}
	p.mu.Unlock()
	return p.handOff(w, t)
}

func (p *workerPool) dropTask(t *taskWrapper) bool {
	p.mu.Lock()
	p.stats[POOL_STATS_TASK_DROPPED_COUNT]++
	p.mu.Unlock()
	t.Cancel()
	return false
}

func (p *workerPool) handOff(w *worker, t *taskWrapper) bool {
	if w == nil {
		return p.dropTask(t)
	}
	if err := w.nextTask(t); err != nil {
		poolLog.Error(err)
		return p.dropTask(t)
	}
	return true
}

// getExistingWorkerLocked waits up to maxWaitMs (-1 for unbounded, 0 for
// no wait) for an idle worker, newest first. Called and returns with mu
// held; the lock is dropped while parked.
func (p *workerPool) getExistingWorkerLocked(maxWaitMs int64) *worker {
	if w := p.available.popFront(); w != nil {
		return w
	}
	if maxWaitMs == 0 {
		return nil
	}

	var timeoutCh <-chan time.Time
	if maxWaitMs > 0 {
		timer := time.NewTimer(time.Duration(maxWaitMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		if !p.running.Load() {
			return nil
		}
		if w := p.available.popFront(); w != nil {
			return w
		}
		ch := make(chan *worker, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		var (
			w        *worker
			timedOut bool
		)
		select {
		case w = <-ch:
		case <-timeoutCh:
			timedOut = true
		}

		p.mu.Lock()
		if timedOut {
			p.removeWaiterLocked(ch)
			// The hand-off may have raced the timeout; the channel is
			// buffered, so a delivered worker is still there:
			select {
			case w = <-ch:
			default:
			}
		}
		if w != nil {
			return w
		}
		if timedOut {
			return nil
		}
		// Woken with no worker: shutdown released the waiters; the running
		// check at the top of the loop settles it.
	}
}

func (p *workerPool) removeWaiterLocked(ch chan *worker) {
	for i, waiter := range p.waiters {
		if waiter == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *workerPool) releaseWaitersLocked() {
	for _, ch := range p.waiters {
		ch <- nil
	}
	p.waiters = nil
}

// makeNewWorkerLocked creates and starts a worker with a first task
// inbound; it is not placed in the idle deque.
func (p *workerPool) makeNewWorkerLocked() *worker {
	p.nextWorkerId++
	p.currentPoolSize++
	p.stats[POOL_STATS_WORKER_CREATED_COUNT]++
	w := newWorker(p, p.nextWorkerId)
	w.start()
	if RootLogger.IsEnabledForDebug {
		poolLog.Debugf("worker# %d created, pool size %d", w.id, p.currentPoolSize)
	}
	return w
}

// workerDone is the worker's way back into the pool after a task. Returns
// false if the pool is shutting down and the worker was killed instead.
func (p *workerPool) workerDone(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Load() {
		p.killWorkerLocked(w)
		return false
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- w
		return true
	}
	p.available.pushFront(w)
	p.expireOldWorkersLocked()
	p.nudgeReaper()
	return true
}

// expireOldWorkersLocked kills idle workers from the back of the deque
// (oldest) for as long as they are over the keep alive budget and the pool
// is above core size (or core timeout is allowed).
func (p *workerPool) expireOldWorkersLocked() {
	nowMs := p.clock.AccurateTime()
	for (p.currentPoolSize > p.corePoolSize || p.allowCoreTimeout) &&
		p.available.length > 0 &&
		nowMs-p.available.tail.lastRunMs.Load() > p.keepAliveMs {
		w := p.available.popBack()
		p.stats[POOL_STATS_WORKER_EXPIRED_COUNT]++
		p.killWorkerLocked(w)
		if RootLogger.IsEnabledForDebug {
			poolLog.Debugf("worker# %d expired, pool size %d", w.id, p.currentPoolSize)
		}
	}
}

func (p *workerPool) killWorkerLocked(w *worker) {
	w.stop()
	p.currentPoolSize--
	p.stats[POOL_STATS_WORKER_KILLED_COUNT]++
}

// prestartAllCoreWorkers synthesizes idle workers up to the core size, so
// that the first submissions find them warm. Pending waiters are served
// first.
func (p *workerPool) prestartAllCoreWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Load() {
		return
	}
	for p.currentPoolSize < p.corePoolSize {
		p.nextWorkerId++
		p.currentPoolSize++
		p.stats[POOL_STATS_WORKER_CREATED_COUNT]++
		w := newWorker(p, p.nextWorkerId)
		w.start()
		if len(p.waiters) > 0 {
			ch := p.waiters[0]
			p.waiters = p.waiters[1:]
			ch <- w
		} else {
			p.available.pushFront(w)
		}
	}
	p.nudgeReaper()
}

// The reaper sweeps idle workers that outlived the keep alive budget even
// when no workerDone traffic triggers the expiration, e.g. after a burst
// the pool decays back to core size on its own. The sleep is floored at
// one OS clock tick.
func (p *workerPool) reaperLoop() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		p.expireOldWorkersLocked()
		wait := time.Minute
		if p.available.length > 0 && (p.currentPoolSize > p.corePoolSize || p.allowCoreTimeout) {
			oldestMs := p.available.tail.lastRunMs.Load()
			wait = time.Duration(oldestMs+p.keepAliveMs-p.clock.LastKnownTime()) * time.Millisecond
		}
		p.mu.Unlock()

		if wait < ClktckDuration {
			wait = ClktckDuration
		}
		timer := time.NewTimer(wait)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-p.reaperCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *workerPool) nudgeReaper() {
	select {
	case p.reaperCh <- struct{}{}:
	default:
	}
}

// startShutdown flips running and releases blocked acceptors; returns
// whether this call won the transition.
func (p *workerPool) startShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasRunning := p.running.Load()
	p.running.Store(false)
	if wasRunning {
		p.releaseWaitersLocked()
	}
	return wasRunning
}

// finishShutdown kills all idle workers and waits for the rest to finish
// their current task and self-terminate via workerDone.
func (p *workerPool) finishShutdown() {
	p.mu.Lock()
	for {
		w := p.available.popFront()
		if w == nil {
			break
		}
		p.killWorkerLocked(w)
	}
	p.releaseWaitersLocked()
	p.mu.Unlock()

	p.cancelFn()
	p.wg.Wait()
}

func (p *workerPool) countTaskPanic() {
	p.mu.Lock()
	p.stats[POOL_STATS_TASK_PANIC_COUNT]++
	p.mu.Unlock()
}

// Introspection:

func (p *workerPool) CurrentPoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPoolSize
}

func (p *workerPool) AvailableWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available.length
}

func (p *workerPool) CorePoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.corePoolSize
}

func (p *workerPool) MaxPoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPoolSize
}

func (p *workerPool) KeepAlive() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.keepAliveMs) * time.Millisecond
}

func (p *workerPool) MaxWaitForLowPriority() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.maxWaitForLowPriorityMs) * time.Millisecond
}

func (p *workerPool) AllowsCoreTimeout() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowCoreTimeout
}

// Live configuration setters; shrinking settings take immediate effect via
// an opportunistic expiration pass.

func (p *workerPool) SetCorePoolSize(corePoolSize int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if corePoolSize < 1 {
		return fmtValidationError("core_pool_size", corePoolSize, ">= 1")
	}
	if corePoolSize > p.maxPoolSize {
		return fmtValidationError("core_pool_size", corePoolSize, "<= max_pool_size")
	}
	p.corePoolSize = corePoolSize
	p.expireOldWorkersLocked()
	p.nudgeReaper()
	return nil
}

func (p *workerPool) SetMaxPoolSize(maxPoolSize int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxPoolSize < p.corePoolSize {
		return fmtValidationError("max_pool_size", maxPoolSize, ">= core_pool_size")
	}
	p.maxPoolSize = maxPoolSize
	p.expireOldWorkersLocked()
	return nil
}

func (p *workerPool) SetKeepAlive(keepAlive time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if keepAlive < 0 {
		return fmtValidationError("keep_alive", keepAlive, ">= 0")
	}
	p.keepAliveMs = keepAlive.Milliseconds()
	p.expireOldWorkersLocked()
	p.nudgeReaper()
	return nil
}

func (p *workerPool) SetMaxWaitForLowPriority(maxWait time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxWait < 0 {
		return fmtValidationError("max_wait_for_low_priority", maxWait, ">= 0")
	}
	p.maxWaitForLowPriorityMs = maxWait.Milliseconds()
	return nil
}

func (p *workerPool) AllowCoreTimeout(allow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowCoreTimeout = allow
	p.expireOldWorkersLocked()
	p.nudgeReaper()
}

func (p *workerPool) SnapStats(to WorkerPoolStats) WorkerPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if to == nil {
		to = make(WorkerPoolStats, POOL_STATS_UINT64_LEN)
	}
	copy(to, p.stats)
	return to
}
