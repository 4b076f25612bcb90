// Two-priority dynamically-sized task scheduler.

package threadly_internal

//  Architecture
//  ============
//
//              submit                      submit
//                |                           |
//                v                           v
//       +----------------+          +----------------+
//       |   High queue   |          |   Low queue    |
//       +----------------+          +----------------+
//                | take                      | take
//                v                           v
//       +----------------+          +----------------+
//       | High dispatcher|          | Low dispatcher |
//       +----------------+          +----------------+
//                | accept                    | accept
//                v                           v
//       +------------------------------------------+
//       |             Worker pool manager          |
//       +------------------------------------------+
//          | task        | task            | task
//          v             v                 v
//     +--------+    +--------+        +--------+
//     | Worker |    | Worker |  ...   | Worker |
//     +--------+    +--------+        +--------+
//
//  Principles Of Operation
//  =======================
//
// Each priority owns an independent delay queue and dispatcher, so a high
// priority submission never queues behind a low priority one for worker
// acquisition. The asymmetry lives in the pool manager: the high priority
// acceptor takes an idle worker or grows the pool immediately, whereas the
// low priority acceptor first waits a bounded time for an existing worker
// to free up, trading latency for reuse.
//
// Workers are pooled LIFO: the most recently used worker is handed out
// first, and the workers idling at the back of the deque age out once past
// the keep alive budget, down to the core size.
//
// A recurring task stays in its queue while it executes (at the tail, with
// its delay reported as forever) and is re-sorted in place when it
// finishes, so that removal by action works at any point of its life.

import (
	"errors"
	"sync"
	"time"

	"github.com/huandu/go-clone"
)

var schedulerLog = NewCompLogger("scheduler")

var (
	ErrShutdown = errors.New("scheduler is shut down")
	ErrNilTask  = errors.New("nil task")
)

// Scheduler stats:
const (
	// Submissions accepted, per priority:
	SCHEDULER_STATS_SUBMITTED_HIGH_COUNT = iota
	SCHEDULER_STATS_SUBMITTED_LOW_COUNT

	// Task executions started on a worker:
	SCHEDULER_STATS_EXECUTED_COUNT

	// Recurring tasks re-enqueued after a run:
	SCHEDULER_STATS_RESCHEDULED_COUNT

	// Tasks removed via Remove:
	SCHEDULER_STATS_REMOVED_COUNT

	// Tasks cancelled by the shutdown drain:
	SCHEDULER_STATS_SHUTDOWN_CANCELED_COUNT

	// Must be last:
	SCHEDULER_STATS_UINT64_LEN
)

type SchedulerStats []uint64

type PrioritySchedulerStats struct {
	SchedulerStats  SchedulerStats
	WorkerPoolStats WorkerPoolStats
}

func NewPrioritySchedulerStats() *PrioritySchedulerStats {
	return &PrioritySchedulerStats{
		SchedulerStats:  make(SchedulerStats, SCHEDULER_STATS_UINT64_LEN),
		WorkerPoolStats: make(WorkerPoolStats, POOL_STATS_UINT64_LEN),
	}
}

type PriorityScheduler struct {
	clock *MonotonicClock
	pool  *workerPool

	queues      [NumPriorities]*delayQueue
	dispatchers [NumPriorities]*dispatcher

	defaultPriority   Priority
	rescheduleOnPanic bool

	// The resolved configuration, for SnapConfig:
	cfg *SchedulerConfig

	// Stats and shutdown idempotence:
	stats      SchedulerStats
	shutdownWg *sync.WaitGroup
	mu         *sync.Mutex
}

func NewPriorityScheduler(cfg *SchedulerConfig) (*PriorityScheduler, error) {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	resolved := clone.Clone(cfg).(*SchedulerConfig)

	corePoolSize := resolved.CorePoolSize
	if corePoolSize == SCHEDULER_CONFIG_CORE_POOL_SIZE_DEFAULT {
		corePoolSize = AvailableCPUCount
	}
	if corePoolSize < 1 {
		return nil, fmtValidationError("core_pool_size", resolved.CorePoolSize, ">= 1 or -1 for auto")
	}
	maxPoolSize := resolved.MaxPoolSize
	if maxPoolSize == SCHEDULER_CONFIG_MAX_POOL_SIZE_DEFAULT {
		maxPoolSize = 2 * corePoolSize
	}
	if maxPoolSize < corePoolSize {
		return nil, fmtValidationError("max_pool_size", resolved.MaxPoolSize, ">= core_pool_size or -1 for auto")
	}
	if resolved.KeepAlive < 0 {
		return nil, fmtValidationError("keep_alive", resolved.KeepAlive, ">= 0")
	}
	if resolved.MaxWaitForLowPriority < 0 {
		return nil, fmtValidationError("max_wait_for_low_priority", resolved.MaxWaitForLowPriority, ">= 0")
	}
	defaultPriority, err := ParsePriority(resolved.DefaultPriority)
	if err != nil {
		return nil, fmtValidationError("default_priority", resolved.DefaultPriority, `"high" or "low"`)
	}
	resolved.CorePoolSize = corePoolSize
	resolved.MaxPoolSize = maxPoolSize

	spawner := resolved.Spawner
	if spawner == nil {
		spawner = defaultGoroutineSpawner
	}

	clock := NewMonotonicClock()
	scheduler := &PriorityScheduler{
		clock: clock,
		pool: newWorkerPool(
			corePoolSize, maxPoolSize,
			resolved.KeepAlive, resolved.MaxWaitForLowPriority,
			resolved.AllowCoreTimeout,
			clock, spawner,
		),
		defaultPriority:   defaultPriority,
		rescheduleOnPanic: resolved.RescheduleOnPanic,
		cfg:               resolved,
		stats:             make(SchedulerStats, SCHEDULER_STATS_UINT64_LEN),
		shutdownWg:        &sync.WaitGroup{},
		mu:                &sync.Mutex{},
	}

	acceptors := [NumPriorities]taskAcceptor{
		PriorityHigh: scheduler.pool.runHighPriorityTask,
		PriorityLow:  scheduler.pool.runLowPriorityTask,
	}
	for priority := PriorityHigh; priority < NumPriorities; priority++ {
		queue := newDelayQueue(priority, clock)
		scheduler.queues[priority] = queue
		scheduler.dispatchers[priority] = newDispatcher(priority, queue, acceptors[priority], spawner)
	}

	schedulerLog.Infof("core_pool_size=%d", corePoolSize)
	schedulerLog.Infof("max_pool_size=%d", maxPoolSize)
	schedulerLog.Infof("keep_alive=%s", resolved.KeepAlive)
	schedulerLog.Infof("max_wait_for_low_priority=%s", resolved.MaxWaitForLowPriority)
	schedulerLog.Infof("default_priority=%s", defaultPriority)
	schedulerLog.Infof("allow_core_timeout=%v", resolved.AllowCoreTimeout)
	schedulerLog.Infof("reschedule_on_panic=%v", resolved.RescheduleOnPanic)

	return scheduler, nil
}

func (s *PriorityScheduler) countStat(index int) {
	s.mu.Lock()
	s.stats[index]++
	s.mu.Unlock()
}

// The common submission path: validate, wrap, enqueue, lazily start the
// priority's dispatcher.
func (s *PriorityScheduler) schedule(
	action func(),
	initialDelay, recurringDelay time.Duration,
	recurring bool,
	priority Priority,
	onCancel func(),
) (*taskWrapper, error) {
	if action == nil {
		return nil, ErrNilTask
	}
	if initialDelay < 0 {
		return nil, fmtValidationError("delay", initialDelay, ">= 0")
	}
	if recurring && recurringDelay < 0 {
		return nil, fmtValidationError("recurring delay", recurringDelay, ">= 0")
	}
	if priority < PriorityHigh || priority >= NumPriorities {
		return nil, fmtValidationError("priority", int(priority), "a defined priority")
	}
	if !s.pool.IsRunning() {
		return nil, ErrShutdown
	}

	w := &taskWrapper{
		priority:         priority,
		action:           action,
		recurring:        recurring,
		recurringDelayMs: recurringDelay.Milliseconds(),
		scheduler:        s,
		onCancel:         onCancel,
	}
	w.runTimeMs = s.clock.AccurateTime() + initialDelay.Milliseconds()

	if !s.queues[priority].add(w) {
		// Lost the race against the shutdown drain:
		return nil, ErrShutdown
	}
	if priority == PriorityHigh {
		s.countStat(SCHEDULER_STATS_SUBMITTED_HIGH_COUNT)
	} else {
		s.countStat(SCHEDULER_STATS_SUBMITTED_LOW_COUNT)
	}
	s.dispatchers[priority].maybeStart()
	return w, nil
}

// Execute submits a task for immediate execution at the default priority.
func (s *PriorityScheduler) Execute(action func()) error {
	return s.ExecuteWithPriority(action, s.defaultPriority)
}

func (s *PriorityScheduler) ExecuteWithPriority(action func(), priority Priority) error {
	_, err := s.schedule(action, 0, 0, false, priority, nil)
	return err
}

// Schedule submits a one time task to run after the given delay.
func (s *PriorityScheduler) Schedule(action func(), delay time.Duration) (TaskHandle, error) {
	return s.ScheduleWithPriority(action, delay, s.defaultPriority)
}

func (s *PriorityScheduler) ScheduleWithPriority(action func(), delay time.Duration, priority Priority) (TaskHandle, error) {
	return s.schedule(action, delay, 0, false, priority, nil)
}

// ScheduleWithFixedDelay submits a recurring task: after each run completes
// the next one is due recurringDelay later.
func (s *PriorityScheduler) ScheduleWithFixedDelay(action func(), initialDelay, recurringDelay time.Duration) (TaskHandle, error) {
	return s.ScheduleWithFixedDelayAndPriority(action, initialDelay, recurringDelay, s.defaultPriority)
}

func (s *PriorityScheduler) ScheduleWithFixedDelayAndPriority(
	action func(),
	initialDelay, recurringDelay time.Duration,
	priority Priority,
) (TaskHandle, error) {
	return s.schedule(action, initialDelay, recurringDelay, true, priority, nil)
}

// Submit runs a value producing task and returns the future carrying its
// outcome.
func (s *PriorityScheduler) Submit(fn func() (any, error)) (*FutureTask, error) {
	return s.SubmitScheduledWithPriority(fn, 0, s.defaultPriority)
}

func (s *PriorityScheduler) SubmitWithPriority(fn func() (any, error), priority Priority) (*FutureTask, error) {
	return s.SubmitScheduledWithPriority(fn, 0, priority)
}

func (s *PriorityScheduler) SubmitScheduled(fn func() (any, error), delay time.Duration) (*FutureTask, error) {
	return s.SubmitScheduledWithPriority(fn, delay, s.defaultPriority)
}

func (s *PriorityScheduler) SubmitScheduledWithPriority(
	fn func() (any, error),
	delay time.Duration,
	priority Priority,
) (*FutureTask, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	ft := newFutureTask(fn)
	if _, err := s.schedule(ft.run, delay, 0, false, priority, func() { ft.Cancel() }); err != nil {
		return nil, err
	}
	return ft, nil
}

// Remove scans the queues in priority order and cancels and removes the
// first pending task wrapping the given action. A recurring task is
// removable even while it executes; it will not run again.
func (s *PriorityScheduler) Remove(action func()) bool {
	if action == nil {
		return false
	}
	for priority := PriorityHigh; priority < NumPriorities; priority++ {
		if s.queues[priority].removeByAction(action) != nil {
			s.countStat(SCHEDULER_STATS_REMOVED_COUNT)
			return true
		}
	}
	return false
}

// Shutdown stops the dispatchers, cancels everything still queued and kills
// the workers. Tasks already under way complete, their workers then
// self-terminate. Idempotent; blocks until the teardown is complete.
func (s *PriorityScheduler) Shutdown() {
	s.mu.Lock()
	won := s.pool.startShutdown()
	if won {
		s.shutdownWg.Add(1)
	}
	s.mu.Unlock()
	if !won {
		schedulerLog.Warn("scheduler already shut down")
		// Wait out a concurrent teardown, so that every Shutdown return has
		// the same meaning:
		s.shutdownWg.Wait()
		return
	}
	defer s.shutdownWg.Done()

	schedulerLog.Info("shutting down")

	for priority := PriorityHigh; priority < NumPriorities; priority++ {
		s.dispatchers[priority].stop()
	}

	// Drain the queues, high first, each under its own lock only; the
	// entries are cancelled outside it:
	for priority := PriorityHigh; priority < NumPriorities; priority++ {
		drained := s.queues[priority].closeAndDrain()
		for _, w := range drained {
			w.Cancel()
		}
		if n := uint64(len(drained)); n > 0 {
			s.mu.Lock()
			s.stats[SCHEDULER_STATS_SHUTDOWN_CANCELED_COUNT] += n
			s.mu.Unlock()
		}
	}

	s.pool.finishShutdown()
	schedulerLog.Info("shutdown complete")
}

func (s *PriorityScheduler) IsShutdown() bool {
	return !s.pool.IsRunning()
}

// PrestartAllCoreWorkers creates idle workers up to the core pool size.
func (s *PriorityScheduler) PrestartAllCoreWorkers() {
	s.pool.prestartAllCoreWorkers()
}

// Introspection and live settings, delegated to the pool:

func (s *PriorityScheduler) GetCurrentPoolSize() int { return s.pool.CurrentPoolSize() }

func (s *PriorityScheduler) GetAvailableWorkerCount() int { return s.pool.AvailableWorkerCount() }

func (s *PriorityScheduler) GetCorePoolSize() int { return s.pool.CorePoolSize() }

func (s *PriorityScheduler) SetCorePoolSize(n int) error { return s.pool.SetCorePoolSize(n) }

func (s *PriorityScheduler) GetMaxPoolSize() int { return s.pool.MaxPoolSize() }

func (s *PriorityScheduler) SetMaxPoolSize(n int) error { return s.pool.SetMaxPoolSize(n) }

func (s *PriorityScheduler) GetKeepAlive() time.Duration { return s.pool.KeepAlive() }

func (s *PriorityScheduler) SetKeepAlive(d time.Duration) error { return s.pool.SetKeepAlive(d) }

func (s *PriorityScheduler) GetMaxWaitForLowPriority() time.Duration {
	return s.pool.MaxWaitForLowPriority()
}

func (s *PriorityScheduler) SetMaxWaitForLowPriority(d time.Duration) error {
	return s.pool.SetMaxWaitForLowPriority(d)
}

func (s *PriorityScheduler) GetDefaultPriority() Priority { return s.defaultPriority }

func (s *PriorityScheduler) AllowCoreTimeout(allow bool) { s.pool.AllowCoreTimeout(allow) }

func (s *PriorityScheduler) AllowsCoreTimeout() bool { return s.pool.AllowsCoreTimeout() }

// SnapConfig returns a deep copy of the resolved configuration.
func (s *PriorityScheduler) SnapConfig() *SchedulerConfig {
	return clone.Clone(s.cfg).(*SchedulerConfig)
}

// SnapStats copies the current scheduler and pool counters.
func (s *PriorityScheduler) SnapStats(to *PrioritySchedulerStats) *PrioritySchedulerStats {
	if to == nil {
		to = NewPrioritySchedulerStats()
	}
	s.mu.Lock()
	copy(to.SchedulerStats, s.stats)
	s.mu.Unlock()
	s.pool.SnapStats(to.WorkerPoolStats)
	return to
}
