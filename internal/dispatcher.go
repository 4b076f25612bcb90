// Per-priority task dispatcher.

package threadly_internal

import (
	"context"
	"sync"
	"sync/atomic"
)

var dispatcherLog = NewCompLogger("dispatcher")

// The acceptor is the pool manager's intake for one priority
// (runHighPriorityTask / runLowPriorityTask). False means the task was
// dropped because the pool is shutting down.
type taskAcceptor func(*taskWrapper) bool

// One dispatcher per priority: a goroutine that drains its delay queue into
// the acceptor. It is started lazily on the first enqueue. The started flag
// is published under the queue lock and read without: the flag is monotonic
// and the start is idempotent after the lock guarded recheck.
type dispatcher struct {
	priority Priority
	queue    *delayQueue
	accept   taskAcceptor
	spawner  GoroutineSpawner

	started atomic.Bool

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       *sync.WaitGroup
}

func newDispatcher(priority Priority, queue *delayQueue, accept taskAcceptor, spawner GoroutineSpawner) *dispatcher {
	d := &dispatcher{
		priority: priority,
		queue:    queue,
		accept:   accept,
		spawner:  spawner,
		wg:       &sync.WaitGroup{},
	}
	d.ctx, d.cancelFn = context.WithCancel(context.Background())
	return d
}

// maybeStart launches the dispatcher goroutine on first use; double-checked
// under the queue lock.
func (d *dispatcher) maybeStart() {
	if d.started.Load() {
		return
	}
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.started.Load() {
		return
	}
	d.started.Store(true)
	d.wg.Add(1)
	d.spawner(d.loop)
}

func (d *dispatcher) loop() {
	dispatcherLog.Infof("start %s priority dispatcher", d.priority)
	defer func() {
		dispatcherLog.Infof("%s priority dispatcher stopped", d.priority)
		d.wg.Done()
	}()

	for {
		// take() marks a recurring task executing and re-appends it at the
		// queue tail in the same critical section that removes it, so
		// removal by action keeps finding it while it runs.
		w, err := d.queue.take(d.ctx)
		if err != nil {
			// Context cancelled, shutdown in progress.
			return
		}
		d.dispatch(w)
	}
}

// dispatch hands the task to the acceptor; a dropped task (pool shutting
// down) is left cancelled, and an acceptor panic is reported without
// terminating the dispatcher.
func (d *dispatcher) dispatch(w *taskWrapper) {
	defer func() {
		if r := recover(); r != nil {
			dispatcherLog.Errorf("%s priority dispatcher: %v", d.priority, r)
		}
	}()
	if !d.accept(w) && RootLogger.IsEnabledForDebug {
		dispatcherLog.Debugf("%s priority dispatcher: task dropped at shutdown", d.priority)
	}
}

// stop cancels the loop and waits for it to exit.
func (d *dispatcher) stop() {
	d.cancelFn()
	if d.started.Load() {
		d.wg.Wait()
	}
}
