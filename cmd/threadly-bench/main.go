// Synthetic workload driver for the priority scheduler.

// The bench loads a YAML config with a scheduler section and a set of
// workloads, submits the workloads and runs until the run time lapses or a
// signal (SIGINT, SIGTERM) is received. At the end it logs the scheduler
// stats. Example config:
//
//  threadly_config:
//    log_config:
//      level: info
//    scheduler_config:
//      core_pool_size: 2
//      max_pool_size: 8
//      max_wait_for_low_priority: 100ms
//  workloads:
//    busy:
//      priority: high
//      count: 4
//      recurring: true
//      recurring_delay: 50ms
//      exec_duration: 20ms
//      alloc_per_task: 64k
//    background:
//      priority: low
//      count: 2
//      initial_delay: 1s
//      exec_duration: 200ms

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bgp59/logrusx"
	"github.com/docker/go-units"

	"github.com/nickynarak/threadly"
)

const (
	CONFIG_FLAG_NAME         = "config"
	RUN_TIME_DEFAULT         = 10 * time.Second
	SHUTDOWN_MAX_WAIT        = 5 * time.Second
	WORKLOAD_COUNT_DEFAULT   = 1
	WORKLOAD_ALLOC_SINK_SIZE = 256
)

type WorkloadConfig struct {
	// "high", "low" or empty for the scheduler's default:
	Priority string `yaml:"priority"`
	// How many tasks of this shape to submit:
	Count int `yaml:"count"`
	// Submission delay:
	InitialDelay time.Duration `yaml:"initial_delay"`
	// Whether the task re-runs and the gap between the end of a run and the
	// start of the next:
	Recurring      bool          `yaml:"recurring"`
	RecurringDelay time.Duration `yaml:"recurring_delay"`
	// How long each execution takes:
	ExecDuration time.Duration `yaml:"exec_duration"`
	// Memory churned per execution, as a RAM size string ("64k", "1m"):
	AllocPerTask string `yaml:"alloc_per_task"`
	// Whether to submit as a value producing task and await the result:
	WithResult bool `yaml:"with_result"`
}

type BenchConfig map[string]*WorkloadConfig

var benchLog = threadly.NewCompLogger("threadly-bench")

var (
	versionArg = flag.Bool(
		"version",
		false,
		threadly.FormatFlagUsage(
			`Print the version and exit`,
		),
	)

	configFileArg = flag.String(
		CONFIG_FLAG_NAME,
		"",
		threadly.FormatFlagUsage(
			`Config file to load; if empty, built-in defaults are used`,
		),
	)

	runTimeArg = flag.Duration(
		"run-time",
		RUN_TIME_DEFAULT,
		threadly.FormatFlagUsage(
			`How long to run the workloads for`,
		),
	)

	prestartArg = flag.Bool(
		"prestart",
		false,
		threadly.FormatFlagUsage(
			`Prestart all core workers before submitting`,
		),
	)
)

var Version = "dev"

func init() {
	logrusx.EnableLoggerArgs()
	threadly.AddCallerSrcPathPrefixToLogger(2)
}

// A sink for the per-task allocations, defeating dead store elimination:
var allocSink atomic.Int64

type workloadRunner struct {
	name      string
	cfg       *WorkloadConfig
	allocSize int64
	executed  atomic.Uint64
	allocated atomic.Uint64
}

func (wr *workloadRunner) runOnce() {
	if wr.allocSize > 0 {
		churn := make([]byte, wr.allocSize)
		for i := int64(0); i < wr.allocSize; i += WORKLOAD_ALLOC_SINK_SIZE {
			churn[i] = byte(i)
		}
		allocSink.Add(int64(churn[0]))
		wr.allocated.Add(uint64(wr.allocSize))
	}
	if wr.cfg.ExecDuration > 0 {
		time.Sleep(wr.cfg.ExecDuration)
	}
	wr.executed.Add(1)
}

func (wr *workloadRunner) submit(scheduler *threadly.PriorityScheduler) error {
	priority := scheduler.GetDefaultPriority()
	if wr.cfg.Priority != "" {
		var err error
		priority, err = threadly.ParsePriority(wr.cfg.Priority)
		if err != nil {
			return fmt.Errorf("workload %s: %v", wr.name, err)
		}
	}

	count := wr.cfg.Count
	if count <= 0 {
		count = WORKLOAD_COUNT_DEFAULT
	}
	for i := 0; i < count; i++ {
		var err error
		switch {
		case wr.cfg.Recurring:
			_, err = scheduler.ScheduleWithFixedDelayAndPriority(
				wr.runOnce, wr.cfg.InitialDelay, wr.cfg.RecurringDelay, priority,
			)
		case wr.cfg.WithResult:
			_, err = scheduler.SubmitScheduledWithPriority(
				func() (any, error) {
					wr.runOnce()
					return wr.executed.Load(), nil
				},
				wr.cfg.InitialDelay, priority,
			)
		default:
			_, err = scheduler.ScheduleWithPriority(wr.runOnce, wr.cfg.InitialDelay, priority)
		}
		if err != nil {
			return fmt.Errorf("workload %s: %v", wr.name, err)
		}
	}
	benchLog.Infof(
		"workload %s: %d x priority=%s, recurring=%v, exec_duration=%s",
		wr.name, count, priority, wr.cfg.Recurring, wr.cfg.ExecDuration,
	)
	return nil
}

func defaultBenchConfig() BenchConfig {
	return BenchConfig{
		"busy": &WorkloadConfig{
			Priority:       "high",
			Count:          4,
			Recurring:      true,
			RecurringDelay: 50 * time.Millisecond,
			ExecDuration:   20 * time.Millisecond,
			AllocPerTask:   "64k",
		},
		"background": &WorkloadConfig{
			Priority:       "low",
			Count:          2,
			Recurring:      true,
			RecurringDelay: 250 * time.Millisecond,
			ExecDuration:   100 * time.Millisecond,
		},
	}
}

func run() int {
	if !flag.Parsed() {
		flag.Parse()
	}

	if *versionArg {
		fmt.Fprintf(os.Stderr, "Version: %s\n", Version)
		return 0
	}

	benchConfig := defaultBenchConfig()
	threadlyConfig := threadly.DefaultThreadlyConfig()
	if *configFileArg != "" {
		var err error
		benchConfig = make(BenchConfig)
		threadlyConfig, err = threadly.LoadConfig(*configFileArg, &benchConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			return 1
		}
		if len(benchConfig) == 0 {
			benchConfig = defaultBenchConfig()
		}
	}

	logrusx.ApplySetLoggerArgs((*logrusx.LoggerConfig)(threadlyConfig.LoggerConfig))
	if err := threadly.SetLogger(threadlyConfig.LoggerConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting the logger: %v\n", err)
		return 1
	}

	scheduler, err := threadly.NewPriorityScheduler(threadlyConfig.SchedulerConfig)
	if err != nil {
		benchLog.Error(err)
		return 1
	}
	if *prestartArg {
		scheduler.PrestartAllCoreWorkers()
		benchLog.Infof("prestarted %d core workers", scheduler.GetCurrentPoolSize())
	}

	runners := make([]*workloadRunner, 0, len(benchConfig))
	for name, workloadCfg := range benchConfig {
		wr := &workloadRunner{name: name, cfg: workloadCfg}
		if workloadCfg.AllocPerTask != "" {
			wr.allocSize, err = units.RAMInBytes(workloadCfg.AllocPerTask)
			if err != nil {
				benchLog.Errorf("workload %s: invalid alloc_per_task %q: %v", name, workloadCfg.AllocPerTask, err)
				return 1
			}
		}
		runners = append(runners, wr)
	}
	for _, wr := range runners {
		if err := wr.submit(scheduler); err != nil {
			benchLog.Error(err)
			return 1
		}
	}

	// Run until the timer or a signal, whichever comes first:
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	runTimer := time.NewTimer(*runTimeArg)
	select {
	case sig := <-sigChan:
		runTimer.Stop()
		benchLog.Warnf("%s signal received, shutting down", sig)
	case <-runTimer.C:
		benchLog.Infof("run time %s lapsed, shutting down", *runTimeArg)
	}

	// Watchdog for a wedged shutdown:
	shutdownTimer := time.AfterFunc(SHUTDOWN_MAX_WAIT, func() {
		benchLog.Fatalf("shutdown timed out after %s, force exit", SHUTDOWN_MAX_WAIT)
	})
	scheduler.Shutdown()
	shutdownTimer.Stop()

	// The report:
	totalExecuted, totalAllocated := uint64(0), uint64(0)
	for _, wr := range runners {
		executed, allocated := wr.executed.Load(), wr.allocated.Load()
		totalExecuted += executed
		totalAllocated += allocated
		benchLog.Infof(
			"workload %s: executed=%d, churned=%s",
			wr.name, executed, units.HumanSize(float64(allocated)),
		)
	}
	benchLog.Infof(
		"total: executed=%d, churned=%s",
		totalExecuted, units.HumanSize(float64(totalAllocated)),
	)

	stats := scheduler.SnapStats(nil)
	benchLog.Infof(
		"scheduler: submitted_high=%d, submitted_low=%d, executed=%d, rescheduled=%d, shutdown_canceled=%d",
		stats.SchedulerStats[threadly.SCHEDULER_STATS_SUBMITTED_HIGH_COUNT],
		stats.SchedulerStats[threadly.SCHEDULER_STATS_SUBMITTED_LOW_COUNT],
		stats.SchedulerStats[threadly.SCHEDULER_STATS_EXECUTED_COUNT],
		stats.SchedulerStats[threadly.SCHEDULER_STATS_RESCHEDULED_COUNT],
		stats.SchedulerStats[threadly.SCHEDULER_STATS_SHUTDOWN_CANCELED_COUNT],
	)
	benchLog.Infof(
		"pool: created=%d, expired=%d, killed=%d, low_wait_timeout=%d, dropped=%d",
		stats.WorkerPoolStats[threadly.POOL_STATS_WORKER_CREATED_COUNT],
		stats.WorkerPoolStats[threadly.POOL_STATS_WORKER_EXPIRED_COUNT],
		stats.WorkerPoolStats[threadly.POOL_STATS_WORKER_KILLED_COUNT],
		stats.WorkerPoolStats[threadly.POOL_STATS_LOW_PRIORITY_WAIT_TIMEOUT_COUNT],
		stats.WorkerPoolStats[threadly.POOL_STATS_TASK_DROPPED_COUNT],
	)

	return 0
}

func main() {
	os.Exit(run())
}
