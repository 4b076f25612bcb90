// The public face of the scheduler for the users of this package

package threadly

import (
	"github.com/sirupsen/logrus"

	threadly_internal "github.com/nickynarak/threadly/internal"
)

// The two static priority classes; each has an independent queue and
// dispatcher:
const (
	PriorityHigh = threadly_internal.PriorityHigh
	PriorityLow  = threadly_internal.PriorityLow
)

// Indexes into PrioritySchedulerStats:
const (
	SCHEDULER_STATS_SUBMITTED_HIGH_COUNT    = threadly_internal.SCHEDULER_STATS_SUBMITTED_HIGH_COUNT
	SCHEDULER_STATS_SUBMITTED_LOW_COUNT     = threadly_internal.SCHEDULER_STATS_SUBMITTED_LOW_COUNT
	SCHEDULER_STATS_EXECUTED_COUNT          = threadly_internal.SCHEDULER_STATS_EXECUTED_COUNT
	SCHEDULER_STATS_RESCHEDULED_COUNT       = threadly_internal.SCHEDULER_STATS_RESCHEDULED_COUNT
	SCHEDULER_STATS_REMOVED_COUNT           = threadly_internal.SCHEDULER_STATS_REMOVED_COUNT
	SCHEDULER_STATS_SHUTDOWN_CANCELED_COUNT = threadly_internal.SCHEDULER_STATS_SHUTDOWN_CANCELED_COUNT

	POOL_STATS_WORKER_CREATED_COUNT            = threadly_internal.POOL_STATS_WORKER_CREATED_COUNT
	POOL_STATS_WORKER_EXPIRED_COUNT            = threadly_internal.POOL_STATS_WORKER_EXPIRED_COUNT
	POOL_STATS_WORKER_KILLED_COUNT             = threadly_internal.POOL_STATS_WORKER_KILLED_COUNT
	POOL_STATS_LOW_PRIORITY_WAIT_TIMEOUT_COUNT = threadly_internal.POOL_STATS_LOW_PRIORITY_WAIT_TIMEOUT_COUNT
	POOL_STATS_UNBOUNDED_WAIT_COUNT            = threadly_internal.POOL_STATS_UNBOUNDED_WAIT_COUNT
	POOL_STATS_TASK_DROPPED_COUNT              = threadly_internal.POOL_STATS_TASK_DROPPED_COUNT
	POOL_STATS_TASK_PANIC_COUNT                = threadly_internal.POOL_STATS_TASK_PANIC_COUNT
)

type Priority = threadly_internal.Priority
type PriorityScheduler = threadly_internal.PriorityScheduler
type PrioritySchedulerStats = threadly_internal.PrioritySchedulerStats
type SchedulerConfig = threadly_internal.SchedulerConfig
type LoggerConfig = threadly_internal.LoggerConfig
type ThreadlyConfig = threadly_internal.ThreadlyConfig
type TaskHandle = threadly_internal.TaskHandle
type FutureTask = threadly_internal.FutureTask
type GoroutineSpawner = threadly_internal.GoroutineSpawner

var (
	ErrShutdown       = threadly_internal.ErrShutdown
	ErrNilTask        = threadly_internal.ErrNilTask
	ErrFutureCanceled = threadly_internal.ErrFutureCanceled
	ErrResultWait     = threadly_internal.ErrResultWait
)

// NewPriorityScheduler creates a scheduler from the given config; nil
// stands for the defaults. The scheduler is ready for submissions
// immediately, the dispatchers start lazily on first use.
func NewPriorityScheduler(cfg *SchedulerConfig) (*PriorityScheduler, error) {
	return threadly_internal.NewPriorityScheduler(cfg)
}

func ParsePriority(name string) (Priority, error) {
	return threadly_internal.ParsePriority(name)
}

func DefaultThreadlyConfig() *ThreadlyConfig {
	return threadly_internal.DefaultThreadlyConfig()
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return threadly_internal.DefaultSchedulerConfig()
}

func DefaultLoggerConfig() *LoggerConfig {
	return threadly_internal.DefaultLoggerConfig()
}

// LoadConfig loads the threadly_config section into a ThreadlyConfig and
// the workloads section, if any, into the caller provided structure:
func LoadConfig(cfgFile string, userConfig any) (*ThreadlyConfig, error) {
	return threadly_internal.LoadConfig(cfgFile, userConfig, nil)
}

// Set the logger level, formatter and output based on config:
func SetLogger(logCfg *LoggerConfig) error {
	return threadly_internal.SetLogger(logCfg)
}

// The root logger. Needed only for tests where the logger is captured (see
// testutils/log_collector.go), its actual type is obscured. The use case:
//
//	func TestSomethingWithLogger(t *testing.T) {
//		tlc := threadly_testutils.NewTestLogCollect(t, threadly.GetRootLogger(), nil)
//		defer tlc.RestoreLog()
//		// Everything logged via the threadly logger will be captured by
//		// the tlc object and displayed at the end if the test fails or
//		// if it runs in verbose mode.
//	}
func GetRootLogger() any { return threadly_internal.RootLogger }

// Create new component logger w/ comp=compName field:
func NewCompLogger(comp string) *logrus.Entry {
	return threadly_internal.NewCompLogger(comp)
}

// When logging files, the file name is stripped of the module root dir
// prefix. The logger maintains a list of prefixes to strip and the
// following function adds the caller's module path to it, inferred from the
// caller's file path going up N dirs. Typically the call is made from
// main.init() with 0 (assuming main.go is at the root dir of the module).
func AddCallerSrcPathPrefixToLogger(upNDirs int) {
	// skip = 1 below to base the caller's path on the caller of this
	// function:
	threadly_internal.AddCallerSrcPathPrefixToLogger(upNDirs, 1)
}

// Format a flag usage message by wrapping it to the standard width:
func FormatFlagUsage(usage string) string {
	return threadly_internal.FormatFlagUsage(usage)
}
