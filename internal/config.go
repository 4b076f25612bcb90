// Scheduler configuration

// The configuration is loaded from a YAML file, with the following
// structure:
//
//  threadly_config:
//    log_config:
//      ...
//    scheduler_config:
//      ...
//  workloads:
//     work1:
//       ...
//     work2:
//       ...
//
// The "threadly_config" section maps to the ThreadlyConfig structure,
// defined in this package. The "workloads" section is application specific
// and it is not defined here; it is loaded into the caller provided
// structure, expected to have been primed with default values.

package threadly_internal

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	THREADLY_CONFIG_SECTION_NAME = "threadly_config"
	WORKLOADS_SECTION_NAME       = "workloads"

	// -1 stands for the available CPU count:
	SCHEDULER_CONFIG_CORE_POOL_SIZE_DEFAULT = -1
	// -1 stands for twice the (resolved) core pool size:
	SCHEDULER_CONFIG_MAX_POOL_SIZE_DEFAULT             = -1
	SCHEDULER_CONFIG_KEEP_ALIVE_DEFAULT                = 1 * time.Minute
	SCHEDULER_CONFIG_MAX_WAIT_FOR_LOW_PRIORITY_DEFAULT = 500 * time.Millisecond
	SCHEDULER_CONFIG_DEFAULT_PRIORITY_DEFAULT          = "high"
	SCHEDULER_CONFIG_ALLOW_CORE_TIMEOUT_DEFAULT        = false
	SCHEDULER_CONFIG_RESCHEDULE_ON_PANIC_DEFAULT       = true
)

type SchedulerConfig struct {
	// The minimum number of workers kept alive, unless core timeout is
	// allowed. If set to -1 it will match the number of available cores:
	CorePoolSize int `yaml:"core_pool_size"`
	// The upper bound on concurrent workers; submissions wait for a worker
	// rather than exceed it. If set to -1 it will be twice the core size:
	MaxPoolSize int `yaml:"max_pool_size"`
	// How long an idle worker above the core size survives:
	KeepAlive time.Duration `yaml:"keep_alive"`
	// How long a low priority submission waits for an existing worker
	// before being allowed to grow the pool:
	MaxWaitForLowPriority time.Duration `yaml:"max_wait_for_low_priority"`
	// The priority used by submissions that do not name one, "high" or
	// "low":
	DefaultPriority string `yaml:"default_priority"`
	// Whether core workers are subject to the keep alive expiration too:
	AllowCoreTimeout bool `yaml:"allow_core_timeout"`
	// Whether a recurring task whose action panics is re-enqueued
	// (self-healing) or cancelled:
	RescheduleOnPanic bool `yaml:"reschedule_on_panic"`

	// How goroutines are launched, settable programmatically only:
	Spawner GoroutineSpawner `yaml:"-"`
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		CorePoolSize:          SCHEDULER_CONFIG_CORE_POOL_SIZE_DEFAULT,
		MaxPoolSize:           SCHEDULER_CONFIG_MAX_POOL_SIZE_DEFAULT,
		KeepAlive:             SCHEDULER_CONFIG_KEEP_ALIVE_DEFAULT,
		MaxWaitForLowPriority: SCHEDULER_CONFIG_MAX_WAIT_FOR_LOW_PRIORITY_DEFAULT,
		DefaultPriority:       SCHEDULER_CONFIG_DEFAULT_PRIORITY_DEFAULT,
		AllowCoreTimeout:      SCHEDULER_CONFIG_ALLOW_CORE_TIMEOUT_DEFAULT,
		RescheduleOnPanic:     SCHEDULER_CONFIG_RESCHEDULE_ON_PANIC_DEFAULT,
	}
}

func fmtValidationError(field string, value any, constraint string) error {
	return fmt.Errorf("invalid %s %v, want %s", field, value, constraint)
}

type ThreadlyConfig struct {
	// Specific components configuration:
	LoggerConfig    *LoggerConfig    `yaml:"log_config"`
	SchedulerConfig *SchedulerConfig `yaml:"scheduler_config"`
}

func DefaultThreadlyConfig() *ThreadlyConfig {
	return &ThreadlyConfig{
		LoggerConfig:    DefaultLoggerConfig(),
		SchedulerConfig: DefaultSchedulerConfig(),
	}
}

// LoadConfig loads the configuration from the specified YAML file (or
// buffer, for testing) as follows:
//   - the threadly_config section is returned as a *ThreadlyConfig
//     structure
//   - the workloads section is loaded into the provided userConfig
//     structure, which is expected to have been primed with default values.
//
// Additionally an error is returned if the configuration could not be
// loaded or parsed.
func LoadConfig(cfgFile string, userConfig any, buf []byte) (*ThreadlyConfig, error) {
	if buf == nil {
		// Normal case, buf is pre-populated only for testing.
		f, err := os.Open(cfgFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		buf, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("file: %q: %v", cfgFile, err)
		}
	}

	docNode := yaml.Node{}
	err := yaml.Unmarshal(buf, &docNode)
	if err != nil {
		return nil, fmt.Errorf("file: %q: %v", cfgFile, err)
	}

	threadlyConfig := DefaultThreadlyConfig()
	if docNode.Kind == yaml.DocumentNode && len(docNode.Content) > 0 {
		rootNode := docNode.Content[0]
		if rootNode.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("file: %q: invalid YAML root node %q", cfgFile, rootNode.Tag)
		}
		var toCfg any = nil
		for _, n := range rootNode.Content {
			if n.Kind == yaml.ScalarNode {
				switch n.Value {
				case THREADLY_CONFIG_SECTION_NAME:
					toCfg = threadlyConfig
				case WORKLOADS_SECTION_NAME:
					toCfg = userConfig
				}
				continue
			}
			if n.Kind == yaml.MappingNode && toCfg != nil {
				if err = n.Decode(toCfg); err != nil {
					return nil, fmt.Errorf("file: %q: %v", cfgFile, err)
				}
			}
			toCfg = nil
		}
	}

	return threadlyConfig, nil
}
