/*
Package jobqueue configuration - tunable parameters for the River job queue.

## Quick Configuration Reference:

### Performance Tuning:
- Increase MaxWorkers for higher throughput (more concurrent agent runs)
- Adjust MaxRetries for different reliability vs. speed tradeoffs

### Reliability Tuning:
- MaxRetries bounds how often a transient failure is retried before the run
  monitor takes over
- JobTimeout should stay above the executor's dispatch timeout so the queue
  never cancels a job that is mid-send

## Monitoring and Debugging:
- Job status can be monitored via River's built-in job tracking
- Failed jobs retain error information in the River jobs table
- Run-level progress is stored on the agent_runs table, stage by stage
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	// Worker Configuration
	MaxWorkers int // Number of concurrent workers processing jobs (default: 10)

	// Retry Configuration
	MaxRetries int           // Maximum retry attempts per job (default: 10)
	JobTimeout time.Duration // Maximum time a single job can run (default: 10 minutes)

	// MonitorInterval between stuck-run sweeps
	MonitorInterval time.Duration

	// StalenessWindow is how long a run may go without a heartbeat before the
	// monitor flags it stuck and requeues a resume
	StalenessWindow time.Duration
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:      10,
		MaxRetries:      10,
		JobTimeout:      10 * time.Minute,
		MonitorInterval: 30 * time.Second,
		StalenessWindow: 2 * time.Minute,
	}
}

// DevelopmentQueueConfig returns a configuration optimized for development
func DevelopmentQueueConfig() *QueueConfig {
	config := DefaultQueueConfig()

	config.MaxWorkers = 3
	config.MaxRetries = 3 // Fail faster in development
	config.JobTimeout = 2 * time.Minute

	return config
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
