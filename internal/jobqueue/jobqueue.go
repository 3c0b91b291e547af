/*
Package jobqueue provides a River-based job queue for agent runs and
proposal executions.

For configuration options, retry policies, and tuning parameters, see
queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/pipeline"
	"github.com/foiaflow/internal/store"
)

// AgentRunArgs drives one pipeline run.
type AgentRunArgs struct {
	RunID int64 `json:"run_id"`
}

// Kind returns the job kind for River
func (AgentRunArgs) Kind() string { return "agent_run" }

// ExecuteProposalArgs dispatches one human-approved proposal. The execution
// key travels with the job; the executor consumes it atomically so a
// redelivered job cannot send twice. RunID is the resume run monitoring the
// dispatch.
type ExecuteProposalArgs struct {
	ProposalID   int64  `json:"proposal_id"`
	ExecutionKey string `json:"execution_key"`
	RunID        int64  `json:"run_id"`
}

// Kind returns the job kind for River
func (ExecuteProposalArgs) Kind() string { return "execute_proposal" }

// MonitorArgs is the periodic stuck-run sweep.
type MonitorArgs struct{}

// Kind returns the job kind for River
func (MonitorArgs) Kind() string { return "run_monitor" }

// AgentRunWorker executes pipeline runs.
type AgentRunWorker struct {
	river.WorkerDefaults[AgentRunArgs]
	coordinator *pipeline.Coordinator
	logger      zerolog.Logger
}

// Work runs the pipeline for the job's run.
func (w *AgentRunWorker) Work(ctx context.Context, job *river.Job[AgentRunArgs]) error {
	w.logger.Info().Int64("run_id", job.Args.RunID).Int("attempt", job.Attempt).Msg("Working agent run")
	return w.coordinator.Execute(ctx, job.Args.RunID)
}

// ExecuteProposalWorker dispatches approved proposals under their resume run.
type ExecuteProposalWorker struct {
	river.WorkerDefaults[ExecuteProposalArgs]
	dispatcher pipeline.Dispatcher
	store      store.Store
	logger     zerolog.Logger
}

// Work dispatches the job's proposal and settles the resume run around it.
func (w *ExecuteProposalWorker) Work(ctx context.Context, job *river.Job[ExecuteProposalArgs]) error {
	logger := w.logger.With().
		Int64("proposal_id", job.Args.ProposalID).
		Int64("run_id", job.Args.RunID).
		Logger()
	logger.Info().Int("attempt", job.Attempt).Msg("Working proposal execution")

	started := true
	if err := w.store.MarkRunRunning(ctx, job.Args.RunID); err != nil {
		// A settled run means a redelivered job; the executor's claim check
		// makes the dispatch itself a no-op, and the run keeps its state.
		started = false
		logger.Info().Err(err).Msg("Resume run not startable, relying on execution claim")
	}

	if err := w.dispatcher.Dispatch(ctx, job.Args.ProposalID, job.Args.ExecutionKey); err != nil {
		if started {
			if ferr := w.store.FailRun(ctx, job.Args.RunID, err.Error()); ferr != nil {
				logger.Warn().Err(ferr).Msg("Could not fail resume run")
			}
		}
		return err
	}
	if !started {
		return nil
	}
	return w.store.CompleteRun(ctx, job.Args.RunID)
}

// MonitorWorker sweeps stale running runs and requeues them.
type MonitorWorker struct {
	river.WorkerDefaults[MonitorArgs]
	store  store.Store
	window time.Duration
	queue  *JobQueue
	logger zerolog.Logger
}

// Work performs one sweep.
func (w *MonitorWorker) Work(ctx context.Context, _ *river.Job[MonitorArgs]) error {
	swept, err := Sweep(ctx, w.store, w.queue, time.Now().Add(-w.window), w.logger)
	if err != nil {
		return err
	}
	if swept > 0 {
		w.logger.Warn().Int("swept", swept).Msg("Requeued stalled runs")
	}
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

var _ pipeline.Enqueuer = (*JobQueue)(nil)

// NewJobQueue creates a new job queue instance wired to the pipeline.
func NewJobQueue(
	databaseURL string,
	coordinator *pipeline.Coordinator,
	dispatcher pipeline.Dispatcher,
	st store.Store,
	config *QueueConfig,
	logger zerolog.Logger,
) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	jq := &JobQueue{pool: pool, config: config}

	workers := river.NewWorkers()
	river.AddWorker(workers, &AgentRunWorker{coordinator: coordinator, logger: logger})
	river.AddWorker(workers, &ExecuteProposalWorker{dispatcher: dispatcher, store: st, logger: logger})
	river.AddWorker(workers, &MonitorWorker{store: st, window: config.StalenessWindow, queue: jq, logger: logger})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(config.MonitorInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return MonitorArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	jq.client = client
	return jq, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// EnqueueRun queues one agent run. Duplicate insertions for the same run are
// harmless: the coordinator skips settled runs.
func (jq *JobQueue) EnqueueRun(ctx context.Context, runID int64) error {
	_, err := jq.client.Insert(ctx, AgentRunArgs{RunID: runID}, &river.InsertOpts{
		MaxAttempts: jq.config.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to queue agent run %d: %w", runID, err)
	}
	return nil
}

// EnqueueExecution queues the dispatch of an approved proposal.
func (jq *JobQueue) EnqueueExecution(ctx context.Context, proposalID int64, executionKey string, runID int64) error {
	_, err := jq.client.Insert(ctx, ExecuteProposalArgs{
		ProposalID:   proposalID,
		ExecutionKey: executionKey,
		RunID:        runID,
	}, &river.InsertOpts{
		MaxAttempts: jq.config.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to queue execution of proposal %d: %w", proposalID, err)
	}
	return nil
}
