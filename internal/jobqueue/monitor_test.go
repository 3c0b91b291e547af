package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

type recordingEnqueuer struct {
	runs []int64
}

func (r *recordingEnqueuer) EnqueueRun(_ context.Context, runID int64) error {
	r.runs = append(r.runs, runID)
	return nil
}

func seedRunningRun(t *testing.T, st *store.MemoryStore, name string) *models.AgentRun {
	t.Helper()
	c := &models.Case{Name: name, AgencyName: "Agency", Status: models.CaseAwaitingResponse,
		AutopilotMode: models.ModeAuto, Channel: models.ChannelEmail}
	require.NoError(t, st.CreateCase(context.Background(), c))
	run := &models.AgentRun{CaseID: c.ID, TriggerType: models.TriggerInbound}
	require.NoError(t, st.CreateRun(context.Background(), run))
	require.NoError(t, st.MarkRunRunning(context.Background(), run.ID))
	return run
}

func TestSweepRequeuesStalledRun(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &recordingEnqueuer{}
	run := seedRunningRun(t, st, "Payroll records")

	// A cutoff after the heartbeat makes the run stale, standing in for the
	// two-minute staleness window without waiting it out.
	cutoff := time.Now().Add(time.Minute)
	swept, err := Sweep(context.Background(), st, enq, cutoff, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, []int64{run.ID}, enq.runs)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStuck, got.Status)

	activity, err := st.ListActivity(context.Background(), got.CaseID)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, "run_stuck", activity[len(activity)-1].EventType)
}

func TestSweepParksStalledDispatchRun(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &recordingEnqueuer{}
	c := &models.Case{Name: "Payroll records", AgencyName: "Agency", Status: models.CaseAwaitingResponse,
		AutopilotMode: models.ModeSupervised, Channel: models.ChannelEmail}
	require.NoError(t, st.CreateCase(context.Background(), c))
	run := &models.AgentRun{CaseID: c.ID, TriggerType: models.TriggerResume}
	require.NoError(t, st.CreateRun(context.Background(), run))
	require.NoError(t, st.MarkRunRunning(context.Background(), run.ID))

	swept, err := Sweep(context.Background(), st, enq, time.Now().Add(time.Minute), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// A resume run wraps a send, so it is never requeued.
	assert.Empty(t, enq.runs)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStuck, got.Status)

	activity, err := st.ListActivity(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, "run_stuck", activity[len(activity)-1].EventType)
}

func TestSweepIgnoresFreshRun(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &recordingEnqueuer{}
	run := seedRunningRun(t, st, "Payroll records")

	cutoff := time.Now().Add(-2 * time.Minute)
	swept, err := Sweep(context.Background(), st, enq, cutoff, zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, swept)
	assert.Empty(t, enq.runs)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)
}

func TestSweepIgnoresSettledRuns(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &recordingEnqueuer{}
	run := seedRunningRun(t, st, "Payroll records")
	require.NoError(t, st.CompleteRun(context.Background(), run.ID))

	swept, err := Sweep(context.Background(), st, enq, time.Now().Add(time.Minute), zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSweptRunIsResumable(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &recordingEnqueuer{}
	run := seedRunningRun(t, st, "Payroll records")

	_, err := Sweep(context.Background(), st, enq, time.Now().Add(time.Minute), zerolog.Nop())
	require.NoError(t, err)

	// The requeued job restarts the run through the same entry point.
	assert.NoError(t, st.MarkRunRunning(context.Background(), run.ID))
}
