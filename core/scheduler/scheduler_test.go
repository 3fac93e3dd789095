package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cluster-scheduler/core/events"
	"cluster-scheduler/core/models"
	"cluster-scheduler/core/registry"
)

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry) {
	t.Helper()
	bus := events.NewBus()
	reg := registry.New(bus)
	sched := New(reg, bus, nil, time.Second, 0.8)
	sched.backoff = 0
	reg.SetNodeDownHook(sched.HandleNodeDown)
	return sched, reg
}

func addRunningNode(t *testing.T, reg *registry.Registry, cpu, mem float64, rate float64) string {
	t.Helper()
	id, err := reg.Register(models.NodeSpec{
		Type:   "standard-worker",
		Region: "us-east-1",
		Resources: models.Resources{
			CPUCores:    cpu,
			MemoryGB:    mem,
			StorageGB:   1000,
			NetworkGbps: 10,
		},
		HourlyRate: rate,
	})
	require.NoError(t, err)
	require.NoError(t, reg.Transition(id, models.NodeStatusRunning))
	return id
}

func submitJob(t *testing.T, s *Scheduler, priority models.JobPriority, cpu, mem float64, maxRetries int) string {
	t.Helper()
	id, err := s.Submit(models.JobSpec{
		Name:     "job",
		Type:     "batch",
		Priority: priority,
		Requirements: models.JobRequirements{
			CPUCores: cpu,
			MemoryGB: mem,
		},
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	return id
}

func TestSubmitValidation(t *testing.T) {
	sched, _ := newTestScheduler(t)

	_, err := sched.Submit(models.JobSpec{Requirements: models.JobRequirements{CPUCores: -1}})
	assert.ErrorIs(t, err, models.ErrInvalidJobSpec)

	_, err = sched.Submit(models.JobSpec{MaxRetries: -1})
	assert.ErrorIs(t, err, models.ErrInvalidJobSpec)

	_, err = sched.Submit(models.JobSpec{Priority: "extreme"})
	assert.ErrorIs(t, err, models.ErrInvalidJobSpec)

	id, err := sched.Submit(models.JobSpec{Requirements: models.JobRequirements{CPUCores: 1}})
	require.NoError(t, err)
	job, err := sched.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, models.PriorityNormal, job.Priority)
}

// Two nodes: the larger, less utilized one wins on score and its CPU
// usage lands at 50% after the assignment.
func TestBestFitAssignment(t *testing.T) {
	sched, reg := newTestScheduler(t)

	n1 := addRunningNode(t, reg, 16, 64, 2.0)
	n2 := addRunningNode(t, reg, 8, 32, 1.0)
	require.NoError(t, reg.Reserve(n1, models.JobRequirements{CPUCores: 4, MemoryGB: 16}))  // 25% used
	require.NoError(t, reg.Reserve(n2, models.JobRequirements{CPUCores: 3.6, MemoryGB: 14.4})) // 45% used

	jobID := submitJob(t, sched, models.PriorityNormal, 4, 8, 0)
	sched.Tick(context.Background())

	job, err := sched.GetJob(jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, job.Status)
	require.NotNil(t, job.Assignment)
	assert.Equal(t, n1, job.Assignment.NodeID)

	node, err := reg.Get(n1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, node.Resources.CPUFraction(), 1e-9)
}

func TestPriorityOrderWithFIFOTiebreak(t *testing.T) {
	sched, reg := newTestScheduler(t)
	// Room for exactly one job at a time.
	addRunningNode(t, reg, 4, 16, 1.0)

	lowID := submitJob(t, sched, models.PriorityLow, 4, 8, 0)
	firstUrgent := submitJob(t, sched, models.PriorityUrgent, 4, 8, 0)
	secondUrgent := submitJob(t, sched, models.PriorityUrgent, 4, 8, 0)

	sched.Tick(context.Background())

	job, _ := sched.GetJob(firstUrgent)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	job, _ = sched.GetJob(secondUrgent)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	job, _ = sched.GetJob(lowID)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	// Free the node; the second urgent job goes before the low one.
	require.NoError(t, sched.Complete(firstUrgent, models.JobResult{ExecutionTime: time.Second}))
	sched.Tick(context.Background())

	job, _ = sched.GetJob(secondUrgent)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	job, _ = sched.GetJob(lowID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

// A job no node can ever fit stays queued with no error and no
// side effects.
func TestOversizedJobStarvesQuietly(t *testing.T) {
	sched, reg := newTestScheduler(t)
	addRunningNode(t, reg, 16, 64, 1.0)

	jobID := submitJob(t, sched, models.PriorityUrgent, 64, 8, 0)
	for i := 0; i < 5; i++ {
		sched.Tick(context.Background())
	}

	job, err := sched.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Nil(t, job.Assignment)
}

func TestAdmissionCeiling(t *testing.T) {
	sched, reg := newTestScheduler(t)
	id := addRunningNode(t, reg, 16, 64, 1.0)
	// Push utilization to 87.5%, above the 0.8 ceiling.
	require.NoError(t, reg.Reserve(id, models.JobRequirements{CPUCores: 14, MemoryGB: 56}))

	jobID := submitJob(t, sched, models.PriorityNormal, 1, 1, 0)
	sched.Tick(context.Background())

	job, _ := sched.GetJob(jobID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestRetryBound(t *testing.T) {
	sched, reg := newTestScheduler(t)
	addRunningNode(t, reg, 16, 64, 1.0)

	jobID := submitJob(t, sched, models.PriorityNormal, 4, 8, 3)

	// Fail four consecutive executions; the first three requeue.
	for attempt := 0; attempt < 4; attempt++ {
		sched.Tick(context.Background())
		job, err := sched.GetJob(jobID)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusRunning, job.Status, "attempt %d", attempt)
		require.NoError(t, sched.Fail(jobID, "executor crashed"))
	}

	job, err := sched.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.Retries)
	assert.Equal(t, "executor crashed", job.LastError)

	// No further requeue.
	sched.Tick(context.Background())
	job, _ = sched.GetJob(jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	// The node's reservation is fully released.
	nodes := reg.List(registry.NodeFilter{Status: models.NodeStatusRunning})
	require.Len(t, nodes, 1)
	assert.Zero(t, nodes[0].Resources.Used.CPUCores)
	assert.Zero(t, nodes[0].Workload.ActiveJobs)
	assert.Equal(t, 1, nodes[0].Workload.FailedJobs)
}

func TestCompleteReleasesAndRecordsPerformance(t *testing.T) {
	sched, reg := newTestScheduler(t)
	nodeID := addRunningNode(t, reg, 16, 64, 2.0)

	jobID := submitJob(t, sched, models.PriorityNormal, 4, 8, 0)
	sched.Tick(context.Background())

	require.NoError(t, sched.Complete(jobID, models.JobResult{
		ExecutionTime:       90 * time.Second,
		ResourceUtilization: 0.75,
		CostUSD:             0.05,
	}))

	job, err := sched.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Performance)
	assert.Equal(t, 90*time.Second, job.Performance.ExecutionTime)
	require.NotNil(t, job.Assignment.CompletedAt)

	node, _ := reg.Get(nodeID)
	assert.Zero(t, node.Resources.Used.CPUCores)
	assert.Equal(t, 1, node.Workload.CompletedJobs)

	// Completing twice is an ordering error.
	err = sched.Complete(jobID, models.JobResult{})
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
}

func TestDeterministicNodeChoice(t *testing.T) {
	run := func() string {
		sched, reg := newTestScheduler(t)
		// Identical nodes: the tie must break on lowest node ID.
		addRunningNode(t, reg, 8, 32, 1.0)
		addRunningNode(t, reg, 8, 32, 1.0)
		addRunningNode(t, reg, 8, 32, 1.0)

		jobID := submitJob(t, sched, models.PriorityNormal, 2, 4, 0)
		sched.Tick(context.Background())

		job, err := sched.GetJob(jobID)
		require.NoError(t, err)
		require.NotNil(t, job.Assignment)

		lowest := ""
		for _, n := range reg.List(registry.NodeFilter{}) {
			if lowest == "" || n.ID < lowest {
				lowest = n.ID
			}
		}
		assert.Equal(t, lowest, job.Assignment.NodeID)
		return job.Assignment.NodeID
	}
	run()
	run()
}

func TestNodeDownRequeuesJobsWithoutChargingRetries(t *testing.T) {
	sched, reg := newTestScheduler(t)
	badID := addRunningNode(t, reg, 64, 256, 1.0)

	jobID := submitJob(t, sched, models.PriorityNormal, 4, 8, 1)
	sched.Tick(context.Background())
	job, _ := sched.GetJob(jobID)
	require.Equal(t, models.JobStatusRunning, job.Status)
	require.Equal(t, badID, job.Assignment.NodeID)

	// Three consecutive critical issues force the node into error,
	// which requeues its jobs through the node-down hook.
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.RecordHealthIssue(badID, models.SeverityCritical, "kernel panic"))
	}

	job, _ = sched.GetJob(jobID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Nil(t, job.Assignment)
	assert.Zero(t, job.Retries)

	// The errored node is no longer eligible.
	sched.Tick(context.Background())
	job, _ = sched.GetJob(jobID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestPlacementHintsAreOneShot(t *testing.T) {
	sched, reg := newTestScheduler(t)
	big := addRunningNode(t, reg, 32, 128, 1.0)
	small := addRunningNode(t, reg, 8, 32, 1.0)

	// Unhinted, the big node wins on available capacity.
	first := submitJob(t, sched, models.PriorityNormal, 1, 1, 0)
	sched.Tick(context.Background())
	job, _ := sched.GetJob(first)
	require.Equal(t, big, job.Assignment.NodeID)

	// Preferring the small node overrides the score once.
	sched.SetPlacementHints([]string{small}, nil)
	second := submitJob(t, sched, models.PriorityNormal, 1, 1, 0)
	sched.Tick(context.Background())
	job, _ = sched.GetJob(second)
	assert.Equal(t, small, job.Assignment.NodeID)

	// The hint does not survive into the next tick.
	third := submitJob(t, sched, models.PriorityNormal, 1, 1, 0)
	sched.Tick(context.Background())
	job, _ = sched.GetJob(third)
	assert.Equal(t, big, job.Assignment.NodeID)
}

func TestCancelQueuedOnly(t *testing.T) {
	sched, reg := newTestScheduler(t)
	addRunningNode(t, reg, 16, 64, 1.0)

	queued := submitJob(t, sched, models.PriorityNormal, 4, 8, 0)
	require.NoError(t, sched.Cancel(queued))
	job, _ := sched.GetJob(queued)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	running := submitJob(t, sched, models.PriorityNormal, 4, 8, 0)
	sched.Tick(context.Background())
	err := sched.Cancel(running)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
}
