package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cluster-scheduler/core/events"
	"cluster-scheduler/core/models"
	"cluster-scheduler/core/registry"
	"cluster-scheduler/core/scheduler"
)

// fakeProvisioner counts calls and fails on demand
type fakeProvisioner struct {
	mu                 sync.Mutex
	seq                int
	failAtCall         int // 1-based Provision call that fails; 0 never
	failAwait          bool
	failAwaitFor       string // handle whose AwaitReady fails
	failDeprovisionFor string // handle whose Deprovision fails
	deprovisioned      []string
}

func (f *fakeProvisioner) Provision(_ context.Context, spec models.NodeSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if f.failAtCall > 0 && f.seq == f.failAtCall {
		return "", errors.New("capacity not available in region")
	}
	return fmt.Sprintf("fake-%d", f.seq), nil
}

func (f *fakeProvisioner) AwaitReady(_ context.Context, providerID string) error {
	if f.failAwait || providerID == f.failAwaitFor {
		return errors.New("instance stuck in pending")
	}
	return nil
}

func (f *fakeProvisioner) Deprovision(_ context.Context, providerID string) error {
	if providerID == f.failDeprovisionFor {
		return errors.New("terminate request rejected")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deprovisioned = append(f.deprovisioned, providerID)
	return nil
}

type scalingFixture struct {
	reg       *registry.Registry
	sched     *scheduler.Scheduler
	prov      *fakeProvisioner
	decisions *DecisionLog
	exec      *Executor
}

func newScalingFixture(t *testing.T, cfg Config) *scalingFixture {
	t.Helper()
	bus := events.NewBus()
	reg := registry.New(bus)
	sched := scheduler.New(reg, bus, nil, time.Second, 0.8)
	reg.SetNodeDownHook(sched.HandleNodeDown)
	prov := &fakeProvisioner{}
	decisions := NewDecisionLog()
	exec := NewExecutor(reg, sched, prov, decisions, bus, cfg)
	exec.drainTimeout = 2 * time.Second
	return &scalingFixture{reg: reg, sched: sched, prov: prov, decisions: decisions, exec: exec}
}

func (f *scalingFixture) planned(d *models.ScalingDecision) string {
	d.Status = models.DecisionPlanned
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	f.decisions.Add(d)
	return d.ID
}

func TestScaleUpProvisionsAndStartsNodes(t *testing.T) {
	f := newScalingFixture(t, testConfig())
	id := f.planned(&models.ScalingDecision{
		ID:   "up-1",
		Type: models.DecisionScaleUp,
		Action: models.ScalingAction{
			NodeCount:        2,
			EstimatedBenefit: 0.5,
		},
	})

	require.NoError(t, f.exec.Execute(context.Background(), id))

	nodes := f.reg.List(registry.NodeFilter{Status: models.NodeStatusRunning})
	require.Len(t, nodes, 2)
	for _, node := range nodes {
		assert.NotEmpty(t, node.ProviderID)
		assert.Equal(t, "standard-worker", node.Type)
		assert.InDelta(t, 0.384, node.Cost.HourlyRate, 1e-9)
	}

	d, err := f.decisions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCompleted, d.Status)
	require.NotNil(t, d.Result)
	assert.True(t, d.Result.Success)
	assert.InDelta(t, 2*0.384, d.Result.ActualCost, 1e-9)
	assert.False(t, f.decisions.LastCompletedAt(models.DecisionScaleUp).IsZero())
}

// A provisioning failure mid-decision must leave no initializing nodes
// behind: everything created so far is deprovisioned and removed.
func TestScaleUpRollsBackOnProvisionFailure(t *testing.T) {
	f := newScalingFixture(t, testConfig())
	f.prov.failAtCall = 2

	id := f.planned(&models.ScalingDecision{
		ID:     "up-2",
		Type:   models.DecisionScaleUp,
		Action: models.ScalingAction{NodeCount: 3},
	})

	err := f.exec.Execute(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrProvisioningFailure)

	assert.Empty(t, f.reg.List(registry.NodeFilter{}))
	assert.Equal(t, []string{"fake-1"}, f.prov.deprovisioned)

	d, _ := f.decisions.Get(id)
	assert.Equal(t, models.DecisionFailed, d.Status)
	assert.Contains(t, d.Result.Error, "capacity not available")

	// A failed decision does not start a cooldown; the next cycle may
	// retry immediately.
	assert.True(t, f.decisions.LastCompletedAt(models.DecisionScaleUp).IsZero())
}

func TestScaleUpRollsBackWhenNodeNeverReady(t *testing.T) {
	f := newScalingFixture(t, testConfig())
	f.prov.failAwait = true

	id := f.planned(&models.ScalingDecision{
		ID:     "up-3",
		Type:   models.DecisionScaleUp,
		Action: models.ScalingAction{NodeCount: 2},
	})

	err := f.exec.Execute(context.Background(), id)
	require.ErrorIs(t, err, models.ErrProvisioningFailure)

	assert.Empty(t, f.reg.List(registry.NodeFilter{}))
	assert.ElementsMatch(t, []string{"fake-1", "fake-2"}, f.prov.deprovisioned)
}

// Readiness failing for a later node after an earlier one already
// went running must still restore the pre-decision registry: the
// running node is stopped and removed, not stranded pointing at a
// deprovisioned instance.
func TestScaleUpRollsBackPartiallyReadyNodes(t *testing.T) {
	f := newScalingFixture(t, testConfig())
	f.prov.failAwaitFor = "fake-2"

	id := f.planned(&models.ScalingDecision{
		ID:     "up-5",
		Type:   models.DecisionScaleUp,
		Action: models.ScalingAction{NodeCount: 2},
	})

	err := f.exec.Execute(context.Background(), id)
	require.ErrorIs(t, err, models.ErrProvisioningFailure)

	assert.Empty(t, f.reg.List(registry.NodeFilter{}))
	assert.ElementsMatch(t, []string{"fake-1", "fake-2"}, f.prov.deprovisioned)

	d, _ := f.decisions.Get(id)
	assert.Equal(t, models.DecisionFailed, d.Status)
}

func TestScaleDownDrainsAndRemoves(t *testing.T) {
	f := newScalingFixture(t, testConfig())

	spec := testConfig().WorkerProfile
	spec.HourlyRate = 0.5
	spec.ProviderID = "fake-keep"
	keep, err := f.reg.Register(spec)
	require.NoError(t, err)
	require.NoError(t, f.reg.Transition(keep, models.NodeStatusRunning))

	spec.ProviderID = "fake-drop"
	drop, err := f.reg.Register(spec)
	require.NoError(t, err)
	require.NoError(t, f.reg.Transition(drop, models.NodeStatusRunning))

	id := f.planned(&models.ScalingDecision{
		ID:     "down-1",
		Type:   models.DecisionScaleDown,
		Action: models.ScalingAction{TargetNodes: []string{drop}},
	})
	require.NoError(t, f.exec.Execute(context.Background(), id))

	_, err = f.reg.Get(drop)
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
	_, err = f.reg.Get(keep)
	assert.NoError(t, err)
	assert.Equal(t, []string{"fake-drop"}, f.prov.deprovisioned)

	d, _ := f.decisions.Get(id)
	assert.Equal(t, models.DecisionCompleted, d.Status)
	assert.InDelta(t, 0.5, d.Result.ActualBenefit, 1e-9) // hourly savings
}

// A node that picked up a job between planning and execution is
// drained: the executor waits for the reservation to clear before
// tearing the node down.
func TestScaleDownWaitsForDrain(t *testing.T) {
	f := newScalingFixture(t, testConfig())

	spec := testConfig().WorkerProfile
	spec.ProviderID = "fake-busy"
	target, err := f.reg.Register(spec)
	require.NoError(t, err)
	require.NoError(t, f.reg.Transition(target, models.NodeStatusRunning))

	req := models.JobRequirements{CPUCores: 1, MemoryGB: 1}
	require.NoError(t, f.reg.Reserve(target, req))

	// Release the job shortly after draining starts.
	go func() {
		time.Sleep(400 * time.Millisecond)
		f.reg.Release(target, req, registry.OutcomeCompleted)
	}()

	id := f.planned(&models.ScalingDecision{
		ID:     "down-2",
		Type:   models.DecisionScaleDown,
		Action: models.ScalingAction{TargetNodes: []string{target}},
	})
	require.NoError(t, f.exec.Execute(context.Background(), id))

	_, err = f.reg.Get(target)
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
}

// When terminate fails after a node drained, the node stays in the
// registry (the instance is still billing) but carries a critical
// health issue so the condition is visible, and the decision fails.
func TestScaleDownFlagsNodeWhenDeprovisionFails(t *testing.T) {
	f := newScalingFixture(t, testConfig())
	f.prov.failDeprovisionFor = "fake-stuck"

	spec := testConfig().WorkerProfile
	spec.ProviderID = "fake-stuck"
	target, err := f.reg.Register(spec)
	require.NoError(t, err)
	require.NoError(t, f.reg.Transition(target, models.NodeStatusRunning))

	id := f.planned(&models.ScalingDecision{
		ID:     "down-3",
		Type:   models.DecisionScaleDown,
		Action: models.ScalingAction{TargetNodes: []string{target}},
	})
	err = f.exec.Execute(context.Background(), id)
	require.ErrorIs(t, err, models.ErrProvisioningFailure)

	node, err := f.reg.Get(target)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusStopping, node.Status)
	require.NotEmpty(t, node.Health.Issues)
	assert.Equal(t, models.SeverityCritical, node.Health.Issues[0].Severity)
	assert.Contains(t, node.Health.Issues[0].Message, "deprovision failed")

	d, _ := f.decisions.Get(id)
	assert.Equal(t, models.DecisionFailed, d.Status)
}

func TestRebalanceBiasesNextAssignment(t *testing.T) {
	f := newScalingFixture(t, testConfig())

	spec := testConfig().WorkerProfile
	spec.Resources = models.Resources{CPUCores: 32, MemoryGB: 128, StorageGB: 500, NetworkGbps: 10}
	inBand, err := f.reg.Register(spec)
	require.NoError(t, err)
	require.NoError(t, f.reg.Transition(inBand, models.NodeStatusRunning))
	// 60% on both dimensions: inside the 0.5..0.9 band, so unhinted.
	require.NoError(t, f.reg.Reserve(inBand, models.JobRequirements{CPUCores: 19.2, MemoryGB: 76.8}))

	spec.Resources = models.Resources{CPUCores: 8, MemoryGB: 32, StorageGB: 200, NetworkGbps: 10}
	idle, err := f.reg.Register(spec)
	require.NoError(t, err)
	require.NoError(t, f.reg.Transition(idle, models.NodeStatusRunning))

	id := f.planned(&models.ScalingDecision{
		ID:     "opt-1",
		Type:   models.DecisionOptimize,
		Action: models.ScalingAction{EstimatedBenefit: 0.2},
	})
	require.NoError(t, f.exec.Execute(context.Background(), id))

	// Unhinted scoring would pick the larger in-band node; the
	// rebalance hint steers the job to the underloaded one.
	jobID, err := f.sched.Submit(models.JobSpec{
		Requirements: models.JobRequirements{CPUCores: 1, MemoryGB: 1},
	})
	require.NoError(t, err)
	f.sched.Tick(context.Background())

	job, err := f.sched.GetJob(jobID)
	require.NoError(t, err)
	require.NotNil(t, job.Assignment)
	assert.Equal(t, idle, job.Assignment.NodeID)
}

// Decisions withdrawn after planning are skipped without touching the
// cluster.
func TestExecuteWithdrawnDecisionIsNoop(t *testing.T) {
	f := newScalingFixture(t, testConfig())

	id := f.planned(&models.ScalingDecision{
		ID:     "up-4",
		Type:   models.DecisionScaleUp,
		Action: models.ScalingAction{NodeCount: 2},
	})
	require.NoError(t, f.decisions.Withdraw(id))

	require.NoError(t, f.exec.Execute(context.Background(), id))

	assert.Empty(t, f.reg.List(registry.NodeFilter{}))
	d, _ := f.decisions.Get(id)
	assert.Equal(t, models.DecisionWithdrawn, d.Status)
	assert.Nil(t, d.Result)
}
