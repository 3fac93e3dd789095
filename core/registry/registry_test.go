package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cluster-scheduler/core/events"
	"cluster-scheduler/core/models"
)

func testSpec() models.NodeSpec {
	return models.NodeSpec{
		Name:   "worker-1",
		Type:   "standard-worker",
		Region: "us-east-1",
		Resources: models.Resources{
			CPUCores:    16,
			MemoryGB:    64,
			StorageGB:   500,
			NetworkGbps: 10,
		},
		HourlyRate: 2.0,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(events.NewBus())
}

func registerRunning(t *testing.T, r *Registry, spec models.NodeSpec) string {
	t.Helper()
	id, err := r.Register(spec)
	require.NoError(t, err)
	require.NoError(t, r.Transition(id, models.NodeStatusRunning))
	return id
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)

	spec := testSpec()
	spec.Resources.CPUCores = -1
	_, err := r.Register(spec)
	assert.ErrorIs(t, err, models.ErrInvalidSpec)

	spec = testSpec()
	spec.Resources = models.Resources{}
	_, err = r.Register(spec)
	assert.ErrorIs(t, err, models.ErrInvalidSpec)

	spec = testSpec()
	spec.HourlyRate = -0.5
	_, err = r.Register(spec)
	assert.ErrorIs(t, err, models.ErrInvalidSpec)

	id, err := r.Register(testSpec())
	require.NoError(t, err)

	node, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusInitializing, node.Status)
	assert.Equal(t, 1.0, node.Health.Score)
}

func TestTransitionGraph(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Register(testSpec())
	require.NoError(t, err)

	require.NoError(t, r.Transition(id, models.NodeStatusRunning))
	require.NoError(t, r.Transition(id, models.NodeStatusStopping))
	require.NoError(t, r.Transition(id, models.NodeStatusStopped))

	// stopped is terminal
	err = r.Transition(id, models.NodeStatusRunning)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	err = r.Transition("no-such-node", models.NodeStatusRunning)
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
}

func TestReserveReleaseCapacityInvariant(t *testing.T) {
	r := newTestRegistry(t)
	id := registerRunning(t, r, testSpec())

	req := models.JobRequirements{CPUCores: 8, MemoryGB: 32, StorageGB: 100}
	require.NoError(t, r.Reserve(id, req))

	node, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 8.0, node.Resources.Used.CPUCores)
	assert.Equal(t, 1, node.Workload.ActiveJobs)
	assert.InDelta(t, 0.5, node.Workload.Utilization, 1e-9) // (8/16 + 32/64) / 2

	// Second reservation of the same size fits exactly.
	require.NoError(t, r.Reserve(id, req))

	// Third would drive CPU negative-available.
	err = r.Reserve(id, req)
	assert.ErrorIs(t, err, models.ErrInsufficientCapacity)

	node, _ = r.Get(id)
	assert.LessOrEqual(t, node.Resources.Used.CPUCores, node.Resources.Total.CPUCores)
	assert.LessOrEqual(t, node.Resources.Used.MemoryGB, node.Resources.Total.MemoryGB)

	r.Release(id, req, OutcomeCompleted)
	node, _ = r.Get(id)
	assert.Equal(t, 8.0, node.Resources.Used.CPUCores)
	assert.Equal(t, 1, node.Workload.ActiveJobs)
	assert.Equal(t, 1, node.Workload.CompletedJobs)
	assert.Equal(t, 0.5, node.Cost.Efficiency) // 1 completed / $2 per hour
}

// Eligibility is checked on a copy, so a node can leave service
// between the scheduler's read and the reservation. The reservation
// itself must refuse any node that is not running.
func TestReserveRefusesNodeNotRunning(t *testing.T) {
	r := newTestRegistry(t)
	req := models.JobRequirements{CPUCores: 4, MemoryGB: 8}

	id, err := r.Register(testSpec())
	require.NoError(t, err)

	err = r.Reserve(id, req)
	assert.ErrorIs(t, err, models.ErrInsufficientCapacity)

	require.NoError(t, r.Transition(id, models.NodeStatusRunning))
	require.NoError(t, r.Reserve(id, req))
	r.Release(id, req, OutcomeRequeued)

	require.NoError(t, r.Transition(id, models.NodeStatusStopping))
	err = r.Reserve(id, req)
	assert.ErrorIs(t, err, models.ErrInsufficientCapacity)

	node, _ := r.Get(id)
	assert.Zero(t, node.Resources.Used.CPUCores)
	assert.Zero(t, node.Workload.ActiveJobs)
}

func TestHealthDecayAndFloor(t *testing.T) {
	r := newTestRegistry(t)
	id := registerRunning(t, r, testSpec())

	for i := 0; i < 10; i++ {
		require.NoError(t, r.RecordHealthIssue(id, models.SeverityWarning, "high cpu"))
	}

	node, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0.3, node.Health.Score)
	assert.Len(t, node.Health.Issues, 10)
	assert.Equal(t, models.NodeStatusRunning, node.Status)
}

func TestConsecutiveCriticalIssuesForceError(t *testing.T) {
	r := newTestRegistry(t)
	id := registerRunning(t, r, testSpec())

	var downed []string
	r.SetNodeDownHook(func(nodeID string) { downed = append(downed, nodeID) })

	require.NoError(t, r.RecordHealthIssue(id, models.SeverityCritical, "disk failure"))
	require.NoError(t, r.RecordHealthIssue(id, models.SeverityCritical, "disk failure"))

	// A warning in between resets the streak.
	require.NoError(t, r.RecordHealthIssue(id, models.SeverityWarning, "slow io"))
	require.NoError(t, r.RecordHealthIssue(id, models.SeverityCritical, "disk failure"))
	require.NoError(t, r.RecordHealthIssue(id, models.SeverityCritical, "disk failure"))

	node, _ := r.Get(id)
	assert.Equal(t, models.NodeStatusRunning, node.Status)
	assert.Empty(t, downed)

	require.NoError(t, r.RecordHealthIssue(id, models.SeverityCritical, "disk failure"))
	node, _ = r.Get(id)
	assert.Equal(t, models.NodeStatusError, node.Status)
	assert.Equal(t, []string{id}, downed)

	// error is terminal
	err := r.Transition(id, models.NodeStatusRunning)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
}

func TestListFilter(t *testing.T) {
	r := newTestRegistry(t)

	spec := testSpec()
	registerRunning(t, r, spec)

	spec2 := testSpec()
	spec2.Region = "eu-west-1"
	spec2.Type = "gpu-worker"
	_, err := r.Register(spec2)
	require.NoError(t, err)

	assert.Len(t, r.List(NodeFilter{}), 2)
	assert.Len(t, r.List(NodeFilter{Status: models.NodeStatusRunning}), 1)
	assert.Len(t, r.List(NodeFilter{Region: "eu-west-1"}), 1)
	assert.Len(t, r.List(NodeFilter{Type: "gpu-worker", Status: models.NodeStatusRunning}), 0)
}

func TestUpdateConfigurationDoesNotTouchAccounting(t *testing.T) {
	r := newTestRegistry(t)
	id := registerRunning(t, r, testSpec())
	require.NoError(t, r.Reserve(id, models.JobRequirements{CPUCores: 4, MemoryGB: 8}))

	require.NoError(t, r.UpdateConfiguration(id, map[string]string{"instanceType": "m5.4xlarge"}))

	node, _ := r.Get(id)
	assert.Equal(t, "m5.4xlarge", node.Configuration["instanceType"])
	assert.Equal(t, 4.0, node.Resources.Used.CPUCores)
}

func TestRemoveGuards(t *testing.T) {
	r := newTestRegistry(t)
	id := registerRunning(t, r, testSpec())

	err := r.Remove(id)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	require.NoError(t, r.Transition(id, models.NodeStatusStopping))
	require.NoError(t, r.Transition(id, models.NodeStatusStopped))
	require.NoError(t, r.Remove(id))

	_, err = r.Get(id)
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
}
