package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/events"
	"cluster-scheduler/core/models"
)

const (
	// healthPenalty is subtracted from the health score per recorded issue
	healthPenalty = 0.1
	// healthFloor is the lowest the score decays to through issues alone
	healthFloor = 0.3
	// criticalStreak forces a node into error status
	criticalStreak = 3
)

// legal lifecycle transitions; stopped and error are terminal
var transitions = map[models.NodeStatus][]models.NodeStatus{
	models.NodeStatusInitializing: {models.NodeStatusRunning, models.NodeStatusStopping, models.NodeStatusError},
	models.NodeStatusRunning:      {models.NodeStatusStopping, models.NodeStatusError},
	models.NodeStatusStopping:     {models.NodeStatusStopped, models.NodeStatusError},
	models.NodeStatusStopped:      {},
	models.NodeStatusError:        {},
}

// ReleaseOutcome tells Release how to account for the freed reservation
type ReleaseOutcome int

const (
	// OutcomeCompleted counts toward the node's completed jobs
	OutcomeCompleted ReleaseOutcome = iota
	// OutcomeFailed counts toward the node's failed jobs
	OutcomeFailed
	// OutcomeRequeued frees capacity without touching terminal counters
	OutcomeRequeued
)

// NodeFilter selects nodes in List. Zero-value fields match everything.
type NodeFilter struct {
	Status models.NodeStatus
	Type   string
	Region string
}

// Registry owns the canonical set of nodes and their resource and
// health state. All mutations are atomic under the registry lock, so
// no two reservation attempts can both observe the same available
// capacity and proceed.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*models.Node
	bus   *events.Bus

	// criticalRuns tracks consecutive critical issues per node
	criticalRuns map[string]int

	// nodeDown is invoked (outside the lock) when a node leaves the
	// running state involuntarily, so its jobs can be requeued
	nodeDown func(nodeID string)
}

// New creates an empty node registry
func New(bus *events.Bus) *Registry {
	return &Registry{
		nodes:        make(map[string]*models.Node),
		criticalRuns: make(map[string]int),
		bus:          bus,
	}
}

// SetNodeDownHook installs the callback invoked when a node is forced
// out of service (error status or draining). Must be set before the
// scheduling loops start.
func (r *Registry) SetNodeDownHook(hook func(nodeID string)) {
	r.nodeDown = hook
}

// Register validates a node spec and inserts the node in initializing
// status, returning its ID.
func (r *Registry) Register(spec models.NodeSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	now := time.Now()
	node := &models.Node{
		ID:     uuid.New().String(),
		Name:   spec.Name,
		Type:   spec.Type,
		Region: spec.Region,
		Status: models.NodeStatusInitializing,
		Resources: models.NodeResources{
			Total: spec.Resources,
		},
		Cost: models.NodeCost{
			HourlyRate: spec.HourlyRate,
		},
		Health: models.NodeHealth{
			Score:     1.0,
			LastCheck: now,
		},
		Configuration: copyConfig(spec.Configuration),
		ProviderID:    spec.ProviderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r.mu.Lock()
	r.nodes[node.ID] = node
	r.mu.Unlock()

	log.WithFields(log.Fields{"nodeId": node.ID, "type": node.Type, "region": node.Region}).
		Info("Node registered")
	r.bus.Publish(models.EventNodeCreated, map[string]interface{}{
		"nodeId": node.ID,
		"type":   node.Type,
		"region": node.Region,
	})

	return node.ID, nil
}

func validateSpec(spec models.NodeSpec) error {
	res := spec.Resources
	if res.CPUCores < 0 || res.MemoryGB < 0 || res.StorageGB < 0 || res.NetworkGbps < 0 {
		return fmt.Errorf("%w: negative capacity", models.ErrInvalidSpec)
	}
	if res.CPUCores+res.MemoryGB+res.StorageGB+res.NetworkGbps == 0 {
		return fmt.Errorf("%w: zero total capacity", models.ErrInvalidSpec)
	}
	if spec.HourlyRate < 0 {
		return fmt.Errorf("%w: negative hourly rate", models.ErrInvalidSpec)
	}
	return nil
}

// Transition moves a node to newStatus, enforcing the lifecycle graph
func (r *Registry) Transition(nodeID string, newStatus models.NodeStatus) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
	}

	if !legalTransition(node.Status, newStatus) {
		from := node.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, from, newStatus)
	}

	node.Status = newStatus
	node.UpdatedAt = time.Now()
	r.mu.Unlock()

	log.WithFields(log.Fields{"nodeId": nodeID, "status": newStatus}).Info("Node transitioned")

	if newStatus == models.NodeStatusStopping || newStatus == models.NodeStatusError {
		r.notifyNodeDown(nodeID)
	}
	return nil
}

func legalTransition(from, to models.NodeStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reserve atomically debits a node's used resources for a job. It
// fails with ErrInsufficientCapacity if any dimension would go
// negative-available, or if the node is no longer running — the
// caller's eligibility check reads a copy, so the node may have left
// service between that read and this call.
func (r *Registry) Reserve(nodeID string, req models.JobRequirements) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
	}

	if node.Status != models.NodeStatusRunning {
		return fmt.Errorf("%w: node %s is %s, not accepting work",
			models.ErrInsufficientCapacity, nodeID, node.Status)
	}
	if !node.Resources.Available().Fits(req) {
		return fmt.Errorf("%w: node %s cannot fit %.1f cores / %.1f GB",
			models.ErrInsufficientCapacity, nodeID, req.CPUCores, req.MemoryGB)
	}

	node.Resources.Used.CPUCores += req.CPUCores
	node.Resources.Used.MemoryGB += req.MemoryGB
	node.Resources.Used.StorageGB += req.StorageGB
	node.Workload.ActiveJobs++
	r.recomputeDerived(node)
	return nil
}

// Release atomically frees a reservation and accounts the outcome
func (r *Registry) Release(nodeID string, req models.JobRequirements, outcome ReleaseOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		// Node already drained and removed; nothing to free.
		return
	}

	node.Resources.Used.CPUCores = clampZero(node.Resources.Used.CPUCores - req.CPUCores)
	node.Resources.Used.MemoryGB = clampZero(node.Resources.Used.MemoryGB - req.MemoryGB)
	node.Resources.Used.StorageGB = clampZero(node.Resources.Used.StorageGB - req.StorageGB)
	if node.Workload.ActiveJobs > 0 {
		node.Workload.ActiveJobs--
	}

	switch outcome {
	case OutcomeCompleted:
		node.Workload.CompletedJobs++
	case OutcomeFailed:
		node.Workload.FailedJobs++
	}
	r.recomputeDerived(node)
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// recomputeDerived refreshes utilization and cost efficiency.
// Caller holds the lock.
func (r *Registry) recomputeDerived(node *models.Node) {
	node.Workload.Utilization = (node.Resources.CPUFraction() + node.Resources.MemoryFraction()) / 2
	if node.Cost.HourlyRate > 0 {
		node.Cost.Efficiency = float64(node.Workload.CompletedJobs) / node.Cost.HourlyRate
	}
	node.UpdatedAt = time.Now()
}

// RecordHealthIssue appends an issue and decays the node's health
// score. Three consecutive critical issues force the node into error.
func (r *Registry) RecordHealthIssue(nodeID string, severity models.IssueSeverity, message string) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
	}

	now := time.Now()
	node.Health.Issues = append(node.Health.Issues, models.HealthIssue{
		Severity:   severity,
		Message:    message,
		ObservedAt: now,
	})
	node.Health.Score -= healthPenalty
	if node.Health.Score < healthFloor {
		node.Health.Score = healthFloor
	}
	node.Health.LastCheck = now
	node.UpdatedAt = now

	if severity == models.SeverityCritical {
		r.criticalRuns[nodeID]++
	} else {
		r.criticalRuns[nodeID] = 0
	}

	forceError := r.criticalRuns[nodeID] >= criticalStreak &&
		node.Status != models.NodeStatusError && node.Status != models.NodeStatusStopped
	if forceError {
		node.Status = models.NodeStatusError
	}
	score := node.Health.Score
	r.mu.Unlock()

	r.bus.Publish(models.EventNodeHealthDegraded, map[string]interface{}{
		"nodeId":   nodeID,
		"severity": string(severity),
		"message":  message,
		"score":    score,
	})

	if forceError {
		log.WithField("nodeId", nodeID).Warn("Node forced into error after repeated critical issues")
		r.notifyNodeDown(nodeID)
	}
	return nil
}

func (r *Registry) notifyNodeDown(nodeID string) {
	if r.nodeDown != nil {
		r.nodeDown(nodeID)
	}
}

// Get returns a copy of the node
func (r *Registry) Get(nodeID string) (models.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return models.Node{}, fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
	}
	return copyNode(node), nil
}

// List returns copies of all nodes matching the filter
func (r *Registry) List(filter NodeFilter) []models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Node
	for _, node := range r.nodes {
		if filter.Status != "" && node.Status != filter.Status {
			continue
		}
		if filter.Type != "" && node.Type != filter.Type {
			continue
		}
		if filter.Region != "" && node.Region != filter.Region {
			continue
		}
		out = append(out, copyNode(node))
	}
	return out
}

// UpdateConfiguration applies a configuration-only patch. Resource
// accounting is never affected.
func (r *Registry) UpdateConfiguration(nodeID string, patch map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
	}
	if node.Configuration == nil {
		node.Configuration = make(map[string]string)
	}
	for k, v := range patch {
		node.Configuration[k] = v
	}
	node.UpdatedAt = time.Now()
	return nil
}

// Remove deletes a node from the registry. Only nodes that are not
// serving work may be removed (drained, stopped, or rolled-back
// initializing nodes).
func (r *Registry) Remove(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
	}
	switch node.Status {
	case models.NodeStatusRunning:
		return fmt.Errorf("%w: cannot remove running node %s", models.ErrIllegalTransition, nodeID)
	}
	if node.Workload.ActiveJobs > 0 {
		return fmt.Errorf("%w: node %s still has active jobs", models.ErrIllegalTransition, nodeID)
	}
	delete(r.nodes, nodeID)
	delete(r.criticalRuns, nodeID)
	return nil
}

func copyNode(n *models.Node) models.Node {
	out := *n
	out.Health.Issues = append([]models.HealthIssue(nil), n.Health.Issues...)
	out.Configuration = copyConfig(n.Configuration)
	return out
}

func copyConfig(cfg map[string]string) map[string]string {
	if cfg == nil {
		return nil
	}
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}
