package autoscaler

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/events"
	"cluster-scheduler/core/models"
	"cluster-scheduler/core/registry"
	"cluster-scheduler/core/scheduler"
)

// Provisioner is the node-provisioning collaborator. It performs the
// real infrastructure changes; the executor only orchestrates it.
type Provisioner interface {
	Provision(ctx context.Context, spec models.NodeSpec) (providerID string, err error)
	AwaitReady(ctx context.Context, providerID string) error
	Deprovision(ctx context.Context, providerID string) error
}

const (
	defaultDrainTimeout = 2 * time.Minute
	drainPollInterval   = 250 * time.Millisecond
)

// Executor carries out planned scaling decisions and records their
// outcome. Failures roll the registry back so no orphan initializing
// nodes are left behind.
type Executor struct {
	registry     *registry.Registry
	sched        *scheduler.Scheduler
	provisioner  Provisioner
	decisions    *DecisionLog
	bus          *events.Bus
	cfg          Config
	drainTimeout time.Duration
}

// NewExecutor creates a scaling executor
func NewExecutor(reg *registry.Registry, sched *scheduler.Scheduler, prov Provisioner, decisions *DecisionLog, bus *events.Bus, cfg Config) *Executor {
	return &Executor{
		registry:     reg,
		sched:        sched,
		provisioner:  prov,
		decisions:    decisions,
		bus:          bus,
		cfg:          cfg.withDefaults(),
		drainTimeout: defaultDrainTimeout,
	}
}

// Start consumes planned decisions from the engine until the context
// is cancelled
func (x *Executor) Start(ctx context.Context, planned <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-planned:
			if !ok {
				return
			}
			if err := x.Execute(ctx, id); err != nil {
				log.WithError(err).WithField("decisionId", id).Error("Scaling execution failed")
			}
		}
	}
}

// Execute runs a single decision to completion or failure
func (x *Executor) Execute(ctx context.Context, decisionID string) error {
	if err := x.decisions.MarkExecuting(decisionID); err != nil {
		// Withdrawn in the meantime; nothing to do.
		return nil
	}
	decision, err := x.decisions.Get(decisionID)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"decisionId": decision.ID, "type": decision.Type}).
		Info("Executing scaling decision")

	start := time.Now()
	var actualCost, actualBenefit float64
	switch decision.Type {
	case models.DecisionScaleUp:
		actualCost, actualBenefit, err = x.scaleUp(ctx, decision)
	case models.DecisionScaleDown:
		actualBenefit, err = x.scaleDown(ctx, decision)
	case models.DecisionOptimize, models.DecisionRebalance:
		actualBenefit, err = x.rebalance(decision)
	default:
		err = fmt.Errorf("unknown decision type %q", decision.Type)
	}

	result := models.ScalingResult{
		Success:       err == nil,
		ActualCost:    actualCost,
		ActualBenefit: actualBenefit,
		Duration:      time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	if ferr := x.decisions.Finish(decisionID, result); ferr != nil {
		log.WithError(ferr).WithField("decisionId", decisionID).Error("Failed to record decision result")
	}

	if err != nil {
		x.bus.Publish(models.EventScalingFailed, map[string]interface{}{
			"decisionId": decisionID,
			"type":       string(decision.Type),
			"error":      err.Error(),
		})
		return err
	}
	x.bus.Publish(models.EventScalingCompleted, map[string]interface{}{
		"decisionId": decisionID,
		"type":       string(decision.Type),
		"duration":   result.Duration.String(),
	})
	return nil
}

// scaleUp registers and provisions the requested nodes. Any failure
// rolls back every node created by this decision.
func (x *Executor) scaleUp(ctx context.Context, decision models.ScalingDecision) (cost, benefit float64, err error) {
	type created struct {
		nodeID     string
		providerID string
	}
	var nodes []created

	rollback := func() {
		for _, c := range nodes {
			if c.providerID != "" {
				if derr := x.provisioner.Deprovision(ctx, c.providerID); derr != nil {
					log.WithError(derr).WithField("nodeId", c.nodeID).Error("Rollback deprovision failed")
				}
			}
			// Nodes that already reached running must be walked through
			// the lifecycle before removal; the stopping transition also
			// requeues any jobs assigned in the meantime.
			if node, gerr := x.registry.Get(c.nodeID); gerr == nil {
				status := node.Status
				if status == models.NodeStatusRunning {
					if terr := x.registry.Transition(c.nodeID, models.NodeStatusStopping); terr != nil {
						log.WithError(terr).WithField("nodeId", c.nodeID).Error("Rollback stop failed")
					} else {
						status = models.NodeStatusStopping
					}
				}
				if status == models.NodeStatusStopping {
					if terr := x.registry.Transition(c.nodeID, models.NodeStatusStopped); terr != nil {
						log.WithError(terr).WithField("nodeId", c.nodeID).Error("Rollback stop failed")
					}
				}
			}
			if rerr := x.registry.Remove(c.nodeID); rerr != nil {
				log.WithError(rerr).WithField("nodeId", c.nodeID).Error("Rollback removal failed")
			}
		}
	}

	for i := 0; i < decision.Action.NodeCount; i++ {
		spec := x.cfg.WorkerProfile
		spec.Name = fmt.Sprintf("%s-%d-%d", spec.Type, decision.Timestamp.Unix(), i)

		providerID, perr := x.provisioner.Provision(ctx, spec)
		if perr != nil {
			rollback()
			return 0, 0, fmt.Errorf("%w: %v", models.ErrProvisioningFailure, perr)
		}
		spec.ProviderID = providerID

		nodeID, rerr := x.registry.Register(spec)
		if rerr != nil {
			if derr := x.provisioner.Deprovision(ctx, providerID); derr != nil {
				log.WithError(derr).Error("Deprovision after failed registration")
			}
			rollback()
			return 0, 0, fmt.Errorf("%w: %v", models.ErrProvisioningFailure, rerr)
		}
		nodes = append(nodes, created{nodeID: nodeID, providerID: providerID})
	}

	// Wait for the collaborator to report readiness, then bring the
	// nodes into service.
	for _, c := range nodes {
		if werr := x.provisioner.AwaitReady(ctx, c.providerID); werr != nil {
			rollback()
			return 0, 0, fmt.Errorf("%w: node %s never became ready: %v", models.ErrProvisioningFailure, c.nodeID, werr)
		}
		if terr := x.registry.Transition(c.nodeID, models.NodeStatusRunning); terr != nil {
			rollback()
			return 0, 0, fmt.Errorf("%w: %v", models.ErrProvisioningFailure, terr)
		}
	}

	cost = float64(len(nodes)) * x.cfg.WorkerProfile.HourlyRate
	benefit = decision.Action.EstimatedBenefit
	return cost, benefit, nil
}

// scaleDown drains and removes the target nodes, returning the hourly
// savings realized
func (x *Executor) scaleDown(ctx context.Context, decision models.ScalingDecision) (savings float64, err error) {
	for _, nodeID := range decision.Action.TargetNodes {
		node, gerr := x.registry.Get(nodeID)
		if gerr != nil {
			return savings, gerr
		}

		if terr := x.registry.Transition(nodeID, models.NodeStatusStopping); terr != nil {
			return savings, terr
		}
		if derr := x.awaitDrain(ctx, nodeID); derr != nil {
			return savings, derr
		}
		if node.ProviderID != "" {
			if perr := x.provisioner.Deprovision(ctx, node.ProviderID); perr != nil {
				// The instance is still live and billing; flag the node so
				// operators see it rather than silently leaving it stopping.
				if herr := x.registry.RecordHealthIssue(nodeID, models.SeverityCritical,
					fmt.Sprintf("deprovision failed, instance %s may still be running: %v", node.ProviderID, perr)); herr != nil {
					log.WithError(herr).WithField("nodeId", nodeID).Warn("Failed to record deprovision issue")
				}
				return savings, fmt.Errorf("%w: %v", models.ErrProvisioningFailure, perr)
			}
		}
		if terr := x.registry.Transition(nodeID, models.NodeStatusStopped); terr != nil {
			return savings, terr
		}
		if rerr := x.registry.Remove(nodeID); rerr != nil {
			return savings, rerr
		}
		savings += node.Cost.HourlyRate
		log.WithField("nodeId", nodeID).Info("Node drained and removed")
	}
	return savings, nil
}

// awaitDrain polls until the node has no active jobs. Targets are
// selected idle, so this normally returns immediately; the timeout
// covers jobs assigned between planning and execution.
func (x *Executor) awaitDrain(ctx context.Context, nodeID string) error {
	deadline := time.Now().Add(x.drainTimeout)
	for {
		node, err := x.registry.Get(nodeID)
		if err != nil {
			return err
		}
		if node.Workload.ActiveJobs == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("node %s did not drain within %s", nodeID, x.drainTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

// rebalance nudges utilization toward the target band by biasing the
// next assignment pass: underloaded nodes are preferred, overloaded
// ones avoided. Node count is unchanged.
func (x *Executor) rebalance(decision models.ScalingDecision) (benefit float64, err error) {
	high := x.cfg.TargetUtilization + x.cfg.UtilizationBand
	low := x.cfg.TargetUtilization - x.cfg.UtilizationBand

	var prefer, avoid []string
	for _, node := range x.registry.List(registry.NodeFilter{Status: models.NodeStatusRunning}) {
		switch {
		case node.Workload.Utilization > high:
			avoid = append(avoid, node.ID)
		case node.Workload.Utilization < low:
			prefer = append(prefer, node.ID)
		}
	}

	x.sched.SetPlacementHints(prefer, avoid)
	log.WithFields(log.Fields{"prefer": len(prefer), "avoid": len(avoid)}).
		Info("Placement hints set for rebalance")
	return decision.Action.EstimatedBenefit, nil
}
