package autoscaler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/events"
	"cluster-scheduler/core/models"
	"cluster-scheduler/core/monitoring"
	"cluster-scheduler/core/registry"
)

// Fixed scale-down thresholds: the cluster must be this idle before
// nodes are taken away.
const (
	scaleDownCPUPercent    = 30.0
	scaleDownMemoryPercent = 40.0
	scaleDownErrorRate     = 0.05
)

// Config is the decision engine's tuning surface
type Config struct {
	MinInstances int
	MaxInstances int

	// Scale-up thresholds, percent
	CPUThreshold    float64
	MemoryThreshold float64

	QueueLengthThreshold int           // default 10
	EfficiencyFloor      float64       // default 5 completed jobs per dollar-hour
	ResponseCeiling      time.Duration // default 1s

	CooldownPeriod time.Duration

	// Rebalance band: target utilization +/- band
	TargetUtilization float64 // default 0.7
	UtilizationBand   float64 // default 0.2

	// WorkerProfile is the node spec requested on scale-up
	WorkerProfile models.NodeSpec
}

func (c Config) withDefaults() Config {
	if c.QueueLengthThreshold <= 0 {
		c.QueueLengthThreshold = 10
	}
	if c.EfficiencyFloor <= 0 {
		c.EfficiencyFloor = 5
	}
	if c.ResponseCeiling <= 0 {
		c.ResponseCeiling = time.Second
	}
	if c.TargetUtilization <= 0 {
		c.TargetUtilization = 0.7
	}
	if c.UtilizationBand <= 0 {
		c.UtilizationBand = 0.2
	}
	return c
}

// Engine evaluates metrics snapshots on a timer and plans scaling
// decisions. Given the same snapshot and node set it always emits the
// same decisions.
type Engine struct {
	aggregator *monitoring.Aggregator
	registry   *registry.Registry
	decisions  *DecisionLog
	bus        *events.Bus
	cfg        Config
	interval   time.Duration

	// execCh hands planned decisions to the scaling executor
	execCh chan string
}

// NewEngine creates a decision engine
func NewEngine(agg *monitoring.Aggregator, reg *registry.Registry, decisions *DecisionLog, bus *events.Bus, cfg Config, interval time.Duration) *Engine {
	return &Engine{
		aggregator: agg,
		registry:   reg,
		decisions:  decisions,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		interval:   interval,
		execCh:     make(chan string, 16),
	}
}

// Decisions exposes the channel consumed by the scaling executor
func (e *Engine) Decisions() <-chan string {
	return e.execCh
}

// Start runs the decision tick until the context is cancelled
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick evaluates the latest snapshot and plans any decisions whose
// predicate fires and whose type is off cooldown
func (e *Engine) Tick() {
	snap, ok := e.aggregator.Latest()
	if !ok {
		return
	}

	for _, d := range e.Evaluate(snap) {
		e.plan(d)
	}
}

// Evaluate applies the three independent trigger predicates to a
// snapshot and returns the decisions that fire, without consulting
// cooldowns or in-flight state. Pure and deterministic.
func (e *Engine) Evaluate(snap models.MetricsSnapshot) []*models.ScalingDecision {
	var out []*models.ScalingDecision
	if d := e.evaluateScaleUp(snap); d != nil {
		out = append(out, d)
	}
	if d := e.evaluateScaleDown(snap); d != nil {
		out = append(out, d)
	}
	if d := e.evaluateOptimize(snap); d != nil {
		out = append(out, d)
	}
	return out
}

func (e *Engine) evaluateScaleUp(snap models.MetricsSnapshot) *models.ScalingDecision {
	if snap.ActiveNodes >= e.cfg.MaxInstances {
		return nil
	}

	var reason string
	switch {
	case snap.AvgCPUUtilization > e.cfg.CPUThreshold:
		reason = fmt.Sprintf("cpu utilization %.0f%% above threshold %.0f%%", snap.AvgCPUUtilization, e.cfg.CPUThreshold)
	case snap.AvgMemoryUtilization > e.cfg.MemoryThreshold:
		reason = fmt.Sprintf("memory utilization %.0f%% above threshold %.0f%%", snap.AvgMemoryUtilization, e.cfg.MemoryThreshold)
	case snap.QueuedJobs > e.cfg.QueueLengthThreshold:
		reason = fmt.Sprintf("%d queued jobs above threshold %d", snap.QueuedJobs, e.cfg.QueueLengthThreshold)
	default:
		return nil
	}

	count := int(math.Ceil(float64(snap.ActiveNodes) * 0.5))
	if count < 1 {
		count = 1
	}
	if snap.ActiveNodes+count > e.cfg.MaxInstances {
		count = e.cfg.MaxInstances - snap.ActiveNodes
	}

	rate := e.cfg.WorkerProfile.HourlyRate
	return &models.ScalingDecision{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      models.DecisionScaleUp,
		Reason:    reason,
		Snapshot:  snap,
		Status:    models.DecisionPlanned,
		Action: models.ScalingAction{
			NodeCount:     count,
			EstimatedCost: float64(count) * rate,
			// Added capacity as a fraction of the resulting cluster.
			EstimatedBenefit: float64(count) / float64(snap.ActiveNodes+count),
			Risk:             models.RiskLow,
		},
	}
}

func (e *Engine) evaluateScaleDown(snap models.MetricsSnapshot) *models.ScalingDecision {
	if snap.ActiveNodes <= e.cfg.MinInstances {
		return nil
	}
	if snap.AvgCPUUtilization >= scaleDownCPUPercent ||
		snap.AvgMemoryUtilization >= scaleDownMemoryPercent ||
		snap.QueuedJobs != 0 {
		return nil
	}

	count := int(math.Floor(float64(snap.ActiveNodes) * 0.3))
	if count > snap.ActiveNodes-e.cfg.MinInstances {
		count = snap.ActiveNodes - e.cfg.MinInstances
	}
	if count < 1 {
		return nil
	}

	targets := e.scaleDownCandidates(count)
	if len(targets) == 0 {
		return nil
	}

	var savings float64
	for _, id := range targets {
		if node, err := e.registry.Get(id); err == nil {
			savings += node.Cost.HourlyRate
		}
	}

	return &models.ScalingDecision{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      models.DecisionScaleDown,
		Reason: fmt.Sprintf("cluster idle: cpu %.0f%%, memory %.0f%%, empty queue",
			snap.AvgCPUUtilization, snap.AvgMemoryUtilization),
		Snapshot: snap,
		Status:   models.DecisionPlanned,
		Action: models.ScalingAction{
			TargetNodes:      targets,
			EstimatedCost:    0,
			EstimatedBenefit: savings, // USD/hour saved
			Risk:             models.RiskMedium,
		},
	}
}

// scaleDownCandidates picks up to count running nodes with zero
// active jobs, lowest utilization first, node ID as the tiebreak
func (e *Engine) scaleDownCandidates(count int) []string {
	nodes := e.registry.List(registry.NodeFilter{Status: models.NodeStatusRunning})

	var idle []models.Node
	for _, node := range nodes {
		if node.Workload.ActiveJobs == 0 {
			idle = append(idle, node)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].Workload.Utilization != idle[j].Workload.Utilization {
			return idle[i].Workload.Utilization < idle[j].Workload.Utilization
		}
		return idle[i].ID < idle[j].ID
	})

	if len(idle) > count {
		idle = idle[:count]
	}
	out := make([]string, len(idle))
	for i, node := range idle {
		out[i] = node.ID
	}
	return out
}

func (e *Engine) evaluateOptimize(snap models.MetricsSnapshot) *models.ScalingDecision {
	var reason string
	switch {
	case snap.TotalHourlyCost > 0 && snap.CostEfficiency < e.cfg.EfficiencyFloor:
		reason = fmt.Sprintf("cost efficiency %.2f below floor %.2f", snap.CostEfficiency, e.cfg.EfficiencyFloor)
	case snap.AvgResponseTime > e.cfg.ResponseCeiling:
		reason = fmt.Sprintf("response time %s above ceiling %s", snap.AvgResponseTime, e.cfg.ResponseCeiling)
	case snap.ErrorRate > scaleDownErrorRate:
		reason = fmt.Sprintf("error rate %.1f%% above 5%%", snap.ErrorRate*100)
	default:
		return nil
	}

	// Nodes outside the utilization band; recomputed again at
	// execution time against fresh registry state.
	overloaded, _ := e.bandOutliers()

	return &models.ScalingDecision{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      models.DecisionOptimize,
		Reason:    reason,
		Snapshot:  snap,
		Status:    models.DecisionPlanned,
		Action: models.ScalingAction{
			TargetNodes:      overloaded,
			EstimatedCost:    0,
			EstimatedBenefit: e.cfg.TargetUtilization - snap.CurrentLoad,
			Risk:             models.RiskLow,
		},
	}
}

// bandOutliers returns running nodes above and below the target
// utilization band, each list sorted by node ID
func (e *Engine) bandOutliers() (overloaded, underloaded []string) {
	high := e.cfg.TargetUtilization + e.cfg.UtilizationBand
	low := e.cfg.TargetUtilization - e.cfg.UtilizationBand

	for _, node := range e.registry.List(registry.NodeFilter{Status: models.NodeStatusRunning}) {
		switch {
		case node.Workload.Utilization > high:
			overloaded = append(overloaded, node.ID)
		case node.Workload.Utilization < low:
			underloaded = append(underloaded, node.ID)
		}
	}
	sort.Strings(overloaded)
	sort.Strings(underloaded)
	return overloaded, underloaded
}

// plan records a decision unless its type is cooling down or already
// in flight. A fresher decision supersedes a stale planned one.
func (e *Engine) plan(d *models.ScalingDecision) {
	if e.cfg.CooldownPeriod > 0 {
		if last := e.decisions.LastCompletedAt(d.Type); !last.IsZero() &&
			time.Since(last) < e.cfg.CooldownPeriod {
			return
		}
	}

	if id, planned, found := e.decisions.ActiveID(d.Type); found {
		if !planned {
			// Executing decisions run to completion; never preempted.
			return
		}
		if err := e.decisions.Withdraw(id); err != nil {
			log.WithError(err).WithField("decisionId", id).Warn("Failed to withdraw superseded decision")
			return
		}
		log.WithFields(log.Fields{"decisionId": id, "type": d.Type}).
			Info("Withdrew planned decision superseded by fresher snapshot")
	}

	e.decisions.Add(d)
	log.WithFields(log.Fields{"decisionId": d.ID, "type": d.Type, "reason": d.Reason}).
		Info("Scaling decision planned")
	e.bus.Publish(models.EventScalingPlanned, map[string]interface{}{
		"decisionId": d.ID,
		"type":       string(d.Type),
		"reason":     d.Reason,
	})

	select {
	case e.execCh <- d.ID:
	default:
		log.WithField("decisionId", d.ID).Warn("Executor queue full, decision left planned")
	}
}
