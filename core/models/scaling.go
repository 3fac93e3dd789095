package models

import "time"

// DecisionType classifies a scaling decision
type DecisionType string

const (
	DecisionScaleUp   DecisionType = "scale-up"
	DecisionScaleDown DecisionType = "scale-down"
	DecisionRebalance DecisionType = "rebalance"
	DecisionOptimize  DecisionType = "optimize"
)

// DecisionStatus is the lifecycle status of a scaling decision
type DecisionStatus string

const (
	DecisionPlanned   DecisionStatus = "planned"
	DecisionExecuting DecisionStatus = "executing"
	DecisionCompleted DecisionStatus = "completed"
	DecisionFailed    DecisionStatus = "failed"
	DecisionWithdrawn DecisionStatus = "withdrawn"
)

// RiskLevel grades the blast radius of a scaling action
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ScalingAction describes what a decision intends to do
type ScalingAction struct {
	TargetNodes      []string // node IDs affected (scale-down, optimize)
	NodeCount        int      // nodes to add (scale-up)
	EstimatedCost    float64  // USD/hour delta
	EstimatedBenefit float64
	Risk             RiskLevel
}

// ScalingResult records the actual outcome of an executed decision
type ScalingResult struct {
	Success       bool
	ActualCost    float64
	ActualBenefit float64
	Duration      time.Duration
	Error         string
}

// ScalingDecision is a proposed or executed cluster-shape change
type ScalingDecision struct {
	ID        string
	Timestamp time.Time
	Type      DecisionType
	Reason    string
	Snapshot  MetricsSnapshot // the snapshot that triggered the decision
	Action    ScalingAction
	Status    DecisionStatus
	Result    *ScalingResult
}
