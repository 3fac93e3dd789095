package repository

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/autoscaler"
	"cluster-scheduler/core/models"
)

// AuditRecorder persists scheduler events and scaling decisions for
// operator review. It consumes the event bus asynchronously and never
// runs inside the scheduling lock; a database outage costs audit
// rows, not scheduling progress.
type AuditRecorder struct {
	db        *DB
	decisions *autoscaler.DecisionLog
}

// NewAuditRecorder creates an audit recorder
func NewAuditRecorder(db *DB, decisions *autoscaler.DecisionLog) *AuditRecorder {
	return &AuditRecorder{db: db, decisions: decisions}
}

// Start consumes events until the channel closes or the context is
// cancelled
func (a *AuditRecorder) Start(ctx context.Context, events <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.record(evt)
		}
	}
}

func (a *AuditRecorder) record(evt models.Event) {
	meta, err := json.Marshal(evt.Meta)
	if err != nil {
		meta = []byte("{}")
	}
	if _, err := a.db.Exec(
		`INSERT INTO scheduler_events (event_type, occurred_at, meta) VALUES ($1, $2, $3)`,
		string(evt.Type), evt.Timestamp, meta,
	); err != nil {
		log.WithError(err).Warn("Failed to persist event")
		return
	}

	switch evt.Type {
	case models.EventScalingPlanned, models.EventScalingCompleted, models.EventScalingFailed:
		if id, ok := evt.Meta["decisionId"].(string); ok {
			a.upsertDecision(id)
		}
	}
}

func (a *AuditRecorder) upsertDecision(id string) {
	d, err := a.decisions.Get(id)
	if err != nil {
		log.WithError(err).WithField("decisionId", id).Warn("Decision missing from log")
		return
	}

	var (
		success                   *bool
		actualCost, actualBenefit *float64
		durationMS                *int64
		execErr                   *string
	)
	if d.Result != nil {
		success = &d.Result.Success
		actualCost = &d.Result.ActualCost
		actualBenefit = &d.Result.ActualBenefit
		ms := d.Result.Duration.Milliseconds()
		durationMS = &ms
		if d.Result.Error != "" {
			execErr = &d.Result.Error
		}
	}

	if _, err := a.db.Exec(`
		INSERT INTO scaling_decisions (
			id, decision_type, status, reason, planned_at, node_count,
			estimated_cost, estimated_benefit, risk,
			success, actual_cost, actual_benefit, duration_ms, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			success = EXCLUDED.success,
			actual_cost = EXCLUDED.actual_cost,
			actual_benefit = EXCLUDED.actual_benefit,
			duration_ms = EXCLUDED.duration_ms,
			error = EXCLUDED.error
	`,
		d.ID, string(d.Type), string(d.Status), d.Reason, d.Timestamp,
		d.Action.NodeCount, d.Action.EstimatedCost, d.Action.EstimatedBenefit,
		string(d.Action.Risk), success, actualCost, actualBenefit, durationMS, execErr,
	); err != nil {
		log.WithError(err).WithField("decisionId", id).Warn("Failed to persist decision")
	}
}
