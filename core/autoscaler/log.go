package autoscaler

import (
	"fmt"
	"sync"
	"time"

	"cluster-scheduler/core/models"
)

// DecisionFilter selects decisions in List; zero values match everything
type DecisionFilter struct {
	Type   models.DecisionType
	Status models.DecisionStatus
}

// DecisionLog stores scaling decisions and tracks per-type completion
// times for the cooldown clock.
type DecisionLog struct {
	mu        sync.RWMutex
	decisions map[string]*models.ScalingDecision
	order     []string
	completed map[models.DecisionType]time.Time
}

// NewDecisionLog creates an empty decision log
func NewDecisionLog() *DecisionLog {
	return &DecisionLog{
		decisions: make(map[string]*models.ScalingDecision),
		completed: make(map[models.DecisionType]time.Time),
	}
}

// Add stores a new decision
func (l *DecisionLog) Add(d *models.ScalingDecision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.decisions[d.ID] = d
	l.order = append(l.order, d.ID)
}

// Get returns a copy of the decision
func (l *DecisionLog) Get(id string) (models.ScalingDecision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.decisions[id]
	if !ok {
		return models.ScalingDecision{}, fmt.Errorf("%w: %s", models.ErrDecisionNotFound, id)
	}
	return copyDecision(d), nil
}

// List returns copies of matching decisions in creation order
func (l *DecisionLog) List(filter DecisionFilter) []models.ScalingDecision {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.ScalingDecision
	for _, id := range l.order {
		d := l.decisions[id]
		if filter.Type != "" && d.Type != filter.Type {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, copyDecision(d))
	}
	return out
}

// MarkExecuting moves a planned decision to executing
func (l *DecisionLog) MarkExecuting(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.decisions[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrDecisionNotFound, id)
	}
	if d.Status != models.DecisionPlanned {
		return fmt.Errorf("%w: decision %s is %s, not planned", models.ErrIllegalTransition, id, d.Status)
	}
	d.Status = models.DecisionExecuting
	return nil
}

// Finish records the terminal result of an executing decision.
// Completed decisions feed the per-type cooldown clock.
func (l *DecisionLog) Finish(id string, result models.ScalingResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.decisions[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrDecisionNotFound, id)
	}
	if d.Status != models.DecisionExecuting {
		return fmt.Errorf("%w: decision %s is %s, not executing", models.ErrIllegalTransition, id, d.Status)
	}
	d.Result = &result
	if result.Success {
		d.Status = models.DecisionCompleted
		l.completed[d.Type] = time.Now()
	} else {
		d.Status = models.DecisionFailed
	}
	return nil
}

// Withdraw cancels a planned decision before execution starts.
// Executing decisions are not preemptible.
func (l *DecisionLog) Withdraw(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.decisions[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrDecisionNotFound, id)
	}
	if d.Status != models.DecisionPlanned {
		return fmt.Errorf("%w: decision %s is %s, not planned", models.ErrIllegalTransition, id, d.Status)
	}
	d.Status = models.DecisionWithdrawn
	return nil
}

// LastCompletedAt returns when a decision of the given type last
// completed; the zero time when none has.
func (l *DecisionLog) LastCompletedAt(dtype models.DecisionType) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.completed[dtype]
}

// ActiveID returns the ID of a planned or executing decision of the
// given type, and whether it is still only planned.
func (l *DecisionLog) ActiveID(dtype models.DecisionType) (id string, planned, found bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, did := range l.order {
		d := l.decisions[did]
		if d.Type != dtype {
			continue
		}
		switch d.Status {
		case models.DecisionPlanned:
			return d.ID, true, true
		case models.DecisionExecuting:
			return d.ID, false, true
		}
	}
	return "", false, false
}

func copyDecision(d *models.ScalingDecision) models.ScalingDecision {
	out := *d
	out.Action.TargetNodes = append([]string(nil), d.Action.TargetNodes...)
	if d.Result != nil {
		r := *d.Result
		out.Result = &r
	}
	return out
}
