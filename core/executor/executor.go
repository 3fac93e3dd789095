package executor

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/models"
)

// Executor is the collaborator that actually runs job payloads. The
// scheduler hands it a (job, node) pair; the executor later reports
// the outcome through the Completer callbacks.
type Executor interface {
	StartJob(ctx context.Context, job models.Job, nodeID string) error
}

// Completer receives job outcomes from the executor collaborator
type Completer interface {
	Complete(jobID string, result models.JobResult) error
	Fail(jobID string, jobErr string) error
}

// Local is an in-process executor stub. It reports completion after
// the job's estimated duration, charging the node's hourly rate for
// the elapsed time. Useful for development and tests; production
// deployments plug in a real executor.
type Local struct {
	completer Completer
	rate      func(nodeID string) float64

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// NewLocal creates a local executor. rate returns the hourly rate of
// a node and may be nil.
func NewLocal(completer Completer, rate func(nodeID string) float64) *Local {
	return &Local{
		completer: completer,
		rate:      rate,
		cancel:    make(map[string]context.CancelFunc),
	}
}

// StartJob begins simulated execution of the job
func (l *Local) StartJob(ctx context.Context, job models.Job, nodeID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel[job.ID] = cancel
	l.mu.Unlock()

	duration := job.Requirements.EstimatedDuration
	if duration <= 0 {
		duration = time.Second
	}

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.cancel, job.ID)
			l.mu.Unlock()
		}()

		start := time.Now()
		select {
		case <-runCtx.Done():
			return
		case <-time.After(duration):
		}

		elapsed := time.Since(start)
		var cost float64
		if l.rate != nil {
			cost = l.rate(nodeID) * elapsed.Hours()
		}
		result := models.JobResult{
			ExecutionTime:       elapsed,
			ResourceUtilization: 1.0,
			CostUSD:             cost,
		}
		if err := l.completer.Complete(job.ID, result); err != nil {
			log.WithError(err).WithField("jobId", job.ID).Warn("Failed to report job completion")
		}
	}()

	return nil
}

// StopJob cancels a simulated execution, if one is in flight
func (l *Local) StopJob(jobID string) {
	l.mu.Lock()
	cancel, ok := l.cancel[jobID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
}
