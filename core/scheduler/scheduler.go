package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/events"
	"cluster-scheduler/core/executor"
	"cluster-scheduler/core/models"
	"cluster-scheduler/core/registry"
)

const (
	// defaultAdmissionCeiling rejects nodes above this utilization
	defaultAdmissionCeiling = 0.8
	// retryBackoff delays a requeued job after a failure
	retryBackoff = 10 * time.Second
	// latencySamples bounds the execution-time history kept for percentiles
	latencySamples = 512
)

// placementHints bias node selection for one scheduling pass. Set by
// the scaling executor's optimize path, consumed and cleared by the
// next tick.
type placementHints struct {
	prefer map[string]bool
	avoid  map[string]bool
}

// Scheduler owns the job queue and runs the assignment pass. Job
// state mutations and their matching reservations happen under the
// scheduler lock, so a job can never be running without a
// corresponding node reservation.
type Scheduler struct {
	registry *registry.Registry
	bus      *events.Bus
	executor executor.Executor

	admissionCeiling float64
	tickInterval     time.Duration
	backoff          time.Duration

	mu    sync.Mutex
	jobs  map[string]*models.Job
	seq   uint64
	hints placementHints

	// recent completed-job execution times and completion stamps,
	// consumed by the metrics aggregator
	latencies   []time.Duration
	completions []time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler over the given registry
func New(reg *registry.Registry, bus *events.Bus, exec executor.Executor, tickInterval time.Duration, admissionCeiling float64) *Scheduler {
	if admissionCeiling <= 0 {
		admissionCeiling = defaultAdmissionCeiling
	}
	return &Scheduler{
		registry:         reg,
		bus:              bus,
		executor:         exec,
		admissionCeiling: admissionCeiling,
		tickInterval:     tickInterval,
		backoff:          retryBackoff,
		jobs:             make(map[string]*models.Job),
		stopChan:         make(chan struct{}),
	}
}

// Start runs the assignment tick until the context is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop stops the scheduling loop
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// SetExecutor installs the job-executor collaborator. The executor
// reports outcomes back through Complete and Fail, so it is usually
// constructed after the scheduler and wired here.
func (s *Scheduler) SetExecutor(exec executor.Executor) {
	s.executor = exec
}

// SetPlacementHints biases the next assignment pass toward preferred
// nodes and away from avoided ones. Hints are one-shot.
func (s *Scheduler) SetPlacementHints(prefer, avoid []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hints = placementHints{prefer: toSet(prefer), avoid: toSet(avoid)}
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// dispatch is an assignment made during a tick, handed to the
// executor after the lock is released
type dispatch struct {
	job    models.Job
	nodeID string
}

// Tick runs one scheduling pass: queued jobs in priority order, best
// node by score, reservation and status change as one atomic step.
// Jobs with no eligible node stay queued; starvation is expected.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	pending := s.runnable(now)
	hints := s.hints
	s.hints = placementHints{}

	var dispatches []dispatch
	for _, job := range pending {
		nodeID, ok := s.selectNode(job.Requirements, hints)
		if !ok {
			continue
		}
		if err := s.registry.Reserve(nodeID, job.Requirements); err != nil {
			if !errors.Is(err, models.ErrInsufficientCapacity) {
				log.WithError(err).WithField("nodeId", nodeID).Warn("Reservation failed")
			}
			continue
		}

		job.Status = models.JobStatusRunning
		job.Assignment = &models.JobAssignment{
			NodeID:     nodeID,
			AssignedAt: now,
			StartedAt:  now,
		}
		job.UpdatedAt = now
		dispatches = append(dispatches, dispatch{job: *job, nodeID: nodeID})
	}
	s.mu.Unlock()

	for _, d := range dispatches {
		s.bus.Publish(models.EventJobAssigned, map[string]interface{}{
			"jobId":  d.job.ID,
			"nodeId": d.nodeID,
		})
		log.WithFields(log.Fields{"jobId": d.job.ID, "nodeId": d.nodeID}).Info("Job assigned")

		if s.executor != nil {
			job := d.job
			go func() {
				if err := s.executor.StartJob(ctx, job, job.Assignment.NodeID); err != nil {
					log.WithError(err).WithField("jobId", job.ID).Error("Executor rejected job")
					if ferr := s.Fail(job.ID, err.Error()); ferr != nil {
						log.WithError(ferr).WithField("jobId", job.ID).Error("Failed to fail job")
					}
				}
			}()
		}
	}
}

// runnable returns queued jobs past their backoff gate, ordered by
// priority band then submission order. Caller holds the lock.
func (s *Scheduler) runnable(now time.Time) []*models.Job {
	var out []*models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusQueued {
			continue
		}
		if !job.NotBefore.IsZero() && now.Before(job.NotBefore) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// selectNode picks the best eligible node for the requirement.
// Eligibility: running, utilization under the admission ceiling, and
// enough available capacity on every dimension. Score is
// costEfficiency + availableCPU + availableMemory, ties broken by
// lowest node ID so selection is deterministic.
func (s *Scheduler) selectNode(req models.JobRequirements, hints placementHints) (string, bool) {
	nodes := s.registry.List(registry.NodeFilter{Status: models.NodeStatusRunning})

	var eligible []models.Node
	for _, node := range nodes {
		if node.Workload.Utilization >= s.admissionCeiling {
			continue
		}
		if !node.Resources.Available().Fits(req) {
			continue
		}
		eligible = append(eligible, node)
	}
	if len(eligible) == 0 {
		return "", false
	}

	// Avoided nodes are skipped when any alternative exists; preferred
	// nodes, when eligible, are considered exclusively.
	if hints.avoid != nil {
		var kept []models.Node
		for _, node := range eligible {
			if !hints.avoid[node.ID] {
				kept = append(kept, node)
			}
		}
		if len(kept) > 0 {
			eligible = kept
		}
	}
	if hints.prefer != nil {
		var preferred []models.Node
		for _, node := range eligible {
			if hints.prefer[node.ID] {
				preferred = append(preferred, node)
			}
		}
		if len(preferred) > 0 {
			eligible = preferred
		}
	}

	best := eligible[0]
	bestScore := nodeScore(best)
	for _, node := range eligible[1:] {
		score := nodeScore(node)
		if score > bestScore || (score == bestScore && node.ID < best.ID) {
			best = node
			bestScore = score
		}
	}
	return best.ID, true
}

func nodeScore(node models.Node) float64 {
	avail := node.Resources.Available()
	return node.Cost.Efficiency + avail.CPUCores + avail.MemoryGB
}

// HandleNodeDown requeues every running job assigned to a node that
// left service (error status or draining). Retry counters are not
// charged; the failure is the node's, not the job's.
func (s *Scheduler) HandleNodeDown(nodeID string) {
	now := time.Now()

	s.mu.Lock()
	var requeued []string
	for _, job := range s.jobs {
		if job.Status != models.JobStatusRunning || job.Assignment == nil || job.Assignment.NodeID != nodeID {
			continue
		}
		s.registry.Release(nodeID, job.Requirements, registry.OutcomeRequeued)
		job.Status = models.JobStatusQueued
		job.Assignment = nil
		job.Progress = models.JobProgress{}
		job.NotBefore = time.Time{}
		job.UpdatedAt = now
		requeued = append(requeued, job.ID)
	}
	s.mu.Unlock()

	if len(requeued) > 0 {
		log.WithFields(log.Fields{"nodeId": nodeID, "jobs": len(requeued)}).
			Info("Requeued jobs from downed node")
	}
}
