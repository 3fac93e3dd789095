package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/models"
	"cluster-scheduler/core/registry"
)

// Submit validates a job spec and enqueues the job, returning its ID
func (s *Scheduler) Submit(spec models.JobSpec) (string, error) {
	if err := validateJobSpec(spec); err != nil {
		return "", err
	}

	priority := spec.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	now := time.Now()
	job := &models.Job{
		ID:           uuid.New().String(),
		Name:         spec.Name,
		Type:         spec.Type,
		Priority:     priority,
		Requirements: spec.Requirements,
		Status:       models.JobStatusQueued,
		MaxRetries:   spec.MaxRetries,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.seq++
	job.Seq = s.seq
	s.jobs[job.ID] = job
	s.mu.Unlock()

	log.WithFields(log.Fields{"jobId": job.ID, "priority": priority}).Info("Job submitted")
	return job.ID, nil
}

func validateJobSpec(spec models.JobSpec) error {
	req := spec.Requirements
	if req.CPUCores < 0 || req.MemoryGB < 0 || req.StorageGB < 0 || req.Accelerators < 0 {
		return fmt.Errorf("%w: negative resource requirement", models.ErrInvalidJobSpec)
	}
	if req.EstimatedDuration < 0 {
		return fmt.Errorf("%w: negative estimated duration", models.ErrInvalidJobSpec)
	}
	if spec.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", models.ErrInvalidJobSpec)
	}
	if spec.Priority != "" && !spec.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", models.ErrInvalidJobSpec, spec.Priority)
	}
	return nil
}

// Complete releases the job's reservation and records its terminal
// performance. Called by the executor collaborator.
func (s *Scheduler) Complete(jobID string, result models.JobResult) error {
	now := time.Now()

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	if job.Status != models.JobStatusRunning || job.Assignment == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s, not running", models.ErrIllegalTransition, jobID, job.Status)
	}

	s.registry.Release(job.Assignment.NodeID, job.Requirements, registry.OutcomeCompleted)
	job.Status = models.JobStatusCompleted
	job.Assignment.CompletedAt = &now
	job.Progress = models.JobProgress{Percent: 100}
	job.Performance = &models.JobPerformance{
		ExecutionTime:       result.ExecutionTime,
		ResourceUtilization: result.ResourceUtilization,
		CostUSD:             result.CostUSD,
	}
	job.UpdatedAt = now
	s.recordCompletion(now, result.ExecutionTime)
	s.mu.Unlock()

	s.bus.Publish(models.EventJobCompleted, map[string]interface{}{
		"jobId":    jobID,
		"duration": result.ExecutionTime.String(),
	})
	log.WithField("jobId", jobID).Info("Job completed")
	return nil
}

// Fail releases the job's reservation and either requeues it with a
// backoff (while retries remain) or marks it permanently failed.
func (s *Scheduler) Fail(jobID string, jobErr string) error {
	now := time.Now()

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	if job.Status != models.JobStatusRunning || job.Assignment == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s, not running", models.ErrIllegalTransition, jobID, job.Status)
	}

	nodeID := job.Assignment.NodeID
	willRetry := job.Retries < job.MaxRetries

	if willRetry {
		s.registry.Release(nodeID, job.Requirements, registry.OutcomeRequeued)
		job.Retries++
		job.Status = models.JobStatusQueued
		job.Assignment = nil
		job.Progress = models.JobProgress{}
		job.NotBefore = now.Add(s.backoff)
	} else {
		s.registry.Release(nodeID, job.Requirements, registry.OutcomeFailed)
		job.Status = models.JobStatusFailed
		job.Assignment.CompletedAt = &now
	}
	job.LastError = jobErr
	job.UpdatedAt = now
	retries := job.Retries
	s.mu.Unlock()

	s.bus.Publish(models.EventJobFailed, map[string]interface{}{
		"jobId":     jobID,
		"error":     jobErr,
		"willRetry": willRetry,
		"retries":   retries,
	})
	if willRetry {
		log.WithFields(log.Fields{"jobId": jobID, "retries": retries}).Warn("Job failed, requeued")
	} else {
		log.WithFields(log.Fields{"jobId": jobID, "error": jobErr}).Error("Job permanently failed")
	}
	return nil
}

// Cancel withdraws a queued job. Running jobs are not preemptible.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	if job.Status != models.JobStatusQueued {
		return fmt.Errorf("%w: cannot cancel %s job", models.ErrIllegalTransition, job.Status)
	}
	job.Status = models.JobStatusFailed
	job.LastError = "canceled by caller"
	job.UpdatedAt = time.Now()
	return nil
}

// UpdateProgress records executor-reported progress for a running job
func (s *Scheduler) UpdateProgress(jobID string, percent float64, step string, remaining time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	if job.Status != models.JobStatusRunning {
		return fmt.Errorf("%w: job %s is not running", models.ErrIllegalTransition, jobID)
	}
	job.Progress = models.JobProgress{Percent: percent, CurrentStep: step, TimeRemaining: remaining}
	job.UpdatedAt = time.Now()
	return nil
}

// GetJob returns a copy of the job
func (s *Scheduler) GetJob(jobID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	return copyJob(job), nil
}

// ListJobs returns copies of all jobs with the given status; an empty
// status matches everything. Ordered by submission.
func (s *Scheduler) ListJobs(status models.JobStatus) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Job
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// QueueStats is the aggregator's read-only view of the job queue
type QueueStats struct {
	Queued           int
	Running          int
	Completed        int
	Failed           int
	CompletedLast24h int
	Latencies        []time.Duration
}

// Stats returns consistent job counts and recent latency samples
func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats QueueStats
	for _, job := range s.jobs {
		switch job.Status {
		case models.JobStatusQueued:
			stats.Queued++
		case models.JobStatusRunning:
			stats.Running++
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		}
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	for _, at := range s.completions {
		if at.After(cutoff) {
			stats.CompletedLast24h++
		}
	}
	stats.Latencies = append([]time.Duration(nil), s.latencies...)
	return stats
}

// recordCompletion keeps bounded completion history for the
// aggregator. Caller holds the lock.
func (s *Scheduler) recordCompletion(at time.Time, latency time.Duration) {
	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > latencySamples {
		s.latencies = s.latencies[len(s.latencies)-latencySamples:]
	}

	s.completions = append(s.completions, at)
	cutoff := at.Add(-24 * time.Hour)
	trimmed := s.completions[:0]
	for _, t := range s.completions {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	s.completions = trimmed
}

func copyJob(j *models.Job) models.Job {
	out := *j
	if j.Assignment != nil {
		a := *j.Assignment
		out.Assignment = &a
	}
	if j.Performance != nil {
		p := *j.Performance
		out.Performance = &p
	}
	return out
}
