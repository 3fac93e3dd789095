package models

import "time"

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobPriority orders jobs within the queue
type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
	PriorityUrgent JobPriority = "urgent"
)

// Rank maps a priority to its scheduling rank (higher schedules first)
func (p JobPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Valid reports whether p is a recognized priority
func (p JobPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// JobRequirements specifies the resources a job reserves while running
type JobRequirements struct {
	CPUCores          float64
	MemoryGB          float64
	StorageGB         float64
	Accelerators      int
	EstimatedDuration time.Duration
}

// JobAssignment records the node a job is placed on.
// Present only once the job has been assigned.
type JobAssignment struct {
	NodeID      string
	AssignedAt  time.Time
	StartedAt   time.Time
	CompletedAt *time.Time
}

// JobProgress tracks execution progress reported by the executor
type JobProgress struct {
	Percent       float64 // 0 - 100
	CurrentStep   string
	TimeRemaining time.Duration
}

// JobPerformance is populated on terminal states only
type JobPerformance struct {
	ExecutionTime       time.Duration
	ResourceUtilization float64
	CostUSD             float64
}

// Job represents a unit of requested work
type Job struct {
	ID           string
	Name         string
	Type         string
	Priority     JobPriority
	Requirements JobRequirements
	Status       JobStatus
	Assignment   *JobAssignment
	Progress     JobProgress
	Retries      int
	MaxRetries   int
	NotBefore    time.Time // retry backoff gate; zero means schedulable now
	Performance  *JobPerformance
	LastError    string
	SubmittedAt  time.Time
	UpdatedAt    time.Time

	// Seq is assigned at submission and breaks priority ties FIFO.
	Seq uint64
}

// JobResult is reported by the executor collaborator on completion
type JobResult struct {
	ExecutionTime       time.Duration
	ResourceUtilization float64
	CostUSD             float64
}

// JobSpec is the input to job submission
type JobSpec struct {
	Name         string
	Type         string
	Priority     JobPriority
	Requirements JobRequirements
	MaxRetries   int
}
