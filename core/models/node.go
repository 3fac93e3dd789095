package models

import "time"

// NodeStatus represents the lifecycle status of a node
type NodeStatus string

const (
	NodeStatusInitializing NodeStatus = "initializing"
	NodeStatusRunning      NodeStatus = "running"
	NodeStatusStopping     NodeStatus = "stopping"
	NodeStatusStopped      NodeStatus = "stopped"
	NodeStatusError        NodeStatus = "error"
)

// Resources describes capacity along the four schedulable dimensions
type Resources struct {
	CPUCores    float64
	MemoryGB    float64
	StorageGB   float64
	NetworkGbps float64
}

// Fits reports whether r can accommodate the given requirement
func (r Resources) Fits(req JobRequirements) bool {
	return r.CPUCores >= req.CPUCores &&
		r.MemoryGB >= req.MemoryGB &&
		r.StorageGB >= req.StorageGB
}

// NodeResources tracks total and used capacity for a node.
// Available capacity is always derived, never stored.
type NodeResources struct {
	Total Resources
	Used  Resources
}

// Available returns the remaining capacity on every dimension
func (nr NodeResources) Available() Resources {
	return Resources{
		CPUCores:    nr.Total.CPUCores - nr.Used.CPUCores,
		MemoryGB:    nr.Total.MemoryGB - nr.Used.MemoryGB,
		StorageGB:   nr.Total.StorageGB - nr.Used.StorageGB,
		NetworkGbps: nr.Total.NetworkGbps - nr.Used.NetworkGbps,
	}
}

// CPUFraction returns used/total for CPU (0 when the node has no CPU)
func (nr NodeResources) CPUFraction() float64 {
	if nr.Total.CPUCores == 0 {
		return 0
	}
	return nr.Used.CPUCores / nr.Total.CPUCores
}

// MemoryFraction returns used/total for memory
func (nr NodeResources) MemoryFraction() float64 {
	if nr.Total.MemoryGB == 0 {
		return 0
	}
	return nr.Used.MemoryGB / nr.Total.MemoryGB
}

// StorageFraction returns used/total for storage
func (nr NodeResources) StorageFraction() float64 {
	if nr.Total.StorageGB == 0 {
		return 0
	}
	return nr.Used.StorageGB / nr.Total.StorageGB
}

// NodeWorkload counts jobs on a node
type NodeWorkload struct {
	ActiveJobs    int
	QueuedJobs    int
	CompletedJobs int
	FailedJobs    int
	Utilization   float64 // 0.0 - 1.0, derived from resource usage
}

// NodeCost tracks the cost profile of a node
type NodeCost struct {
	HourlyRate float64 // USD
	Efficiency float64 // completed jobs per dollar-hour
}

// IssueSeverity classifies a health issue
type IssueSeverity string

const (
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// HealthIssue is a single observed problem on a node
type HealthIssue struct {
	Severity   IssueSeverity
	Message    string
	ObservedAt time.Time
}

// NodeHealth is the health record of a node
type NodeHealth struct {
	Score     float64 // 0.0 - 1.0
	Issues    []HealthIssue
	LastCheck time.Time
}

// Node represents a unit of compute capacity in the cluster
type Node struct {
	ID            string
	Name          string
	Type          string // worker profile, e.g. "standard-worker"
	Region        string
	Status        NodeStatus
	Resources     NodeResources
	Workload      NodeWorkload
	Cost          NodeCost
	Health        NodeHealth
	Configuration map[string]string // free-form, never affects accounting
	ProviderID    string            // handle from the provisioning collaborator
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NodeSpec is the input to node registration
type NodeSpec struct {
	Name          string
	Type          string
	Region        string
	Resources     Resources
	HourlyRate    float64
	Configuration map[string]string
	ProviderID    string
}
