package models

import "time"

// MetricsSnapshot is an immutable point-in-time aggregate of cluster state
type MetricsSnapshot struct {
	Timestamp time.Time

	// Node counts
	TotalNodes        int
	ActiveNodes       int // status == running
	InitializingNodes int
	StoppingNodes     int
	ErrorNodes        int

	// Aggregate utilization, percent 0-100
	AvgCPUUtilization     float64
	AvgMemoryUtilization  float64
	AvgStorageUtilization float64

	// Job counts
	QueuedJobs    int
	RunningJobs   int
	CompletedJobs int
	FailedJobs    int

	// Throughput and latency
	CompletionRate float64 // jobs per hour over the trailing 24h
	P50Latency     time.Duration
	P95Latency     time.Duration
	P99Latency     time.Duration

	// Cost
	TotalHourlyCost float64
	CostEfficiency  float64 // completed jobs per dollar-hour, cluster-wide

	AvgResponseTime time.Duration
	ErrorRate       float64 // failed / (completed + failed), 0-1

	// Short-horizon prediction, 0-1 load fraction
	CurrentLoad  float64
	NextHourLoad float64
}
