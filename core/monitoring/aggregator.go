package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/models"
	"cluster-scheduler/core/registry"
	"cluster-scheduler/core/scheduler"
)

const (
	// defaultHistorySize bounds the rolling snapshot history
	defaultHistorySize = 360
	// trendWindow is the number of trailing snapshots used for the
	// short-horizon load prediction
	trendWindow = 5
)

// Thresholds are the ceilings whose breach is forwarded to the node
// registry as health issues
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
	ResponseTime  time.Duration
}

// Aggregator periodically derives an immutable cluster-wide snapshot
// from registry and queue state. It reads without mutating and never
// blocks on external I/O.
type Aggregator struct {
	registry   *registry.Registry
	sched      *scheduler.Scheduler
	thresholds Thresholds
	interval   time.Duration
	exporter   *Exporter // optional

	mu      sync.RWMutex
	history []models.MetricsSnapshot
	cap     int
}

// NewAggregator creates a metrics aggregator. exporter may be nil.
func NewAggregator(reg *registry.Registry, sched *scheduler.Scheduler, thresholds Thresholds, interval time.Duration, exporter *Exporter) *Aggregator {
	return &Aggregator{
		registry:   reg,
		sched:      sched,
		thresholds: thresholds,
		interval:   interval,
		exporter:   exporter,
		cap:        defaultHistorySize,
	}
}

// Start runs the metrics tick until the context is cancelled
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Snapshot()
		}
	}
}

// Snapshot computes a snapshot, appends it to the rolling history
// (oldest evicted first), checks thresholds, and returns it.
func (a *Aggregator) Snapshot() models.MetricsSnapshot {
	snap := a.compute()

	a.mu.Lock()
	a.history = append(a.history, snap)
	if len(a.history) > a.cap {
		a.history = a.history[len(a.history)-a.cap:]
	}
	a.mu.Unlock()

	a.checkThresholds(snap)
	if a.exporter != nil {
		a.exporter.Update(snap)
	}
	return snap
}

func (a *Aggregator) compute() models.MetricsSnapshot {
	nodes := a.registry.List(registry.NodeFilter{})
	stats := a.sched.Stats()

	snap := models.MetricsSnapshot{
		Timestamp:     time.Now(),
		TotalNodes:    len(nodes),
		QueuedJobs:    stats.Queued,
		RunningJobs:   stats.Running,
		CompletedJobs: stats.Completed,
		FailedJobs:    stats.Failed,
	}

	var cpuSum, memSum, storSum, loadSum float64
	for _, node := range nodes {
		switch node.Status {
		case models.NodeStatusRunning:
			snap.ActiveNodes++
			cpuSum += node.Resources.CPUFraction() * 100
			memSum += node.Resources.MemoryFraction() * 100
			storSum += node.Resources.StorageFraction() * 100
			loadSum += node.Workload.Utilization
			snap.TotalHourlyCost += node.Cost.HourlyRate
		case models.NodeStatusInitializing:
			snap.InitializingNodes++
			snap.TotalHourlyCost += node.Cost.HourlyRate
		case models.NodeStatusStopping:
			snap.StoppingNodes++
			snap.TotalHourlyCost += node.Cost.HourlyRate
		case models.NodeStatusError:
			snap.ErrorNodes++
		}
	}
	if snap.ActiveNodes > 0 {
		n := float64(snap.ActiveNodes)
		snap.AvgCPUUtilization = cpuSum / n
		snap.AvgMemoryUtilization = memSum / n
		snap.AvgStorageUtilization = storSum / n
		snap.CurrentLoad = loadSum / n
	}

	snap.CompletionRate = float64(stats.CompletedLast24h) / 24
	if snap.TotalHourlyCost > 0 {
		snap.CostEfficiency = float64(stats.Completed) / snap.TotalHourlyCost
	}
	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		snap.ErrorRate = float64(stats.Failed) / float64(terminal)
	}

	snap.P50Latency = percentile(stats.Latencies, 0.50)
	snap.P95Latency = percentile(stats.Latencies, 0.95)
	snap.P99Latency = percentile(stats.Latencies, 0.99)
	snap.AvgResponseTime = meanDuration(stats.Latencies)

	snap.NextHourLoad = clamp01(snap.CurrentLoad + a.loadTrend())
	return snap
}

// loadTrend returns the average per-sample load delta over the last
// trendWindow snapshots
func (a *Aggregator) loadTrend() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := len(a.history)
	if n < 2 {
		return 0
	}
	start := n - trendWindow
	if start < 0 {
		start = 0
	}
	window := a.history[start:]
	var deltaSum float64
	for i := 1; i < len(window); i++ {
		deltaSum += window[i].CurrentLoad - window[i-1].CurrentLoad
	}
	return deltaSum / float64(len(window)-1)
}

// checkThresholds forwards breaches to the registry as health issues
func (a *Aggregator) checkThresholds(snap models.MetricsSnapshot) {
	running := a.registry.List(registry.NodeFilter{Status: models.NodeStatusRunning})

	responseBreach := a.thresholds.ResponseTime > 0 && snap.AvgResponseTime > a.thresholds.ResponseTime
	for _, node := range running {
		if a.thresholds.CPUPercent > 0 {
			if cpu := node.Resources.CPUFraction() * 100; cpu > a.thresholds.CPUPercent {
				a.recordIssue(node.ID, fmt.Sprintf("cpu usage %.0f%% above threshold %.0f%%", cpu, a.thresholds.CPUPercent))
			}
		}
		if a.thresholds.MemoryPercent > 0 {
			if mem := node.Resources.MemoryFraction() * 100; mem > a.thresholds.MemoryPercent {
				a.recordIssue(node.ID, fmt.Sprintf("memory usage %.0f%% above threshold %.0f%%", mem, a.thresholds.MemoryPercent))
			}
		}
		if responseBreach {
			a.recordIssue(node.ID, fmt.Sprintf("cluster response time %s above ceiling %s", snap.AvgResponseTime, a.thresholds.ResponseTime))
		}
	}
}

func (a *Aggregator) recordIssue(nodeID, message string) {
	if err := a.registry.RecordHealthIssue(nodeID, models.SeverityWarning, message); err != nil {
		log.WithError(err).WithField("nodeId", nodeID).Warn("Failed to record health issue")
	}
}

// Latest returns the most recent snapshot, if any
func (a *Aggregator) Latest() (models.MetricsSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.history) == 0 {
		return models.MetricsSnapshot{}, false
	}
	return a.history[len(a.history)-1], true
}

// History returns up to limit snapshots, newest first
func (a *Aggregator) History(limit int) []models.MetricsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := len(a.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.MetricsSnapshot, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, a.history[i])
	}
	return out
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
