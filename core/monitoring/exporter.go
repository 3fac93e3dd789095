package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cluster-scheduler/core/models"
)

// Exporter publishes snapshot-derived gauges for Prometheus scraping
type Exporter struct {
	registry *prometheus.Registry

	nodesTotal   prometheus.Gauge
	nodesActive  prometheus.Gauge
	nodesError   prometheus.Gauge
	jobsByStatus *prometheus.GaugeVec
	cpuUtil      prometheus.Gauge
	memUtil      prometheus.Gauge
	hourlyCost   prometheus.Gauge
	errorRate    prometheus.Gauge
	nextHourLoad prometheus.Gauge
}

// NewExporter creates an exporter with its own Prometheus registry
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		nodesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_nodes_total",
			Help: "Total number of registered nodes",
		}),
		nodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_nodes_active",
			Help: "Number of nodes in running status",
		}),
		nodesError: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_nodes_error",
			Help: "Number of nodes in error status",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cluster_jobs",
			Help: "Job counts by status",
		}, []string{"status"}),
		cpuUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_cpu_utilization_percent",
			Help: "Average CPU utilization across active nodes",
		}),
		memUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_memory_utilization_percent",
			Help: "Average memory utilization across active nodes",
		}),
		hourlyCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_hourly_cost_usd",
			Help: "Total hourly cost of provisioned nodes",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_job_error_rate",
			Help: "Failed jobs over terminal jobs",
		}),
		nextHourLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_predicted_next_hour_load",
			Help: "Predicted cluster load fraction for the next hour",
		}),
	}

	e.registry.MustRegister(
		e.nodesTotal, e.nodesActive, e.nodesError, e.jobsByStatus,
		e.cpuUtil, e.memUtil, e.hourlyCost, e.errorRate, e.nextHourLoad,
	)
	return e
}

// Update refreshes all gauges from a snapshot
func (e *Exporter) Update(snap models.MetricsSnapshot) {
	e.nodesTotal.Set(float64(snap.TotalNodes))
	e.nodesActive.Set(float64(snap.ActiveNodes))
	e.nodesError.Set(float64(snap.ErrorNodes))
	e.jobsByStatus.WithLabelValues("queued").Set(float64(snap.QueuedJobs))
	e.jobsByStatus.WithLabelValues("running").Set(float64(snap.RunningJobs))
	e.jobsByStatus.WithLabelValues("completed").Set(float64(snap.CompletedJobs))
	e.jobsByStatus.WithLabelValues("failed").Set(float64(snap.FailedJobs))
	e.cpuUtil.Set(snap.AvgCPUUtilization)
	e.memUtil.Set(snap.AvgMemoryUtilization)
	e.hourlyCost.Set(snap.TotalHourlyCost)
	e.errorRate.Set(snap.ErrorRate)
	e.nextHourLoad.Set(snap.NextHourLoad)
}

// Handler returns the scrape endpoint handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
