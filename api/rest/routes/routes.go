package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"cluster-scheduler/api/rest/handlers"
	"cluster-scheduler/core/autoscaler"
	"cluster-scheduler/core/monitoring"
	"cluster-scheduler/core/registry"
	"cluster-scheduler/core/scheduler"
)

// Setup configures all API routes
func Setup(r *mux.Router, reg *registry.Registry, sched *scheduler.Scheduler, agg *monitoring.Aggregator, decisions *autoscaler.DecisionLog, exporter *monitoring.Exporter) {
	jobHandler := handlers.NewJobHandler(sched)
	nodeHandler := handlers.NewNodeHandler(reg)
	metricsHandler := handlers.NewMetricsHandler(agg)
	scalingHandler := handlers.NewScalingHandler(decisions)

	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", jobHandler.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", jobHandler.CancelJob).Methods("POST")

	// Node endpoints
	api.HandleFunc("/nodes", nodeHandler.RegisterNode).Methods("POST")
	api.HandleFunc("/nodes", nodeHandler.ListNodes).Methods("GET")
	api.HandleFunc("/nodes/{id}", nodeHandler.GetNode).Methods("GET")
	api.HandleFunc("/nodes/{id}/config", nodeHandler.UpdateNodeConfiguration).Methods("PATCH")

	// Metrics and scaling endpoints
	api.HandleFunc("/metrics/latest", metricsHandler.GetLatest).Methods("GET")
	api.HandleFunc("/metrics/history", metricsHandler.GetHistory).Methods("GET")
	api.HandleFunc("/scaling/decisions", scalingHandler.ListDecisions).Methods("GET")

	// Prometheus scrape endpoint
	if exporter != nil {
		r.Handle("/metrics", exporter.Handler()).Methods("GET")
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}
