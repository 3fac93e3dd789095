package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"cluster-scheduler/core/models"
	"cluster-scheduler/core/scheduler"
	"cluster-scheduler/core/spec"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	sched *scheduler.Scheduler
}

// NewJobHandler creates a new job handler
func NewJobHandler(sched *scheduler.Scheduler) *JobHandler {
	return &JobHandler{sched: sched}
}

// SubmitJobRequest is the body for POST /v1/jobs
type SubmitJobRequest struct {
	SpecYAML string `json:"spec_yaml"`
}

// SubmitJobResponse is returned after submission
type SubmitJobResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmitJob handles POST /v1/jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	jobSpec, err := spec.ParseJobSpec(req.SpecYAML)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobID, err := h.sched.Submit(jobSpec)
	if err != nil {
		if errors.Is(err, models.ErrInvalidJobSpec) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to submit job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	job, err := h.sched.GetJob(jobID)
	if err != nil {
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitJobResponse{
		ID:          job.ID,
		Status:      string(job.Status),
		SubmittedAt: job.SubmittedAt,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.sched.GetJob(jobID)
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// ListJobs handles GET /v1/jobs?status=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))

	jobs := h.sched.ListJobs(status)
	out := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out, "count": len(out)})
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	if err := h.sched.Cancel(jobID); err != nil {
		switch {
		case errors.Is(err, models.ErrJobNotFound):
			http.Error(w, "Job not found", http.StatusNotFound)
		case errors.Is(err, models.ErrIllegalTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func jobResponse(job models.Job) map[string]interface{} {
	resp := map[string]interface{}{
		"id":       job.ID,
		"name":     job.Name,
		"type":     job.Type,
		"priority": job.Priority,
		"status":   job.Status,
		"requirements": map[string]interface{}{
			"cpu_cores":    job.Requirements.CPUCores,
			"memory_gb":    job.Requirements.MemoryGB,
			"storage_gb":   job.Requirements.StorageGB,
			"accelerators": job.Requirements.Accelerators,
		},
		"progress": map[string]interface{}{
			"percent":      job.Progress.Percent,
			"current_step": job.Progress.CurrentStep,
		},
		"retries":      job.Retries,
		"max_retries":  job.MaxRetries,
		"submitted_at": job.SubmittedAt,
	}
	if job.Assignment != nil {
		resp["assignment"] = map[string]interface{}{
			"node_id":     job.Assignment.NodeID,
			"assigned_at": job.Assignment.AssignedAt,
			"started_at":  job.Assignment.StartedAt,
		}
	}
	if job.Performance != nil {
		resp["performance"] = map[string]interface{}{
			"execution_time_ms":    job.Performance.ExecutionTime.Milliseconds(),
			"resource_utilization": job.Performance.ResourceUtilization,
			"cost_usd":             job.Performance.CostUSD,
		}
	}
	if job.LastError != "" {
		resp["last_error"] = job.LastError
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
