package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"cluster-scheduler/core/models"
	"cluster-scheduler/core/registry"
	"cluster-scheduler/core/spec"
)

// NodeHandler handles node-related HTTP requests
type NodeHandler struct {
	registry *registry.Registry
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(reg *registry.Registry) *NodeHandler {
	return &NodeHandler{registry: reg}
}

// RegisterNodeRequest is the body for POST /v1/nodes
type RegisterNodeRequest struct {
	SpecYAML string `json:"spec_yaml"`
}

// RegisterNode handles POST /v1/nodes
func (h *NodeHandler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	nodeSpec, err := spec.ParseNodeSpec(req.SpecYAML)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	nodeID, err := h.registry.Register(nodeSpec)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSpec) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to register node: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": nodeID, "status": string(models.NodeStatusInitializing)})
}

// GetNode handles GET /v1/nodes/{id}
func (h *NodeHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	node, err := h.registry.Get(nodeID)
	if err != nil {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, nodeResponse(node))
}

// ListNodes handles GET /v1/nodes?status=&type=&region=
func (h *NodeHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := registry.NodeFilter{
		Status: models.NodeStatus(q.Get("status")),
		Type:   q.Get("type"),
		Region: q.Get("region"),
	}

	nodes := h.registry.List(filter)
	out := make([]map[string]interface{}, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, nodeResponse(node))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": out, "count": len(out)})
}

// UpdateNodeConfiguration handles PATCH /v1/nodes/{id}/config.
// Configuration-only: resource accounting is never touched.
func (h *NodeHandler) UpdateNodeConfiguration(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	var patch map[string]string
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.registry.UpdateConfiguration(nodeID, patch); err != nil {
		if errors.Is(err, models.ErrNodeNotFound) {
			http.Error(w, "Node not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nodeResponse(node models.Node) map[string]interface{} {
	avail := node.Resources.Available()
	return map[string]interface{}{
		"id":     node.ID,
		"name":   node.Name,
		"type":   node.Type,
		"region": node.Region,
		"status": node.Status,
		"resources": map[string]interface{}{
			"total": map[string]float64{
				"cpu_cores":    node.Resources.Total.CPUCores,
				"memory_gb":    node.Resources.Total.MemoryGB,
				"storage_gb":   node.Resources.Total.StorageGB,
				"network_gbps": node.Resources.Total.NetworkGbps,
			},
			"used": map[string]float64{
				"cpu_cores":  node.Resources.Used.CPUCores,
				"memory_gb":  node.Resources.Used.MemoryGB,
				"storage_gb": node.Resources.Used.StorageGB,
			},
			"available": map[string]float64{
				"cpu_cores":  avail.CPUCores,
				"memory_gb":  avail.MemoryGB,
				"storage_gb": avail.StorageGB,
			},
		},
		"workload": map[string]interface{}{
			"active_jobs":    node.Workload.ActiveJobs,
			"completed_jobs": node.Workload.CompletedJobs,
			"failed_jobs":    node.Workload.FailedJobs,
			"utilization":    node.Workload.Utilization,
		},
		"cost": map[string]interface{}{
			"hourly_rate": node.Cost.HourlyRate,
			"efficiency":  node.Cost.Efficiency,
		},
		"health": map[string]interface{}{
			"score":      node.Health.Score,
			"issues":     len(node.Health.Issues),
			"last_check": node.Health.LastCheck,
		},
		"configuration": node.Configuration,
		"created_at":    node.CreatedAt,
	}
}
