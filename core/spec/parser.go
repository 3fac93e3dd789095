package spec

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"cluster-scheduler/core/models"
)

// jobDocument is the YAML envelope for job submission
type jobDocument struct {
	Job jobSection `yaml:"job"`
}

type jobSection struct {
	Name       string       `yaml:"name"`
	Type       string       `yaml:"type"`
	Priority   string       `yaml:"priority"`
	MaxRetries int          `yaml:"max_retries"`
	Resources  jobResources `yaml:"resources"`
}

type jobResources struct {
	CPUCores         float64 `yaml:"cpu_cores"`
	MemoryGB         float64 `yaml:"memory_gb"`
	StorageGB        float64 `yaml:"storage_gb"`
	Accelerators     int     `yaml:"accelerators"`
	EstimatedMinutes float64 `yaml:"estimated_minutes"`
}

// nodeDocument is the YAML envelope for node registration
type nodeDocument struct {
	Node nodeSection `yaml:"node"`
}

type nodeSection struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Region        string            `yaml:"region"`
	HourlyRate    float64           `yaml:"hourly_rate"`
	Resources     nodeResources     `yaml:"resources"`
	Configuration map[string]string `yaml:"configuration"`
}

type nodeResources struct {
	CPUCores    float64 `yaml:"cpu_cores"`
	MemoryGB    float64 `yaml:"memory_gb"`
	StorageGB   float64 `yaml:"storage_gb"`
	NetworkGbps float64 `yaml:"network_gbps"`
}

// ParseJobSpec parses a YAML job specification. Numeric validation
// (non-negative requirements, retry budget) happens at submission.
func ParseJobSpec(specYAML string) (models.JobSpec, error) {
	var doc jobDocument
	if err := yaml.Unmarshal([]byte(specYAML), &doc); err != nil {
		return models.JobSpec{}, fmt.Errorf("%w: %v", models.ErrInvalidJobSpec, err)
	}
	j := doc.Job
	if j.Type == "" {
		return models.JobSpec{}, fmt.Errorf("%w: missing job type", models.ErrInvalidJobSpec)
	}

	return models.JobSpec{
		Name:       j.Name,
		Type:       j.Type,
		Priority:   models.JobPriority(j.Priority),
		MaxRetries: j.MaxRetries,
		Requirements: models.JobRequirements{
			CPUCores:          j.Resources.CPUCores,
			MemoryGB:          j.Resources.MemoryGB,
			StorageGB:         j.Resources.StorageGB,
			Accelerators:      j.Resources.Accelerators,
			EstimatedDuration: time.Duration(j.Resources.EstimatedMinutes * float64(time.Minute)),
		},
	}, nil
}

// ParseNodeSpec parses a YAML node specification
func ParseNodeSpec(specYAML string) (models.NodeSpec, error) {
	var doc nodeDocument
	if err := yaml.Unmarshal([]byte(specYAML), &doc); err != nil {
		return models.NodeSpec{}, fmt.Errorf("%w: %v", models.ErrInvalidSpec, err)
	}
	n := doc.Node
	if n.Type == "" {
		return models.NodeSpec{}, fmt.Errorf("%w: missing node type", models.ErrInvalidSpec)
	}

	return models.NodeSpec{
		Name:       n.Name,
		Type:       n.Type,
		Region:     n.Region,
		HourlyRate: n.HourlyRate,
		Resources: models.Resources{
			CPUCores:    n.Resources.CPUCores,
			MemoryGB:    n.Resources.MemoryGB,
			StorageGB:   n.Resources.StorageGB,
			NetworkGbps: n.Resources.NetworkGbps,
		},
		Configuration: n.Configuration,
	}, nil
}
