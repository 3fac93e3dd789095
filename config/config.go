package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m"
// parse through time.ParseDuration
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ScalingThresholds are the utilization ceilings that drive scale-up
// and health-issue forwarding
type ScalingThresholds struct {
	CPU          float64  `yaml:"cpu"`      // percent
	Memory       float64  `yaml:"memory"`   // percent
	Requests     float64  `yaml:"requests"` // queued-job pressure, reserved
	ResponseTime Duration `yaml:"responseTime"`
}

// WorkerProfile is the node shape requested on scale-up
type WorkerProfile struct {
	Type         string  `yaml:"type"`
	CPUCores     float64 `yaml:"cpuCores"`
	MemoryGB     float64 `yaml:"memoryGB"`
	StorageGB    float64 `yaml:"storageGB"`
	NetworkGbps  float64 `yaml:"networkGbps"`
	HourlyRate   float64 `yaml:"hourlyRate"`
	InstanceType string  `yaml:"instanceType"`
}

// Scaling is the autoscaling configuration surface
type Scaling struct {
	MinInstances         int               `yaml:"minInstances"`
	MaxInstances         int               `yaml:"maxInstances"`
	Threshold            ScalingThresholds `yaml:"scalingThreshold"`
	CooldownPeriod       Duration          `yaml:"cooldownPeriod"`
	AdmissionCeiling     float64           `yaml:"admissionCeiling"`
	QueueLengthThreshold int               `yaml:"queueLengthThreshold"`
	EfficiencyFloor      float64           `yaml:"efficiencyFloor"`
	Regions              []string          `yaml:"regions"`
	Worker               WorkerProfile     `yaml:"worker"`
}

// Intervals drive the three scheduling-loop timers
type Intervals struct {
	Assignment Duration `yaml:"assignment"`
	Metrics    Duration `yaml:"metrics"`
	Decision   Duration `yaml:"decision"`
}

// Config holds the application configuration
type Config struct {
	ServerPort  string    `yaml:"serverPort"`
	DatabaseURL string    `yaml:"databaseURL"`
	Provisioner string    `yaml:"provisioner"` // "local" or "aws"
	AWSRegion   string    `yaml:"awsRegion"`
	AWSImageID  string    `yaml:"awsImageID"`
	Scaling     Scaling   `yaml:"scaling"`
	Intervals   Intervals `yaml:"intervals"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ServerPort:  "8080",
		Provisioner: "local",
		AWSRegion:   "us-east-1",
		Scaling: Scaling{
			MinInstances: 1,
			MaxInstances: 10,
			Threshold: ScalingThresholds{
				CPU:          80,
				Memory:       85,
				ResponseTime: Duration(time.Second),
			},
			CooldownPeriod:       Duration(5 * time.Minute),
			AdmissionCeiling:     0.8,
			QueueLengthThreshold: 10,
			EfficiencyFloor:      5,
			Regions:              []string{"us-east-1"},
			Worker: WorkerProfile{
				Type:         "standard-worker",
				CPUCores:     8,
				MemoryGB:     32,
				StorageGB:    200,
				NetworkGbps:  10,
				HourlyRate:   0.384,
				InstanceType: "m5.2xlarge",
			},
		},
		Intervals: Intervals{
			Assignment: Duration(5 * time.Second),
			Metrics:    Duration(15 * time.Second),
			Decision:   Duration(30 * time.Second),
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file
// (CONFIG_PATH), and environment variable overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.Provisioner = getEnv("PROVISIONER", cfg.Provisioner)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.AWSImageID = getEnv("AWS_IMAGE_ID", cfg.AWSImageID)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scaling.MinInstances < 0 {
		return fmt.Errorf("minInstances must be >= 0")
	}
	if c.Scaling.MaxInstances < c.Scaling.MinInstances {
		return fmt.Errorf("maxInstances must be >= minInstances")
	}
	if c.Scaling.AdmissionCeiling <= 0 || c.Scaling.AdmissionCeiling > 1 {
		return fmt.Errorf("admissionCeiling must be in (0, 1]")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
