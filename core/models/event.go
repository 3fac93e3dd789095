package models

import "time"

// EventType identifies a notification emitted by the scheduler core
type EventType string

const (
	EventNodeCreated        EventType = "node-created"
	EventNodeHealthDegraded EventType = "node-health-degraded"
	EventJobAssigned        EventType = "job-assigned"
	EventJobCompleted       EventType = "job-completed"
	EventJobFailed          EventType = "job-failed"
	EventScalingPlanned     EventType = "scaling-planned"
	EventScalingCompleted   EventType = "scaling-completed"
	EventScalingFailed      EventType = "scaling-failed"
)

// Event is a discrete notification delivered to subscribers.
// Delivery is at-least-once and fire-and-forget.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Meta      map[string]interface{}
}
