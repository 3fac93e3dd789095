package models

import "errors"

// Error taxonomy for the scheduler core. Callers match with errors.Is.
var (
	// ErrInvalidSpec rejects a malformed node spec; never retried.
	ErrInvalidSpec = errors.New("invalid node spec")

	// ErrInvalidJobSpec rejects a malformed job spec; never retried.
	ErrInvalidJobSpec = errors.New("invalid job spec")

	// ErrIllegalTransition flags a lifecycle ordering violation.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrInsufficientCapacity is expected and non-fatal; the job stays queued.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrProvisioningFailure marks a collaborator error during scaling.
	ErrProvisioningFailure = errors.New("provisioning failure")

	ErrNodeNotFound     = errors.New("node not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrDecisionNotFound = errors.New("scaling decision not found")
)
