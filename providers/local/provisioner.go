package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cluster-scheduler/core/models"
)

// Provisioner is an in-process provisioning collaborator. Nodes are
// "provisioned" instantly and report ready after a fixed delay,
// standing in for real infrastructure in development and tests.
type Provisioner struct {
	readyDelay time.Duration

	mu   sync.Mutex
	seq  int
	live map[string]bool
}

// New creates a local provisioner with the given readiness delay
func New(readyDelay time.Duration) *Provisioner {
	return &Provisioner{
		readyDelay: readyDelay,
		live:       make(map[string]bool),
	}
}

// Provision allocates a synthetic provider handle
func (p *Provisioner) Provision(_ context.Context, spec models.NodeSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := fmt.Sprintf("local-%s-%d", spec.Type, p.seq)
	p.live[id] = true
	return id, nil
}

// AwaitReady reports readiness after the configured delay
func (p *Provisioner) AwaitReady(ctx context.Context, providerID string) error {
	p.mu.Lock()
	ok := p.live[providerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown provider handle %s", providerID)
	}

	if p.readyDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.readyDelay):
		return nil
	}
}

// Deprovision releases a synthetic handle
func (p *Provisioner) Deprovision(_ context.Context, providerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.live[providerID] {
		return fmt.Errorf("unknown provider handle %s", providerID)
	}
	delete(p.live, providerID)
	return nil
}

// Live returns the number of provisioned handles
func (p *Provisioner) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
