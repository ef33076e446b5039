package system

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/core"
)

// Manager registers lifecycle-managed Services and starts/stops them
// deterministically, in registration order for Start and reverse order
// for Stop so dependents shut down before their dependencies.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  bool
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service. Registering after Start has been called is a
// programming error and returns an error rather than silently starting
// the new service out of order.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("system: cannot register a nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("system: cannot register %q after Start", svc.Name())
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every registered service in registration order, stopping
// and returning the first error encountered. Already-started services
// are left running; callers should still call Stop to unwind them.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.started = true
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("system: start %q: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop stops every registered service in reverse registration order,
// collecting (not short-circuiting on) errors so one failing service
// does not prevent the others from shutting down.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	var firstErr error
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(ctx); err != nil {
			wrapped := fmt.Errorf("system: stop %q: %w", services[i].Name(), err)
			if firstErr == nil {
				firstErr = wrapped
			}
		}
	}
	return firstErr
}

// Descriptors collects descriptors from every registered service that
// implements DescriptorProvider, sorted by layer then name.
func (m *Manager) Descriptors() []core.Descriptor {
	m.mu.Lock()
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	var providers []DescriptorProvider
	for _, svc := range services {
		if p, ok := svc.(DescriptorProvider); ok {
			providers = append(providers, p)
		}
	}
	return CollectDescriptors(providers)
}

// NoopService satisfies Service for capabilities that have no background
// lifecycle of their own but still need a name in the manager's roster
// (e.g. a request-scoped component advertised for descriptor purposes).
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string                    { return n.ServiceName }
func (n NoopService) Start(ctx context.Context) error { return nil }
func (n NoopService) Stop(ctx context.Context) error  { return nil }
