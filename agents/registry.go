// Package agents provides the built-in workers and the kind registry that
// builds them from configuration.
package agents

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/pkg/config"
)

// FactoryFunc builds a worker from its configuration.
type FactoryFunc func(cfg config.AgentConfig) (agent.Agent, error)

// Registry interface allows for testable registry implementations
type Registry interface {
	Register(kind string, factory FactoryFunc)
	GetFactory(kind string) (FactoryFunc, bool)
}

// DefaultRegistry is the global registry implementation
type DefaultRegistry struct {
	factories map[string]FactoryFunc
	mu        sync.RWMutex
}

var defaultRegistry = NewRegistry()

// NewRegistry creates a new registry instance (useful for testing)
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		factories: make(map[string]FactoryFunc),
	}
}

func (r *DefaultRegistry) Register(kind string, factory FactoryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

func (r *DefaultRegistry) GetFactory(kind string) (FactoryFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds lists the registered kinds, sorted.
func (r *DefaultRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Register registers a factory with the default registry
func Register(kind string, factory FactoryFunc) {
	defaultRegistry.Register(kind, factory)
}

// Kinds lists the kinds of the default registry.
func Kinds() []string {
	return defaultRegistry.Kinds()
}

// Create builds a worker using the default registry
func Create(cfg config.AgentConfig) (agent.Agent, error) {
	return CreateWithRegistry(cfg, defaultRegistry)
}

// CreateWithRegistry builds a worker using a custom registry (useful for testing)
func CreateWithRegistry(cfg config.AgentConfig, registry Registry) (agent.Agent, error) {
	factory, ok := registry.GetFactory(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown agent kind: %s", cfg.Kind)
	}
	a, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", cfg.Name, err)
	}
	return a, nil
}

// RegisterAll builds every configured worker into rt.
func RegisterAll(rt agent.Runtime, cfgs []config.AgentConfig) error {
	for _, cfg := range cfgs {
		a, err := Create(cfg)
		if err != nil {
			return err
		}
		if err := rt.Register(a); err != nil {
			return err
		}
	}
	return nil
}
