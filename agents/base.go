package agents

import (
	"fmt"
	"sync"
	"time"
)

// BaseAgent provides the identity and readiness half of agent.Agent.
// Embed it and add Execute.
type BaseAgent struct {
	name  string
	role  string
	ready bool
	mu    sync.RWMutex
}

func NewBaseAgent(name, role string) *BaseAgent {
	return &BaseAgent{name: name, role: role, ready: true}
}

func (b *BaseAgent) Name() string { return b.name }
func (b *BaseAgent) Role() string { return b.role }

func (b *BaseAgent) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// SetReady takes the agent in or out of worker pools.
func (b *BaseAgent) SetReady(ready bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = ready
}

func settingString(settings map[string]any, key string) (string, error) {
	v, ok := settings[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("setting %s must be a string", key)
	}
	return s, nil
}

func settingDuration(settings map[string]any, key string) (time.Duration, error) {
	s, err := settingString(settings, key)
	if err != nil || s == "" {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return d, nil
}
