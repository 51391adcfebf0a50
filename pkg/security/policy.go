// Package security holds the dispatch policy, outbound URL checks for remote
// workers and limits for untrusted YAML.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/aixgo-dev/conductor/internal/resilience"
)

// Rule names reported in violations.
const (
	RuleDeniedAction = "denied_action"
	RuleRoleAction   = "role_action"
	RuleAgentAction  = "agent_action"
	RuleMaxPriority  = "max_priority"
	RuleMaxInputKeys = "max_input_keys"
)

// PolicyConfig declares which task types workers may run.
type PolicyConfig struct {
	// Deny lists actions no worker may run.
	Deny []string `yaml:"deny"`

	// Roles maps a worker role to the actions it may run. Roles not listed
	// are unrestricted.
	Roles map[string][]string `yaml:"roles"`

	// Agents maps a worker name to the actions it may run, checked in
	// addition to its role.
	Agents map[string][]string `yaml:"agents"`

	// MaxPriority rejects tasks above it when positive.
	MaxPriority int `yaml:"max_priority"`

	// MaxInputKeys rejects tasks with larger inputs when positive.
	MaxInputKeys int `yaml:"max_input_keys"`
}

// Enabled reports whether the config restricts anything.
func (c PolicyConfig) Enabled() bool {
	return len(c.Deny) > 0 || len(c.Roles) > 0 || len(c.Agents) > 0 || c.MaxPriority > 0 || c.MaxInputKeys > 0
}

// RoleLookup resolves a worker name to its role.
type RoleLookup func(agentID string) (string, bool)

// Policy is a role-based resilience.Validator.
type Policy struct {
	mu     sync.RWMutex
	cfg    PolicyConfig
	roles  RoleLookup
	logger *slog.Logger
}

var _ resilience.Validator = (*Policy)(nil)

// NewPolicy creates a policy. roles may be nil when no role rules are used.
func NewPolicy(cfg PolicyConfig, roles RoleLookup, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{cfg: cfg, roles: roles, logger: logger}
}

// Update swaps the rules in place.
func (p *Policy) Update(cfg PolicyConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Allow grants role an additional action.
func (p *Policy) Allow(role, action string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slices.Contains(p.cfg.Roles[role], action) {
		return
	}
	// Validate reads the rules without the lock, so replace rather than mutate.
	roles := make(map[string][]string, len(p.cfg.Roles)+1)
	for r, actions := range p.cfg.Roles {
		roles[r] = actions
	}
	roles[role] = append(slices.Clone(p.cfg.Roles[role]), action)
	p.cfg.Roles = roles
}

// Validate implements resilience.Validator.
func (p *Policy) Validate(ctx context.Context, agentID, action string, resources map[string]any) []resilience.Violation {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	var violations []resilience.Violation
	add := func(rule, format string, args ...any) {
		violations = append(violations, resilience.Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
	}

	if slices.Contains(cfg.Deny, action) {
		add(RuleDeniedAction, "action %q is denied", action)
	}

	if len(cfg.Roles) > 0 && p.roles != nil {
		if role, ok := p.roles(agentID); ok {
			if allowed, listed := cfg.Roles[role]; listed && !slices.Contains(allowed, action) {
				add(RuleRoleAction, "role %s may not run %q", role, action)
			}
		}
	}

	if allowed, listed := cfg.Agents[agentID]; listed && !slices.Contains(allowed, action) {
		add(RuleAgentAction, "agent %s may not run %q", agentID, action)
	}

	if cfg.MaxPriority > 0 {
		if prio, ok := resources["priority"].(int); ok && prio > cfg.MaxPriority {
			add(RuleMaxPriority, "priority %d exceeds %d", prio, cfg.MaxPriority)
		}
	}
	if cfg.MaxInputKeys > 0 {
		if n, ok := resources["input_keys"].(int); ok && n > cfg.MaxInputKeys {
			add(RuleMaxInputKeys, "input has %d keys, limit is %d", n, cfg.MaxInputKeys)
		}
	}

	if len(violations) > 0 {
		p.logger.Warn("dispatch denied by policy",
			"agent", agentID,
			"action", action,
			"violations", len(violations),
		)
	}
	return violations
}
