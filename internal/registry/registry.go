// Package registry holds the explicit agent registry. It is constructed once
// at process start and passed by reference to the orchestration layer; there
// is deliberately no package-level singleton, so tests can build isolated
// registries.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/debate"
)

// Agent categories.
const (
	CategoryBlueTeam = "blue_team"
	CategoryRedTeam  = "red_team"
)

// TurnContext is what an agent sees when asked to act in a round.
type TurnContext struct {
	RoundNumber int
	RoundType   string
	// Sections holds the current document drafts by section name.
	Sections map[string]string
	// Critiques are the pending critiques a defending agent must answer.
	Critiques []debate.Critique
}

// AgentOutput is the shape every agent-processing call returns. Blue-team
// builds populate Sections, red-team attacks populate Critiques, blue-team
// defenses populate Responses. Critiques and Responses are raw maps at this
// boundary; the orchestrator normalizes them into typed records.
type AgentOutput struct {
	Sections  map[string]string
	Critiques []map[string]interface{}
	Responses []map[string]interface{}
}

// Agent is a debate participant.
type Agent interface {
	// Role returns the agent's unique role name.
	Role() string
	// Category returns the agent's team category.
	Category() string
	// Process performs the agent's work for one turn.
	Process(ctx context.Context, turn *TurnContext) (*AgentOutput, error)
}

// Registry is an explicit collection of agents keyed by role.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Duplicate roles are an error.
func (r *Registry) Register(agent Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.Role()]; exists {
		return fmt.Errorf("registry: agent role %q already registered", agent.Role())
	}
	r.agents[agent.Role()] = agent
	return nil
}

// Get returns the agent for a role. A failed lookup is a structural error:
// the calling workflow step should halt on it.
func (r *Registry) Get(role string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[role]
	if !ok {
		return nil, fmt.Errorf("registry: no agent registered for role %q", role)
	}
	return agent, nil
}

// ByCategory returns the agents in a category, sorted by role for
// deterministic iteration.
func (r *Registry) ByCategory(category string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, a := range r.agents {
		if a.Category() == category {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role() < out[j].Role() })
	return out
}

// Roles returns all registered roles, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.agents))
	for role := range r.agents {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
