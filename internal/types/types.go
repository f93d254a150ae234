// Package types holds the plan and task data structures shared by the
// planner, executor, backend, and session packages. It exists to break
// import cycles between them; types here carry no behavior beyond their own
// bookkeeping.
package types

import (
	"fmt"
	"strings"
)

// =============================================================================
// AGENT TYPES - Domain planner identities
// =============================================================================

// AgentType names one of the four domain planners.
type AgentType string

const (
	AgentGeometry AgentType = "geometry"
	AgentMaterial AgentType = "material"
	AgentPhysics  AgentType = "physics"
	AgentStudy    AgentType = "study"
)

// ValidAgentTypes lists the planner identities in pipeline order.
var ValidAgentTypes = []AgentType{AgentGeometry, AgentMaterial, AgentPhysics, AgentStudy}

// ParseAgentType normalizes free-form agent names from model output.
// Unknown names return ("", false).
func ParseAgentType(s string) (AgentType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.TrimSuffix(normalized, "_agent")
	normalized = strings.TrimSuffix(normalized, " agent")
	switch normalized {
	case "geometry", "geom":
		return AgentGeometry, true
	case "material", "materials":
		return AgentMaterial, true
	case "physics":
		return AgentPhysics, true
	case "study", "solver":
		return AgentStudy, true
	}
	return "", false
}

// =============================================================================
// SERIAL PLAN - Ordered decomposition of a user request
// =============================================================================

// SerialStep is one sub-task produced by decomposition. Index is 1-based and
// contiguous within a plan.
type SerialStep struct {
	Index       int       `json:"index"`
	Agent       AgentType `json:"agent"`
	Description string    `json:"description,omitempty"`
	Input       string    `json:"input"`
}

// SerialPlan is the ordered list of sub-tasks handed to the domain planners.
type SerialPlan struct {
	Steps []SerialStep `json:"steps"`
}

// Renumber rewrites step indices contiguously from 1, preserving order.
func (p *SerialPlan) Renumber() {
	for i := range p.Steps {
		p.Steps[i].Index = i + 1
	}
}

// Agents returns the agent type of each step in order.
func (p *SerialPlan) Agents() []AgentType {
	agents := make([]AgentType, 0, len(p.Steps))
	for _, s := range p.Steps {
		agents = append(agents, s.Agent)
	}
	return agents
}

// HasAgent reports whether any step targets the given planner.
func (p *SerialPlan) HasAgent(agent AgentType) bool {
	for _, s := range p.Steps {
		if s.Agent == agent {
			return true
		}
	}
	return false
}

func (p *SerialPlan) String() string {
	parts := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		parts = append(parts, fmt.Sprintf("%d:%s", s.Index, s.Agent))
	}
	return strings.Join(parts, " -> ")
}
