package planner

import (
	"context"
	"fmt"

	"simforge/internal/gateway"
	"simforge/internal/logging"
	"simforge/internal/prompt"
	"simforge/internal/skills"
	"simforge/internal/types"
)

// validInterfaceKinds are the physics interfaces the backend can configure.
var validInterfaceKinds = map[string]bool{
	"heat_transfer":   true,
	"solid_mechanics": true,
	"electrostatics":  true,
	"laminar_flow":    true,
}

// PhysicsPlanner produces physics interfaces, boundary conditions, and
// couplings.
type PhysicsPlanner struct {
	gw       *gateway.Gateway
	registry *prompt.Registry
	injector *skills.Injector
}

func NewPhysicsPlanner(gw *gateway.Gateway, registry *prompt.Registry, injector *skills.Injector) *PhysicsPlanner {
	return &PhysicsPlanner{gw: gw, registry: ensureRegistry(registry), injector: injector}
}

var physicsSchema = SchemaFor(&types.PhysicsPlan{})

func (p *PhysicsPlanner) Plan(ctx context.Context, input, extraContext string) (*types.PhysicsPlan, error) {
	promptText, err := p.registry.Format("planning", "physics", map[string]string{
		"skills":  skillBlock(ctx, p.injector, input),
		"context": extraContext,
		"input":   input,
		"schema":  physicsSchema,
	})
	if err != nil {
		return nil, err
	}

	var plan types.PhysicsPlan
	if err := promptModel(ctx, p.gw, promptText, &plan); err != nil {
		return nil, err
	}
	if err := validatePhysics(&plan); err != nil {
		return nil, err
	}

	logging.PlannerDebug("physics plan: %s", plan.Summary())
	return &plan, nil
}

func validatePhysics(plan *types.PhysicsPlan) error {
	var issues []string

	if len(plan.Interfaces) == 0 {
		issues = append(issues, "at least one physics interface is required")
	}
	names := make(map[string]bool, len(plan.Interfaces))
	for i := range plan.Interfaces {
		iface := &plan.Interfaces[i]
		if !validInterfaceKinds[iface.Kind] {
			issues = append(issues, fmt.Sprintf("unknown interface kind %q", iface.Kind))
		}
		if iface.Name == "" {
			iface.Name = fmt.Sprintf("%s_%d", iface.Kind, i+1)
		}
		names[iface.Name] = true
		for j, bc := range iface.BoundaryConditions {
			if bc.Kind == "" {
				issues = append(issues, fmt.Sprintf("interface %q boundary condition %d has no kind", iface.Name, j+1))
			}
		}
	}
	for i, c := range plan.Couplings {
		if c.Kind == "" {
			issues = append(issues, fmt.Sprintf("coupling %d has no kind", i+1))
		}
		if c.Source != "" && !names[c.Source] {
			issues = append(issues, fmt.Sprintf("coupling %d references unknown interface %q", i+1, c.Source))
		}
		if c.Target != "" && !names[c.Target] {
			issues = append(issues, fmt.Sprintf("coupling %d references unknown interface %q", i+1, c.Target))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Agent: types.AgentPhysics, Issues: issues}
	}
	return nil
}
