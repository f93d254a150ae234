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

// GeometryPlanner produces the geometry plan. It is the one mandatory
// planner: every serial plan starts with a geometry step.
type GeometryPlanner struct {
	gw       *gateway.Gateway
	registry *prompt.Registry
	injector *skills.Injector
}

func NewGeometryPlanner(gw *gateway.Gateway, registry *prompt.Registry, injector *skills.Injector) *GeometryPlanner {
	return &GeometryPlanner{gw: gw, registry: ensureRegistry(registry), injector: injector}
}

var geometrySchema = SchemaFor(&types.GeometryPlan{})

// DefaultGeometryPlan is the substitute when geometry planning fails: a
// unit square the rest of the pipeline can still build on.
func DefaultGeometryPlan() *types.GeometryPlan {
	return &types.GeometryPlan{
		Dimension: 2,
		Units:     "m",
		Shapes: []types.Shape{
			{Kind: "square", Name: "domain", Params: map[string]float64{"side": 1}},
		},
	}
}

// Plan builds a geometry plan for the sub-task. extraContext carries the
// rendered shared-context block, possibly empty.
func (p *GeometryPlanner) Plan(ctx context.Context, input, extraContext string) (*types.GeometryPlan, error) {
	promptText, err := p.registry.Format("planning", "geometry", map[string]string{
		"skills":  skillBlock(ctx, p.injector, input),
		"context": extraContext,
		"input":   input,
		"schema":  geometrySchema,
	})
	if err != nil {
		return nil, err
	}

	var plan types.GeometryPlan
	if err := promptModel(ctx, p.gw, promptText, &plan); err != nil {
		return nil, err
	}
	if err := validateGeometry(&plan); err != nil {
		return nil, err
	}

	logging.PlannerDebug("geometry plan: %s", plan.Summary())
	return &plan, nil
}

// validateGeometry enforces the geometry domain rules and normalizes
// omissions the model can be expected to make.
func validateGeometry(plan *types.GeometryPlan) error {
	var issues []string

	if plan.Dimension != 2 && plan.Dimension != 3 {
		issues = append(issues, fmt.Sprintf("dimension must be 2 or 3, got %d", plan.Dimension))
	}
	if len(plan.Shapes) == 0 {
		issues = append(issues, "at least one shape is required")
	}
	if plan.Units == "" {
		plan.Units = "m"
	}

	seen := make(map[string]bool, len(plan.Shapes))
	for i := range plan.Shapes {
		shape := &plan.Shapes[i]
		if shape.Kind == "" {
			issues = append(issues, fmt.Sprintf("shape %d has no kind", i+1))
		}
		if shape.Name == "" {
			shape.Name = fmt.Sprintf("shape_%d", i+1)
		}
		if seen[shape.Name] {
			issues = append(issues, fmt.Sprintf("duplicate shape name %q", shape.Name))
		}
		seen[shape.Name] = true
	}

	// Operations may reference earlier operations' results by name.
	for i, op := range plan.Operations {
		if len(op.Inputs) == 0 {
			issues = append(issues, fmt.Sprintf("operation %d has no inputs", i+1))
		}
		for _, name := range append(append([]string{}, op.Inputs...), op.Tools...) {
			if !seen[name] {
				issues = append(issues, fmt.Sprintf("operation %d references unknown shape %q", i+1, name))
			}
		}
		if op.Name != "" {
			seen[op.Name] = true
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Agent: types.AgentGeometry, Issues: issues}
	}
	return nil
}
