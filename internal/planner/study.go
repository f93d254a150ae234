package planner

import (
	"context"
	"fmt"
	"strings"

	"simforge/internal/gateway"
	"simforge/internal/logging"
	"simforge/internal/prompt"
	"simforge/internal/skills"
	"simforge/internal/types"
)

// studyKindAliases folds model phrasing onto the three canonical kinds.
var studyKindAliases = map[string]string{
	"stationary":       "stationary",
	"static":           "stationary",
	"steady":           "stationary",
	"steady_state":     "stationary",
	"time_dependent":   "time_dependent",
	"time-dependent":   "time_dependent",
	"transient":        "time_dependent",
	"frequency":        "frequency",
	"frequency_domain": "frequency",
}

// StudyPlanner produces the solver configuration.
type StudyPlanner struct {
	gw       *gateway.Gateway
	registry *prompt.Registry
	injector *skills.Injector
}

func NewStudyPlanner(gw *gateway.Gateway, registry *prompt.Registry, injector *skills.Injector) *StudyPlanner {
	return &StudyPlanner{gw: gw, registry: ensureRegistry(registry), injector: injector}
}

var studySchema = SchemaFor(&types.StudyPlan{})

func (p *StudyPlanner) Plan(ctx context.Context, input, extraContext string) (*types.StudyPlan, error) {
	promptText, err := p.registry.Format("planning", "study", map[string]string{
		"skills":  skillBlock(ctx, p.injector, input),
		"context": extraContext,
		"input":   input,
		"schema":  studySchema,
	})
	if err != nil {
		return nil, err
	}

	var plan types.StudyPlan
	if err := promptModel(ctx, p.gw, promptText, &plan); err != nil {
		return nil, err
	}
	if err := validateStudy(&plan); err != nil {
		return nil, err
	}

	logging.PlannerDebug("study plan: %s", plan.Summary())
	return &plan, nil
}

// DefaultStudyPlan is the fallback solver configuration.
func DefaultStudyPlan() *types.StudyPlan {
	return &types.StudyPlan{Kind: "stationary"}
}

func validateStudy(plan *types.StudyPlan) error {
	kind := strings.ToLower(strings.TrimSpace(plan.Kind))
	if kind == "" {
		plan.Kind = "stationary"
	} else if canonical, ok := studyKindAliases[kind]; ok {
		plan.Kind = canonical
	} else {
		return &ValidationError{
			Agent:  types.AgentStudy,
			Issues: []string{fmt.Sprintf("unknown study kind %q", plan.Kind)},
		}
	}

	// Transient studies always carry a time range.
	if plan.Kind == "time_dependent" {
		if plan.Settings == nil {
			plan.Settings = map[string]any{}
		}
		if _, ok := plan.Settings["range_start"]; !ok {
			plan.Settings["range_start"] = 0.0
		}
		if _, ok := plan.Settings["range_step"]; !ok {
			plan.Settings["range_step"] = 0.1
		}
		if _, ok := plan.Settings["range_stop"]; !ok {
			plan.Settings["range_stop"] = 1.0
		}
	}
	return nil
}
