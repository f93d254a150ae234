package executor

import (
	"context"
	"strings"

	"simforge/internal/gateway"
	"simforge/internal/logging"
	"simforge/internal/planner"
	"simforge/internal/types"
)

// PlanStepsDirect builds execution steps straight from the user's
// request, bypassing the serial-plan pipeline. The model picks the
// actions, the domain planners fill in the sub-plans each chosen action
// needs, and a stop-after hint (from the model, or inferred from the
// request when the model set none) trims the list.
func (c *Controller) PlanStepsDirect(ctx context.Context, task *types.TaskPlan) {
	actions, llmStop := c.requestActions(ctx, task.UserInput)
	actions = normalizeActions(actions)
	if len(actions) == 0 {
		actions = []string{types.ActionCreateGeometry}
	}
	for _, a := range actions {
		task.AddStep(stepTypeFor[a], a, nil)
	}

	stop := llmStop
	if stop == "" {
		stop = InferStopHint(task.UserInput)
	}
	if stop != "" {
		task.TrimAfter(stop)
	}

	c.fillSubPlans(ctx, task)
	logging.Exec("direct plan for task %s: %d steps (stop after %q)", task.TaskID, len(task.Steps), task.StopAfter)
}

// requestActions asks the model for the action list. The reply is
// either a bare array of action names or an object that adds a
// stop_after_step hint.
func (c *Controller) requestActions(ctx context.Context, input string) ([]string, string) {
	if c.gw == nil {
		return nil, ""
	}
	promptText, err := c.registry.Format("executor", "direct_steps", map[string]string{"input": input})
	if err != nil {
		return nil, ""
	}
	reply, err := c.gw.Call(ctx, promptText, gateway.CallOptions{Temperature: llmTemperature, MaxRetries: 2})
	if err != nil {
		logging.ExecWarn("direct step planning failed: %v", err)
		return nil, ""
	}

	var obj struct {
		Steps     []string `json:"steps"`
		StopAfter string   `json:"stop_after_step"`
	}
	if err := types.ExtractJSON(reply, &obj); err == nil && len(obj.Steps) > 0 {
		return orderActions(obj.Steps), strings.ToLower(strings.TrimSpace(obj.StopAfter))
	}
	var names []string
	if err := types.ExtractJSON(reply, &names); err != nil {
		logging.ExecWarn("direct step reply unusable: %v", err)
		return nil, ""
	}
	return orderActions(names), ""
}

// normalizeActions repairs step lists the model got almost right:
// geometry always leads, and solver steps pull in the study they
// depend on.
func normalizeActions(actions []string) []string {
	if len(actions) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		seen[a] = true
	}
	seen[types.ActionCreateGeometry] = true
	if seen[types.ActionSolve] && !seen[types.ActionConfigureStudy] {
		seen[types.ActionConfigureStudy] = true
	}
	if seen[types.ActionGenerateMesh] && !seen[types.ActionAddPhysics] && !seen[types.ActionConfigureStudy] {
		seen[types.ActionConfigureStudy] = true
	}

	out := make([]string, 0, len(seen))
	for _, a := range actionOrder {
		if seen[a] {
			out = append(out, a)
		}
	}
	return out
}

// fillSubPlans runs the domain planners for every action the step list
// needs but the task carries no plan for. Planner failures degrade to
// the domain defaults rather than aborting; physics has no default, so
// a failed physics plan is left for the loop's error handling.
func (c *Controller) fillSubPlans(ctx context.Context, task *types.TaskPlan) {
	for i := range task.Steps {
		switch task.Steps[i].Action {
		case types.ActionCreateGeometry:
			if task.Geometry != nil {
				continue
			}
			if c.geometry != nil {
				if plan, err := c.geometry.Plan(ctx, task.UserInput, ""); err == nil {
					task.Geometry = plan
					task.Dimension = plan.Dimension
					continue
				} else {
					logging.ExecWarn("direct geometry planning failed: %v", err)
				}
			}
			task.Geometry = planner.DefaultGeometryPlan()
			task.Dimension = task.Geometry.Dimension

		case types.ActionAddMaterial:
			if task.Material != nil {
				continue
			}
			if c.material != nil {
				if plan, err := c.material.Plan(ctx, task.UserInput, ""); err == nil {
					task.Material = plan
					continue
				} else {
					logging.ExecWarn("direct material planning failed: %v", err)
				}
			}
			task.Material = planner.DefaultMaterialPlan()

		case types.ActionAddPhysics:
			if task.Physics != nil || c.physics == nil {
				continue
			}
			if plan, err := c.physics.Plan(ctx, task.UserInput, ""); err == nil {
				task.Physics = plan
			} else {
				logging.ExecWarn("direct physics planning failed: %v", err)
			}

		case types.ActionConfigureStudy:
			if task.Study != nil {
				continue
			}
			if c.study != nil {
				if plan, err := c.study.Plan(ctx, task.UserInput, ""); err == nil {
					task.Study = plan
					continue
				} else {
					logging.ExecWarn("direct study planning failed: %v", err)
				}
			}
			task.Study = planner.DefaultStudyPlan()
		}
	}
}
