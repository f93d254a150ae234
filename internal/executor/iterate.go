package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"simforge/internal/gateway"
	"simforge/internal/logging"
	"simforge/internal/types"
)

// fatalPatterns mark environment and API mismatches no retry can fix.
var fatalPatterns = []string{
	"has no attribute",
	"attributeerror",
	"jvm",
	"java runtime",
	"classnotfound",
	"unsatisfiedlink",
}

func isFatal(message string) bool {
	m := strings.ToLower(message)
	for _, p := range fatalPatterns {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

// iterate reacts to a non-success observation and returns true when the
// task must stop. Every call records one iteration entry on the task.
func (c *Controller) iterate(ctx context.Context, task *types.TaskPlan, obs *types.Observation, iteration int, state *runState) bool {
	step := task.StepByID(obs.StepID)

	if obs.Status == types.ObservationError && isFatal(obs.Message) {
		task.AddIteration(fmt.Sprintf("fatal error: %s", obs.Message), []string{obs.ID})
		return true
	}

	if obs.Status == types.ObservationError && step != nil {
		// Corrected inputs beat blind retries when the error names a
		// fixable cause, so rollback analysis runs first.
		if c.tryRollback(ctx, task, step, obs) {
			return false
		}

		if step.Params == nil {
			step.Params = make(map[string]any)
		}
		retries := types.ParamInt(step.Params, "retry_count", 0) + 1
		step.Params["retry_count"] = retries
		if retries > c.cfg.MaxStepRetries {
			step.Status = types.StepCompleted
			if cur := task.Current(); cur != nil && cur.ID == step.ID {
				task.Advance()
			}
			task.AddIteration(fmt.Sprintf("gave up on %s after %d attempts", step.Action, retries), []string{obs.ID})
			logging.ExecWarn("step %s skipped after %d failed attempts", step.Action, retries)
			return false
		}
		task.AddIteration(fmt.Sprintf("attempt %d/%d for %s: %s", retries, c.cfg.MaxStepRetries, step.Action, obs.Message), []string{obs.ID})
		return false
	}

	// Warnings accumulate; enough of them trigger a one-time plan
	// refinement.
	action := "step"
	if step != nil {
		action = step.Action
	}
	task.AddIteration(fmt.Sprintf("warning on %s: %s", action, obs.Message), []string{obs.ID})
	if !state.refined && c.warningCount(task) >= c.cfg.RefineAfterWarnings {
		state.refined = true
		c.refinePlan(ctx, task, iteration)
	}
	return false
}

func (c *Controller) warningCount(task *types.TaskPlan) int {
	n := 0
	for _, o := range task.Observations {
		if o.Status == types.ObservationWarning {
			n++
		}
	}
	return n
}

// rollbackProposal is the model's answer to a rollback analysis.
type rollbackProposal struct {
	TargetAction  string `json:"target_action"`
	MaterialInput string `json:"material_input"`
	PhysicsInput  string `json:"physics_input"`
}

// tryRollback asks the model whether an earlier step with corrected
// inputs would fix the failure. On an accepted proposal the target and
// all later steps reset to pending, the cursor moves back, and the
// replacement inputs land in the target's params. A proposed
// add_material target that is not in the plan yet gets inserted, since
// missing materials are the one gap the expansion can legitimately have.
func (c *Controller) tryRollback(ctx context.Context, task *types.TaskPlan, failed *types.ExecutionStep, obs *types.Observation) bool {
	if c.gw == nil {
		return false
	}

	promptText, err := c.registry.Format("executor", "rollback", map[string]string{
		"input":       task.UserInput,
		"steps":       describeSteps(task),
		"failed_step": failed.Action,
		"error":       obs.Message,
	})
	if err != nil {
		return false
	}
	reply, err := c.gw.Call(ctx, promptText, gateway.CallOptions{Temperature: llmTemperature, MaxRetries: 1})
	if err != nil {
		logging.ExecDebug("rollback analysis unavailable: %v", err)
		return false
	}

	var proposal rollbackProposal
	if err := types.ExtractJSON(reply, &proposal); err != nil {
		logging.ExecDebug("rollback reply unusable: %v", err)
		return false
	}
	target := strings.ToLower(strings.TrimSpace(proposal.TargetAction))
	if target == "" {
		return false
	}
	if _, known := stepTypeFor[target]; !known {
		logging.ExecDebug("rollback proposed unknown action %q", target)
		return false
	}

	idx := stepIndexByAction(task, target)
	if idx < 0 {
		if target != types.ActionAddMaterial {
			return false
		}
		idx = materialInsertIndex(task)
		task.InsertStep(idx, types.StepMaterial, types.ActionAddMaterial, nil)
	}

	for i := idx; i < len(task.Steps); i++ {
		task.Steps[i].Status = types.StepPending
		task.Steps[i].Result = nil
		delete(task.Steps[i].Params, "retry_count")
	}
	task.CurrentStep = idx

	targetStep := &task.Steps[idx]
	if targetStep.Params == nil {
		targetStep.Params = make(map[string]any)
	}
	if proposal.MaterialInput != "" {
		targetStep.Params["material_input"] = proposal.MaterialInput
	}
	if proposal.PhysicsInput != "" {
		targetStep.Params["physics_input"] = proposal.PhysicsInput
	}

	task.AddIteration(fmt.Sprintf("rollback to %s: %s", target, obs.Message), []string{obs.ID})
	logging.Exec("rolling back to %s after: %s", target, obs.Message)
	return true
}

func stepIndexByAction(task *types.TaskPlan, action string) int {
	for i := range task.Steps {
		if task.Steps[i].Action == action {
			return i
		}
	}
	return -1
}

// materialInsertIndex places a material step after geometry and before
// any physics or solver step.
func materialInsertIndex(task *types.TaskPlan) int {
	for i, s := range task.Steps {
		switch s.Type {
		case types.StepPhysics, types.StepMesh, types.StepStudy, types.StepSolve:
			return i
		}
	}
	return len(task.Steps)
}

func describeSteps(task *types.TaskPlan) string {
	var b strings.Builder
	for i, s := range task.Steps {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, s.Action, s.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

// planEdits is the model's answer to a refinement request.
type planEdits struct {
	Drop   []string `json:"drop"`
	Modify []struct {
		ID     string         `json:"id"`
		Params map[string]any `json:"params"`
	} `json:"modify"`
	Add []struct {
		Type   string         `json:"type"`
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	} `json:"add"`
}

// refinePlan asks the model for plan edits after repeated warnings.
// Only steps that have not completed may be dropped or modified; added
// steps with unknown actions are ignored.
func (c *Controller) refinePlan(ctx context.Context, task *types.TaskPlan, iteration int) {
	if c.gw == nil {
		return
	}

	stepsJSON, err := json.Marshal(task.Steps)
	if err != nil {
		return
	}
	promptText, err := c.registry.Format("executor", "refine", map[string]string{
		"input":        task.UserInput,
		"steps":        string(stepsJSON),
		"observations": describeObservations(task, 5),
	})
	if err != nil {
		return
	}
	reply, err := c.gw.Call(ctx, promptText, gateway.CallOptions{Temperature: llmTemperature, MaxRetries: 1})
	if err != nil {
		logging.ExecDebug("refinement unavailable: %v", err)
		return
	}
	var edits planEdits
	if err := types.ExtractJSON(reply, &edits); err != nil {
		logging.ExecDebug("refinement reply unusable: %v", err)
		return
	}

	dropped, modified, added := c.applyEdits(task, &edits)
	if dropped+modified+added == 0 {
		return
	}
	task.AddIteration(fmt.Sprintf("plan refined after repeated warnings: %d dropped, %d modified, %d added", dropped, modified, added), nil)
	logging.Exec("plan refined at iteration %d: %d dropped, %d modified, %d added", iteration, dropped, modified, added)
}

func (c *Controller) applyEdits(task *types.TaskPlan, edits *planEdits) (dropped, modified, added int) {
	drop := make(map[string]bool, len(edits.Drop))
	for _, id := range edits.Drop {
		drop[id] = true
	}
	if len(drop) > 0 {
		kept := task.Steps[:0]
		cursor := task.CurrentStep
		for i, s := range task.Steps {
			if drop[s.ID] && s.Status != types.StepCompleted {
				dropped++
				if i < cursor {
					task.CurrentStep--
				}
				continue
			}
			kept = append(kept, s)
		}
		task.Steps = kept
		if task.CurrentStep > len(task.Steps) {
			task.CurrentStep = len(task.Steps)
		}
	}

	for _, m := range edits.Modify {
		step := task.StepByID(m.ID)
		if step == nil || step.Status == types.StepCompleted || len(m.Params) == 0 {
			continue
		}
		if step.Params == nil {
			step.Params = make(map[string]any)
		}
		for k, v := range m.Params {
			step.Params[k] = v
		}
		modified++
	}

	for _, a := range edits.Add {
		action := strings.ToLower(strings.TrimSpace(a.Action))
		stepType, known := stepTypeFor[action]
		if !known {
			continue
		}
		if a.Type != "" && types.StepType(a.Type) != stepType {
			continue
		}
		task.AddStep(stepType, action, a.Params)
		added++
	}
	return dropped, modified, added
}

func describeObservations(task *types.TaskPlan, n int) string {
	obs := task.Observations
	if len(obs) > n {
		obs = obs[len(obs)-n:]
	}
	var b strings.Builder
	for _, o := range obs {
		fmt.Fprintf(&b, "- [%s] %s\n", o.Status, o.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}
