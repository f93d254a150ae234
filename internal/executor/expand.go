// Package executor drives a task plan through the backend one step at a
// time. The loop reasons about progress, dispatches the next action,
// grades the outcome, and reacts to failures with rollbacks, retries,
// and plan refinement, all inside a bounded iteration budget.
package executor

import (
	"regexp"
	"strings"

	"simforge/internal/types"
)

// actionOrder is the only legal ordering of backend actions.
var actionOrder = []string{
	types.ActionCreateGeometry,
	types.ActionAddMaterial,
	types.ActionAddPhysics,
	types.ActionGenerateMesh,
	types.ActionConfigureStudy,
	types.ActionSolve,
}

// stepTypeFor maps each backend action to its step type.
var stepTypeFor = map[string]types.StepType{
	types.ActionCreateGeometry: types.StepGeometry,
	types.ActionAddMaterial:    types.StepMaterial,
	types.ActionAddPhysics:     types.StepPhysics,
	types.ActionGenerateMesh:   types.StepMesh,
	types.ActionConfigureStudy: types.StepStudy,
	types.ActionSolve:          types.StepSolve,
}

// ExpandSteps derives execution steps from the task's domain sub-plans.
// Solver steps (mesh, study, solve) are appended only when a physics or
// study plan exists, so geometry-only and geometry-plus-material runs
// never try to solve. Tasks that already carry steps are left alone.
func ExpandSteps(task *types.TaskPlan) {
	if len(task.Steps) > 0 {
		return
	}
	if task.Geometry != nil {
		task.AddStep(types.StepGeometry, types.ActionCreateGeometry, nil)
	}
	if task.Material != nil {
		task.AddStep(types.StepMaterial, types.ActionAddMaterial, nil)
	}
	if task.Physics != nil {
		task.AddStep(types.StepPhysics, types.ActionAddPhysics, nil)
	}
	if task.Physics != nil || task.Study != nil {
		task.AddStep(types.StepMesh, types.ActionGenerateMesh, nil)
		task.AddStep(types.StepStudy, types.ActionConfigureStudy, nil)
		task.AddStep(types.StepSolve, types.ActionSolve, nil)
	}
}

// orderActions normalizes a raw action list: unknown names are dropped,
// duplicates collapse, and the survivors come back in canonical order.
func orderActions(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	for _, a := range raw {
		a = strings.ToLower(strings.TrimSpace(a))
		if _, known := stepTypeFor[a]; known {
			seen[a] = true
		}
	}
	var out []string
	for _, a := range actionOrder {
		if seen[a] {
			out = append(out, a)
		}
	}
	return out
}

// stopHintPatterns map scope-limiting phrasings to the last action the
// user wants. First match wins.
var stopHintPatterns = []struct {
	re     *regexp.Regexp
	action string
}{
	{regexp.MustCompile(`(?i)\b(just|only)\b[^.,;]*\bgeometr`), types.ActionCreateGeometry},
	{regexp.MustCompile(`(?i)\bgeometry only\b`), types.ActionCreateGeometry},
	{regexp.MustCompile(`(?i)\b(just|only)\b[^.,;]*\bmaterial`), types.ActionAddMaterial},
	{regexp.MustCompile(`(?i)\b(just|only)\b[^.,;]*\bmesh`), types.ActionGenerateMesh},
	{regexp.MustCompile(`(?i)\b(don'?t|do not|without|no need to)\b[^.,;]*\bsolv`), types.ActionGenerateMesh},
}

// InferStopHint derives a stop-after action from the user's own
// phrasing. Empty means no hint.
func InferStopHint(input string) string {
	for _, p := range stopHintPatterns {
		if p.re.MatchString(input) {
			return p.action
		}
	}
	return ""
}
