package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"simforge/internal/backend"
	"simforge/internal/bus"
	"simforge/internal/gateway"
	"simforge/internal/logging"
	"simforge/internal/plancheck"
	"simforge/internal/planner"
	"simforge/internal/prompt"
	"simforge/internal/types"
)

// llmTemperature keeps control-flow calls (rollback analysis, plan
// refinement, direct step planning) deterministic.
const llmTemperature = 0.1

// ErrMaxIterations reports that the loop budget ran out before the task
// finished.
var ErrMaxIterations = errors.New("task did not complete")

// IterationLimitError wraps ErrMaxIterations and carries the unfinished
// task for inspection.
type IterationLimitError struct {
	Iterations int
	Task       *types.TaskPlan
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("task did not complete after %d iterations", e.Iterations)
}

func (e *IterationLimitError) Unwrap() error { return ErrMaxIterations }

// Config bounds the execution loop.
type Config struct {
	// MaxIterations caps full reason/act/observe/iterate cycles per run.
	MaxIterations int
	// MaxStepRetries caps backend retries for a single step before it is
	// skipped.
	MaxStepRetries int
	// RefineAfterWarnings is the accumulated warning count that triggers
	// a plan refinement.
	RefineAfterWarnings int
}

// DefaultConfig returns the standard loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       10,
		MaxStepRetries:      3,
		RefineAfterWarnings: 5,
	}
}

// Controller executes a task plan step by step against a backend.
// Steps run strictly sequentially; the gateway is only consulted for
// recovery decisions, never for routine step ordering.
type Controller struct {
	backend  backend.Backend
	gw       *gateway.Gateway
	events   *bus.Bus
	registry *prompt.Registry
	checker  *plancheck.Checker
	cfg      Config

	// Domain planners for the direct path and for rollback injections.
	geometry *planner.GeometryPlanner
	material *planner.MaterialPlanner
	physics  *planner.PhysicsPlanner
	study    *planner.StudyPlanner
}

// NewController wires a controller. The gateway may be nil, which
// disables rollback analysis and plan refinement but leaves the loop
// fully functional. A nil registry falls back to the built-in templates.
func NewController(b backend.Backend, gw *gateway.Gateway, events *bus.Bus, registry *prompt.Registry, checker *plancheck.Checker, cfg Config) *Controller {
	if registry == nil {
		registry = prompt.NewRegistry("")
	}
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxStepRetries <= 0 {
		cfg.MaxStepRetries = def.MaxStepRetries
	}
	if cfg.RefineAfterWarnings <= 0 {
		cfg.RefineAfterWarnings = def.RefineAfterWarnings
	}

	c := &Controller{
		backend:  b,
		gw:       gw,
		events:   events,
		registry: registry,
		checker:  checker,
		cfg:      cfg,
	}
	if gw != nil {
		// The direct path plans sub-plans itself, and rollbacks can
		// inject replacement material or physics requests.
		c.geometry = planner.NewGeometryPlanner(gw, registry, nil)
		c.material = planner.NewMaterialPlanner(gw, registry, nil)
		c.physics = planner.NewPhysicsPlanner(gw, registry, nil)
		c.study = planner.NewStudyPlanner(gw, registry, nil)
	}
	return c
}

// runState tracks per-run flags that do not belong on the task plan.
type runState struct {
	refined bool
}

// Run executes the task until it completes, fails, or exhausts the
// iteration budget. Steps are expanded from the task's sub-plans when
// the plan carries none. The returned error is nil only for a completed
// task.
func (c *Controller) Run(ctx context.Context, task *types.TaskPlan) error {
	if task == nil {
		return errors.New("no task to execute")
	}

	if len(task.Steps) == 0 {
		ExpandSteps(task)
	}
	if len(task.Steps) == 0 {
		return errors.New("nothing to execute: task has no sub-plans")
	}

	// Symbolic sanity check before any backend work.
	if c.checker != nil {
		violations, err := c.checker.CheckExpansion(task.Steps, task.Physics != nil, task.Study != nil)
		if err != nil {
			logging.ExecWarn("expansion check unavailable: %v", err)
		} else if len(violations) > 0 {
			return fmt.Errorf("invalid execution plan: %s", plancheck.Join(violations))
		}
	}

	logging.Exec("=== Executing task %s: %d steps ===", task.TaskID, len(task.Steps))
	task.Status = types.TaskExecuting
	state := &runState{}

	for iteration := 1; iteration <= c.cfg.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			task.Status = types.TaskFailed
			task.Error = "cancelled"
			logging.Exec("task %s cancelled at iteration %d", task.TaskID, iteration)
			return fmt.Errorf("task cancelled: %w", ctx.Err())
		default:
		}
		logging.ExecDebug("iteration %d/%d", iteration, c.cfg.MaxIterations)

		// 1. Think: grade progress and pick the next action.
		th := c.think(task)
		task.AddReasoning(th.note)
		c.emit(bus.EventThinkChunk, map[string]any{"text": th.note}, iteration)

		if th.action == types.ActionComplete {
			task.Status = types.TaskCompleted
			logging.Exec("=== Task %s completed after %d iterations ===", task.TaskID, iteration)
			return nil
		}

		// 2. Act: dispatch to the backend or apply a control action.
		result := c.act(ctx, task, th, iteration)
		completed := task.Status == types.TaskCompleted

		// 3. Observe: grade the outcome.
		task.Status = types.TaskObserving
		obs := c.observe(task, th, result)
		c.emit(bus.EventObservation, map[string]any{
			"step_id": obs.StepID,
			"status":  string(obs.Status),
			"message": obs.Message,
		}, iteration)

		// 4. Iterate: react to anything that was not a clean success.
		if obs.Status != types.ObservationSuccess {
			completed = false
			task.Status = types.TaskIterating
			if fatal := c.iterate(ctx, task, obs, iteration, state); fatal {
				task.Status = types.TaskFailed
				task.Error = obs.Message
				logging.ExecError("task %s failed: %s", task.TaskID, obs.Message)
				return fmt.Errorf("fatal backend error: %s", obs.Message)
			}
		}

		if completed && task.AllStepsCompleted() {
			task.Status = types.TaskCompleted
			logging.Exec("=== Task %s completed after %d iterations ===", task.TaskID, iteration)
			return nil
		}
		task.Status = types.TaskExecuting
	}

	logging.ExecWarn("task %s stopped at the iteration limit (%d)", task.TaskID, c.cfg.MaxIterations)
	return &IterationLimitError{Iterations: c.cfg.MaxIterations, Task: task}
}

// thought is one reasoning outcome: the action to take, the steps it
// applies to, and a human-readable note.
type thought struct {
	action  string
	stepIDs []string
	note    string
}

// think derives the next action from the plan state alone. Failure
// handling: one failed step is retried, several are skipped together.
func (c *Controller) think(task *types.TaskPlan) thought {
	if task.AllStepsCompleted() {
		return thought{action: types.ActionComplete, note: "all steps completed"}
	}

	if failed := task.FailedSteps(); len(failed) > 0 {
		if len(failed) == 1 {
			return thought{
				action:  types.ActionRetry,
				stepIDs: []string{failed[0].ID},
				note:    fmt.Sprintf("%s failed, resetting it for another attempt", failed[0].Action),
			}
		}
		ids := make([]string, len(failed))
		for i, s := range failed {
			ids[i] = s.ID
		}
		return thought{
			action:  types.ActionSkip,
			stepIDs: ids,
			note:    fmt.Sprintf("%d steps failed, skipping them to finish the rest", len(failed)),
		}
	}

	// Move past anything already done; a stale running step is rerun.
	cur := task.Current()
	for cur != nil && cur.Status != types.StepPending {
		if cur.Status == types.StepRunning {
			cur.Status = types.StepPending
			break
		}
		task.Advance()
		cur = task.Current()
	}
	if cur == nil {
		return thought{action: types.ActionComplete, note: "cursor passed the last step"}
	}
	return thought{
		action:  cur.Action,
		stepIDs: []string{cur.ID},
		note:    fmt.Sprintf("run %s (step %d of %d)", cur.Action, task.CurrentStep+1, len(task.Steps)),
	}
}

// act applies the thought: control actions mutate step states directly,
// backend actions dispatch and advance the cursor on success.
func (c *Controller) act(ctx context.Context, task *types.TaskPlan, th thought, iteration int) *backend.OpResult {
	switch th.action {
	case types.ActionRetry:
		n := 0
		for _, id := range th.stepIDs {
			if s := task.StepByID(id); s != nil && s.Status == types.StepFailed {
				s.Status = types.StepPending
				n++
			}
		}
		return &backend.OpResult{Status: backend.StatusSuccess, Message: fmt.Sprintf("reset %d step(s) to pending", n)}

	case types.ActionSkip:
		n := 0
		for _, id := range th.stepIDs {
			if s := task.StepByID(id); s != nil && s.Status == types.StepFailed {
				s.Status = types.StepCompleted
				n++
			}
		}
		return &backend.OpResult{Status: backend.StatusSuccess, Message: fmt.Sprintf("skipped %d failed step(s)", n)}
	}

	step := task.StepByID(th.stepIDs[0])
	if step == nil {
		return &backend.OpResult{Status: backend.StatusError, Message: "proposed step no longer exists"}
	}

	step.Status = types.StepRunning
	c.emit(bus.EventStepStart, map[string]any{"step_id": step.ID, "type": string(step.Type), "action": step.Action}, iteration)
	c.emit(bus.EventActionStart, map[string]any{"action": step.Action}, iteration)

	result := c.dispatch(ctx, task, step)

	c.emit(bus.EventActionEnd, map[string]any{"action": step.Action, "status": string(result.Status)}, iteration)

	// Adopt relocated artifacts before anything else reads the path.
	if result.Path != "" && result.Path != task.ArtifactPath {
		task.ArtifactPath = result.Path
	}

	if result.Status == backend.StatusError {
		step.Status = types.StepFailed
	} else {
		step.Status = types.StepCompleted
	}
	if result.Data != nil {
		step.Result = result.Data
	}
	c.emit(bus.EventStepEnd, map[string]any{"step_id": step.ID, "status": string(step.Status), "message": result.Message}, iteration)

	if step.Status == types.StepCompleted {
		task.Advance()
	}
	return result
}

// dispatch routes one step to its backend operation. Injected inputs
// from a rollback take precedence over the task's original sub-plans.
func (c *Controller) dispatch(ctx context.Context, task *types.TaskPlan, step *types.ExecutionStep) *backend.OpResult {
	switch step.Action {
	case types.ActionCreateGeometry:
		return c.backend.CreateGeometry(ctx, task.Geometry, c.artifactTarget(task))

	case types.ActionAddMaterial:
		if input := types.ParamString(step.Params, "material_input", ""); input != "" {
			if mat, ok := planner.LookupMaterial(input); ok {
				task.Material = &types.MaterialPlan{
					Assignments: []types.MaterialAssignment{{Material: mat, Selection: "all"}},
				}
			}
		}
		if task.Material == nil {
			task.Material = planner.DefaultMaterialPlan()
		}
		return c.backend.AddMaterial(ctx, task.ArtifactPath, task.Material)

	case types.ActionAddPhysics:
		if input := types.ParamString(step.Params, "physics_input", ""); input != "" && c.physics != nil {
			plan, err := c.physics.Plan(ctx, input, "")
			if err != nil {
				logging.ExecWarn("injected physics input did not plan: %v", err)
			} else {
				task.Physics = plan
			}
		}
		return c.backend.AddPhysics(ctx, task.ArtifactPath, task.Physics)

	case types.ActionGenerateMesh:
		return c.backend.GenerateMesh(ctx, task.ArtifactPath, step.Params)

	case types.ActionConfigureStudy:
		if task.Study == nil {
			task.Study = planner.DefaultStudyPlan()
		}
		return c.backend.ConfigureStudy(ctx, task.ArtifactPath, task.Study)

	case types.ActionSolve:
		return c.backend.Solve(ctx, task.ArtifactPath)
	}
	return &backend.OpResult{Status: backend.StatusError, Message: fmt.Sprintf("unknown action %q", step.Action)}
}

// observe wraps a result into a graded observation. Geometry succeeds
// only when the artifact actually exists on disk; a missing file
// downgrades an apparent success and puts the step back under the
// cursor.
func (c *Controller) observe(task *types.TaskPlan, th thought, result *backend.OpResult) *types.Observation {
	stepID := ""
	if len(th.stepIDs) > 0 {
		stepID = th.stepIDs[0]
	}
	status := observationStatus(result.Status)
	message := result.Message

	if th.action == types.ActionCreateGeometry && status == types.ObservationSuccess {
		if _, err := os.Stat(task.ArtifactPath); err != nil {
			status = types.ObservationError
			message = fmt.Sprintf("model file missing after geometry build: %s", task.ArtifactPath)
			if step := task.StepByID(stepID); step != nil {
				step.Status = types.StepFailed
				for i := range task.Steps {
					if task.Steps[i].ID == stepID && task.CurrentStep > i {
						task.CurrentStep = i
					}
				}
			}
		}
	}

	return task.NewObservation(stepID, status, message, result.Data)
}

func observationStatus(s backend.Status) types.ObservationStatus {
	switch s {
	case backend.StatusSuccess:
		return types.ObservationSuccess
	case backend.StatusWarning:
		return types.ObservationWarning
	default:
		return types.ObservationError
	}
}

// artifactTarget picks the save path for a new artifact.
func (c *Controller) artifactTarget(task *types.TaskPlan) string {
	if task.ArtifactPath != "" {
		return task.ArtifactPath
	}
	dir := task.OutputDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, task.TaskID+".mph")
}

func (c *Controller) emit(t bus.EventType, data map[string]any, iteration int) {
	if c.events == nil {
		return
	}
	c.events.PublishIter(t, data, iteration)
}
