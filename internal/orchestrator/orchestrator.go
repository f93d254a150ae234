// Package orchestrator drives one dialog turn end to end: route the
// input, answer conversationally or plan and execute modeling work,
// report progress through bus events, and persist the turn into the
// session context. Turn outcomes are reported through the Reply value
// and error events, never through a returned error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"simforge/internal/bus"
	"simforge/internal/config"
	"simforge/internal/executor"
	"simforge/internal/gateway"
	"simforge/internal/logging"
	"simforge/internal/planner"
	"simforge/internal/prompt"
	"simforge/internal/router"
	"simforge/internal/session"
	"simforge/internal/skills"
	"simforge/internal/types"
)

const (
	// historyTokenBudget bounds the history block injected into prompts.
	historyTokenBudget = 2000
	// recentTurns limits how many turns the context block includes.
	recentTurns = 10
	// summaryTimeout bounds the best-effort turn summary call. The
	// summary runs even when the turn itself was cancelled.
	summaryTimeout = 15 * time.Second
	// summaryMaxWords is handed to the summary template.
	summaryMaxWords = 60
)

// TurnOptions adjusts a single turn.
type TurnOptions struct {
	// Session selects the conversation; empty means the default session.
	Session string
	// Output is the artifact destination: a .mph file path pins the
	// artifact, anything else is treated as a directory.
	Output string
	// Direct bypasses decomposition and lets the controller plan its own
	// steps from the request.
	Direct bool
	// NoContext leaves session history out of every prompt this turn.
	NoContext bool
}

// Reply is the single final answer for a turn.
type Reply struct {
	OK        bool            `json:"ok"`
	Message   string          `json:"message"`
	ModelPath string          `json:"model_path,omitempty"`
	Task      *types.TaskPlan `json:"-"`
}

// Deps wires the orchestrator. Planner and Executor must be set for
// technical turns; Router is built from the gateway when absent.
// Injector, Events and Memory may be nil.
type Deps struct {
	Config   *config.Config
	Router   *router.Router
	Planner  *planner.Orchestrator
	Executor *executor.Controller
	Gateway  *gateway.Gateway
	Registry *prompt.Registry
	Injector *skills.Injector
	Events   *bus.Bus
	Memory   *session.MemoryUpdater
}

// Orchestrator handles dialog turns for one process. Safe for use from
// a single turn loop; concurrent turns belong to distinct sessions.
type Orchestrator struct {
	cfg      *config.Config
	router   *router.Router
	planner  *planner.Orchestrator
	executor *executor.Controller
	gw       *gateway.Gateway
	registry *prompt.Registry
	injector *skills.Injector
	events   *bus.Bus
	memory   *session.MemoryUpdater
}

// New builds an orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	registry := deps.Registry
	if registry == nil {
		registry = prompt.NewRegistry("")
	}
	r := deps.Router
	if r == nil {
		r = router.New(deps.Gateway, registry)
	}
	return &Orchestrator{
		cfg:      cfg,
		router:   r,
		planner:  deps.Planner,
		executor: deps.Executor,
		gw:       deps.Gateway,
		registry: registry,
		injector: deps.Injector,
		events:   deps.Events,
		memory:   deps.Memory,
	}
}

// Store opens the session store for a conversation id. The bridge and
// CLI use this for the context commands.
func (o *Orchestrator) Store(sessionID string) *session.Store {
	return session.NewStore(o.cfg.Context.Root, sessionID)
}

// HandleTurn processes one user turn. It never returns an error; all
// outcomes land in the Reply and on the event bus.
func (o *Orchestrator) HandleTurn(ctx context.Context, input string, opts TurnOptions) Reply {
	if d := o.cfg.GetTurnTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	store := o.Store(opts.Session)
	kind := o.router.Route(ctx, input)
	logging.Orchestrator("turn routed %s (session %s)", kind, store.ID())

	if kind == router.KindQA {
		return o.handleQA(ctx, store, input, opts)
	}
	return o.handleTechnical(ctx, store, input, opts)
}

// handleQA answers a conversational turn from the session context.
func (o *Orchestrator) handleQA(ctx context.Context, store *session.Store, input string, opts TurnOptions) Reply {
	o.emit(bus.EventTaskPhase, map[string]any{"phase": "qa"})

	summaryBlock := ""
	if !opts.NoContext {
		summaryBlock = o.contextBlock(store)
	}
	if summaryBlock == "" {
		summaryBlock = "(no prior context)"
	}

	skillsBlock := ""
	if o.injector != nil {
		skillsBlock = o.injector.Inject(ctx, input, "")
	}

	answer, err := o.askQA(ctx, input, summaryBlock, skillsBlock)
	if err != nil {
		logging.Orchestrator("qa turn failed: %v", err)
		msg := fmt.Sprintf("cannot answer right now: %v", err)
		o.emit(bus.EventError, map[string]any{"message": msg})
		o.recordTurn(store, input, nil, false, msg)
		return Reply{Message: msg}
	}

	o.emit(bus.EventContent, map[string]any{"text": answer})
	o.recordTurn(store, input, nil, true, "")
	return Reply{OK: true, Message: answer}
}

func (o *Orchestrator) askQA(ctx context.Context, input, summaryBlock, skillsBlock string) (string, error) {
	if o.gw == nil {
		return "", errors.New("no model gateway configured")
	}
	promptText, err := o.registry.Format("qa", "answer", map[string]string{
		"skills":  skillsBlock,
		"summary": summaryBlock,
		"input":   input,
	})
	if err != nil {
		return "", err
	}
	return o.gw.Call(ctx, promptText, gateway.CallOptions{
		Temperature: o.cfg.LLM.Temperature,
		MaxRetries:  o.cfg.LLM.MaxRetries,
	})
}

// handleTechnical plans and executes a modeling turn. The summary agent
// runs regardless of outcome; on success the exec result precedes the
// content event, on failure the error event does.
func (o *Orchestrator) handleTechnical(ctx context.Context, store *session.Store, input string, opts TurnOptions) Reply {
	o.emit(bus.EventPlanStart, map[string]any{"input": input})

	extContext := ""
	if !opts.NoContext {
		extContext = o.contextBlock(store)
	}

	var task *types.TaskPlan
	var runErr error

	if opts.Direct {
		task = types.NewTaskPlan(o.modelName(), input)
		o.applyOutput(task, opts.Output)
		o.executor.PlanStepsDirect(ctx, task)
	} else {
		task, _, _, runErr = o.planner.Run(ctx, input, extContext, nil)
		if runErr == nil {
			o.applyOutput(task, opts.Output)
		}
	}

	if runErr == nil {
		runErr = o.executor.Run(ctx, task)
	}
	return o.finishTurn(ctx, store, input, task, runErr)
}

// finishTurn wraps up an executed task: summary agent, result events,
// session bookkeeping, final reply.
func (o *Orchestrator) finishTurn(ctx context.Context, store *session.Store, input string, task *types.TaskPlan, runErr error) Reply {
	success := runErr == nil

	message := o.summarizeTurn(ctx, input, task, runErr)

	if success {
		o.emit(bus.EventExecResult, map[string]any{
			"status":     "success",
			"model_path": task.ArtifactPath,
		})
	} else {
		o.emit(bus.EventError, map[string]any{"message": runErr.Error()})
	}
	o.emit(bus.EventContent, map[string]any{"text": message})

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	o.recordTurn(store, input, task, success, errMsg)

	reply := Reply{OK: success, Message: message, Task: task}
	if task != nil {
		reply.ModelPath = task.ArtifactPath
	}
	return reply
}

// PlanOnly plans a turn without executing it. The returned task carries
// the expanded steps the controller would run, so it can be saved and
// executed later with ExecutePlan.
func (o *Orchestrator) PlanOnly(ctx context.Context, input string, opts TurnOptions) (*types.TaskPlan, error) {
	if d := o.cfg.GetTurnTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	extContext := ""
	if !opts.NoContext {
		extContext = o.contextBlock(o.Store(opts.Session))
	}

	if opts.Direct {
		task := types.NewTaskPlan(o.modelName(), input)
		o.applyOutput(task, opts.Output)
		o.executor.PlanStepsDirect(ctx, task)
		return task, nil
	}

	task, _, _, err := o.planner.Run(ctx, input, extContext, nil)
	if err != nil {
		return nil, err
	}
	o.applyOutput(task, opts.Output)
	executor.ExpandSteps(task)
	return task, nil
}

// ExecutePlan runs a previously planned task with the same bookkeeping
// as a full turn. Step statuses are reset first, so a saved plan can be
// executed more than once.
func (o *Orchestrator) ExecutePlan(ctx context.Context, task *types.TaskPlan, opts TurnOptions) Reply {
	if task == nil {
		return Reply{Message: "no task to execute"}
	}
	if d := o.cfg.GetTurnTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	store := o.Store(opts.Session)
	if opts.Output != "" {
		o.applyOutput(task, opts.Output)
	} else if task.OutputDir == "" && task.ArtifactPath == "" {
		task.OutputDir = o.cfg.Paths.OutputDir
	}
	resetRunState(task)

	runErr := o.executor.Run(ctx, task)
	return o.finishTurn(ctx, store, task.UserInput, task, runErr)
}

// resetRunState returns an already-run plan to its pre-execution shape.
func resetRunState(task *types.TaskPlan) {
	for i := range task.Steps {
		task.Steps[i].Status = types.StepPending
		task.Steps[i].Result = nil
	}
	task.Status = types.TaskPlanning
	task.CurrentStep = 0
	task.Error = ""
	task.Observations = nil
	task.Iterations = nil
}

// Demo executes a built-in showcase task (a steel plate in 2D) without
// any model calls, proving the execution pipeline end to end.
func (o *Orchestrator) Demo(ctx context.Context, opts TurnOptions) Reply {
	steel, _ := planner.LookupMaterial("steel")
	task := types.NewTaskPlan("builtin", "demo: 100x50 mm steel plate")
	task.Dimension = 2
	task.Geometry = &types.GeometryPlan{
		Dimension: 2,
		Units:     "mm",
		Shapes: []types.Shape{{
			Kind:   "rectangle",
			Name:   "plate",
			Params: map[string]float64{"width": 100, "height": 50},
		}},
	}
	task.Material = &types.MaterialPlan{
		Assignments: []types.MaterialAssignment{{Material: steel}},
	}
	return o.ExecutePlan(ctx, task, opts)
}

func (o *Orchestrator) modelName() string {
	if o.gw == nil {
		return "unknown"
	}
	return o.gw.Name()
}

// applyOutput routes the artifact to the requested destination, falling
// back to the configured output directory.
func (o *Orchestrator) applyOutput(task *types.TaskPlan, output string) {
	switch {
	case output == "":
		task.OutputDir = o.cfg.Paths.OutputDir
	case strings.HasSuffix(strings.ToLower(output), ".mph"):
		task.ArtifactPath = output
	default:
		task.OutputDir = output
	}
}

// contextBlock assembles the session memory and recent turns for prompt
// injection. Store errors degrade to an empty block.
func (o *Orchestrator) contextBlock(store *session.Store) string {
	var parts []string

	sum, err := store.Summary()
	if err != nil {
		logging.OrchestratorDebug("session summary unavailable: %v", err)
	} else if strings.TrimSpace(sum.Summary) != "" {
		parts = append(parts, sum.Summary)
	}

	entries, err := store.History(recentTurns)
	if err != nil {
		logging.OrchestratorDebug("session history unavailable: %v", err)
	} else if block := session.FormatHistory(entries, historyTokenBudget); block != "" {
		parts = append(parts, "Recent turns:\n"+block)
	}

	return strings.Join(parts, "\n\n")
}

// summarizeTurn asks the summary agent for the user-facing recap. The
// call is best effort: it is bounded by its own short timeout, survives
// turn cancellation, and degrades to a deterministic message.
func (o *Orchestrator) summarizeTurn(ctx context.Context, input string, task *types.TaskPlan, runErr error) string {
	fallback := deterministicSummary(task, runErr)
	if o.gw == nil {
		return fallback
	}

	promptText, err := o.registry.Format("session", "summarize", map[string]string{
		"history":   fmt.Sprintf("request: %s\n%s", input, turnOutcome(task, runErr)),
		"max_words": strconv.Itoa(summaryMaxWords),
	})
	if err != nil {
		return fallback
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryTimeout)
	defer cancel()

	text, err := o.gw.Call(sctx, promptText, gateway.CallOptions{
		Temperature: o.cfg.LLM.Temperature,
		MaxRetries:  1,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		logging.OrchestratorDebug("summary agent unavailable, using fallback: %v", err)
		return fallback
	}
	return strings.TrimSpace(text)
}

// turnOutcome renders what happened this turn for the summary prompt.
func turnOutcome(task *types.TaskPlan, runErr error) string {
	var b strings.Builder
	if task != nil {
		if task.Geometry != nil {
			fmt.Fprintf(&b, "geometry: %s\n", task.Geometry.Summary())
		}
		if task.Material != nil {
			fmt.Fprintf(&b, "material: %s\n", task.Material.Summary())
		}
		if task.Physics != nil {
			fmt.Fprintf(&b, "physics: %s\n", task.Physics.Summary())
		}
		if task.Study != nil {
			fmt.Fprintf(&b, "study: %s\n", task.Study.Summary())
		}
		for _, step := range task.Steps {
			fmt.Fprintf(&b, "%s: %s\n", step.Action, step.Status)
		}
		if task.ArtifactPath != "" {
			fmt.Fprintf(&b, "artifact: %s\n", task.ArtifactPath)
		}
	}
	if runErr != nil {
		fmt.Fprintf(&b, "failed: %v\n", runErr)
	}
	if b.Len() == 0 {
		return "nothing was executed"
	}
	return strings.TrimRight(b.String(), "\n")
}

func deterministicSummary(task *types.TaskPlan, runErr error) string {
	if runErr != nil {
		if task != nil && task.ArtifactPath != "" {
			return fmt.Sprintf("Task failed: %v. Partial model at %s.", runErr, task.ArtifactPath)
		}
		return fmt.Sprintf("Task failed: %v.", runErr)
	}

	done := 0
	if task != nil {
		for _, s := range task.Steps {
			if s.Status == types.StepCompleted {
				done++
			}
		}
	}
	if task != nil && task.ArtifactPath != "" {
		return fmt.Sprintf("Completed %d steps. Model saved to %s.", done, task.ArtifactPath)
	}
	return fmt.Sprintf("Completed %d steps.", done)
}

// recordTurn persists the turn: history entry, latest artifact pointer,
// operation log lines, then a memory rebuild. Persistence failures are
// logged, never surfaced.
func (o *Orchestrator) recordTurn(store *session.Store, input string, task *types.TaskPlan, success bool, errMsg string) {
	entry := session.Entry{
		UserInput: input,
		Plan:      planSnapshot(task),
		Success:   success,
		Error:     errMsg,
	}
	if task != nil {
		entry.ArtifactPath = task.ArtifactPath
	}
	if err := store.Append(entry); err != nil {
		logging.Orchestrator("session append failed: %v", err)
	}

	if task != nil {
		if task.ArtifactPath != "" {
			if err := store.SetLatestModel(task.ArtifactPath); err != nil {
				logging.OrchestratorDebug("latest model pointer: %v", err)
			}
		}
		for _, step := range task.Steps {
			if err := store.AppendOperation(fmt.Sprintf("%s: %s", step.Action, step.Status)); err != nil {
				logging.OrchestratorDebug("operation log: %v", err)
				break
			}
		}
	}

	if o.memory != nil {
		o.memory.Trigger(store)
	}
}

// planSnapshot captures what the memory rebuild aggregates from a turn.
func planSnapshot(task *types.TaskPlan) map[string]any {
	if task == nil {
		return nil
	}
	snap := map[string]any{"steps": len(task.Steps)}
	if task.Dimension > 0 {
		snap["dimension"] = task.Dimension
	}
	if task.Geometry != nil {
		kinds := make([]string, 0, len(task.Geometry.Shapes))
		for _, s := range task.Geometry.Shapes {
			kinds = append(kinds, s.Kind)
		}
		snap["shapes"] = kinds
		if task.Geometry.Units != "" {
			snap["units"] = task.Geometry.Units
		}
	}
	return snap
}

func (o *Orchestrator) emit(t bus.EventType, data map[string]any) {
	if o.events != nil {
		o.events.Publish(t, data)
	}
}
