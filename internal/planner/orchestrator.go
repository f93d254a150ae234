package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"simforge/internal/bus"
	"simforge/internal/gateway"
	"simforge/internal/logging"
	"simforge/internal/plancheck"
	"simforge/internal/prompt"
	"simforge/internal/skills"
	"simforge/internal/types"
)

// Intent keyword classes. English terms match on word boundaries, Chinese
// terms by substring. A class hit widens the allowed pipeline scope.
var (
	materialIntentPattern = regexp.MustCompile(`\b(materials?|steel|aluminum|aluminium|copper|iron|titanium|glass|concrete|wood(en)?)\b`)
	physicsIntentPattern  = regexp.MustCompile(`\b(physics|heat(ed|ing)?|thermal|temperature|stress(es)?|forces?|loads?|electrostatics?|voltage|flow|pressure|mechanics?)\b`)
	studyIntentPattern    = regexp.MustCompile(`\b(stud(y|ies)|solve[rd]?|simulat\w*|analy[sz]\w*|stationary|steady([- ]state)?|transient|time[- ]dependent|frequency)\b`)
	scopeLimitPattern     = regexp.MustCompile(`\b(only|just)\b`)

	materialIntentCJK = []string{"材料", "钢", "铝", "铜", "铁", "钛", "玻璃", "混凝土", "木"}
	physicsIntentCJK  = []string{"物理", "热", "温度", "应力", "载荷", "受力", "电场", "电压", "流动", "压力"}
	studyIntentCJK    = []string{"研究", "求解", "仿真", "模拟", "分析", "稳态", "瞬态", "频域"}
	scopeLimitCJK     = []string{"只", "仅", "就行", "即可"}
	scopeLimitPhrases = []string{"that's it", "thats it", "nothing else"}
)

// Orchestrator decomposes a request and drives the four planners over a
// shared context. Planner failures never abort a run; they produce failure
// records and default sub-plans.
type Orchestrator struct {
	gw       *gateway.Gateway
	registry *prompt.Registry
	events   *bus.Bus
	checker  *plancheck.Checker

	geometry *GeometryPlanner
	material *MaterialPlanner
	physics  *PhysicsPlanner
	study    *StudyPlanner
}

// NewOrchestrator wires the four planners. events and checker may be nil;
// injector may be nil when no skill library is loaded.
func NewOrchestrator(gw *gateway.Gateway, registry *prompt.Registry, injector *skills.Injector, events *bus.Bus, checker *plancheck.Checker) *Orchestrator {
	registry = ensureRegistry(registry)
	return &Orchestrator{
		gw:       gw,
		registry: registry,
		events:   events,
		checker:  checker,
		geometry: NewGeometryPlanner(gw, registry, injector),
		material: NewMaterialPlanner(gw, registry, injector),
		physics:  NewPhysicsPlanner(gw, registry, injector),
		study:    NewStudyPlanner(gw, registry, injector),
	}
}

var serialSchema = SchemaFor(&types.SerialPlan{})

// Decompose asks the model to split the request into agent steps. Any
// failure degrades to a single geometry step covering the whole request.
func (o *Orchestrator) Decompose(ctx context.Context, input string) types.SerialPlan {
	promptText, err := o.registry.Format("planning", "decompose", map[string]string{
		"input":  input,
		"schema": serialSchema,
	})
	if err != nil {
		logging.PlannerWarn("decompose template unavailable: %v", err)
		return fallbackPlan(input)
	}

	reply, err := o.gw.Call(ctx, promptText, gateway.CallOptions{
		Temperature: planTemperature,
		MaxRetries:  planRetries,
	})
	if err != nil {
		logging.PlannerWarn("decompose call failed, using geometry-only plan: %v", err)
		return fallbackPlan(input)
	}

	plan, err := parseSerialPlan(reply, input)
	if err != nil || len(plan.Steps) == 0 {
		logging.PlannerWarn("decompose reply unusable, using geometry-only plan")
		return fallbackPlan(input)
	}
	return plan
}

// parseSerialPlan accepts either {"steps": [...]} or a bare step array,
// drops steps with unknown agents, and renumbers.
func parseSerialPlan(reply, userInput string) (types.SerialPlan, error) {
	var plan types.SerialPlan
	if err := types.ExtractJSON(reply, &plan); err != nil || len(plan.Steps) == 0 {
		var steps []types.SerialStep
		if err := types.ExtractJSON(reply, &steps); err != nil {
			return types.SerialPlan{}, err
		}
		plan = types.SerialPlan{Steps: steps}
	}

	kept := plan.Steps[:0]
	for _, step := range plan.Steps {
		agent, ok := types.ParseAgentType(string(step.Agent))
		if !ok {
			logging.PlannerWarn("dropping step with unknown agent %q", step.Agent)
			continue
		}
		step.Agent = agent
		if strings.TrimSpace(step.Input) == "" {
			if step.Description != "" {
				step.Input = step.Description
			} else {
				step.Input = userInput
			}
		}
		kept = append(kept, step)
	}
	plan.Steps = kept
	plan.Renumber()
	return plan, nil
}

func fallbackPlan(input string) types.SerialPlan {
	return types.SerialPlan{Steps: []types.SerialStep{{
		Index:       1,
		Agent:       types.AgentGeometry,
		Description: "create geometry",
		Input:       input,
	}}}
}

// scopeLevel orders the pipeline: geometry < material < physics < study.
func scopeLevel(agent types.AgentType) int {
	switch agent {
	case types.AgentMaterial:
		return 1
	case types.AgentPhysics:
		return 2
	case types.AgentStudy:
		return 3
	default:
		return 0
	}
}

func matchClass(lower string, pattern *regexp.Regexp, cjk []string) bool {
	if pattern.MatchString(lower) {
		return true
	}
	for _, term := range cjk {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func hasScopeLimit(lower string) bool {
	if scopeLimitPattern.MatchString(lower) {
		return true
	}
	for _, phrase := range scopeLimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	for _, term := range scopeLimitCJK {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// filterByIntent truncates decomposed steps to the scope the user actually
// asked for. A scope-limit phrase with no material/physics/study mention
// collapses the plan to a single geometry step.
func (o *Orchestrator) filterByIntent(input string, plan types.SerialPlan) types.SerialPlan {
	lower := strings.ToLower(input)

	maxLevel := 0
	if matchClass(lower, materialIntentPattern, materialIntentCJK) {
		maxLevel = 1
	}
	if matchClass(lower, physicsIntentPattern, physicsIntentCJK) {
		maxLevel = 2
	}
	if matchClass(lower, studyIntentPattern, studyIntentCJK) {
		maxLevel = 3
	}

	if maxLevel == 0 && hasScopeLimit(lower) {
		logging.PlannerDebug("scope-limit phrase with no class mentions, geometry only")
		return fallbackPlan(input)
	}

	kept := make([]types.SerialStep, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if scopeLevel(step.Agent) <= maxLevel {
			kept = append(kept, step)
		} else {
			logging.PlannerDebug("intent filter dropped step %d (%s)", step.Index, step.Agent)
		}
	}
	out := types.SerialPlan{Steps: kept}
	if len(out.Steps) == 0 {
		return fallbackPlan(input)
	}
	out.Renumber()
	return out
}

func (o *Orchestrator) emit(t bus.EventType, data map[string]any) {
	if o.events != nil {
		o.events.Publish(t, data)
	}
}

// Run decomposes the request, filters it by intent, validates the serial
// plan, then executes the planners in order. Each step's prompt context
// combines the external context with what the other agents recorded.
// The returned error is only ever a plan validation error; planner
// failures are recorded in the shared context instead.
func (o *Orchestrator) Run(ctx context.Context, input, extContext string, shared *SharedContext) (*types.TaskPlan, *SharedContext, types.SerialPlan, error) {
	if shared == nil {
		shared = NewSharedContext(input)
	}

	serial := o.Decompose(ctx, input)
	serial = o.filterByIntent(input, serial)

	if o.checker != nil {
		violations, err := o.checker.CheckSerial(serial)
		if err != nil {
			logging.PlannerWarn("serial plan validation unavailable: %v", err)
		} else if len(violations) > 0 {
			return nil, shared, serial, fmt.Errorf("serial plan failed validation: %s", plancheck.Join(violations))
		}
	}

	logging.Planner("serial plan: %s", serial.String())

	task := types.NewTaskPlan(o.gw.Name(), input)
	for _, step := range serial.Steps {
		stepContext := combineContext(extContext, shared.GetContextForAgent(step.Agent))

		switch step.Agent {
		case types.AgentGeometry:
			o.runGeometry(ctx, task, shared, step, stepContext)
		case types.AgentMaterial:
			o.runMaterial(ctx, task, shared, step, stepContext)
		case types.AgentPhysics:
			o.runPhysics(ctx, task, shared, step, stepContext)
		case types.AgentStudy:
			o.runStudy(ctx, task, shared, step, stepContext)
		}
	}

	return task, shared, serial, nil
}

func (o *Orchestrator) runGeometry(ctx context.Context, task *types.TaskPlan, shared *SharedContext, step types.SerialStep, stepContext string) {
	plan, err := o.geometry.Plan(ctx, step.Input, stepContext)
	if err != nil {
		logging.PlannerWarn("geometry planner failed: %v", err)
		shared.AddRecord(types.AgentGeometry, false, "", err.Error(), nil)
		task.Geometry = DefaultGeometryPlan()
		task.Dimension = task.Geometry.Dimension
		return
	}

	shared.AddRecord(types.AgentGeometry, true, plan.Summary(), "", plan)
	task.Geometry = plan
	task.Dimension = plan.Dimension
	if plan.Dimension == 3 {
		o.emit(bus.EventGeometry3D, map[string]any{"dimension": 3})
	}
}

func (o *Orchestrator) runMaterial(ctx context.Context, task *types.TaskPlan, shared *SharedContext, step types.SerialStep, stepContext string) {
	o.emit(bus.EventMaterialStart, map[string]any{"input": step.Input})

	plan, err := o.material.Plan(ctx, step.Input, stepContext)
	if err != nil {
		logging.PlannerWarn("material planner failed, substituting default steel: %v", err)
		shared.AddRecord(types.AgentMaterial, false, "", err.Error(), nil)
		task.Material = DefaultMaterialPlan()
		o.emit(bus.EventMaterialEnd, map[string]any{"success": false, "summary": task.Material.Summary()})
		return
	}

	shared.AddRecord(types.AgentMaterial, true, plan.Summary(), "", plan)
	task.Material = plan
	o.emit(bus.EventMaterialEnd, map[string]any{"success": true, "summary": plan.Summary()})
}

func (o *Orchestrator) runPhysics(ctx context.Context, task *types.TaskPlan, shared *SharedContext, step types.SerialStep, stepContext string) {
	plan, err := o.physics.Plan(ctx, step.Input, stepContext)
	if err != nil {
		logging.PlannerWarn("physics planner failed: %v", err)
		shared.AddRecord(types.AgentPhysics, false, "", err.Error(), nil)
		task.Physics = &types.PhysicsPlan{}
		return
	}

	shared.AddRecord(types.AgentPhysics, true, plan.Summary(), "", plan)
	task.Physics = plan
	for _, coupling := range plan.Couplings {
		o.emit(bus.EventCouplingAdded, map[string]any{
			"kind":   coupling.Kind,
			"source": coupling.Source,
			"target": coupling.Target,
		})
	}
}

func (o *Orchestrator) runStudy(ctx context.Context, task *types.TaskPlan, shared *SharedContext, step types.SerialStep, stepContext string) {
	plan, err := o.study.Plan(ctx, step.Input, stepContext)
	if err != nil {
		logging.PlannerWarn("study planner failed, substituting stationary study: %v", err)
		shared.AddRecord(types.AgentStudy, false, "", err.Error(), nil)
		task.Study = DefaultStudyPlan()
		return
	}

	shared.AddRecord(types.AgentStudy, true, plan.Summary(), "", plan)
	task.Study = plan
}
