package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"simforge/internal/bus"
	"simforge/internal/gateway"
	"simforge/internal/plancheck"
	"simforge/internal/types"
)

func newTestOrchestrator(t *testing.T, stub *scriptClient, events *bus.Bus) *Orchestrator {
	t.Helper()
	checker, err := plancheck.New()
	if err != nil {
		t.Fatalf("plancheck.New() failed: %v", err)
	}
	return NewOrchestrator(gateway.New(stub), nil, nil, events, checker)
}

func eventsOfType(captured []bus.Event, want bus.EventType) []bus.Event {
	var out []bus.Event
	for _, e := range captured {
		if e.Type == want {
			out = append(out, e)
		}
	}
	return out
}

func TestParseSerialPlan(t *testing.T) {
	t.Run("object form", func(t *testing.T) {
		reply := `{"steps": [
			{"index": 1, "agent": "geometry_agent", "description": "make a box"},
			{"index": 2, "agent": "material", "input": "assign steel"}
		]}`
		plan, err := parseSerialPlan(reply, "build it")
		if err != nil {
			t.Fatalf("parseSerialPlan() error: %v", err)
		}
		if len(plan.Steps) != 2 {
			t.Fatalf("Expected 2 steps, got %d", len(plan.Steps))
		}
		if plan.Steps[0].Agent != types.AgentGeometry {
			t.Errorf("Agent = %s, want geometry", plan.Steps[0].Agent)
		}
		if plan.Steps[0].Input != "make a box" {
			t.Errorf("Blank input should fall back to the description, got %q", plan.Steps[0].Input)
		}
	})

	t.Run("bare array form", func(t *testing.T) {
		reply := `[{"index": 1, "agent": "geometry"}]`
		plan, err := parseSerialPlan(reply, "make a box")
		if err != nil {
			t.Fatalf("parseSerialPlan() error: %v", err)
		}
		if len(plan.Steps) != 1 || plan.Steps[0].Input != "make a box" {
			t.Errorf("Blank input should fall back to the user request, got %+v", plan.Steps)
		}
	})

	t.Run("unknown agents dropped and renumbered", func(t *testing.T) {
		reply := `{"steps": [
			{"index": 1, "agent": "mesher", "input": "mesh it"},
			{"index": 2, "agent": "geometry", "input": "make a box"},
			{"index": 3, "agent": "study agent", "input": "solve"}
		]}`
		plan, err := parseSerialPlan(reply, "x")
		if err != nil {
			t.Fatalf("parseSerialPlan() error: %v", err)
		}
		if len(plan.Steps) != 2 {
			t.Fatalf("Expected 2 steps after dropping, got %d", len(plan.Steps))
		}
		if plan.Steps[0].Index != 1 || plan.Steps[1].Index != 2 {
			t.Errorf("Steps not renumbered: %s", plan.String())
		}
		if plan.Steps[1].Agent != types.AgentStudy {
			t.Errorf("Agent = %s, want study", plan.Steps[1].Agent)
		}
	})

	t.Run("no JSON is an error", func(t *testing.T) {
		if _, err := parseSerialPlan("I cannot split this request.", "x"); err == nil {
			t.Error("Expected an extraction error")
		}
	})
}

func TestDecompose_FallbackOnCallError(t *testing.T) {
	stub := &scriptClient{err: errors.New("model offline")}
	o := NewOrchestrator(gateway.New(stub), nil, nil, nil, nil)

	plan := o.Decompose(context.Background(), "build a heated bracket")
	if len(plan.Steps) != 1 || plan.Steps[0].Agent != types.AgentGeometry {
		t.Fatalf("Expected geometry-only fallback, got %s", plan.String())
	}
	if plan.Steps[0].Input != "build a heated bracket" {
		t.Errorf("Fallback step should carry the whole request, got %q", plan.Steps[0].Input)
	}
}

func TestDecompose_FallbackOnGarbageReply(t *testing.T) {
	stub := &scriptClient{replies: []string{"no structured plan here"}}
	o := NewOrchestrator(gateway.New(stub), nil, nil, nil, nil)

	plan := o.Decompose(context.Background(), "build a bracket")
	if len(plan.Steps) != 1 || plan.Steps[0].Agent != types.AgentGeometry {
		t.Fatalf("Expected geometry-only fallback, got %s", plan.String())
	}
}

func TestFilterByIntent(t *testing.T) {
	o := NewOrchestrator(gateway.New(&scriptClient{}), nil, nil, nil, nil)
	fullPlan := func() types.SerialPlan {
		return types.SerialPlan{Steps: []types.SerialStep{
			{Index: 1, Agent: types.AgentGeometry, Input: "a"},
			{Index: 2, Agent: types.AgentMaterial, Input: "b"},
			{Index: 3, Agent: types.AgentPhysics, Input: "c"},
			{Index: 4, Agent: types.AgentStudy, Input: "d"},
		}}
	}

	tests := []struct {
		name  string
		input string
		plan  types.SerialPlan
		want  []types.AgentType
	}{
		{
			name:  "no class mentions keeps geometry only",
			input: "Create a box",
			plan:  fullPlan(),
			want:  []types.AgentType{types.AgentGeometry},
		},
		{
			name:  "material mention widens to material",
			input: "Make a steel bracket",
			plan:  fullPlan(),
			want:  []types.AgentType{types.AgentGeometry, types.AgentMaterial},
		},
		{
			name:  "physics mention widens to physics",
			input: "Heat a steel plate",
			plan:  fullPlan(),
			want:  []types.AgentType{types.AgentGeometry, types.AgentMaterial, types.AgentPhysics},
		},
		{
			name:  "study mention keeps everything",
			input: "Simulate heat flow through a steel plate",
			plan:  fullPlan(),
			want:  []types.AgentType{types.AgentGeometry, types.AgentMaterial, types.AgentPhysics, types.AgentStudy},
		},
		{
			name:  "scope limit with no mentions collapses",
			input: "Create a 2D rectangle, that's it",
			plan:  fullPlan(),
			want:  []types.AgentType{types.AgentGeometry},
		},
		{
			name:  "chinese scope limit collapses",
			input: "画一个方块就行",
			plan:  fullPlan(),
			want:  []types.AgentType{types.AgentGeometry},
		},
		{
			name:  "everything filtered falls back to geometry",
			input: "Create a box",
			plan: types.SerialPlan{Steps: []types.SerialStep{
				{Index: 1, Agent: types.AgentMaterial, Input: "b"},
				{Index: 2, Agent: types.AgentPhysics, Input: "c"},
			}},
			want: []types.AgentType{types.AgentGeometry},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := o.filterByIntent(tt.input, tt.plan)
			if len(got.Steps) != len(tt.want) {
				t.Fatalf("Kept %d steps, want %d: %s", len(got.Steps), len(tt.want), got.String())
			}
			for i, agent := range got.Agents() {
				if agent != tt.want[i] {
					t.Errorf("Step %d agent = %s, want %s", i+1, agent, tt.want[i])
				}
			}
			for i, step := range got.Steps {
				if step.Index != i+1 {
					t.Errorf("Step %d index = %d after filtering", i+1, step.Index)
				}
			}
		})
	}
}

func TestRun_FullPipeline(t *testing.T) {
	stub := &scriptClient{replies: []string{
		// decompose
		`{"steps": [
			{"index": 1, "agent": "geometry", "input": "create a 3D steel block 1x1x1 m"},
			{"index": 2, "agent": "material", "input": "assign structural steel"},
			{"index": 3, "agent": "physics", "input": "add heat transfer with thermal stress coupling"},
			{"index": 4, "agent": "study", "input": "stationary study"}
		]}`,
		// geometry
		`{"dimension": 3, "units": "m", "shapes": [{"kind": "box", "name": "block", "params": {"width": 1, "depth": 1, "height": 1}}]}`,
		// physics (material short-circuits on the steel keyword)
		`{"interfaces": [
			{"kind": "heat_transfer", "name": "ht", "boundary_conditions": [{"kind": "temperature", "selection": "left", "params": {"value": 293.15}}]},
			{"kind": "solid_mechanics", "name": "sm"}
		], "couplings": [{"kind": "thermal_expansion", "source": "ht", "target": "sm"}]}`,
		// study
		`{"kind": "stationary"}`,
	}}
	events := bus.New()
	var captured []bus.Event
	events.SubscribeAll(func(e bus.Event) { captured = append(captured, e) })

	o := newTestOrchestrator(t, stub, events)
	task, shared, serial, err := o.Run(context.Background(), "Model a 3D steel block and simulate heat transfer", "", nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(serial.Steps) != 4 {
		t.Fatalf("Expected 4 serial steps, got %s", serial.String())
	}
	if stub.calls != 4 {
		t.Errorf("Expected 4 model calls (decompose, geometry, physics, study), got %d", stub.calls)
	}

	if task.Model != "stub:model" {
		t.Errorf("task.Model = %q", task.Model)
	}
	if task.Geometry == nil || task.Dimension != 3 {
		t.Fatalf("Geometry not captured: %+v", task.Geometry)
	}
	if task.Material == nil || task.Material.Assignments[0].Material.Name != "structural_steel" {
		t.Fatalf("Material not captured: %+v", task.Material)
	}
	if task.Physics == nil || len(task.Physics.Interfaces) != 2 {
		t.Fatalf("Physics not captured: %+v", task.Physics)
	}
	if task.Study == nil || task.Study.Kind != "stationary" {
		t.Fatalf("Study not captured: %+v", task.Study)
	}

	if len(shared.Records) != 4 {
		t.Fatalf("Expected 4 shared records, got %d", len(shared.Records))
	}
	for i, rec := range shared.Records {
		if !rec.Success {
			t.Errorf("Record %d failed: %s", i+1, rec.Error)
		}
		if rec.StepIndex != i+1 {
			t.Errorf("Record %d index = %d", i+1, rec.StepIndex)
		}
	}

	// Later planners see earlier outcomes.
	physicsPrompt := stub.prompts[2]
	if !strings.Contains(physicsPrompt, "What other agents did") {
		t.Error("Physics prompt missing the shared-context block")
	}
	if !strings.Contains(physicsPrompt, "3D") {
		t.Error("Physics prompt should mention the geometry summary")
	}

	if got := eventsOfType(captured, bus.EventGeometry3D); len(got) != 1 {
		t.Errorf("Expected 1 geometry_3d event, got %d", len(got))
	}
	starts := eventsOfType(captured, bus.EventMaterialStart)
	if len(starts) != 1 || starts[0].Data["input"] != "assign structural steel" {
		t.Errorf("Unexpected material_start events: %+v", starts)
	}
	ends := eventsOfType(captured, bus.EventMaterialEnd)
	if len(ends) != 1 || ends[0].Data["success"] != true {
		t.Errorf("Unexpected material_end events: %+v", ends)
	}
	couplings := eventsOfType(captured, bus.EventCouplingAdded)
	if len(couplings) != 1 || couplings[0].Data["kind"] != "thermal_expansion" {
		t.Errorf("Unexpected coupling_added events: %+v", couplings)
	}
	if couplings[0].Data["source"] != "ht" || couplings[0].Data["target"] != "sm" {
		t.Errorf("Coupling endpoints = %v -> %v", couplings[0].Data["source"], couplings[0].Data["target"])
	}
}

func TestRun_GeometryFailureFallsBackTo2D(t *testing.T) {
	stub := &scriptClient{replies: []string{
		`{"steps": [{"index": 1, "agent": "geometry", "input": "create a box"}]}`,
		"I am unable to produce a plan for that.",
	}}
	events := bus.New()
	var captured []bus.Event
	events.SubscribeAll(func(e bus.Event) { captured = append(captured, e) })

	o := newTestOrchestrator(t, stub, events)
	task, shared, _, err := o.Run(context.Background(), "Create a box", "", nil)
	if err != nil {
		t.Fatalf("Run() should not fail on planner errors: %v", err)
	}

	if task.Geometry == nil || task.Geometry.Dimension != 2 || task.Dimension != 2 {
		t.Errorf("Expected 2D fallback geometry, got %+v", task.Geometry)
	}
	if len(shared.Records) != 1 || shared.Records[0].Success {
		t.Fatalf("Expected one failure record, got %+v", shared.Records)
	}
	if shared.LastError == "" {
		t.Error("LastError should carry the planner failure")
	}
	if got := eventsOfType(captured, bus.EventGeometry3D); len(got) != 0 {
		t.Error("No geometry_3d event expected for the 2D fallback")
	}
}

func TestRun_MaterialFailureSubstitutesDefault(t *testing.T) {
	stub := &scriptClient{replies: []string{
		`{"steps": [
			{"index": 1, "agent": "geometry", "input": "create a plate"},
			{"index": 2, "agent": "material", "input": "use kryptonite"}
		]}`,
		`{"dimension": 2, "shapes": [{"kind": "rectangle", "name": "plate"}]}`,
		// The material model call finds the script exhausted and fails.
	}}
	events := bus.New()
	var captured []bus.Event
	events.SubscribeAll(func(e bus.Event) { captured = append(captured, e) })

	o := newTestOrchestrator(t, stub, events)
	task, shared, _, err := o.Run(context.Background(), "Create a plate with a custom material", "", nil)
	if err != nil {
		t.Fatalf("Run() should not fail on planner errors: %v", err)
	}

	if task.Material == nil || task.Material.Assignments[0].Material.Name != "structural_steel" {
		t.Errorf("Expected default steel substitute, got %+v", task.Material)
	}
	if len(shared.Records) != 2 || shared.Records[1].Success {
		t.Fatalf("Expected a material failure record, got %+v", shared.Records)
	}
	ends := eventsOfType(captured, bus.EventMaterialEnd)
	if len(ends) != 1 || ends[0].Data["success"] != false {
		t.Errorf("Expected material_end with success=false, got %+v", ends)
	}
}

func TestRun_NilSharedContext(t *testing.T) {
	stub := &scriptClient{replies: []string{
		"not a plan",
		`{"dimension": 2, "shapes": [{"kind": "circle", "name": "c"}]}`,
	}}
	o := newTestOrchestrator(t, stub, nil)

	task, shared, serial, err := o.Run(context.Background(), "Create a circle", "", nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if shared == nil || shared.UserInput != "Create a circle" {
		t.Fatalf("Expected a fresh shared context, got %+v", shared)
	}
	if len(serial.Steps) != 1 {
		t.Errorf("Expected the fallback serial plan, got %s", serial.String())
	}
	if task.Geometry == nil || len(task.Geometry.Shapes) != 1 {
		t.Errorf("Geometry missing: %+v", task.Geometry)
	}
}
