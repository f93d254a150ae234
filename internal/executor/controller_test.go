package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"simforge/internal/backend"
	"simforge/internal/bus"
	"simforge/internal/gateway"
	"simforge/internal/plancheck"
	"simforge/internal/types"
)

// scriptClient pops one scripted reply per completion call and records
// what the controller sent.
type scriptClient struct {
	replies []string
	err     error
	calls   int
	prompts []string
}

func (s *scriptClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteAt(ctx, "", prompt, -1)
}

func (s *scriptClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	return s.CompleteAt(ctx, system, user, -1)
}

func (s *scriptClient) CompleteAt(ctx context.Context, system, user string, temperature float64) (string, error) {
	s.calls++
	s.prompts = append(s.prompts, user)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("script exhausted")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func (s *scriptClient) Name() string { return "stub:model" }

// fakeBackend scripts per-action outcomes and records the dispatch
// order. Unscripted actions succeed. CreateGeometry writes a real file
// unless noWrite is set, so observation disk checks behave.
type fakeBackend struct {
	results map[string][]*backend.OpResult
	calls   []string
	paths   []string
	noWrite bool
}

func (f *fakeBackend) queue(action string, res ...*backend.OpResult) {
	if f.results == nil {
		f.results = make(map[string][]*backend.OpResult)
	}
	f.results[action] = append(f.results[action], res...)
}

func (f *fakeBackend) pop(action, path string) *backend.OpResult {
	f.calls = append(f.calls, action)
	f.paths = append(f.paths, path)
	if q := f.results[action]; len(q) > 0 {
		res := q[0]
		f.results[action] = q[1:]
		return res
	}
	return &backend.OpResult{Status: backend.StatusSuccess, Message: action + " ok"}
}

func errResult(msg string) *backend.OpResult {
	return &backend.OpResult{Status: backend.StatusError, Message: msg}
}

func warnResult(msg string) *backend.OpResult {
	return &backend.OpResult{Status: backend.StatusWarning, Message: msg}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) CreateGeometry(ctx context.Context, plan *types.GeometryPlan, outPath string) *backend.OpResult {
	res := f.pop(types.ActionCreateGeometry, outPath)
	if res.Status == backend.StatusError {
		return res
	}
	if res.Path == "" {
		res.Path = outPath
	}
	if !f.noWrite {
		os.WriteFile(res.Path, []byte("model"), 0o644)
	}
	return res
}

func (f *fakeBackend) AddMaterial(ctx context.Context, path string, plan *types.MaterialPlan) *backend.OpResult {
	return f.pop(types.ActionAddMaterial, path)
}

func (f *fakeBackend) AddPhysics(ctx context.Context, path string, plan *types.PhysicsPlan) *backend.OpResult {
	return f.pop(types.ActionAddPhysics, path)
}

func (f *fakeBackend) GenerateMesh(ctx context.Context, path string, opts map[string]any) *backend.OpResult {
	return f.pop(types.ActionGenerateMesh, path)
}

func (f *fakeBackend) ConfigureStudy(ctx context.Context, path string, plan *types.StudyPlan) *backend.OpResult {
	return f.pop(types.ActionConfigureStudy, path)
}

func (f *fakeBackend) Solve(ctx context.Context, path string) *backend.OpResult {
	return f.pop(types.ActionSolve, path)
}

func (f *fakeBackend) Preview(ctx context.Context, path string, width, height int) ([]byte, error) {
	return []byte("png"), nil
}

func (f *fakeBackend) Doctor(ctx context.Context) []backend.Check {
	return []backend.Check{{Name: "fake", OK: true}}
}

func newChecker(t *testing.T) *plancheck.Checker {
	t.Helper()
	checker, err := plancheck.New()
	if err != nil {
		t.Fatalf("plancheck.New: %v", err)
	}
	return checker
}

func newTask(t *testing.T, input string) *types.TaskPlan {
	t.Helper()
	task := types.NewTaskPlan("stub:model", input)
	task.OutputDir = t.TempDir()
	return task
}

func geometryPlan() *types.GeometryPlan {
	return &types.GeometryPlan{
		Dimension: 2,
		Units:     "m",
		Shapes:    []types.Shape{{Kind: "rectangle", Name: "plate", Params: map[string]float64{"width": 1, "height": 0.5}}},
	}
}

func physicsPlan() *types.PhysicsPlan {
	return &types.PhysicsPlan{Interfaces: []types.PhysicsInterface{{Kind: "heat_transfer", Name: "ht"}}}
}

func TestRun_GeometryOnly(t *testing.T) {
	fake := &fakeBackend{}
	events := bus.New()
	var captured []bus.Event
	events.SubscribeAll(func(e bus.Event) { captured = append(captured, e) })

	task := newTask(t, "Build a 1 m x 0.5 m rectangle, that's it")
	task.Geometry = geometryPlan()

	c := NewController(fake, nil, events, nil, newChecker(t), DefaultConfig())
	if err := c.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if task.Status != types.TaskCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	if !reflect.DeepEqual(fake.calls, []string{types.ActionCreateGeometry}) {
		t.Errorf("backend calls = %v", fake.calls)
	}
	if task.ArtifactPath == "" {
		t.Fatal("artifact path not set")
	}
	if _, err := os.Stat(task.ArtifactPath); err != nil {
		t.Errorf("artifact missing: %v", err)
	}

	wantTypes := []bus.EventType{
		bus.EventThinkChunk, bus.EventStepStart, bus.EventActionStart,
		bus.EventActionEnd, bus.EventStepEnd, bus.EventObservation,
	}
	if len(captured) != len(wantTypes) {
		t.Fatalf("got %d events %v", len(captured), captured)
	}
	for i, e := range captured {
		if e.Type != wantTypes[i] {
			t.Errorf("event %d = %s, want %s", i, e.Type, wantTypes[i])
		}
		if e.Iteration == nil || *e.Iteration != 1 {
			t.Errorf("event %s missing iteration tag", e.Type)
		}
	}
}

func TestRun_GeometryMaterialStaysSolverFree(t *testing.T) {
	fake := &fakeBackend{}
	task := newTask(t, "Rectangle 1x0.5 m, assign steel to all domains")
	task.Geometry = geometryPlan()
	task.Material = steelPlan()

	c := NewController(fake, nil, nil, nil, newChecker(t), DefaultConfig())
	if err := c.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{types.ActionCreateGeometry, types.ActionAddMaterial}
	if !reflect.DeepEqual(fake.calls, want) {
		t.Errorf("backend calls = %v, want %v", fake.calls, want)
	}
	if task.Status != types.TaskCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
}

// steelPlan builds a one-assignment steel plan without reaching into
// the planner package's library.
func steelPlan() *types.MaterialPlan {
	return &types.MaterialPlan{
		Assignments: []types.MaterialAssignment{
			{Material: types.Material{Name: "structural_steel"}, Selection: "all"},
		},
	}
}

func TestRun_RollbackInsertsMaterialStep(t *testing.T) {
	fake := &fakeBackend{}
	fake.queue(types.ActionSolve, errResult("missing material properties: no materials assigned"))

	client := &scriptClient{replies: []string{
		`{"target_action": "add_material", "material_input": "structural steel", "physics_input": ""}`,
	}}

	task := newTask(t, "Heat transfer on a 1 m x 0.5 m square, steady state")
	task.Geometry = geometryPlan()
	task.Physics = physicsPlan()
	task.Study = &types.StudyPlan{Kind: "stationary"}

	c := NewController(fake, gateway.New(client), nil, nil, newChecker(t), DefaultConfig())
	if err := c.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if task.Status != types.TaskCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	wantCalls := []string{
		types.ActionCreateGeometry, types.ActionAddPhysics, types.ActionGenerateMesh,
		types.ActionConfigureStudy, types.ActionSolve,
		types.ActionAddMaterial, types.ActionAddPhysics, types.ActionGenerateMesh,
		types.ActionConfigureStudy, types.ActionSolve,
	}
	if !reflect.DeepEqual(fake.calls, wantCalls) {
		t.Errorf("backend calls = %v, want %v", fake.calls, wantCalls)
	}
	if len(task.Steps) != 6 || task.Steps[1].Action != types.ActionAddMaterial {
		t.Fatalf("material step not inserted: %v", actionsOf(task))
	}
	if got := types.ParamString(task.Steps[1].Params, "material_input", ""); got != "structural steel" {
		t.Errorf("material_input = %q", got)
	}
	if task.Material == nil || task.Material.Assignments[0].Material.Name != "structural_steel" {
		t.Errorf("injected material not applied: %+v", task.Material)
	}
	if client.calls != 1 {
		t.Errorf("gateway calls = %d, want 1 rollback analysis", client.calls)
	}

	found := false
	for _, rec := range task.Iterations {
		if strings.Contains(rec.Reason, "rollback to add_material") {
			found = true
		}
	}
	if !found {
		t.Errorf("no rollback iteration record: %+v", task.Iterations)
	}
}

func TestRun_RollbackResetsExistingMaterialStep(t *testing.T) {
	fake := &fakeBackend{}
	fake.queue(types.ActionSolve, errResult("missing material properties for selection 2"))

	client := &scriptClient{replies: []string{
		`{"target_action": "add_material", "material_input": "use aluminum"}`,
	}}

	task := newTask(t, "Heat a steel plate, steady state")
	task.Geometry = geometryPlan()
	task.Material = steelPlan()
	task.Physics = physicsPlan()
	task.Study = &types.StudyPlan{Kind: "stationary"}

	cfg := DefaultConfig()
	cfg.MaxIterations = 15
	c := NewController(fake, gateway.New(client), nil, nil, newChecker(t), cfg)
	if err := c.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(task.Steps) != 6 {
		t.Fatalf("rollback to an existing step must not insert: %v", actionsOf(task))
	}
	if task.Material.Assignments[0].Material.Name != "aluminum" {
		t.Errorf("replacement material = %s, want aluminum", task.Material.Assignments[0].Material.Name)
	}
	if task.Status != types.TaskCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
}

func TestRun_FatalErrorStopsTask(t *testing.T) {
	fake := &fakeBackend{}
	fake.queue(types.ActionAddPhysics, errResult("AttributeError: module 'engine' has no attribute 'HeatTransfer'"))

	task := newTask(t, "Heat transfer on a plate")
	task.Geometry = geometryPlan()
	task.Physics = physicsPlan()
	task.Study = &types.StudyPlan{Kind: "stationary"}

	c := NewController(fake, nil, nil, nil, newChecker(t), DefaultConfig())
	err := c.Run(context.Background(), task)
	if err == nil || !strings.Contains(err.Error(), "fatal backend error") {
		t.Fatalf("err = %v, want fatal backend error", err)
	}

	if task.Status != types.TaskFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "has no attribute") {
		t.Errorf("task error = %q", task.Error)
	}
	want := []string{types.ActionCreateGeometry, types.ActionAddPhysics}
	if !reflect.DeepEqual(fake.calls, want) {
		t.Errorf("steps dispatched after the fatal error: %v", fake.calls)
	}
	if len(task.Iterations) != 1 || !strings.Contains(task.Iterations[0].Reason, "fatal error") {
		t.Errorf("iteration records = %+v", task.Iterations)
	}
}

func TestRun_RetriesThenSkipsFlakyStep(t *testing.T) {
	fake := &fakeBackend{}
	fake.queue(types.ActionAddMaterial,
		errResult("selection out of range"),
		errResult("selection out of range"),
		errResult("selection out of range"),
		errResult("selection out of range"),
	)

	task := newTask(t, "Rectangle with steel")
	task.Geometry = geometryPlan()
	task.Material = steelPlan()

	c := NewController(fake, nil, nil, nil, newChecker(t), DefaultConfig())
	if err := c.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	materialCalls := 0
	for _, a := range fake.calls {
		if a == types.ActionAddMaterial {
			materialCalls++
		}
	}
	if materialCalls != 4 {
		t.Errorf("add_material attempts = %d, want 4", materialCalls)
	}
	step := task.StepByAction(types.ActionAddMaterial)
	if step.Status != types.StepCompleted {
		t.Errorf("flaky step should end completed (skipped), got %s", step.Status)
	}
	if got := types.ParamInt(step.Params, "retry_count", 0); got != 4 {
		t.Errorf("retry_count = %d, want 4", got)
	}

	gaveUp := false
	for _, rec := range task.Iterations {
		if strings.Contains(rec.Reason, "gave up on add_material") {
			gaveUp = true
		}
	}
	if !gaveUp {
		t.Errorf("no give-up record: %+v", task.Iterations)
	}
}

func TestRun_IterationLimit(t *testing.T) {
	fake := &fakeBackend{}
	fake.queue(types.ActionCreateGeometry, errResult("disk full"), errResult("disk full"))

	task := newTask(t, "Build a plate")
	task.Geometry = geometryPlan()

	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	c := NewController(fake, nil, nil, nil, newChecker(t), cfg)
	err := c.Run(context.Background(), task)

	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}
	var limit *IterationLimitError
	if !errors.As(err, &limit) {
		t.Fatal("err should carry the task for inspection")
	}
	if limit.Iterations != 3 || limit.Task != task {
		t.Errorf("limit = %+v", limit)
	}
	if task.Status != types.TaskExecuting {
		t.Errorf("status = %s, want executing after hitting the limit", task.Status)
	}
}

func TestRun_Cancelled(t *testing.T) {
	fake := &fakeBackend{}
	task := newTask(t, "Build a plate")
	task.Geometry = geometryPlan()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewController(fake, nil, nil, nil, newChecker(t), DefaultConfig())
	err := c.Run(ctx, task)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if task.Status != types.TaskFailed || task.Error != "cancelled" {
		t.Errorf("task = %s/%q, want failed/cancelled", task.Status, task.Error)
	}
	if len(fake.calls) != 0 {
		t.Errorf("steps dispatched after cancellation: %v", fake.calls)
	}
}

func TestRun_AdoptsRelocatedArtifact(t *testing.T) {
	dir := t.TempDir()
	alt := filepath.Join(dir, "model_updated.mph")
	fake := &fakeBackend{}
	fake.queue(types.ActionCreateGeometry, &backend.OpResult{
		Status: backend.StatusSuccess, Message: "saved to fallback", Path: alt,
	})

	task := newTask(t, "Rectangle with steel")
	task.Geometry = geometryPlan()
	task.Material = steelPlan()

	c := NewController(fake, nil, nil, nil, newChecker(t), DefaultConfig())
	if err := c.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if task.ArtifactPath != alt {
		t.Errorf("artifact path = %q, want %q", task.ArtifactPath, alt)
	}
	// The follow-up step must be dispatched against the relocated file.
	if fake.paths[1] != alt {
		t.Errorf("add_material path = %q, want %q", fake.paths[1], alt)
	}
}

func TestRun_GeometryObservationChecksDisk(t *testing.T) {
	fake := &fakeBackend{noWrite: true}
	task := newTask(t, "Build a plate")
	task.Geometry = geometryPlan()

	c := NewController(fake, nil, nil, nil, newChecker(t), DefaultConfig())
	if err := c.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, o := range task.Observations {
		if o.Status == types.ObservationError && strings.Contains(o.Message, "model file missing") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no disk-check observation: %+v", task.Observations)
	}
	creates := 0
	for _, a := range fake.calls {
		if a == types.ActionCreateGeometry {
			creates++
		}
	}
	if creates != 4 {
		t.Errorf("create_geometry attempts = %d, want 4 before giving up", creates)
	}
}

func TestRun_WarningsTriggerRefinement(t *testing.T) {
	fake := &fakeBackend{}
	fake.queue(types.ActionAddMaterial, warnResult("material override ignored"))
	fake.queue(types.ActionAddPhysics, warnResult("boundary selection ambiguous"))
	fake.queue(types.ActionGenerateMesh, warnResult("mesh quality low"))
	fake.queue(types.ActionConfigureStudy, warnResult("defaulted solver tolerance"))
	fake.queue(types.ActionSolve, warnResult("convergence was slow"))

	client := &scriptClient{replies: []string{
		`{"drop": [], "modify": [], "add": [{"type": "mesh", "action": "generate_mesh", "params": {"size": "fine"}}]}`,
	}}

	task := newTask(t, "Heat a steel plate, steady state")
	task.Geometry = geometryPlan()
	task.Material = steelPlan()
	task.Physics = physicsPlan()
	task.Study = &types.StudyPlan{Kind: "stationary"}

	c := NewController(fake, gateway.New(client), nil, nil, newChecker(t), DefaultConfig())
	if err := c.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if client.calls != 1 {
		t.Errorf("gateway calls = %d, want exactly one refinement", client.calls)
	}
	if len(task.Steps) != 7 {
		t.Fatalf("refined plan has %d steps, want 7: %v", len(task.Steps), actionsOf(task))
	}
	last := task.Steps[len(task.Steps)-1]
	if last.Action != types.ActionGenerateMesh || types.ParamString(last.Params, "size", "") != "fine" {
		t.Errorf("added step = %+v", last)
	}

	refined := false
	for _, rec := range task.Iterations {
		if strings.Contains(rec.Reason, "plan refined after repeated warnings") {
			refined = true
		}
	}
	if !refined {
		t.Errorf("no refinement record: %+v", task.Iterations)
	}
	if task.Status != types.TaskCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
}

func TestRun_RejectsInvalidExpansion(t *testing.T) {
	fake := &fakeBackend{}
	task := newTask(t, "solve something")
	task.AddStep(types.StepSolve, types.ActionSolve, nil)

	c := NewController(fake, nil, nil, nil, newChecker(t), DefaultConfig())
	err := c.Run(context.Background(), task)
	if err == nil || !strings.Contains(err.Error(), "invalid execution plan") {
		t.Fatalf("err = %v, want invalid execution plan", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("backend touched for an invalid plan: %v", fake.calls)
	}
	if task.Status != types.TaskPlanning {
		t.Errorf("status = %s, want planning", task.Status)
	}
}

func TestRun_NothingToExecute(t *testing.T) {
	c := NewController(&fakeBackend{}, nil, nil, nil, newChecker(t), DefaultConfig())

	if err := c.Run(context.Background(), nil); err == nil {
		t.Error("nil task should error")
	}
	task := newTask(t, "hello")
	if err := c.Run(context.Background(), task); err == nil || !strings.Contains(err.Error(), "nothing to execute") {
		t.Errorf("empty task err = %v", err)
	}
}
