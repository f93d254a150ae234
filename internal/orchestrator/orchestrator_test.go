package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simforge/internal/backend"
	"simforge/internal/bus"
	"simforge/internal/config"
	"simforge/internal/executor"
	"simforge/internal/gateway"
	"simforge/internal/plancheck"
	"simforge/internal/planner"
	"simforge/internal/prompt"
	"simforge/internal/session"
	"simforge/internal/types"
)

// scriptClient replays canned model replies in order and records the
// prompts it was asked.
type scriptClient struct {
	mu      sync.Mutex
	replies []string
	prompts []string
	calls   int
}

func (c *scriptClient) CompleteAt(_ context.Context, _, user string, _ float64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, user)
	c.calls++
	if len(c.replies) == 0 {
		return "", errors.New("script exhausted")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

func (c *scriptClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteAt(ctx, "", prompt, 0)
}

func (c *scriptClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	return c.CompleteAt(ctx, system, prompt, 0)
}

func (c *scriptClient) Name() string { return "stub:model" }

func (c *scriptClient) prompt(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.prompts) {
		return ""
	}
	return c.prompts[i]
}

// fakeBackend succeeds every operation unless an override is installed
// for its action name.
type fakeBackend struct {
	mu       sync.Mutex
	override map[string]*backend.OpResult
	calls    []string
}

func (f *fakeBackend) result(action string) *backend.OpResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action)
	if res, ok := f.override[action]; ok {
		return res
	}
	return &backend.OpResult{Status: backend.StatusSuccess, Message: action + " ok"}
}

func (f *fakeBackend) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) CreateGeometry(_ context.Context, _ *types.GeometryPlan, outPath string) *backend.OpResult {
	res := f.result(types.ActionCreateGeometry)
	if res.Status == backend.StatusSuccess {
		_ = os.MkdirAll(filepath.Dir(outPath), 0o755)
		_ = os.WriteFile(outPath, []byte("model"), 0o644)
		if res.Path == "" {
			res.Path = outPath
		}
	}
	return res
}

func (f *fakeBackend) AddMaterial(_ context.Context, _ string, _ *types.MaterialPlan) *backend.OpResult {
	return f.result(types.ActionAddMaterial)
}

func (f *fakeBackend) AddPhysics(_ context.Context, _ string, _ *types.PhysicsPlan) *backend.OpResult {
	return f.result(types.ActionAddPhysics)
}

func (f *fakeBackend) GenerateMesh(_ context.Context, _ string, _ map[string]any) *backend.OpResult {
	return f.result(types.ActionGenerateMesh)
}

func (f *fakeBackend) ConfigureStudy(_ context.Context, _ string, _ *types.StudyPlan) *backend.OpResult {
	return f.result(types.ActionConfigureStudy)
}

func (f *fakeBackend) Solve(_ context.Context, _ string) *backend.OpResult {
	return f.result(types.ActionSolve)
}

func (f *fakeBackend) Preview(_ context.Context, _ string, _, _ int) ([]byte, error) {
	return []byte("png"), nil
}

func (f *fakeBackend) Doctor(_ context.Context) []backend.Check {
	return []backend.Check{{Name: "fake", OK: true}}
}

type harness struct {
	orch   *Orchestrator
	client *scriptClient
	fake   *fakeBackend
	cfg    *config.Config

	mu     sync.Mutex
	events []bus.Event
}

func (h *harness) eventTypes() []bus.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bus.EventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func (h *harness) firstOfType(t bus.EventType) (bus.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e.Type == t {
			return e, true
		}
	}
	return bus.Event{}, false
}

func indexOf(types []bus.EventType, t bus.EventType) int {
	for i, v := range types {
		if v == t {
			return i
		}
	}
	return -1
}

func newHarness(t *testing.T, replies []string, withPlanner bool) *harness {
	t.Helper()

	client := &scriptClient{replies: replies}
	gw := gateway.New(client)
	registry := prompt.NewRegistry("")
	events := bus.New()
	fake := &fakeBackend{override: make(map[string]*backend.OpResult)}

	checker, err := plancheck.New()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Context.Root = t.TempDir()
	cfg.Context.AsyncMemory = false
	cfg.Paths.OutputDir = t.TempDir()

	var plannerOrch *planner.Orchestrator
	if withPlanner {
		plannerOrch = planner.NewOrchestrator(gw, registry, nil, events, checker)
	}
	exec := executor.NewController(fake, gw, events, registry, checker, executor.DefaultConfig())

	h := &harness{
		client: client,
		fake:   fake,
		cfg:    cfg,
	}
	events.SubscribeAll(func(e bus.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	h.orch = New(Deps{
		Config:   cfg,
		Planner:  plannerOrch,
		Executor: exec,
		Gateway:  gw,
		Registry: registry,
		Events:   events,
		Memory:   session.NewMemoryUpdater(false),
	})
	return h
}

const geometryReply = `{"dimension": 2, "units": "mm", "shapes": [{"kind": "rectangle", "name": "plate", "params": {"width": 1.0, "height": 0.5}}]}`

func TestHandleTurn_QAPath(t *testing.T) {
	h := newHarness(t, []string{"qa", "The current model is a 2D steel plate."}, true)

	reply := h.orch.HandleTurn(context.Background(), "What did we build so far?", TurnOptions{})

	require.True(t, reply.OK)
	assert.Equal(t, "The current model is a 2D steel plate.", reply.Message)
	assert.Empty(t, reply.ModelPath)

	seen := h.eventTypes()
	require.Contains(t, seen, bus.EventTaskPhase)
	require.Contains(t, seen, bus.EventContent)
	phase, _ := h.firstOfType(bus.EventTaskPhase)
	assert.Equal(t, "qa", phase.Data["phase"])
	assert.Less(t, indexOf(seen, bus.EventTaskPhase), indexOf(seen, bus.EventContent))

	entries, err := h.orch.Store("").History(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Nil(t, entries[0].Plan)
}

func TestHandleTurn_TechnicalSuccess(t *testing.T) {
	decompose := `{"steps": [
		{"index": 1, "agent": "geometry", "input": "a thin steel plate"},
		{"index": 2, "agent": "material", "input": "structural steel"},
		{"index": 3, "agent": "physics", "input": "solid mechanics with a load"},
		{"index": 4, "agent": "study", "input": "stationary"}
	]}`
	h := newHarness(t, []string{
		"technical",
		decompose,
		geometryReply,
		`{"interfaces": [{"kind": "solid_mechanics", "name": "solid"}]}`,
		`{"kind": "stationary"}`,
		"Built a 2D steel plate, applied solid mechanics, and solved a stationary study.",
	}, true)

	out := t.TempDir()
	reply := h.orch.HandleTurn(context.Background(),
		"Model a thin steel plate with a load and solve a stationary study",
		TurnOptions{Output: out})

	require.True(t, reply.OK)
	assert.Equal(t, "Built a 2D steel plate, applied solid mechanics, and solved a stationary study.", reply.Message)
	require.NotNil(t, reply.Task)
	assert.Equal(t, types.TaskCompleted, reply.Task.Status)

	// The material planner resolves "structural steel" from its keyword
	// table, so only six model calls happen.
	assert.Equal(t, 6, h.client.calls)

	wantOps := []string{
		types.ActionCreateGeometry, types.ActionAddMaterial, types.ActionAddPhysics,
		types.ActionGenerateMesh, types.ActionConfigureStudy, types.ActionSolve,
	}
	assert.Equal(t, wantOps, h.fake.callLog())

	require.NotEmpty(t, reply.ModelPath)
	if _, err := os.Stat(reply.ModelPath); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	assert.True(t, strings.HasPrefix(reply.ModelPath, out))

	seen := h.eventTypes()
	require.Equal(t, bus.EventPlanStart, seen[0])
	assert.Contains(t, seen, bus.EventMaterialStart)
	assert.Contains(t, seen, bus.EventMaterialEnd)
	execIdx := indexOf(seen, bus.EventExecResult)
	contentIdx := indexOf(seen, bus.EventContent)
	require.GreaterOrEqual(t, execIdx, 0)
	assert.Less(t, execIdx, contentIdx)
	assert.Equal(t, bus.EventContent, seen[len(seen)-1])
	execEvt, _ := h.firstOfType(bus.EventExecResult)
	assert.Equal(t, "success", execEvt.Data["status"])
	assert.Equal(t, reply.ModelPath, execEvt.Data["model_path"])

	store := h.orch.Store("")
	entries, err := store.History(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, reply.ModelPath, entries[0].ArtifactPath)
	shapes, _ := entries[0].Plan["shapes"].([]any)
	require.Len(t, shapes, 1)
	assert.Equal(t, "rectangle", shapes[0])

	latest, err := store.LatestModel()
	require.NoError(t, err)
	assert.Equal(t, reply.ModelPath, latest)

	ops, err := os.ReadFile(filepath.Join(store.Dir(), "operations.md"))
	require.NoError(t, err)
	assert.Contains(t, string(ops), "solve: completed")

	sum, err := store.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalCount)
	assert.Equal(t, "mm", sum.Preferences["units"])
}

func TestHandleTurn_FatalBackendFailure(t *testing.T) {
	decompose := `{"steps": [
		{"index": 1, "agent": "geometry", "input": "a heated plate"},
		{"index": 2, "agent": "physics", "input": "heat transfer"}
	]}`
	h := newHarness(t, []string{
		"technical",
		decompose,
		geometryReply,
		`{"interfaces": [{"kind": "heat_transfer", "name": "ht"}]}`,
	}, true)
	h.fake.override[types.ActionAddPhysics] = &backend.OpResult{
		Status:  backend.StatusError,
		Message: "AttributeError: 'Model' object has no attribute 'physics'",
	}

	reply := h.orch.HandleTurn(context.Background(), "Model a heated plate", TurnOptions{})

	require.False(t, reply.OK)
	require.NotNil(t, reply.Task)
	assert.Equal(t, types.TaskFailed, reply.Task.Status)
	// The summary script is exhausted, so the deterministic fallback
	// carries the failure.
	assert.Contains(t, reply.Message, "Task failed:")
	assert.Contains(t, reply.Message, "fatal backend error")

	seen := h.eventTypes()
	assert.NotContains(t, seen, bus.EventExecResult)
	errIdx := indexOf(seen, bus.EventError)
	contentIdx := indexOf(seen, bus.EventContent)
	require.GreaterOrEqual(t, errIdx, 0)
	assert.Less(t, errIdx, contentIdx)
	errEvt, _ := h.firstOfType(bus.EventError)
	assert.Contains(t, errEvt.Data["message"], "fatal backend error")

	entries, err := h.orch.Store("").History(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Error, "fatal backend error")
}

func TestHandleTurn_DirectBypassesDecomposition(t *testing.T) {
	// No planner orchestrator is wired at all; the direct path must not
	// need one.
	h := newHarness(t, []string{
		"technical",
		`["create_geometry"]`,
		geometryReply,
		"Geometry built.",
	}, false)

	reply := h.orch.HandleTurn(context.Background(), "Model a plate",
		TurnOptions{Direct: true, Output: t.TempDir()})

	require.True(t, reply.OK)
	assert.Equal(t, "Geometry built.", reply.Message)
	assert.Equal(t, []string{types.ActionCreateGeometry}, h.fake.callLog())
	require.NotNil(t, reply.Task)
	require.Len(t, reply.Task.Steps, 1)
}

func TestHandleTurn_EmptyInputIsConversational(t *testing.T) {
	// Routing short-circuits empty input, so the only model call is the
	// QA answer itself.
	h := newHarness(t, []string{"Hello! Ask me to model something."}, true)

	reply := h.orch.HandleTurn(context.Background(), "   ", TurnOptions{})

	require.True(t, reply.OK)
	assert.Equal(t, 1, h.client.calls)
	phase, ok := h.firstOfType(bus.EventTaskPhase)
	require.True(t, ok)
	assert.Equal(t, "qa", phase.Data["phase"])
}

func TestHandleTurn_NoContextOmitsSessionMemory(t *testing.T) {
	h := newHarness(t, []string{"qa", "answer one", "qa", "answer two"}, true)
	require.NoError(t, h.orch.Store("").SetSummary("User prefers millimeter units."))

	h.orch.HandleTurn(context.Background(), "any preferences?", TurnOptions{NoContext: true})
	assert.NotContains(t, h.client.prompt(1), "millimeter")
	assert.Contains(t, h.client.prompt(1), "(no prior context)")

	h.orch.HandleTurn(context.Background(), "any preferences?", TurnOptions{})
	assert.Contains(t, h.client.prompt(3), "millimeter")
}

func TestHandleTurn_OutputFilePinsArtifactPath(t *testing.T) {
	target := filepath.Join(t.TempDir(), "bracket.mph")
	h := newHarness(t, []string{
		"technical",
		`["create_geometry"]`,
		geometryReply,
		"Saved.",
	}, false)

	reply := h.orch.HandleTurn(context.Background(), "Model a bracket",
		TurnOptions{Direct: true, Output: target})

	require.True(t, reply.OK)
	assert.Equal(t, target, reply.ModelPath)
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("artifact not written to pinned path: %v", err)
	}
}
