package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"simforge/internal/types"
)

func testGeometry() *types.GeometryPlan {
	return &types.GeometryPlan{
		Dimension: 2,
		Units:     "m",
		Shapes: []types.Shape{
			{Kind: "rectangle", Name: "plate", Params: map[string]float64{"width": 1, "height": 0.5}},
			{Kind: "circle", Name: "hole", Params: map[string]float64{"radius": 0.1}, Position: []float64{0.5, 0.25}},
		},
		Operations: []types.BoolOp{
			{Kind: "difference", Name: "plate_with_hole", Inputs: []string{"plate"}, Tools: []string{"hole"}},
		},
	}
}

func testMaterial() *types.MaterialPlan {
	return &types.MaterialPlan{
		Assignments: []types.MaterialAssignment{
			{
				Material:  types.Material{Name: "structural_steel", Properties: map[string]float64{"density": 7850}},
				Selection: "all",
			},
		},
	}
}

func testPhysics() *types.PhysicsPlan {
	return &types.PhysicsPlan{
		Interfaces: []types.PhysicsInterface{
			{Kind: "heat_transfer", Name: "ht"},
		},
	}
}

func testStudy() *types.StudyPlan {
	return &types.StudyPlan{Kind: "stationary"}
}

// createModel builds a fresh two-shape model in a temp dir and returns
// its path.
func createModel(t *testing.T) (*Local, string) {
	t.Helper()
	l := NewLocal()
	path := filepath.Join(t.TempDir(), "model.mph")
	res := l.CreateGeometry(context.Background(), testGeometry(), path)
	if res.Status != StatusSuccess {
		t.Fatalf("CreateGeometry failed: %s", res.Message)
	}
	return l, res.Path
}

func TestCreateGeometry_WritesArtifact(t *testing.T) {
	l, path := createModel(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("artifact not on disk: %v", err)
	}
	info, err := l.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Dimension != 2 || info.Shapes != 2 {
		t.Errorf("info = %dD/%d shapes, want 2D/2 shapes", info.Dimension, info.Shapes)
	}
	if info.HasMaterial || info.HasPhysics || info.HasSolution {
		t.Errorf("fresh model reports content it does not have: %+v", info)
	}
}

func TestCreateGeometry_RejectsEmptyPlan(t *testing.T) {
	l := NewLocal()
	path := filepath.Join(t.TempDir(), "model.mph")

	if res := l.CreateGeometry(context.Background(), nil, path); res.Status != StatusError {
		t.Errorf("nil plan: status = %s, want error", res.Status)
	}
	empty := &types.GeometryPlan{Dimension: 2}
	if res := l.CreateGeometry(context.Background(), empty, path); res.Status != StatusError {
		t.Errorf("empty plan: status = %s, want error", res.Status)
	}
}

func TestCreateGeometry_Cancelled(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := l.CreateGeometry(ctx, testGeometry(), filepath.Join(t.TempDir(), "model.mph"))
	if res.Status != StatusError || !strings.Contains(res.Message, "cancelled") {
		t.Errorf("got %s %q, want cancelled error", res.Status, res.Message)
	}
}

func TestAddMaterial_UpdatesState(t *testing.T) {
	l, path := createModel(t)

	res := l.AddMaterial(context.Background(), path, testMaterial())
	if res.Status != StatusSuccess {
		t.Fatalf("AddMaterial: %s", res.Message)
	}
	if !strings.Contains(res.Message, "structural_steel") {
		t.Errorf("message %q does not name the material", res.Message)
	}
	info, err := l.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.HasMaterial {
		t.Error("HasMaterial = false after AddMaterial")
	}
}

func TestAddMaterial_NoModel(t *testing.T) {
	l := NewLocal()
	res := l.AddMaterial(context.Background(), filepath.Join(t.TempDir(), "missing.mph"), testMaterial())
	if res.Status != StatusError || !strings.Contains(res.Message, "no model at") {
		t.Errorf("got %s %q, want no-model error", res.Status, res.Message)
	}
}

func TestRemoveMaterial_ClearsAssignments(t *testing.T) {
	l, path := createModel(t)
	if res := l.AddMaterial(context.Background(), path, testMaterial()); res.Status != StatusSuccess {
		t.Fatalf("AddMaterial: %s", res.Message)
	}

	if res := l.RemoveMaterial(context.Background(), path); res.Status != StatusSuccess {
		t.Fatalf("RemoveMaterial: %s", res.Message)
	}
	info, err := l.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.HasMaterial {
		t.Error("HasMaterial = true after RemoveMaterial")
	}
}

func TestRemovePhysics_ClearsInterfaces(t *testing.T) {
	l, path := createModel(t)
	if res := l.AddPhysics(context.Background(), path, testPhysics()); res.Status != StatusSuccess {
		t.Fatalf("AddPhysics: %s", res.Message)
	}

	if res := l.RemovePhysics(context.Background(), path); res.Status != StatusSuccess {
		t.Fatalf("RemovePhysics: %s", res.Message)
	}
	info, err := l.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.HasPhysics {
		t.Error("HasPhysics = true after RemovePhysics")
	}
}

func TestGenerateMesh_SizeChangesElementCount(t *testing.T) {
	l, path := createModel(t)

	fine := l.GenerateMesh(context.Background(), path, map[string]any{"size": "fine"})
	if fine.Status != StatusSuccess {
		t.Fatalf("fine mesh: %s", fine.Message)
	}
	coarse := l.GenerateMesh(context.Background(), path, map[string]any{"size": "coarse"})
	if coarse.Status != StatusSuccess {
		t.Fatalf("coarse mesh: %s", coarse.Message)
	}

	fineN, _ := types.AsInt(fine.Data["elements"])
	coarseN, _ := types.AsInt(coarse.Data["elements"])
	if fineN <= coarseN {
		t.Errorf("fine mesh has %d elements, coarse has %d; fine should be denser", fineN, coarseN)
	}
}

func TestGenerateMesh_UnknownSize(t *testing.T) {
	l, path := createModel(t)
	res := l.GenerateMesh(context.Background(), path, map[string]any{"size": "chunky"})
	if res.Status != StatusError {
		t.Errorf("status = %s, want error for unknown size", res.Status)
	}
}

func TestGenerateMesh_RequiresGeometry(t *testing.T) {
	l := NewLocal()
	path := filepath.Join(t.TempDir(), "blank.mph")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := l.GenerateMesh(context.Background(), path, nil)
	if res.Status != StatusError || !strings.Contains(res.Message, "no geometry") {
		t.Errorf("got %s %q, want no-geometry error", res.Status, res.Message)
	}
}

func TestSolve_MissingMaterials(t *testing.T) {
	l, path := createModel(t)
	if res := l.ConfigureStudy(context.Background(), path, testStudy()); res.Status != StatusSuccess {
		t.Fatalf("ConfigureStudy: %s", res.Message)
	}

	res := l.Solve(context.Background(), path)
	if res.Status != StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if !strings.Contains(res.Message, "missing material properties") {
		t.Errorf("message %q should name the missing material properties", res.Message)
	}
}

func TestSolve_RequiresStudy(t *testing.T) {
	l, path := createModel(t)
	if res := l.AddMaterial(context.Background(), path, testMaterial()); res.Status != StatusSuccess {
		t.Fatalf("AddMaterial: %s", res.Message)
	}

	res := l.Solve(context.Background(), path)
	if res.Status != StatusError || !strings.Contains(res.Message, "no study") {
		t.Errorf("got %s %q, want no-study error", res.Status, res.Message)
	}
}

func TestSolve_FullPipeline(t *testing.T) {
	l, path := createModel(t)
	ctx := context.Background()

	for _, step := range []*OpResult{
		l.AddMaterial(ctx, path, testMaterial()),
		l.AddPhysics(ctx, path, testPhysics()),
		l.GenerateMesh(ctx, path, map[string]any{"size": "normal"}),
		l.ConfigureStudy(ctx, path, testStudy()),
	} {
		if step.Status != StatusSuccess {
			t.Fatalf("setup step failed: %s", step.Message)
		}
	}

	res := l.Solve(ctx, path)
	if res.Status != StatusSuccess {
		t.Fatalf("Solve: %s %q", res.Status, res.Message)
	}
	dof, _ := types.AsInt(res.Data["dof"])
	if dof <= 0 {
		t.Errorf("dof = %d, want positive", dof)
	}
	if _, ok := res.Data["auto_meshed"]; ok {
		t.Error("explicitly meshed model reported as auto-meshed")
	}

	info, err := l.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.HasSolution || info.Study != "stationary" {
		t.Errorf("info = %+v, want solved stationary model", info)
	}
}

func TestSolve_WithoutPhysicsWarnsAndAutoMeshes(t *testing.T) {
	l, path := createModel(t)
	ctx := context.Background()
	if res := l.AddMaterial(ctx, path, testMaterial()); res.Status != StatusSuccess {
		t.Fatalf("AddMaterial: %s", res.Message)
	}
	if res := l.ConfigureStudy(ctx, path, testStudy()); res.Status != StatusSuccess {
		t.Fatalf("ConfigureStudy: %s", res.Message)
	}

	res := l.Solve(ctx, path)
	if res.Status != StatusWarning {
		t.Fatalf("status = %s %q, want warning", res.Status, res.Message)
	}
	if auto, _ := types.AsBool(res.Data["auto_meshed"]); !auto {
		t.Error("solve without a mesh should auto-mesh")
	}
}

func TestWriteState_FallsBackWhenTargetBlocked(t *testing.T) {
	l := NewLocal()
	dir := t.TempDir()
	target := filepath.Join(dir, "model.mph")
	// A directory at the target path makes the rename fail the same way
	// a locked file does on other platforms.
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}

	res := l.CreateGeometry(context.Background(), testGeometry(), target)
	if res.Status != StatusSuccess {
		t.Fatalf("CreateGeometry: %s", res.Message)
	}
	want := filepath.Join(dir, "model_updated.mph")
	if res.Path != want {
		t.Errorf("Path = %q, want %q", res.Path, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("fallback artifact not on disk: %v", err)
	}
}

func TestAlternatePath(t *testing.T) {
	if got := alternatePath("/tmp/model.mph"); got != "/tmp/model_updated.mph" {
		t.Errorf("alternatePath = %q", got)
	}
	if got := alternatePath("model"); got != "model_updated" {
		t.Errorf("alternatePath without extension = %q", got)
	}
}

func TestDoctor_ReportsEnvironment(t *testing.T) {
	checks := NewLocal().Doctor(context.Background())
	if len(checks) < 3 {
		t.Fatalf("got %d checks, want at least 3", len(checks))
	}
	for _, c := range checks {
		if !c.OK {
			t.Errorf("check %s failed: %s", c.Name, c.Detail)
		}
	}
}
