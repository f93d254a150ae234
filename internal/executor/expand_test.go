package executor

import (
	"reflect"
	"testing"

	"simforge/internal/types"
)

func actionsOf(task *types.TaskPlan) []string {
	var out []string
	for _, s := range task.Steps {
		out = append(out, s.Action)
	}
	return out
}

func TestExpandSteps(t *testing.T) {
	geometry := &types.GeometryPlan{Dimension: 2, Shapes: []types.Shape{{Kind: "square", Name: "s"}}}
	material := &types.MaterialPlan{Assignments: []types.MaterialAssignment{{Material: types.Material{Name: "steel"}}}}
	physics := &types.PhysicsPlan{Interfaces: []types.PhysicsInterface{{Kind: "heat_transfer"}}}
	study := &types.StudyPlan{Kind: "stationary"}

	tests := []struct {
		name string
		task *types.TaskPlan
		want []string
	}{
		{
			name: "geometry only",
			task: &types.TaskPlan{Geometry: geometry},
			want: []string{types.ActionCreateGeometry},
		},
		{
			name: "geometry and material stay solver free",
			task: &types.TaskPlan{Geometry: geometry, Material: material},
			want: []string{types.ActionCreateGeometry, types.ActionAddMaterial},
		},
		{
			name: "physics pulls in the solver steps",
			task: &types.TaskPlan{Geometry: geometry, Physics: physics},
			want: []string{
				types.ActionCreateGeometry, types.ActionAddPhysics,
				types.ActionGenerateMesh, types.ActionConfigureStudy, types.ActionSolve,
			},
		},
		{
			name: "study alone also pulls in the solver steps",
			task: &types.TaskPlan{Geometry: geometry, Material: material, Study: study},
			want: []string{
				types.ActionCreateGeometry, types.ActionAddMaterial,
				types.ActionGenerateMesh, types.ActionConfigureStudy, types.ActionSolve,
			},
		},
		{
			name: "no plans no steps",
			task: &types.TaskPlan{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ExpandSteps(tt.task)
			if got := actionsOf(tt.task); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("steps = %v, want %v", got, tt.want)
			}
			for _, s := range tt.task.Steps {
				if s.Status != types.StepPending || s.ID == "" {
					t.Errorf("step %s not initialized: %+v", s.Action, s)
				}
			}
		})
	}
}

func TestExpandSteps_LeavesExistingStepsAlone(t *testing.T) {
	task := &types.TaskPlan{Geometry: &types.GeometryPlan{Dimension: 2}}
	task.AddStep(types.StepSolve, types.ActionSolve, nil)

	ExpandSteps(task)
	if len(task.Steps) != 1 || task.Steps[0].Action != types.ActionSolve {
		t.Errorf("existing steps were rewritten: %v", actionsOf(task))
	}
}

func TestOrderActions(t *testing.T) {
	got := orderActions([]string{"solve", "CREATE_GEOMETRY", "solve", " add_material ", "teleport"})
	want := []string{types.ActionCreateGeometry, types.ActionAddMaterial, types.ActionSolve}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("orderActions = %v, want %v", got, want)
	}
	if orderActions(nil) != nil {
		t.Error("empty input should yield nil")
	}
}

func TestNormalizeActions(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "solve pulls in a study",
			in:   []string{types.ActionSolve},
			want: []string{types.ActionCreateGeometry, types.ActionConfigureStudy, types.ActionSolve},
		},
		{
			name: "mesh without context pulls in a study",
			in:   []string{types.ActionCreateGeometry, types.ActionGenerateMesh},
			want: []string{types.ActionCreateGeometry, types.ActionGenerateMesh, types.ActionConfigureStudy},
		},
		{
			name: "mesh with physics stands alone",
			in:   []string{types.ActionAddPhysics, types.ActionGenerateMesh},
			want: []string{types.ActionCreateGeometry, types.ActionAddPhysics, types.ActionGenerateMesh},
		},
		{
			name: "empty stays empty",
			in:   nil,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeActions(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("normalizeActions(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestInferStopHint(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"just build the geometry", types.ActionCreateGeometry},
		{"Only the geometry please", types.ActionCreateGeometry},
		{"geometry only", types.ActionCreateGeometry},
		{"just assign the materials", types.ActionAddMaterial},
		{"only generate the mesh", types.ActionGenerateMesh},
		{"Mesh the part, but don't solve it", types.ActionGenerateMesh},
		{"set it up without solving", types.ActionGenerateMesh},
		{"Build and solve a heat transfer model", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := InferStopHint(tt.input); got != tt.want {
			t.Errorf("InferStopHint(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
