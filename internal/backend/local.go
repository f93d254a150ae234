package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"simforge/internal/logging"
	"simforge/internal/types"
)

// modelState is the JSON document a .mph artifact holds. The local
// backend stands in for a real modeling engine, so the state records
// what each operation would have configured rather than real FEM data.
type modelState struct {
	Created   time.Time                  `json:"created"`
	Modified  time.Time                  `json:"modified"`
	Geometry  *types.GeometryPlan        `json:"geometry,omitempty"`
	Materials []types.MaterialAssignment `json:"materials,omitempty"`
	Physics   *types.PhysicsPlan         `json:"physics,omitempty"`
	Mesh      *meshState                 `json:"mesh,omitempty"`
	Study     *types.StudyPlan           `json:"study,omitempty"`
	Solution  *solutionState             `json:"solution,omitempty"`
}

type meshState struct {
	Size     string `json:"size"`
	Elements int    `json:"elements"`
	Auto     bool   `json:"auto,omitempty"`
}

type solutionState struct {
	Study    string    `json:"study"`
	DOF      int       `json:"dof"`
	SolvedAt time.Time `json:"solved_at"`
}

// ModelInfo summarizes an artifact for listings and diagnostics.
type ModelInfo struct {
	Path        string    `json:"path"`
	Modified    time.Time `json:"modified"`
	Dimension   int       `json:"dimension"`
	Shapes      int       `json:"shapes"`
	HasMaterial bool      `json:"has_material"`
	HasPhysics  bool      `json:"has_physics"`
	HasSolution bool      `json:"has_solution"`
	Study       string    `json:"study,omitempty"`
}

// Local is a backend that keeps model state in a JSON artifact on disk.
// It validates the same prerequisites a real engine would, so execution
// flows exercise their error handling without an engine installed.
type Local struct{}

// NewLocal creates a local backend.
func NewLocal() *Local {
	return &Local{}
}

// Name identifies the backend in logs and diagnostics.
func (l *Local) Name() string { return "local" }

func (l *Local) CreateGeometry(ctx context.Context, plan *types.GeometryPlan, outPath string) *OpResult {
	if err := ctx.Err(); err != nil {
		return errorf("create_geometry cancelled: %v", err)
	}
	if plan == nil || len(plan.Shapes) == 0 {
		return errorf("no geometry plan to build")
	}
	if outPath == "" {
		return errorf("no output path for the model")
	}

	state := &modelState{
		Created:  time.Now().UTC(),
		Geometry: plan,
	}
	saved, err := writeState(outPath, state)
	if err != nil {
		return errorf("save model: %v", err)
	}

	logging.BackendDebug("created %s at %s", plan.Summary(), saved)
	return &OpResult{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("created %dD model with %d shape(s)", plan.Dimension, len(plan.Shapes)),
		Path:    saved,
		Data: map[string]any{
			"dimension": plan.Dimension,
			"shapes":    len(plan.Shapes),
		},
	}
}

func (l *Local) AddMaterial(ctx context.Context, path string, plan *types.MaterialPlan) *OpResult {
	if err := ctx.Err(); err != nil {
		return errorf("add_material cancelled: %v", err)
	}
	if plan == nil || len(plan.Assignments) == 0 {
		return errorf("no material assignments to apply")
	}

	state, err := loadState(path)
	if err != nil {
		return errorf("%v", err)
	}
	state.Materials = plan.Assignments
	saved, err := writeState(path, state)
	if err != nil {
		return errorf("save model: %v", err)
	}

	names := make([]string, 0, len(plan.Assignments))
	for _, a := range plan.Assignments {
		names = append(names, a.Material.Name)
	}
	logging.BackendDebug("assigned materials %v to %s", names, saved)
	return &OpResult{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("assigned %s", strings.Join(names, ", ")),
		Path:    saved,
		Data:    map[string]any{"materials": len(plan.Assignments)},
	}
}

func (l *Local) AddPhysics(ctx context.Context, path string, plan *types.PhysicsPlan) *OpResult {
	if err := ctx.Err(); err != nil {
		return errorf("add_physics cancelled: %v", err)
	}
	if plan == nil || len(plan.Interfaces) == 0 {
		return errorf("no physics interfaces to add")
	}

	state, err := loadState(path)
	if err != nil {
		return errorf("%v", err)
	}
	state.Physics = plan
	saved, err := writeState(path, state)
	if err != nil {
		return errorf("save model: %v", err)
	}

	logging.BackendDebug("added %s to %s", plan.Summary(), saved)
	return &OpResult{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("added %d physics interface(s)", len(plan.Interfaces)),
		Path:    saved,
		Data: map[string]any{
			"interfaces": len(plan.Interfaces),
			"couplings":  len(plan.Couplings),
		},
	}
}

func (l *Local) GenerateMesh(ctx context.Context, path string, opts map[string]any) *OpResult {
	if err := ctx.Err(); err != nil {
		return errorf("generate_mesh cancelled: %v", err)
	}

	state, err := loadState(path)
	if err != nil {
		return errorf("%v", err)
	}
	if state.Geometry == nil {
		return errorf("no geometry to mesh")
	}

	size := types.ParamString(opts, "size", "normal")
	mesh, err := buildMesh(state.Geometry, size, false)
	if err != nil {
		return errorf("%v", err)
	}
	state.Mesh = mesh
	saved, err := writeState(path, state)
	if err != nil {
		return errorf("save model: %v", err)
	}

	logging.BackendDebug("meshed %s: %d elements at size %s", saved, mesh.Elements, size)
	return &OpResult{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("meshed with %d elements (%s)", mesh.Elements, size),
		Path:    saved,
		Data:    map[string]any{"elements": mesh.Elements, "size": size},
	}
}

func (l *Local) ConfigureStudy(ctx context.Context, path string, plan *types.StudyPlan) *OpResult {
	if err := ctx.Err(); err != nil {
		return errorf("configure_study cancelled: %v", err)
	}
	if plan == nil || plan.Kind == "" {
		return errorf("no study plan to configure")
	}

	state, err := loadState(path)
	if err != nil {
		return errorf("%v", err)
	}
	state.Study = plan
	saved, err := writeState(path, state)
	if err != nil {
		return errorf("save model: %v", err)
	}

	logging.BackendDebug("configured %s on %s", plan.Summary(), saved)
	return &OpResult{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("configured %s", plan.Summary()),
		Path:    saved,
		Data:    map[string]any{"study": plan.Kind},
	}
}

func (l *Local) Solve(ctx context.Context, path string) *OpResult {
	if err := ctx.Err(); err != nil {
		return errorf("solve cancelled: %v", err)
	}

	state, err := loadState(path)
	if err != nil {
		return errorf("%v", err)
	}
	if state.Geometry == nil {
		return errorf("no geometry to solve")
	}
	if state.Study == nil {
		return errorf("no study configured")
	}
	if len(state.Materials) == 0 {
		// A real solver rejects underdefined models with exactly this
		// complaint; rollback handling keys off the wording.
		return errorf("missing material properties: no materials assigned")
	}

	autoMeshed := false
	if state.Mesh == nil {
		mesh, err := buildMesh(state.Geometry, "normal", true)
		if err != nil {
			return errorf("%v", err)
		}
		state.Mesh = mesh
		autoMeshed = true
	}

	fields := 1
	if state.Physics != nil && len(state.Physics.Interfaces) > 0 {
		fields = len(state.Physics.Interfaces)
	}
	state.Solution = &solutionState{
		Study:    state.Study.Kind,
		DOF:      state.Mesh.Elements * fields,
		SolvedAt: time.Now().UTC(),
	}
	saved, err := writeState(path, state)
	if err != nil {
		return errorf("save model: %v", err)
	}

	data := map[string]any{
		"study": state.Study.Kind,
		"dof":   state.Solution.DOF,
	}
	if autoMeshed {
		data["auto_meshed"] = true
	}
	logging.BackendDebug("solved %s study on %s (%d dof)", state.Study.Kind, saved, state.Solution.DOF)

	if state.Physics == nil || len(state.Physics.Interfaces) == 0 {
		return &OpResult{
			Status:  StatusWarning,
			Message: fmt.Sprintf("solved %s study without physics interfaces", state.Study.Kind),
			Path:    saved,
			Data:    data,
		}
	}
	return &OpResult{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("solved %s study (%d degrees of freedom)", state.Study.Kind, state.Solution.DOF),
		Path:    saved,
		Data:    data,
	}
}

// RemoveMaterial clears all material assignments from the artifact.
func (l *Local) RemoveMaterial(ctx context.Context, path string) *OpResult {
	if err := ctx.Err(); err != nil {
		return errorf("remove_material cancelled: %v", err)
	}
	state, err := loadState(path)
	if err != nil {
		return errorf("%v", err)
	}
	removed := len(state.Materials)
	state.Materials = nil
	saved, err := writeState(path, state)
	if err != nil {
		return errorf("save model: %v", err)
	}
	return &OpResult{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("removed %d material assignment(s)", removed),
		Path:    saved,
	}
}

// RemovePhysics clears all physics interfaces from the artifact.
func (l *Local) RemovePhysics(ctx context.Context, path string) *OpResult {
	if err := ctx.Err(); err != nil {
		return errorf("remove_physics cancelled: %v", err)
	}
	state, err := loadState(path)
	if err != nil {
		return errorf("%v", err)
	}
	state.Physics = nil
	saved, err := writeState(path, state)
	if err != nil {
		return errorf("save model: %v", err)
	}
	return &OpResult{
		Status:  StatusSuccess,
		Message: "removed physics interfaces",
		Path:    saved,
	}
}

// Inspect reads an artifact and summarizes its contents.
func (l *Local) Inspect(path string) (*ModelInfo, error) {
	state, err := loadState(path)
	if err != nil {
		return nil, err
	}
	info := &ModelInfo{
		Path:        path,
		Modified:    state.Modified,
		HasMaterial: len(state.Materials) > 0,
		HasPhysics:  state.Physics != nil && len(state.Physics.Interfaces) > 0,
		HasSolution: state.Solution != nil,
	}
	if state.Geometry != nil {
		info.Dimension = state.Geometry.Dimension
		info.Shapes = len(state.Geometry.Shapes)
	}
	if state.Study != nil {
		info.Study = state.Study.Kind
	}
	return info, nil
}

func (l *Local) Doctor(ctx context.Context) []Check {
	checks := []Check{
		{Name: "backend", OK: true, Detail: "local json model state"},
	}

	wd, err := os.Getwd()
	if err == nil {
		checks = append(checks, writableCheck("working directory", wd))
	} else {
		checks = append(checks, Check{Name: "working directory", OK: false, Detail: err.Error()})
	}
	checks = append(checks, writableCheck("temp directory", os.TempDir()))
	return checks
}

func writableCheck(name, dir string) Check {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return Check{Name: name, OK: false, Detail: err.Error()}
	}
	f.Close()
	os.Remove(f.Name())
	return Check{Name: name, OK: true, Detail: dir}
}

// meshSizeFactor maps a mesh size name to its element density factor.
var meshSizeFactor = map[string]int{
	"extremely_fine": 16,
	"extra_fine":     8,
	"finer":          6,
	"fine":           4,
	"normal":         2,
	"coarse":         1,
}

func buildMesh(geom *types.GeometryPlan, size string, auto bool) (*meshState, error) {
	factor, ok := meshSizeFactor[size]
	if !ok {
		return nil, fmt.Errorf("unknown mesh size %q", size)
	}
	cells := len(geom.Shapes) + len(geom.Operations)
	if cells == 0 {
		cells = 1
	}
	return &meshState{
		Size:     size,
		Elements: 240 * geom.Dimension * factor * cells,
		Auto:     auto,
	}, nil
}

func loadState(path string) (*modelState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no model at %s", path)
	}
	var state modelState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt model at %s: %v", path, err)
	}
	return &state, nil
}

// writeState saves the state atomically via a temp file and rename. When
// the target cannot be replaced (locked or blocked by the OS), it falls
// back to a sibling path with an _updated suffix and returns that path.
func writeState(path string, state *modelState) (string, error) {
	state.Modified = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".mph-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	if err := os.Rename(tmpName, path); err == nil {
		return path, nil
	}

	alt := alternatePath(path)
	if err := os.Rename(tmpName, alt); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("cannot save to %s or %s: %v", path, alt, err)
	}
	logging.BackendWarn("target %s blocked, saved to %s", path, alt)
	return alt, nil
}

// alternatePath derives the fallback save path: model.mph -> model_updated.mph.
func alternatePath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_updated" + ext
}

func errorf(format string, args ...any) *OpResult {
	return &OpResult{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}
