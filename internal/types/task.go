package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EXECUTION STEPS
// =============================================================================

// StepType categorizes an execution step.
type StepType string

const (
	StepGeometry    StepType = "geometry"
	StepMaterial    StepType = "material"
	StepPhysics     StepType = "physics"
	StepMesh        StepType = "mesh"
	StepStudy       StepType = "study"
	StepSolve       StepType = "solve"
	StepSelection   StepType = "selection"
	StepGeometryIO  StepType = "geometry_io"
	StepPostprocess StepType = "postprocess"
)

// StepStatus is the lifecycle state of one execution step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Backend action names dispatched by the execution controller.
const (
	ActionCreateGeometry = "create_geometry"
	ActionAddMaterial    = "add_material"
	ActionAddPhysics     = "add_physics"
	ActionGenerateMesh   = "generate_mesh"
	ActionConfigureStudy = "configure_study"
	ActionSolve          = "solve"
)

// Control actions proposed by the reasoning engine, never sent to a backend.
const (
	ActionRetry    = "retry"
	ActionSkip     = "skip"
	ActionComplete = "complete"
)

// ExecutionStep is one unit of backend work. Params and Result survive JSON
// round-trips, so numeric values read back as float64.
type ExecutionStep struct {
	ID     string         `json:"id"`
	Type   StepType       `json:"type"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
	Status StepStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
}

// =============================================================================
// OBSERVATIONS AND ITERATIONS
// =============================================================================

// ObservationStatus grades an observation.
type ObservationStatus string

const (
	ObservationSuccess ObservationStatus = "success"
	ObservationWarning ObservationStatus = "warning"
	ObservationError   ObservationStatus = "error"
)

// Observation is the graded outcome of one executed step.
type Observation struct {
	ID        string            `json:"id"`
	StepID    string            `json:"step_id"`
	Status    ObservationStatus `json:"status"`
	Message   string            `json:"message"`
	Data      map[string]any    `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// IterationRecord documents one refinement pass of the execution loop.
// IDs increase monotonically within a task.
type IterationRecord struct {
	ID           int       `json:"id"`
	Reason       string    `json:"reason"`
	Observations []string  `json:"observations,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// =============================================================================
// TASK PLAN
// =============================================================================

// TaskStatus is the lifecycle state of a whole task.
type TaskStatus string

const (
	TaskPlanning  TaskStatus = "planning"
	TaskExecuting TaskStatus = "executing"
	TaskObserving TaskStatus = "observing"
	TaskIterating TaskStatus = "iterating"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskPlan carries everything the execution controller needs for one task:
// the expanded steps, the reasoning and observation trail, and the domain
// sub-plans the steps were derived from.
type TaskPlan struct {
	TaskID       string            `json:"task_id"`
	Model        string            `json:"model,omitempty"`
	UserInput    string            `json:"user_input"`
	Steps        []ExecutionStep   `json:"steps"`
	Reasoning    []string          `json:"reasoning,omitempty"`
	Observations []Observation     `json:"observations,omitempty"`
	Iterations   []IterationRecord `json:"iterations,omitempty"`
	Status       TaskStatus        `json:"status"`
	CurrentStep  int               `json:"current_step"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	Error        string            `json:"error,omitempty"`
	StopAfter    string            `json:"stop_after_step,omitempty"`
	Dimension    int               `json:"dimension,omitempty"`
	OutputDir    string            `json:"output_dir,omitempty"`

	// Suggestions surfaced to the user after the run (unused couplings,
	// missing outputs).
	IntegrationSuggestions []string `json:"integration_suggestions,omitempty"`

	Geometry *GeometryPlan `json:"geometry,omitempty"`
	Material *MaterialPlan `json:"material,omitempty"`
	Physics  *PhysicsPlan  `json:"physics,omitempty"`
	Study    *StudyPlan    `json:"study,omitempty"`
}

// NewTaskPlan creates an empty plan in the planning state.
func NewTaskPlan(model, userInput string) *TaskPlan {
	return &TaskPlan{
		TaskID:    fmt.Sprintf("task_%s", uuid.New().String()[:8]),
		Model:     model,
		UserInput: userInput,
		Status:    TaskPlanning,
	}
}

// AddStep appends a pending step and returns a pointer into the plan's slice.
// The pointer is invalidated by the next AddStep call.
func (t *TaskPlan) AddStep(stepType StepType, action string, params map[string]any) *ExecutionStep {
	step := ExecutionStep{
		ID:     fmt.Sprintf("step_%s", uuid.New().String()[:8]),
		Type:   stepType,
		Action: action,
		Params: params,
		Status: StepPending,
	}
	t.Steps = append(t.Steps, step)
	return &t.Steps[len(t.Steps)-1]
}

// InsertStep places a pending step at the given index, shifting later
// steps down. An out-of-range index appends. The cursor is not adjusted.
func (t *TaskPlan) InsertStep(index int, stepType StepType, action string, params map[string]any) *ExecutionStep {
	if index < 0 || index > len(t.Steps) {
		index = len(t.Steps)
	}
	step := ExecutionStep{
		ID:     fmt.Sprintf("step_%s", uuid.New().String()[:8]),
		Type:   stepType,
		Action: action,
		Params: params,
		Status: StepPending,
	}
	t.Steps = append(t.Steps, ExecutionStep{})
	copy(t.Steps[index+1:], t.Steps[index:])
	t.Steps[index] = step
	return &t.Steps[index]
}

// Current returns the step under the cursor, or nil when the cursor has
// passed the last step.
func (t *TaskPlan) Current() *ExecutionStep {
	if t.CurrentStep < 0 || t.CurrentStep >= len(t.Steps) {
		return nil
	}
	return &t.Steps[t.CurrentStep]
}

// Advance moves the cursor forward. Once the cursor passes the last step the
// task completes, unless it already failed.
func (t *TaskPlan) Advance() {
	t.CurrentStep++
	if t.CurrentStep >= len(t.Steps) {
		t.CurrentStep = len(t.Steps)
		if t.Status != TaskFailed {
			t.Status = TaskCompleted
		}
	}
}

// StepByID returns the step with the given id, or nil.
func (t *TaskPlan) StepByID(id string) *ExecutionStep {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// StepByAction returns the first step with the given action name, or nil.
func (t *TaskPlan) StepByAction(action string) *ExecutionStep {
	for i := range t.Steps {
		if t.Steps[i].Action == action {
			return &t.Steps[i]
		}
	}
	return nil
}

// FailedSteps returns pointers to all failed steps in order.
func (t *TaskPlan) FailedSteps() []*ExecutionStep {
	var failed []*ExecutionStep
	for i := range t.Steps {
		if t.Steps[i].Status == StepFailed {
			failed = append(failed, &t.Steps[i])
		}
	}
	return failed
}

// AllStepsCompleted reports whether every step has completed.
func (t *TaskPlan) AllStepsCompleted() bool {
	if len(t.Steps) == 0 {
		return false
	}
	for _, s := range t.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// TrimAfter drops every step after the one with the given action name and
// records the stop marker. Unknown actions leave the plan unchanged.
func (t *TaskPlan) TrimAfter(action string) {
	for i := range t.Steps {
		if t.Steps[i].Action == action {
			t.Steps = t.Steps[:i+1]
			t.StopAfter = action
			return
		}
	}
}

// AddReasoning appends one reasoning checkpoint.
func (t *TaskPlan) AddReasoning(thought string) {
	t.Reasoning = append(t.Reasoning, thought)
}

// NewObservation creates and attaches an observation for a step.
func (t *TaskPlan) NewObservation(stepID string, status ObservationStatus, message string, data map[string]any) *Observation {
	obs := Observation{
		ID:        fmt.Sprintf("obs_%s", uuid.New().String()[:8]),
		StepID:    stepID,
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	t.Observations = append(t.Observations, obs)
	return &t.Observations[len(t.Observations)-1]
}

// AddIteration appends an iteration record referencing already-attached
// observations. IDs are assigned monotonically.
func (t *TaskPlan) AddIteration(reason string, observationIDs []string) *IterationRecord {
	rec := IterationRecord{
		ID:           len(t.Iterations) + 1,
		Reason:       reason,
		Observations: observationIDs,
		Timestamp:    time.Now().UTC(),
	}
	t.Iterations = append(t.Iterations, rec)
	return &t.Iterations[len(t.Iterations)-1]
}

// ToJSON serializes the plan for persistence and bridge transport.
func (t *TaskPlan) ToJSON() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// FromJSON restores a plan serialized with ToJSON.
func FromJSON(data []byte) (*TaskPlan, error) {
	var t TaskPlan
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task plan: %w", err)
	}
	return &t, nil
}
