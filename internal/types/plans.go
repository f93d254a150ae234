package types

import (
	"fmt"
	"strings"
)

// =============================================================================
// GEOMETRY PLAN
// =============================================================================

// Shape is one geometric primitive. Params hold the primitive's dimensions
// in the plan's unit system (width, height, radius, ...), Position its
// placement coordinates.
type Shape struct {
	Kind     string             `json:"kind"`
	Name     string             `json:"name"`
	Params   map[string]float64 `json:"params,omitempty"`
	Position []float64          `json:"position,omitempty"`
}

// BoolOp is a boolean combination of previously created shapes.
// Kind is one of union, difference, intersection.
type BoolOp struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name,omitempty"`
	Inputs []string `json:"inputs"`
	Tools  []string `json:"tools,omitempty"`
}

// GeometryPlan describes the geometry to build. Dimension is 2 or 3.
type GeometryPlan struct {
	Dimension  int      `json:"dimension"`
	Units      string   `json:"units,omitempty"`
	Shapes     []Shape  `json:"shapes"`
	Operations []BoolOp `json:"operations,omitempty"`
}

// Summary renders the short form used in execution records and logs,
// e.g. "3 shapes, 1 operations, 2D".
func (p *GeometryPlan) Summary() string {
	return fmt.Sprintf("%d shapes, %d operations, %dD", len(p.Shapes), len(p.Operations), p.Dimension)
}

// ShapeNames returns shape names in plan order.
func (p *GeometryPlan) ShapeNames() []string {
	names := make([]string, 0, len(p.Shapes))
	for _, s := range p.Shapes {
		names = append(names, s.Name)
	}
	return names
}

// =============================================================================
// MATERIAL PLAN
// =============================================================================

// Material is a named material with SI-unit properties
// (density, youngs_modulus, poissons_ratio, thermal_conductivity, ...).
type Material struct {
	Name       string             `json:"name"`
	Label      string             `json:"label,omitempty"`
	Properties map[string]float64 `json:"properties,omitempty"`
}

// MaterialAssignment binds a material to a geometric selection.
// An empty selection means "all".
type MaterialAssignment struct {
	Material  Material `json:"material"`
	Selection string   `json:"selection,omitempty"`
}

// MaterialPlan lists material assignments in application order.
type MaterialPlan struct {
	Assignments []MaterialAssignment `json:"assignments"`
}

// Summary renders the short form, e.g. "1 materials: structural_steel".
func (p *MaterialPlan) Summary() string {
	names := make([]string, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		names = append(names, a.Material.Name)
	}
	if len(names) == 0 {
		return "0 materials"
	}
	return fmt.Sprintf("%d materials: %s", len(names), strings.Join(names, ", "))
}

// =============================================================================
// PHYSICS PLAN
// =============================================================================

// BoundaryCondition applies one condition to a selection
// (e.g. kind "temperature" with params {"T": 393.15} on selection "left").
type BoundaryCondition struct {
	Kind      string         `json:"kind"`
	Selection string         `json:"selection,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// PhysicsInterface is one physics interface. Kind is one of heat_transfer,
// solid_mechanics, electrostatics, laminar_flow.
type PhysicsInterface struct {
	Kind               string              `json:"kind"`
	Name               string              `json:"name,omitempty"`
	BoundaryConditions []BoundaryCondition `json:"boundary_conditions,omitempty"`
	Settings           map[string]any      `json:"settings,omitempty"`
}

// Coupling links two physics interfaces (e.g. thermal_expansion from
// heat_transfer to solid_mechanics).
type Coupling struct {
	Kind   string `json:"kind"`
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

// PhysicsPlan lists interfaces and multiphysics couplings.
type PhysicsPlan struct {
	Interfaces []PhysicsInterface `json:"interfaces"`
	Couplings  []Coupling         `json:"couplings,omitempty"`
}

// Summary renders the short form, e.g. "1 interfaces, 0 couplings".
func (p *PhysicsPlan) Summary() string {
	return fmt.Sprintf("%d interfaces, %d couplings", len(p.Interfaces), len(p.Couplings))
}

// =============================================================================
// STUDY PLAN
// =============================================================================

// StudyPlan configures the solver run. Kind is one of stationary,
// time_dependent, frequency. Settings carry kind-specific values such as
// range_start/range_step/range_stop for transient studies.
type StudyPlan struct {
	Kind     string         `json:"kind"`
	Settings map[string]any `json:"settings,omitempty"`
	Outputs  []string       `json:"outputs,omitempty"`
}

// Summary renders the short form, e.g. "stationary study".
func (p *StudyPlan) Summary() string {
	if p.Kind == "" {
		return "study"
	}
	return p.Kind + " study"
}
