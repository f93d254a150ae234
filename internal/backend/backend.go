// Package backend defines the operation set the execution controller
// dispatches against, plus a local implementation that keeps model
// state in a JSON artifact. Operations never return Go errors: every
// outcome, including failure, comes back as an OpResult so the
// controller can grade it and decide how to continue.
package backend

import (
	"context"

	"simforge/internal/types"
)

// Status grades the outcome of one backend operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// OpResult is the outcome of one backend operation. Path is set when the
// operation created or relocated the artifact; controllers must adopt it,
// since a locked target file makes the backend save to a sibling path.
type OpResult struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Path    string         `json:"path,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Check is one environment diagnostic from Doctor.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Backend performs modeling operations on an artifact identified by an
// on-disk path. Implementations must tolerate being called with paths
// produced by an earlier operation's OpResult.
type Backend interface {
	Name() string

	// CreateGeometry builds a new artifact at outPath from the plan.
	CreateGeometry(ctx context.Context, plan *types.GeometryPlan, outPath string) *OpResult

	// AddMaterial replaces the artifact's material assignments.
	AddMaterial(ctx context.Context, path string, plan *types.MaterialPlan) *OpResult

	// AddPhysics replaces the artifact's physics interfaces and couplings.
	AddPhysics(ctx context.Context, path string, plan *types.PhysicsPlan) *OpResult

	// GenerateMesh meshes the artifact. Recognized opts: "size" (string).
	GenerateMesh(ctx context.Context, path string, opts map[string]any) *OpResult

	// ConfigureStudy sets the artifact's study configuration.
	ConfigureStudy(ctx context.Context, path string, plan *types.StudyPlan) *OpResult

	// Solve runs the configured study and records the solution.
	Solve(ctx context.Context, path string) *OpResult

	// Preview renders the artifact's geometry as a PNG image.
	Preview(ctx context.Context, path string, width, height int) ([]byte, error)

	// Doctor reports environment diagnostics.
	Doctor(ctx context.Context) []Check
}
