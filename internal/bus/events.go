// Package bus provides the progress event stream for simforge.
// Producers (planners, the executor, the orchestrator) emit typed events;
// consumers (bridge, logs, UI) subscribe per type or globally.
package bus

import "time"

// EventType identifies the kind of progress event.
type EventType string

const (
	EventPlanStart      EventType = "plan_start"
	EventPlanEnd        EventType = "plan_end"
	EventThinkChunk     EventType = "think_chunk"
	EventLLMStreamChunk EventType = "llm_stream_chunk"
	EventActionStart    EventType = "action_start"
	EventActionEnd      EventType = "action_end"
	EventExecResult     EventType = "exec_result"
	EventObservation    EventType = "observation"
	EventContent        EventType = "content"
	EventTaskPhase      EventType = "task_phase"
	EventStepStart      EventType = "step_start"
	EventStepEnd        EventType = "step_end"
	EventError          EventType = "error"
	EventMaterialStart  EventType = "material_start"
	EventMaterialEnd    EventType = "material_end"
	EventGeometry3D     EventType = "geometry_3d"
	EventCouplingAdded  EventType = "coupling_added"
)

// String returns the wire name for the event type.
func (t EventType) String() string {
	return string(t)
}

// Event is a single progress event.
type Event struct {
	// Seq is a per-bus sequence number assigned at emit time.
	Seq uint64 `json:"-"`

	// Type identifies the event kind.
	Type EventType `json:"type"`

	// Data carries event-specific key/value payload.
	Data map[string]any `json:"data,omitempty"`

	// Iteration is the execution loop iteration, set for events emitted
	// while a step is running.
	Iteration *int `json:"iteration,omitempty"`

	// Timestamp when the event was emitted.
	Timestamp time.Time `json:"-"`
}

// Handler consumes events. Handlers must not block for long; slow
// consumers delay every producer behind them.
type Handler func(Event)

// AllTypes returns every valid event type.
func AllTypes() []EventType {
	return []EventType{
		EventPlanStart,
		EventPlanEnd,
		EventThinkChunk,
		EventLLMStreamChunk,
		EventActionStart,
		EventActionEnd,
		EventExecResult,
		EventObservation,
		EventContent,
		EventTaskPhase,
		EventStepStart,
		EventStepEnd,
		EventError,
		EventMaterialStart,
		EventMaterialEnd,
		EventGeometry3D,
		EventCouplingAdded,
	}
}

// ValidType returns true if s names a known event type.
func ValidType(s string) bool {
	for _, t := range AllTypes() {
		if string(t) == s {
			return true
		}
	}
	return false
}
