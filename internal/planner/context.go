package planner

import (
	"fmt"
	"strings"
	"time"

	"simforge/internal/types"
)

// ExecutionRecord is one planner outcome kept in the shared context.
// StepIndex always equals the record's 1-based position in the list.
type ExecutionRecord struct {
	StepIndex int             `json:"step_index"`
	Agent     types.AgentType `json:"agent"`
	Success   bool            `json:"success"`
	Summary   string          `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    any             `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SharedContext is the agent-to-agent channel between domain planners.
// Only the orchestrator mutates it; planners read rendered views of it.
type SharedContext struct {
	UserInput string            `json:"user_input"`
	Records   []ExecutionRecord `json:"records"`
	LastError string            `json:"last_error,omitempty"`
}

// NewSharedContext starts an empty context for one user request.
func NewSharedContext(userInput string) *SharedContext {
	return &SharedContext{UserInput: userInput}
}

// AddRecord appends an outcome. The record's index is derived from its
// position, never supplied by the caller. Failures update LastError.
func (c *SharedContext) AddRecord(agent types.AgentType, success bool, summary, errMsg string, result any) {
	c.Records = append(c.Records, ExecutionRecord{
		StepIndex: len(c.Records) + 1,
		Agent:     agent,
		Success:   success,
		Summary:   summary,
		Error:     errMsg,
		Result:    result,
		Timestamp: time.Now().UTC(),
	})
	if !success && errMsg != "" {
		c.LastError = errMsg
	}
}

// GetContextForAgent renders the block a planner receives: what the other
// agents did and any errors. The agent's own records are excluded so it
// never echoes itself. Returns "" when there is nothing to tell.
func (c *SharedContext) GetContextForAgent(agent types.AgentType) string {
	var lines []string
	for _, rec := range c.Records {
		if rec.Agent == agent {
			continue
		}
		if rec.Success {
			lines = append(lines, fmt.Sprintf("- step %d (%s): done, %s", rec.StepIndex, rec.Agent, rec.Summary))
		} else {
			lines = append(lines, fmt.Sprintf("- step %d (%s): FAILED, %s", rec.StepIndex, rec.Agent, rec.Error))
		}
	}
	if len(lines) == 0 && c.LastError == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("What other agents did and any errors:\n")
	b.WriteString(strings.Join(lines, "\n"))
	if c.LastError != "" {
		if len(lines) > 0 {
			b.WriteString("\n")
		}
		b.WriteString("last error: " + c.LastError)
	}
	return b.String()
}

// RecordsFor returns the records produced by one agent, in order.
func (c *SharedContext) RecordsFor(agent types.AgentType) []ExecutionRecord {
	var out []ExecutionRecord
	for _, rec := range c.Records {
		if rec.Agent == agent {
			out = append(out, rec)
		}
	}
	return out
}
