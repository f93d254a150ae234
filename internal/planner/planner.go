// Package planner turns natural-language sub-tasks into typed domain plans.
// Four planners (geometry, material, physics, study) share one shape: render
// the domain template with retrieved skills and shared context, call the
// model at low temperature, extract JSON, validate. The orchestrator
// decomposes a request into a serial plan and drives the planners over a
// shared context so later agents see what earlier ones did.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"simforge/internal/gateway"
	"simforge/internal/prompt"
	"simforge/internal/skills"
	"simforge/internal/types"
)

const (
	// planTemperature keeps plan output deterministic without pinning it.
	planTemperature = 0.1
	// planRetries bounds gateway attempts per planner call.
	planRetries = 2
)

// ErrNotImplemented marks a planner that is wired but not built out.
// The orchestrator records the failure and substitutes a default plan.
var ErrNotImplemented = errors.New("planner not implemented")

// ValidationError reports a parsed plan that violates its domain rules.
type ValidationError struct {
	Agent  types.AgentType
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s plan failed validation: %s", e.Agent, strings.Join(e.Issues, "; "))
}

// ensureRegistry lets callers pass a nil registry and still get the
// built-in templates.
func ensureRegistry(registry *prompt.Registry) *prompt.Registry {
	if registry == nil {
		return prompt.NewRegistry("")
	}
	return registry
}

// promptModel runs one planner prompt and extracts the JSON reply into out.
func promptModel(ctx context.Context, gw *gateway.Gateway, promptText string, out any) error {
	reply, err := gw.Call(ctx, promptText, gateway.CallOptions{
		Temperature: planTemperature,
		MaxRetries:  planRetries,
	})
	if err != nil {
		return err
	}
	return types.ExtractJSON(reply, out)
}

// skillBlock renders the retrieved-skills section for a planner prompt.
func skillBlock(ctx context.Context, injector *skills.Injector, query string) string {
	if injector == nil {
		return ""
	}
	return injector.Inject(ctx, query, "")
}

// combineContext joins the external context with the shared-context view,
// dropping empty parts.
func combineContext(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
