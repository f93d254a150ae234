// Package plancheck validates plans with a small Datalog rule base before
// anything is sent to a model-written plan's executor. Structural mistakes
// that LLM planners make (skipped step numbers, duplicate numbers, steps
// routed to agents that do not exist, solve steps with nothing to solve)
// are cheap to catch symbolically, so they never cost a model round trip.
package plancheck

import (
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"simforge/internal/logging"
	"simforge/internal/types"
)

//go:embed rules/*.mg
var ruleFS embed.FS

// violationPredicate is the predicate every rule file derives into.
const violationPredicate = "validation_error"

// Violation is one structural problem found in a plan.
type Violation struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (v Violation) String() string {
	return v.Code + ": " + v.Detail
}

// Join renders violations as a single semicolon-separated string for
// error messages and logs.
func Join(violations []Violation) string {
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Checker evaluates plans against the embedded rule files. Each check
// composes a one-shot program (rules plus facts) and evaluates it on a
// fresh store, so a Checker is safe for concurrent use.
type Checker struct {
	serialProgram    string
	expansionProgram string
}

// New loads the embedded rule files and parses them once so a broken
// rule fails at construction instead of at the first check.
func New() (*Checker, error) {
	serial, err := ruleFS.ReadFile("rules/serial.mg")
	if err != nil {
		return nil, fmt.Errorf("read serial rules: %w", err)
	}
	expansion, err := ruleFS.ReadFile("rules/expansion.mg")
	if err != nil {
		return nil, fmt.Errorf("read expansion rules: %w", err)
	}
	c := &Checker{
		serialProgram:    string(serial),
		expansionProgram: string(expansion),
	}
	for _, program := range []string{c.serialProgram, c.expansionProgram} {
		if _, err := analyze(program); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CheckSerial validates the decomposed serial plan: step numbers must be
// 1..N with no gaps or repeats, and every step must route to a known
// agent. An empty violation slice means the plan is well formed.
func (c *Checker) CheckSerial(plan types.SerialPlan) ([]Violation, error) {
	var b strings.Builder
	b.WriteString(c.serialProgram)
	b.WriteString("\n")
	fmt.Fprintf(&b, "step_count(%d).\n", len(plan.Steps))
	for pos, step := range plan.Steps {
		fmt.Fprintf(&b, "serial_step(%d, %d, %q).\n", pos+1, step.Index, string(step.Agent))
	}
	for i := 1; i <= len(plan.Steps); i++ {
		fmt.Fprintf(&b, "expected_index(%d).\n", i)
	}

	violations, err := evalViolations(b.String())
	if err != nil {
		return nil, err
	}
	logging.PlancheckDebug("serial check: %d steps, %d violations", len(plan.Steps), len(violations))
	return violations, nil
}

// CheckExpansion validates an expanded execution plan against the
// sub-plans the task carries: study and solve steps need a physics
// interface or a study to act on, mesh steps need geometry built before
// them, and solving may not precede meshing.
func (c *Checker) CheckExpansion(steps []types.ExecutionStep, hasPhysics, hasStudy bool) ([]Violation, error) {
	var b strings.Builder
	b.WriteString(c.expansionProgram)
	b.WriteString("\n")
	for i, step := range steps {
		fmt.Fprintf(&b, "exec_step(%d, /%s).\n", i+1, step.Type)
	}
	if hasPhysics {
		b.WriteString("has_plan(/physics).\n")
	}
	if hasStudy {
		b.WriteString("has_plan(/study).\n")
	}

	violations, err := evalViolations(b.String())
	if err != nil {
		return nil, err
	}
	logging.PlancheckDebug("expansion check: %d steps, %d violations", len(steps), len(violations))
	return violations, nil
}

// analyze parses and analyzes a program without evaluating it.
func analyze(program string) (*analysis.ProgramInfo, error) {
	parsed, err := parse.Unit(strings.NewReader(program))
	if err != nil {
		return nil, fmt.Errorf("parse plan rules: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze plan rules: %w", err)
	}
	return programInfo, nil
}

// evalViolations runs one composed program and collects the derived
// validation_error facts in a stable order.
func evalViolations(program string) ([]Violation, error) {
	programInfo, err := analyze(program)
	if err != nil {
		return nil, err
	}

	strata, predToStratum, err := analysis.Stratify(analysis.Program{
		EdbPredicates: programInfo.EdbPredicates,
		IdbPredicates: programInfo.IdbPredicates,
		Rules:         programInfo.Rules,
	})
	if err != nil {
		return nil, fmt.Errorf("stratify plan rules: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := engine.EvalStratifiedProgramWithStats(programInfo, strata, predToStratum, store); err != nil {
		return nil, fmt.Errorf("evaluate plan rules: %w", err)
	}

	var violations []Violation
	for pred := range programInfo.Decls {
		if pred.Symbol != violationPredicate {
			continue
		}
		store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			if len(a.Args) == 2 {
				violations = append(violations, describe(constantText(a.Args[0]), constantText(a.Args[1])))
			}
			return nil
		})
		break
	}

	// Store iteration order is not stable across runs.
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Code != violations[j].Code {
			return violations[i].Code < violations[j].Code
		}
		return violations[i].Detail < violations[j].Detail
	})
	return violations, nil
}

// constantText renders one term of a derived fact as plain text.
func constantText(term ast.BaseTerm) string {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.NameType:
		return strings.TrimPrefix(c.Symbol, "/")
	case ast.StringType:
		return c.Symbol
	case ast.NumberType:
		return strconv.FormatInt(c.NumValue, 10)
	case ast.Float64Type:
		f, _ := c.Float64Value()
		return strconv.FormatFloat(f, 'g', -1, 64)
	default:
		return c.Symbol
	}
}

// describe turns a derived (code, value) pair into a readable violation.
func describe(code, value string) Violation {
	v := Violation{Code: code}
	switch code {
	case "missing_index":
		v.Detail = fmt.Sprintf("no step numbered %s", value)
	case "index_out_of_range":
		v.Detail = fmt.Sprintf("step number %s falls outside the plan", value)
	case "duplicate_index":
		v.Detail = fmt.Sprintf("step number %s appears more than once", value)
	case "unknown_agent":
		v.Detail = fmt.Sprintf("step %s routes to an unknown agent", value)
	case "empty_plan":
		v.Detail = "plan has no steps"
	case "missing_prerequisite":
		v.Detail = fmt.Sprintf("%s step requires a physics interface or a study", value)
	case "mesh_after_solve":
		v.Detail = "mesh step is ordered after a solve step"
	default:
		v.Detail = value
	}
	return v
}
