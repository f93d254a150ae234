package planner

import (
	"context"
	"strings"

	"simforge/internal/gateway"
	"simforge/internal/logging"
	"simforge/internal/prompt"
	"simforge/internal/skills"
	"simforge/internal/types"
)

// builtinMaterials is the offline material library. Properties are SI:
// density kg/m^3, youngs_modulus Pa, thermal_conductivity W/(m*K),
// heat_capacity J/(kg*K), thermal_expansion 1/K, dynamic_viscosity Pa*s.
var builtinMaterials = map[string]types.Material{
	"structural_steel": {
		Name:  "structural_steel",
		Label: "Structural steel",
		Properties: map[string]float64{
			"density":              7850,
			"youngs_modulus":       200e9,
			"poissons_ratio":       0.30,
			"thermal_conductivity": 44.5,
			"heat_capacity":        475,
			"thermal_expansion":    12.3e-6,
		},
	},
	"aluminum": {
		Name:  "aluminum",
		Label: "Aluminum",
		Properties: map[string]float64{
			"density":              2700,
			"youngs_modulus":       70e9,
			"poissons_ratio":       0.33,
			"thermal_conductivity": 238,
			"heat_capacity":        900,
			"thermal_expansion":    23.1e-6,
		},
	},
	"copper": {
		Name:  "copper",
		Label: "Copper",
		Properties: map[string]float64{
			"density":              8960,
			"youngs_modulus":       110e9,
			"poissons_ratio":       0.35,
			"thermal_conductivity": 400,
			"heat_capacity":        385,
			"thermal_expansion":    17.0e-6,
		},
	},
	"iron": {
		Name:  "iron",
		Label: "Cast iron",
		Properties: map[string]float64{
			"density":              7870,
			"youngs_modulus":       140e9,
			"poissons_ratio":       0.29,
			"thermal_conductivity": 76.2,
			"heat_capacity":        440,
			"thermal_expansion":    12.2e-6,
		},
	},
	"titanium": {
		Name:  "titanium",
		Label: "Titanium",
		Properties: map[string]float64{
			"density":              4506,
			"youngs_modulus":       115e9,
			"poissons_ratio":       0.33,
			"thermal_conductivity": 21.9,
			"heat_capacity":        522,
			"thermal_expansion":    8.6e-6,
		},
	},
	"water": {
		Name:  "water",
		Label: "Water",
		Properties: map[string]float64{
			"density":              998,
			"thermal_conductivity": 0.60,
			"heat_capacity":        4182,
			"dynamic_viscosity":    1.002e-3,
		},
	},
	"air": {
		Name:  "air",
		Label: "Air",
		Properties: map[string]float64{
			"density":              1.204,
			"thermal_conductivity": 0.0257,
			"heat_capacity":        1005,
			"dynamic_viscosity":    1.81e-5,
		},
	},
	"glass": {
		Name:  "glass",
		Label: "Glass (quartz)",
		Properties: map[string]float64{
			"density":              2210,
			"youngs_modulus":       73.1e9,
			"poissons_ratio":       0.17,
			"thermal_conductivity": 1.4,
			"heat_capacity":        730,
			"thermal_expansion":    0.55e-6,
		},
	},
	"concrete": {
		Name:  "concrete",
		Label: "Concrete",
		Properties: map[string]float64{
			"density":              2300,
			"youngs_modulus":       25e9,
			"poissons_ratio":       0.20,
			"thermal_conductivity": 1.8,
			"heat_capacity":        880,
			"thermal_expansion":    10.0e-6,
		},
	},
	"wood": {
		Name:  "wood",
		Label: "Wood (pine)",
		Properties: map[string]float64{
			"density":              550,
			"youngs_modulus":       10e9,
			"poissons_ratio":       0.30,
			"thermal_conductivity": 0.12,
			"heat_capacity":        2300,
			"thermal_expansion":    5.0e-6,
		},
	},
}

// materialAliases maps request keywords, English and Chinese, to library
// entries. Scanned in a fixed order so multi-material requests come out
// deterministic.
var materialAliases = []struct {
	terms []string
	name  string
}{
	{[]string{"steel", "钢"}, "structural_steel"},
	{[]string{"aluminum", "aluminium", "铝"}, "aluminum"},
	{[]string{"copper", "铜"}, "copper"},
	{[]string{"titanium", "钛"}, "titanium"},
	{[]string{"iron", "铁"}, "iron"},
	{[]string{"water", "水"}, "water"},
	{[]string{"air", "空气"}, "air"},
	{[]string{"glass", "玻璃"}, "glass"},
	{[]string{"concrete", "混凝土"}, "concrete"},
	{[]string{"wood", "木材", "木头"}, "wood"},
}

// LookupMaterial resolves a material name or keyword against the built-in
// library. Used by the planner short-circuit and by rollback injection.
func LookupMaterial(query string) (types.Material, bool) {
	lower := strings.ToLower(strings.TrimSpace(query))
	if lower == "" {
		return types.Material{}, false
	}
	if m, ok := builtinMaterials[lower]; ok {
		return m, true
	}
	for _, alias := range materialAliases {
		for _, term := range alias.terms {
			if strings.Contains(lower, term) {
				return builtinMaterials[alias.name], true
			}
		}
	}
	return types.Material{}, false
}

// DefaultMaterialPlan is the built-in fallback: structural steel on the
// whole geometry.
func DefaultMaterialPlan() *types.MaterialPlan {
	return &types.MaterialPlan{
		Assignments: []types.MaterialAssignment{
			{Material: builtinMaterials["structural_steel"], Selection: "all"},
		},
	}
}

// MaterialPlanner produces material assignments. Known material keywords
// bypass the model entirely.
type MaterialPlanner struct {
	gw       *gateway.Gateway
	registry *prompt.Registry
	injector *skills.Injector
}

func NewMaterialPlanner(gw *gateway.Gateway, registry *prompt.Registry, injector *skills.Injector) *MaterialPlanner {
	return &MaterialPlanner{gw: gw, registry: ensureRegistry(registry), injector: injector}
}

var materialSchema = SchemaFor(&types.MaterialPlan{})

// Plan builds a material plan for the sub-task. The keyword table is
// consulted first; the model only runs for materials the library does not
// know. An empty input whose model call fails degrades to the default
// steel plan instead of an error.
func (p *MaterialPlanner) Plan(ctx context.Context, input, extraContext string) (*types.MaterialPlan, error) {
	if plan := p.fromKeywords(input); plan != nil {
		logging.PlannerDebug("material plan from keyword table: %s", plan.Summary())
		return plan, nil
	}

	plan, err := p.fromModel(ctx, input, extraContext)
	if err != nil {
		if strings.TrimSpace(input) == "" {
			logging.PlannerWarn("material planner fell back to default steel: %v", err)
			return DefaultMaterialPlan(), nil
		}
		return nil, err
	}
	return plan, nil
}

// fromKeywords returns a plan when the input names known materials, in
// alias-table order. Nil means no match.
func (p *MaterialPlanner) fromKeywords(input string) *types.MaterialPlan {
	lower := strings.ToLower(input)
	var assignments []types.MaterialAssignment
	for _, alias := range materialAliases {
		for _, term := range alias.terms {
			if strings.Contains(lower, term) {
				assignments = append(assignments, types.MaterialAssignment{
					Material:  builtinMaterials[alias.name],
					Selection: "all",
				})
				break
			}
		}
	}
	if len(assignments) == 0 {
		return nil
	}
	return &types.MaterialPlan{Assignments: assignments}
}

func (p *MaterialPlanner) fromModel(ctx context.Context, input, extraContext string) (*types.MaterialPlan, error) {
	promptText, err := p.registry.Format("planning", "material", map[string]string{
		"skills":  skillBlock(ctx, p.injector, input),
		"context": extraContext,
		"input":   input,
		"schema":  materialSchema,
	})
	if err != nil {
		return nil, err
	}

	var plan types.MaterialPlan
	if err := promptModel(ctx, p.gw, promptText, &plan); err != nil {
		return nil, err
	}
	if err := validateMaterial(&plan); err != nil {
		return nil, err
	}

	logging.PlannerDebug("material plan: %s", plan.Summary())
	return &plan, nil
}

func validateMaterial(plan *types.MaterialPlan) error {
	var issues []string

	if len(plan.Assignments) == 0 {
		issues = append(issues, "at least one material assignment is required")
	}
	for i := range plan.Assignments {
		a := &plan.Assignments[i]
		if a.Material.Name == "" {
			issues = append(issues, "assignment has no material name")
		}
		if a.Selection == "" {
			a.Selection = "all"
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Agent: types.AgentMaterial, Issues: issues}
	}
	return nil
}
