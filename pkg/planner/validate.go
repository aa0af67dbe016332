package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/plugin"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// refPattern matches {{ ... }} references inside step input values.
var refPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// taskFields names the task fields a {{task.*}} reference may target.
var taskFields = map[string]bool{
	"goal":             true,
	"constraints":      true,
	"success_criteria": true,
	"metadata":         true,
	"user_id":          true,
	"org_id":           true,
}

// Validate checks a proposed step graph. existing maps already-persisted
// steps that the new graph may depend on and reference; it is nil when
// validating an initial plan. All violations are collected so the model
// sees every problem in one re-prompt.
func Validate(steps []*models.Step, existing map[string]*models.Step, reg *plugin.Registry) error {
	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	byID := make(map[string]*models.Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			report("a step is missing an id")
			continue
		}
		if _, dup := byID[s.ID]; dup {
			report("duplicate step id %q", s.ID)
			continue
		}
		if existing != nil {
			if _, clash := existing[s.ID]; clash {
				report("step id %q collides with an existing step", s.ID)
				continue
			}
		}
		byID[s.ID] = s
	}

	known := func(id string) (*models.Step, bool) {
		if s, ok := byID[id]; ok {
			return s, true
		}
		if existing != nil {
			if s, ok := existing[id]; ok {
				return s, true
			}
		}
		return nil, false
	}

	for _, s := range steps {
		validateKind(s, reg, report)
		for _, dep := range s.DependsOn {
			if _, ok := known(dep); !ok {
				report("step %q depends on unknown step %q", s.ID, dep)
			}
			if dep == s.ID {
				report("step %q depends on itself", s.ID)
			}
		}
		validateReferences(s, known, reg, report)
	}

	if err := checkAcyclic(byID); err != nil {
		report("%v", err)
	}

	if len(problems) > 0 {
		return taskerr.New(taskerr.KindPlannerError,
			"plan validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

func validateKind(s *models.Step, reg *plugin.Registry, report func(string, ...any)) {
	switch s.Kind {
	case models.StepKindPlugin:
		if s.PluginNamespace == "" {
			report("plugin step %q names no plugin", s.ID)
			return
		}
		p, err := reg.Get(s.PluginNamespace)
		if err != nil {
			report("step %q uses unknown plugin %q", s.ID, s.PluginNamespace)
			return
		}
		for name, spec := range p.Record.Inputs {
			if !spec.Required || spec.Default != nil {
				continue
			}
			if _, ok := s.Inputs[name]; !ok {
				report("step %q is missing required input %q for plugin %s",
					s.ID, name, s.PluginNamespace)
			}
		}
	case models.StepKindLLMAgent:
		// Agent spec is optional; defaults apply at execution.
	case models.StepKindBranch:
		if s.Branch == nil || s.Branch.Condition == "" {
			report("branch step %q declares no condition", s.ID)
			return
		}
		for _, target := range append(append([]string{}, s.Branch.WhenTrue...), s.Branch.WhenFalse...) {
			if target == s.ID {
				report("branch step %q targets itself", s.ID)
			}
		}
	case models.StepKindCheckpoint:
		if s.Checkpoint == nil {
			report("checkpoint step %q declares no checkpoint spec", s.ID)
		}
	default:
		report("step %q has unknown kind %q", s.ID, s.Kind)
	}
}

// validateReferences walks a step's input values and checks every
// {{steps.X.field}} reference targets a dependency-reachable step whose
// plugin declares the referenced output field. Agent and branch producers
// have open output shapes, so only the step's existence is checked.
func validateReferences(s *models.Step, known func(string) (*models.Step, bool), reg *plugin.Registry, report func(string, ...any)) {
	walkStrings(s.Inputs, func(v string) {
		for _, m := range refPattern.FindAllStringSubmatch(v, -1) {
			checkReference(s.ID, m[1], known, reg, report)
		}
	})
}

func checkReference(stepID, ref string, known func(string) (*models.Step, bool), reg *plugin.Registry, report func(string, ...any)) {
	parts := strings.Split(ref, ".")
	switch parts[0] {
	case "task":
		if len(parts) < 2 || !taskFields[parts[1]] {
			report("step %q references unknown task field in {{%s}}", stepID, ref)
		}
	case "steps":
		if len(parts) < 3 {
			report("step %q has malformed reference {{%s}}", stepID, ref)
			return
		}
		target, ok := known(parts[1])
		if !ok {
			report("step %q references unknown step %q", stepID, parts[1])
			return
		}
		if target.Kind != models.StepKindPlugin {
			return
		}
		p, err := reg.Get(target.PluginNamespace)
		if err != nil || len(p.Record.Outputs) == 0 {
			return
		}
		if _, declared := p.Record.Outputs[parts[2]]; !declared {
			report("step %q references undeclared output %q of step %q (plugin %s)",
				stepID, parts[2], parts[1], target.PluginNamespace)
		}
	default:
		report("step %q has unknown reference root in {{%s}}", stepID, ref)
	}
}

// walkStrings visits every string leaf of a JSON-shaped value.
func walkStrings(v any, visit func(string)) {
	switch t := v.(type) {
	case string:
		visit(t)
	case map[string]any:
		for _, e := range t {
			walkStrings(e, visit)
		}
	case []any:
		for _, e := range t {
			walkStrings(e, visit)
		}
	}
}

// checkAcyclic runs Kahn's algorithm over the new steps. Dependencies on
// existing steps are roots by definition and do not participate.
func checkAcyclic(byID map[string]*models.Step) error {
	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id, s := range byID {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range s.DependsOn {
			if _, internal := byID[dep]; !internal {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(byID))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(byID) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		return fmt.Errorf("dependency cycle involving steps %v", stuck)
	}
	return nil
}
