// Package dispatch executes single steps: it resolves input references
// against prior step outputs, assembles runtime file context, and routes
// the step to the plugin executor, the LLM agent, the checkpoint manager,
// or the branch evaluator.
package dispatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

var refPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// ResolveInputs substitutes {{steps.<id>.<path>}} and {{task.<field>}}
// references in the step's inputs. A value that is exactly one reference
// keeps the referenced value's type; references embedded in larger strings
// are stringified in place. Any reference that cannot be resolved fails the
// whole resolution with an invalid_input error: steps never run on partial
// inputs.
func ResolveInputs(task *models.Task, step *models.Step) (map[string]any, error) {
	if step.Inputs == nil {
		return map[string]any{}, nil
	}
	resolved, err := resolveValue(task, step.Inputs)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(task *models.Task, v any) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(task, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := resolveValue(task, e)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := resolveValue(task, e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(task *models.Task, s string) (any, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A value that is exactly one reference keeps its native type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookup(task, s[matches[0][2]:matches[0][3]])
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		val, err := lookup(task, s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		b.WriteString(stringifyRef(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookup resolves one dotted reference path against the task.
func lookup(task *models.Task, ref string) (any, error) {
	parts := strings.Split(ref, ".")
	switch parts[0] {
	case "task":
		if len(parts) < 2 {
			return nil, unresolved(ref, "task references need a field")
		}
		root, err := taskField(task, parts[1])
		if err != nil {
			return nil, err
		}
		return walkPath(root, parts[2:], ref)
	case "steps":
		if len(parts) < 3 {
			return nil, unresolved(ref, "step references need an output path")
		}
		src := task.Step(parts[1])
		if src == nil {
			return nil, unresolved(ref, fmt.Sprintf("step %q does not exist", parts[1]))
		}
		if src.Status != models.StepStatusSucceeded {
			return nil, unresolved(ref, fmt.Sprintf("step %q has not succeeded (status %s)", parts[1], src.Status))
		}
		return walkPath(src.Output, parts[2:], ref)
	default:
		return nil, unresolved(ref, "unknown reference root")
	}
}

func taskField(task *models.Task, field string) (any, error) {
	switch field {
	case "goal":
		return task.Goal, nil
	case "user_id":
		return task.UserID, nil
	case "org_id":
		return task.OrgID, nil
	case "success_criteria":
		out := make([]any, len(task.SuccessCriteria))
		for i, c := range task.SuccessCriteria {
			out[i] = c
		}
		return out, nil
	case "metadata":
		return task.Metadata, nil
	case "constraints":
		return map[string]any{
			"budget_usd":         task.Constraints.BudgetUSD,
			"time_limit_seconds": task.Constraints.TimeLimitSeconds,
		}, nil
	default:
		return nil, unresolved("task."+field, "unknown task field")
	}
}

// walkPath descends through maps and lists. Integer segments index lists.
func walkPath(root any, path []string, ref string) (any, error) {
	cur := root
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, unresolved(ref, fmt.Sprintf("key %q is missing", seg))
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, unresolved(ref, fmt.Sprintf("%q is not a list index", seg))
			}
			if idx < 0 || idx >= len(c) {
				return nil, unresolved(ref, fmt.Sprintf("index %d is out of range", idx))
			}
			cur = c[idx]
		default:
			return nil, unresolved(ref, fmt.Sprintf("cannot descend into %T with %q", cur, seg))
		}
	}
	return cur, nil
}

func unresolved(ref, why string) error {
	return taskerr.New(taskerr.KindInvalidInput, "unresolved reference {{%s}}: %s", ref, why)
}

func stringifyRef(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
