package planner

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// planDoc is the document shape the model is asked to emit. YAML is a
// superset of JSON, so JSON replies decode through the same path.
type planDoc struct {
	Steps []planStep `yaml:"steps"`
}

type planStep struct {
	ID        string          `yaml:"id"`
	Name      string          `yaml:"name"`
	Kind      string          `yaml:"kind"`
	Plugin    string          `yaml:"plugin"`
	Agent     *planAgent      `yaml:"agent"`
	Branch    *planBranch     `yaml:"branch"`
	Inputs    map[string]any  `yaml:"inputs"`
	DependsOn []string        `yaml:"depends_on"`
	Group     string          `yaml:"concurrency_group"`
	Priority  int             `yaml:"priority"`
	OnDepFail string          `yaml:"on_dep_failure"`
	Retry     *planRetry      `yaml:"retry"`
	Timeout   int             `yaml:"timeout_seconds"`
	Check     *planCheckpoint `yaml:"checkpoint"`
}

type planAgent struct {
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
}

type planBranch struct {
	Condition string   `yaml:"condition"`
	Default   bool     `yaml:"default"`
	WhenTrue  []string `yaml:"when_true"`
	WhenFalse []string `yaml:"when_false"`
}

type planRetry struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	InitialDelaySec float64 `yaml:"initial_delay_seconds"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxDelaySec     float64 `yaml:"max_delay_seconds"`
}

type planCheckpoint struct {
	Type         string         `yaml:"type"`
	Prompt       string         `yaml:"prompt"`
	Preview      map[string]any `yaml:"preview"`
	InputSchema  map[string]any `yaml:"input_schema"`
	Alternatives []string       `yaml:"alternatives"`
	ExpirySec    int            `yaml:"expiry_seconds"`
}

// ParsePlan decodes a model reply into fresh pending steps. Markdown code
// fences around the document are tolerated.
func ParsePlan(content string) ([]*models.Step, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```yaml")
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	var doc planDoc
	if err := yaml.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, taskerr.Wrap(taskerr.KindPlannerError, err, "plan is not valid YAML")
	}
	if len(doc.Steps) == 0 {
		return nil, taskerr.New(taskerr.KindPlannerError, "plan declares no steps")
	}

	steps := make([]*models.Step, 0, len(doc.Steps))
	for _, ps := range doc.Steps {
		steps = append(steps, ps.toStep())
	}
	return steps, nil
}

func (ps planStep) toStep() *models.Step {
	s := &models.Step{
		ID:               ps.ID,
		Name:             ps.Name,
		Kind:             models.StepKind(ps.Kind),
		PluginNamespace:  ps.Plugin,
		Inputs:           normalizeYAML(ps.Inputs),
		DependsOn:        ps.DependsOn,
		ConcurrencyGroup: ps.Group,
		Priority:         ps.Priority,
		OnDepFailure:     models.OnDepFailure(ps.OnDepFail),
		TimeoutSec:       ps.Timeout,
		Retry:            models.DefaultRetryPolicy(),
		Status:           models.StepStatusPending,
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	if ps.Agent != nil {
		s.Agent = &models.AgentSpec{
			Model:        ps.Agent.Model,
			SystemPrompt: ps.Agent.SystemPrompt,
			MaxTokens:    ps.Agent.MaxTokens,
		}
	}
	if ps.Branch != nil {
		s.Branch = &models.BranchSpec{
			Condition: ps.Branch.Condition,
			Default:   ps.Branch.Default,
			WhenTrue:  ps.Branch.WhenTrue,
			WhenFalse: ps.Branch.WhenFalse,
		}
	}
	if ps.Check != nil {
		cpType := models.CheckpointType(ps.Check.Type)
		if cpType == "" {
			cpType = models.CheckpointTypeApproval
		}
		s.Checkpoint = &models.CheckpointSpec{
			Type:         cpType,
			Prompt:       ps.Check.Prompt,
			Preview:      normalizeYAML(ps.Check.Preview),
			InputSchema:  normalizeYAML(ps.Check.InputSchema),
			Alternatives: ps.Check.Alternatives,
			ExpirySec:    ps.Check.ExpirySec,
		}
	}
	if ps.Retry != nil {
		s.Retry = models.RetryPolicy{
			MaxAttempts:     ps.Retry.MaxAttempts,
			InitialDelaySec: ps.Retry.InitialDelaySec,
			Multiplier:      ps.Retry.Multiplier,
			MaxDelaySec:     ps.Retry.MaxDelaySec,
		}
		if s.Retry.MaxAttempts < 1 {
			s.Retry.MaxAttempts = 1
		}
	}
	return s
}

// normalizeYAML rewrites decoded YAML values into the JSON-compatible shape
// the rest of the system stores: map keys become strings and nested maps
// are converted recursively.
func normalizeYAML(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAML(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeYAMLValue(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeYAMLValue(e)
		}
		return out
	default:
		return v
	}
}
