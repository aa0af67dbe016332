// Package planner turns a task goal into a validated step DAG by prompting
// an LLM with the capability catalogue, and produces replacement suffixes
// when a step requests a replan. Invalid plans are re-prompted a bounded
// number of times before surfacing a planner_validation failure.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/taskweave/taskweave/pkg/llm"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/plugin"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// Planner plans and replans task step graphs.
type Planner struct {
	client     llm.Client
	registry   *plugin.Registry
	model      string
	maxRetries int
	log        *slog.Logger
}

// New creates a planner. maxRetries bounds validation re-prompts; the
// initial attempt is always made.
func New(client llm.Client, registry *plugin.Registry, model string, maxRetries int, log *slog.Logger) *Planner {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Planner{
		client:     client,
		registry:   registry,
		model:      model,
		maxRetries: maxRetries,
		log:        log,
	}
}

// Plan produces the initial step graph for a task.
func (p *Planner) Plan(ctx context.Context, task *models.Task) ([]*models.Step, error) {
	prompt := p.buildPlanPrompt(task)
	return p.generate(ctx, task, prompt, nil)
}

// Replan produces a replacement suffix after triggeringStepID. Steps that
// already succeeded stay in place; the new subgraph may depend on them and
// reference their outputs.
func (p *Planner) Replan(ctx context.Context, task *models.Task, triggeringStepID string, findingsSince []*models.Finding) ([]*models.Step, error) {
	existing := make(map[string]*models.Step, len(task.Steps))
	for _, s := range task.Steps {
		existing[s.ID] = s
	}
	prompt := p.buildReplanPrompt(task, triggeringStepID, findingsSince)
	return p.generate(ctx, task, prompt, existing)
}

// generate runs the prompt-parse-validate loop, feeding validation errors
// back to the model on retry.
func (p *Planner) generate(ctx context.Context, task *models.Task, prompt string, existing map[string]*models.Step) ([]*models.Step, error) {
	system := p.buildSystemPrompt()

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if lastErr != nil {
			prompt = fmt.Sprintf("%s\n\nYour previous plan was rejected:\n%v\nProduce a corrected plan.", prompt, lastErr)
		}

		resp, err := p.client.Complete(ctx, llm.Request{
			Model:  p.model,
			System: system,
			Prompt: prompt,
		})
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindNetwork, err, "planner completion failed")
		}

		steps, err := ParsePlan(resp.Content)
		if err == nil {
			err = Validate(steps, existing, p.registry)
		}
		if err != nil {
			p.log.Warn("Plan rejected, re-prompting",
				"task_id", task.ID, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}

		steps = insertCheckpointGates(steps, p.registry)
		return steps, nil
	}

	return nil, taskerr.Wrap(taskerr.KindPlannerError, lastErr,
		"plan failed validation after %d attempts", p.maxRetries+1)
}

// buildSystemPrompt describes the plan shape and the capability catalogue.
func (p *Planner) buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString(`You are the planner of a task orchestration system. Produce a plan as a
YAML document with this exact shape:

steps:
  - id: fetch            # unique short id
    name: Fetch report
    kind: plugin         # plugin | llm_agent | branch
    plugin: http.get     # required for kind plugin
    inputs:
      url: "https://example.com/report"
    depends_on: []       # ids of prerequisite steps
  - id: summarize
    name: Summarize
    kind: llm_agent
    agent:
      system_prompt: "You summarize documents."
    inputs:
      body: "{{steps.fetch.body}}"
    depends_on: [fetch]

Reference syntax: {{steps.<id>.<output_field>}} pulls a prior step's
output; {{task.goal}} pulls task fields. References must target declared
output fields. Branch steps carry branch.condition (an expression over
task and steps) plus branch.when_true / branch.when_false step id lists.

Available capabilities:
`)
	for _, rec := range p.registry.List() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", rec.Namespace, rec.Category, rec.Description)
		if len(rec.Inputs) > 0 {
			fmt.Fprintf(&b, "    inputs: %s\n", describeFields(rec.Inputs))
		}
		if len(rec.Outputs) > 0 {
			fmt.Fprintf(&b, "    outputs: %s\n", describeFields(rec.Outputs))
		}
		if rec.RequiresCheckpoint {
			b.WriteString("    note: requires user approval before execution\n")
		}
	}
	b.WriteString("- llm_agent: a general-purpose LLM worker for reasoning, writing, and analysis\n")
	return b.String()
}

func describeFields(fields map[string]models.FieldSpec) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		spec := fields[name]
		s := fmt.Sprintf("%s:%s", name, spec.Type)
		if spec.Required {
			s += "!"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

func (p *Planner) buildPlanPrompt(task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", task.Goal)
	if len(task.SuccessCriteria) > 0 {
		b.WriteString("Success criteria:\n")
		for _, c := range task.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	writeConstraints(&b, task.Constraints)
	b.WriteString("\nProduce the plan.")
	return b.String()
}

func (p *Planner) buildReplanPrompt(task *models.Task, triggeringStepID string, findingsSince []*models.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", task.Goal)
	writeConstraints(&b, task.Constraints)

	b.WriteString("\nExisting steps and their state:\n")
	for _, s := range task.Steps {
		fmt.Fprintf(&b, "- %s (%s): %s", s.ID, s.Kind, s.Status)
		if s.Status == models.StepStatusSucceeded && len(s.Output) > 0 {
			if raw, err := json.Marshal(s.Output); err == nil {
				fmt.Fprintf(&b, " output=%s", truncate(string(raw), 400))
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nStep %q requested a replan. Findings since the last plan:\n", triggeringStepID)
	for _, f := range findingsSince {
		fmt.Fprintf(&b, "- [%s] %s\n", f.Kind, f.Content)
	}

	b.WriteString(`
Produce ONLY the new steps to run after the triggering step. Use fresh ids
that do not collide with existing steps. New steps may depend on existing
succeeded steps and reference their outputs.`)
	return b.String()
}

func writeConstraints(b *strings.Builder, c models.Constraints) {
	if c.BudgetUSD > 0 {
		fmt.Fprintf(b, "Budget: $%.2f\n", c.BudgetUSD)
	}
	if c.TimeLimitSeconds > 0 {
		fmt.Fprintf(b, "Time limit: %d seconds\n", c.TimeLimitSeconds)
	}
	if len(c.AllowedHosts) > 0 {
		fmt.Fprintf(b, "Allowed hosts: %s\n", strings.Join(c.AllowedHosts, ", "))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// insertCheckpointGates places an approval checkpoint step in front of
// every plugin step whose registration demands one, unless the plan
// already gates it. The gated step's dependencies move onto the gate.
func insertCheckpointGates(steps []*models.Step, reg *plugin.Registry) []*models.Step {
	byID := make(map[string]*models.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	out := make([]*models.Step, 0, len(steps))
	for _, s := range steps {
		needsGate := false
		if s.Kind == models.StepKindPlugin {
			if p, err := reg.Get(s.PluginNamespace); err == nil && p.Record.RequiresCheckpoint {
				needsGate = true
			}
		}
		if needsGate {
			for _, depID := range s.DependsOn {
				if dep, ok := byID[depID]; ok && dep.Kind == models.StepKindCheckpoint {
					needsGate = false
					break
				}
			}
		}
		if !needsGate {
			out = append(out, s)
			continue
		}

		gate := &models.Step{
			ID:   "approve-" + s.ID,
			Name: "Approve " + s.Name,
			Kind: models.StepKindCheckpoint,
			Checkpoint: &models.CheckpointSpec{
				Type:    models.CheckpointTypeApproval,
				Prompt:  fmt.Sprintf("Approve execution of %s (%s)?", s.Name, s.PluginNamespace),
				Preview: map[string]any{"gated_step_id": s.ID, "inputs": s.Inputs},
			},
			DependsOn: s.DependsOn,
			Status:    models.StepStatusPending,
		}
		gated := s.Clone()
		gated.DependsOn = []string{gate.ID}
		out = append(out, gate, gated)
	}
	return out
}
