package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// defaultAgentSystemPrompt frames the agent as one worker inside a larger
// plan and fixes the reply shape the worker parses.
const defaultAgentSystemPrompt = `You are a step worker inside a task orchestration system.
You receive one step of a larger plan together with the task goal, prior
findings, and the step inputs. Complete only this step.

Reply with a single JSON object:
{
  "output": { ... },                    // the step's output fields
  "findings": [                         // optional structured observations
    {"kind": "fact|artifact|warning|suggestion", "content": "...", "data": { ... }}
  ],
  "replan_requested": false             // true only if the plan cannot proceed as written
}`

// AgentResult is the parsed outcome of one llm_agent step execution.
type AgentResult struct {
	Outputs    map[string]any
	Findings   []*models.Finding
	TokensUsed int
}

// Agent executes llm_agent steps.
type Agent struct {
	client Client
}

// NewAgent creates an agent worker on the given completion client.
func NewAgent(client Client) *Agent {
	return &Agent{client: client}
}

// agentReply is the JSON shape agents are instructed to return.
type agentReply struct {
	Output          map[string]any `json:"output"`
	Findings        []agentFinding `json:"findings"`
	ReplanRequested bool           `json:"replan_requested"`
}

type agentFinding struct {
	Kind    string         `json:"kind"`
	Content string         `json:"content"`
	Data    map[string]any `json:"data"`
}

// Run executes one llm_agent step. Resolved inputs arrive already
// substituted; attachments ride for this call only. Completion failures
// are classified as network errors so the retry policy applies.
func (a *Agent) Run(ctx context.Context, task *models.Task, step *models.Step, inputs map[string]any, attachments []Attachment) (*AgentResult, error) {
	spec := step.Agent
	if spec == nil {
		spec = &models.AgentSpec{}
	}

	system := spec.SystemPrompt
	if system == "" {
		system = defaultAgentSystemPrompt
	}

	resp, err := a.client.Complete(ctx, Request{
		Model:       spec.Model,
		System:      system,
		Prompt:      buildAgentPrompt(task, step, inputs, attachments),
		Attachments: attachments,
		MaxTokens:   spec.MaxTokens,
	})
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindNetwork, err, "agent step %s completion failed", step.ID)
	}

	result := parseAgentReply(step.ID, resp.Content)
	result.TokensUsed = resp.TokensUsed
	return result, nil
}

func buildAgentPrompt(task *models.Task, step *models.Step, inputs map[string]any, attachments []Attachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task goal: %s\n", task.Goal)
	if len(task.SuccessCriteria) > 0 {
		b.WriteString("Success criteria:\n")
		for _, c := range task.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(task.Findings) > 0 {
		b.WriteString("\nFindings so far:\n")
		for _, f := range task.Findings {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Kind, f.Content)
		}
	}

	fmt.Fprintf(&b, "\nCurrent step: %s (%s)\n", step.Name, step.ID)
	if len(inputs) > 0 {
		raw, err := json.MarshalIndent(inputs, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "Step inputs:\n%s\n", raw)
		}
	}

	// Text attachments are inlined; images travel as vision parts.
	for _, att := range attachments {
		if att.IsImage() {
			continue
		}
		fmt.Fprintf(&b, "\n--- file: %s (%s) ---\n%s\n", att.Name, att.MIMEType, att.Data)
	}
	return b.String()
}

// parseAgentReply decodes the structured reply, tolerating code fences and
// falling back to a raw response output when the model ignored the shape.
func parseAgentReply(stepID, content string) *AgentResult {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var reply agentReply
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil || reply.Output == nil {
		return &AgentResult{Outputs: map[string]any{"response": content}}
	}

	now := time.Now().UTC()
	result := &AgentResult{Outputs: reply.Output}
	for _, f := range reply.Findings {
		kind := models.FindingKind(f.Kind)
		switch kind {
		case models.FindingKindFact, models.FindingKindArtifact,
			models.FindingKindWarning, models.FindingKindSuggestion:
		default:
			kind = models.FindingKindFact
		}
		result.Findings = append(result.Findings, &models.Finding{
			SourceStepID: stepID,
			Kind:         kind,
			Content:      f.Content,
			Data:         f.Data,
			Timestamp:    now,
		})
	}
	if reply.ReplanRequested {
		result.Findings = append(result.Findings, &models.Finding{
			SourceStepID: stepID,
			Kind:         models.FindingKindSuggestion,
			Content:      "agent requested a replan",
			Data:         map[string]any{models.ReplanReason: true},
			Timestamp:    now,
		})
	}
	return result
}
