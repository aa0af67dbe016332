package models

import "time"

// StepKind discriminates how a step executes.
type StepKind string

const (
	StepKindPlugin     StepKind = "plugin"
	StepKindLLMAgent   StepKind = "llm_agent"
	StepKindCheckpoint StepKind = "checkpoint"
	StepKindBranch     StepKind = "branch"
)

// StepStatus represents the lifecycle state of a single step.
type StepStatus string

const (
	StepStatusPending         StepStatus = "pending"
	StepStatusReady           StepStatus = "ready"
	StepStatusRunning         StepStatus = "running"
	StepStatusWaitingApproval StepStatus = "waiting_approval"
	StepStatusSucceeded       StepStatus = "succeeded"
	StepStatusFailed          StepStatus = "failed"
	StepStatusSkipped         StepStatus = "skipped"
	StepStatusCancelled       StepStatus = "cancelled"
	StepStatusBlocked         StepStatus = "blocked"
)

// IsTerminal reports whether the step status is final.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped,
		StepStatusCancelled, StepStatusBlocked:
		return true
	default:
		return false
	}
}

// RetryPolicy controls re-execution of failed steps with retryable errors.
// Backoff is initial_delay * multiplier^(attempt-1), capped at max_delay.
type RetryPolicy struct {
	MaxAttempts     int     `json:"max_attempts"`
	InitialDelaySec float64 `json:"initial_delay_seconds"`
	Multiplier      float64 `json:"multiplier"`
	MaxDelaySec     float64 `json:"max_delay_seconds"`
}

// DefaultRetryPolicy is applied to steps that declare none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, InitialDelaySec: 1, Multiplier: 2, MaxDelaySec: 60}
}

// Delay returns the backoff before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.InitialDelaySec
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
	}
	if p.MaxDelaySec > 0 && delay > p.MaxDelaySec {
		delay = p.MaxDelaySec
	}
	return time.Duration(delay * float64(time.Second))
}

// OnDepFailure controls what happens to a step when a dependency fails.
type OnDepFailure string

const (
	// OnDepFailureBlock marks the step blocked (the default).
	OnDepFailureBlock OnDepFailure = "block"
	// OnDepFailureSkip skips the step instead of blocking it.
	OnDepFailureSkip OnDepFailure = "skip"
)

// AgentSpec configures an llm_agent step.
type AgentSpec struct {
	// Model overrides the configured default model when set.
	Model string `json:"model,omitempty"`
	// SystemPrompt is prepended to the agent conversation.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// MaxTokens bounds the response length. Zero means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CheckpointSpec configures a checkpoint step or a gate inserted before a
// plugin that requires approval.
type CheckpointSpec struct {
	Type    CheckpointType `json:"type"`
	Prompt  string         `json:"prompt"`
	Preview map[string]any `json:"preview,omitempty"`
	// InputSchema is a JSON-Schema-shaped mapping validating the user's
	// answers for input-type checkpoints.
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty"`
	ExpirySec    int            `json:"expiry_seconds,omitempty"`
}

// BranchSpec configures a branch step. The condition is a whitelisted
// expression evaluated against {task, steps}; on evaluation failure the
// branch takes the declared default.
type BranchSpec struct {
	Condition string `json:"condition"`
	Default   bool   `json:"default"`
	// WhenTrue and WhenFalse name the step ids short-circuited (skipped)
	// when the branch resolves the other way.
	WhenTrue  []string `json:"when_true,omitempty"`
	WhenFalse []string `json:"when_false,omitempty"`
}

// StepError records why a step failed.
type StepError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Step is a node of the plan DAG.
type Step struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Kind StepKind `json:"kind"`

	// PluginNamespace is set when Kind == plugin.
	PluginNamespace string `json:"plugin_namespace,omitempty"`
	// Agent is set when Kind == llm_agent.
	Agent *AgentSpec `json:"agent,omitempty"`
	// Checkpoint is set when Kind == checkpoint.
	Checkpoint *CheckpointSpec `json:"checkpoint,omitempty"`
	// Branch is set when Kind == branch.
	Branch *BranchSpec `json:"branch,omitempty"`

	// Inputs maps input names to literals or references of the form
	// {{steps.<id>.<path>}} / {{task.<field>}}.
	Inputs map[string]any `json:"inputs,omitempty"`

	DependsOn []string `json:"depends_on,omitempty"`

	ConcurrencyGroup string       `json:"concurrency_group,omitempty"`
	Priority         int          `json:"priority,omitempty"`
	OnDepFailure     OnDepFailure `json:"on_dep_failure,omitempty"`

	Retry      RetryPolicy `json:"retry"`
	TimeoutSec int         `json:"timeout_seconds,omitempty"`

	Status  StepStatus `json:"status"`
	Attempt int        `json:"attempt"`

	Output map[string]any `json:"output,omitempty"`
	Error  *StepError     `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep-enough copy for replace-and-write step updates.
// Nested maps are shared; writers replace whole maps rather than mutate.
func (s *Step) Clone() *Step {
	cp := *s
	cp.DependsOn = append([]string(nil), s.DependsOn...)
	return &cp
}
