// Package models defines the task orchestration domain model: tasks, steps,
// findings, checkpoints, preferences, and bus events.
package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task run.
type TaskStatus string

const (
	TaskStatusDraft           TaskStatus = "draft"
	TaskStatusPlanning        TaskStatus = "planning"
	TaskStatusReady           TaskStatus = "ready"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusWaitingApproval TaskStatus = "waiting_approval"
	TaskStatusReplanning      TaskStatus = "replanning"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusDraft, TaskStatusPlanning, TaskStatusReady, TaskStatusRunning,
		TaskStatusWaitingApproval, TaskStatusReplanning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// FileReference points at a user file held by the external file service.
// References are recorded on the task at creation and never mutated by steps.
type FileReference struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SizeByte int64  `json:"size_bytes,omitempty"`
}

// Constraints holds the recognized task constraint options. Unknown options
// submitted by callers are preserved in Extra.
type Constraints struct {
	BudgetUSD        float64         `json:"budget_usd,omitempty"`
	TimeLimitSeconds int             `json:"time_limit_seconds,omitempty"`
	AllowedHosts     []string        `json:"allowed_hosts,omitempty"`
	FileReferences   []FileReference `json:"file_references,omitempty"`
	Extra            map[string]any  `json:"extra,omitempty"`
}

// FindingKind classifies a finding.
type FindingKind string

const (
	FindingKindFact       FindingKind = "fact"
	FindingKindArtifact   FindingKind = "artifact"
	FindingKindWarning    FindingKind = "warning"
	FindingKindSuggestion FindingKind = "suggestion"
)

// Finding is an append-only structured observation a step adds to the task's
// shared memory. Replanning reads findings but never mutates them.
type Finding struct {
	SourceStepID string         `json:"source_step_id"`
	Kind         FindingKind    `json:"kind"`
	Content      string         `json:"content"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ReplanReason is the key a step sets in a finding's Data to request a replan.
const ReplanReason = "replan_requested"

// RequestsReplan reports whether the finding asks the orchestrator to replan.
func (f *Finding) RequestsReplan() bool {
	if f.Data == nil {
		return false
	}
	v, ok := f.Data[ReplanReason]
	if !ok {
		return false
	}
	b, isBool := v.(bool)
	return !isBool || b
}

// Task is a run of a goal: a DAG of steps plus accumulated state.
type Task struct {
	ID      string `json:"id"`
	Version int    `json:"version"`

	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`

	Goal            string      `json:"goal"`
	Constraints     Constraints `json:"constraints"`
	SuccessCriteria []string    `json:"success_criteria,omitempty"`

	Steps    []*Step    `json:"steps"`
	Findings []*Finding `json:"findings,omitempty"`

	// CurrentStepIndex counts settled steps, a coarse progress cursor
	// maintained by the orchestrator for task readers.
	CurrentStepIndex int `json:"current_step_index"`

	Status TaskStatus `json:"status"`

	TreeID       string `json:"tree_id,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`

	// Metadata carries free-form data such as source, automation_id, and
	// conversation_id.
	Metadata map[string]any `json:"metadata,omitempty"`

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step returns the step with the given id, or nil.
func (t *Task) Step(stepID string) *Step {
	for _, s := range t.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// AllStepsTerminal reports whether every step is in a terminal status.
func (t *Task) AllStepsTerminal() bool {
	for _, s := range t.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// EffectiveAllowedHosts merges the task's allowed hosts with the
// organization defaults. Both contribute; duplicates collapse.
func (t *Task) EffectiveAllowedHosts(orgDefaults []string) []string {
	seen := make(map[string]struct{}, len(t.Constraints.AllowedHosts)+len(orgDefaults))
	out := make([]string, 0, len(t.Constraints.AllowedHosts)+len(orgDefaults))
	for _, h := range t.Constraints.AllowedHosts {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	for _, h := range orgDefaults {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

// ConversationID returns the linked conversation id, if any.
func (t *Task) ConversationID() string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata["conversation_id"].(string); ok {
		return v
	}
	return ""
}
