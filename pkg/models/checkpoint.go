package models

import "time"

// CheckpointType classifies what the checkpoint asks of the user.
type CheckpointType string

const (
	CheckpointTypeApproval CheckpointType = "approval"
	CheckpointTypeInput    CheckpointType = "input"
	CheckpointTypeModify   CheckpointType = "modify"
	CheckpointTypeSelect   CheckpointType = "select"
	CheckpointTypeQA       CheckpointType = "qa"
)

// CheckpointDecision is the resolution state of a checkpoint.
type CheckpointDecision string

const (
	DecisionPending      CheckpointDecision = "pending"
	DecisionApproved     CheckpointDecision = "approved"
	DecisionRejected     CheckpointDecision = "rejected"
	DecisionAutoApproved CheckpointDecision = "auto_approved"
	DecisionExpired      CheckpointDecision = "expired"
)

// Decided reports whether the checkpoint has left the pending state.
func (d CheckpointDecision) Decided() bool { return d != DecisionPending }

// Approved reports whether the decision unblocks the step.
func (d CheckpointDecision) Approved() bool {
	return d == DecisionApproved || d == DecisionAutoApproved
}

// CheckpointResponse is the typed payload a user supplies when resolving.
type CheckpointResponse struct {
	Decision CheckpointDecision `json:"decision"`
	Feedback string             `json:"feedback,omitempty"`
	// Learn opts this decision into preference learning so similar future
	// checkpoints can be auto-approved.
	Learn bool `json:"learn,omitempty"`
	// Inputs answers an input-type checkpoint, validated against the
	// checkpoint's input schema.
	Inputs map[string]any `json:"inputs,omitempty"`
	// ModifiedInputs replaces the gated step's inputs for modify-type
	// checkpoints.
	ModifiedInputs map[string]any `json:"modified_inputs,omitempty"`
	// SelectedAlternative picks an entry for select-type checkpoints.
	SelectedAlternative string `json:"selected_alternative,omitempty"`
	// Answers holds free-form answers for qa-type checkpoints.
	Answers map[string]string `json:"answers,omitempty"`
}

// Checkpoint is a suspension record: a pending checkpoint blocks its step in
// waiting_approval until a decision arrives or it expires.
type Checkpoint struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	StepID string `json:"step_id"`

	Type         CheckpointType `json:"type"`
	Prompt       string         `json:"prompt"`
	Preview      map[string]any `json:"preview,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty"`

	Decision  CheckpointDecision  `json:"decision"`
	Response  *CheckpointResponse `json:"response,omitempty"`
	DecidedAt *time.Time          `json:"decided_at,omitempty"`

	// PreferenceID names the learned preference that auto-decided this
	// checkpoint, when decision is auto_approved.
	PreferenceID string `json:"preference_id,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// PreferenceScope orders learned preferences from narrowest to broadest.
type PreferenceScope string

const (
	ScopeTask      PreferenceScope = "task"
	ScopeTaskType  PreferenceScope = "task_type"
	ScopeAgentType PreferenceScope = "agent_type"
	ScopeGlobal    PreferenceScope = "global"
)

// UserPreference is a learned auto-approval hint. It is advisory: the
// checkpoint manager consults it to pre-decide checkpoints when confidence
// clears the threshold, but never depends on it for correctness.
type UserPreference struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Scope      PreferenceScope `json:"scope"`
	ScopeValue string          `json:"scope_value,omitempty"`
	// Key is a fingerprint of the checkpoint context (step name, type,
	// normalized preview data).
	Key        string             `json:"key"`
	Decision   CheckpointDecision `json:"decision"`
	Confidence float64            `json:"confidence"`
	UsageCount int                `json:"usage_count"`
	LastUsedAt time.Time          `json:"last_used_at"`
}
