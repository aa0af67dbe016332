package models

import "time"

// EventSourceType classifies the component that emitted an event.
type EventSourceType string

const (
	SourceTypeOrchestrator EventSourceType = "orchestrator"
	SourceTypeScheduler    EventSourceType = "scheduler"
	SourceTypeDispatcher   EventSourceType = "dispatcher"
	SourceTypePlanner      EventSourceType = "planner"
	SourceTypeCheckpoint   EventSourceType = "checkpoint"
	SourceTypePlugin       EventSourceType = "plugin"
	SourceTypeAgent        EventSourceType = "agent"
	SourceTypeAPI          EventSourceType = "api"
)

// Event is a structured record on the bus. Type is a dotted string matched
// by subscription patterns ("*" one segment, "**" any suffix).
type Event struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	SourceType EventSourceType `json:"source_type"`
	Type       string          `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    map[string]any  `json:"payload,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	AgentID    string          `json:"agent_id,omitempty"`
}

// Well-known event types. Task-scoped types carry the task id as the second
// segment on the wire ("task.<task_id>.step.started") so subscribers can
// pattern-match a single task's stream with "task.<task_id>.**".
const (
	EventTaskCreated        = "task.created"
	EventTaskStatus         = "task.status"
	EventTaskCompleted      = "task.completed"
	EventTaskFailed         = "task.failed"
	EventTaskCancelled      = "task.cancelled"
	EventStepStarted        = "task.step.started"
	EventStepCompleted      = "task.step.completed"
	EventStepFailed         = "task.step.failed"
	EventCheckpointCreated  = "task.checkpoint.created"
	EventCheckpointResolved = "task.checkpoint.resolved"
	EventReplanStarted      = "task.replan.started"
	EventReplanCompleted    = "task.replan.completed"
)

// TaskChannel returns the pattern prefix for a single task's events.
func TaskChannel(taskID string) string { return "task." + taskID }

// PluginExecution is an observability record written by the executor for
// every plugin invocation.
type PluginExecution struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	StepID     string         `json:"step_id"`
	Namespace  string         `json:"namespace"`
	Attempt    int            `json:"attempt"`
	Status     string         `json:"status"` // succeeded | failed
	ErrorKind  string         `json:"error_kind,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	TokensUsed int            `json:"tokens_used,omitempty"`
	CostUSD    float64        `json:"cost_usd,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
}
