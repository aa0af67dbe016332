package events

import (
	"context"

	"github.com/taskweave/taskweave/pkg/models"
)

// Publisher wraps the bus with typed publish helpers for one source
// component, so call sites share payload shapes and routing conventions
// instead of hand-building event maps.
//
// A nil Publisher is valid and publishes nothing, so components that run
// without a bus can hold one unconditionally.
type Publisher struct {
	bus        *Bus
	source     string
	sourceType models.EventSourceType
}

// NewPublisher creates a typed publisher for the given source component.
// It returns nil when bus is nil.
func NewPublisher(bus *Bus, source string, sourceType models.EventSourceType) *Publisher {
	if bus == nil {
		return nil
	}
	return &Publisher{bus: bus, source: source, sourceType: sourceType}
}

func (p *Publisher) publish(ctx context.Context, taskID, eventType string, payload map[string]any) {
	if p == nil {
		return
	}
	p.bus.Publish(ctx, &models.Event{
		Source:     p.source,
		SourceType: p.sourceType,
		Type:       eventType,
		TaskID:     taskID,
		Payload:    payload,
	})
}

// TaskCreated publishes task.created.
func (p *Publisher) TaskCreated(ctx context.Context, task *models.Task, autoStart bool) {
	p.publish(ctx, task.ID, models.EventTaskCreated, map[string]any{
		"goal":       task.Goal,
		"status":     string(task.Status),
		"auto_start": autoStart,
	})
}

// TaskStatus publishes a task.status transition event.
func (p *Publisher) TaskStatus(ctx context.Context, taskID string, status models.TaskStatus) {
	p.publish(ctx, taskID, models.EventTaskStatus, map[string]any{"status": string(status)})
}

// TaskPlanned publishes the running transition that follows a successful
// plan, carrying the plan size.
func (p *Publisher) TaskPlanned(ctx context.Context, taskID string, stepCount int) {
	p.publish(ctx, taskID, models.EventTaskStatus, map[string]any{
		"status":     string(models.TaskStatusRunning),
		"step_count": stepCount,
	})
}

// TaskCompleted publishes task.completed.
func (p *Publisher) TaskCompleted(ctx context.Context, taskID string) {
	p.publish(ctx, taskID, models.EventTaskCompleted, nil)
}

// TaskFailed publishes task.failed with the error kind.
func (p *Publisher) TaskFailed(ctx context.Context, taskID, errorKind, message string) {
	p.publish(ctx, taskID, models.EventTaskFailed, map[string]any{
		"error_kind":    errorKind,
		"error_message": message,
	})
}

// TaskCancelled publishes task.cancelled.
func (p *Publisher) TaskCancelled(ctx context.Context, taskID string) {
	p.publish(ctx, taskID, models.EventTaskCancelled, nil)
}

// StepStarted publishes task.step.started.
func (p *Publisher) StepStarted(ctx context.Context, taskID string, step *models.Step) {
	p.publish(ctx, taskID, models.EventStepStarted, map[string]any{
		"step_id": step.ID,
		"kind":    string(step.Kind),
		"attempt": step.Attempt,
	})
}

// StepCompleted publishes task.step.completed.
func (p *Publisher) StepCompleted(ctx context.Context, taskID, stepID string, kind models.StepKind) {
	p.publish(ctx, taskID, models.EventStepCompleted, map[string]any{
		"step_id": stepID,
		"kind":    string(kind),
	})
}

// StepFailed publishes task.step.failed with the error kind and whether a
// retry is coming.
func (p *Publisher) StepFailed(ctx context.Context, taskID, stepID, errorKind string, attempt int, willRetry bool) {
	p.publish(ctx, taskID, models.EventStepFailed, map[string]any{
		"step_id":    stepID,
		"error_kind": errorKind,
		"attempt":    attempt,
		"will_retry": willRetry,
	})
}

// CheckpointCreated publishes task.checkpoint.created.
func (p *Publisher) CheckpointCreated(ctx context.Context, cp *models.Checkpoint) {
	p.publish(ctx, cp.TaskID, models.EventCheckpointCreated, map[string]any{
		"checkpoint_id": cp.ID,
		"step_id":       cp.StepID,
		"type":          string(cp.Type),
		"prompt":        cp.Prompt,
		"expires_at":    cp.ExpiresAt,
	})
}

// CheckpointResolved publishes task.checkpoint.resolved with the decision.
func (p *Publisher) CheckpointResolved(ctx context.Context, taskID, checkpointID, stepID string, decision models.CheckpointDecision) {
	p.publish(ctx, taskID, models.EventCheckpointResolved, map[string]any{
		"checkpoint_id": checkpointID,
		"step_id":       stepID,
		"decision":      string(decision),
	})
}

// CheckpointAutoApproved publishes the resolution of a checkpoint decided
// by a learned preference, naming the preference that decided it.
func (p *Publisher) CheckpointAutoApproved(ctx context.Context, taskID, checkpointID, stepID, preferenceID string) {
	p.publish(ctx, taskID, models.EventCheckpointResolved, map[string]any{
		"checkpoint_id": checkpointID,
		"step_id":       stepID,
		"decision":      string(models.DecisionAutoApproved),
		"preference_id": preferenceID,
	})
}

// CheckpointCancelled publishes the rejection of a pending checkpoint on a
// cancelled task.
func (p *Publisher) CheckpointCancelled(ctx context.Context, taskID, checkpointID, stepID string) {
	p.publish(ctx, taskID, models.EventCheckpointResolved, map[string]any{
		"checkpoint_id": checkpointID,
		"step_id":       stepID,
		"decision":      string(models.DecisionRejected),
		"reason":        "cancelled",
	})
}

// ReplanStarted publishes task.replan.started.
func (p *Publisher) ReplanStarted(ctx context.Context, taskID, triggeringStepID string) {
	p.publish(ctx, taskID, models.EventReplanStarted, map[string]any{
		"triggering_step_id": triggeringStepID,
	})
}

// ReplanCompleted publishes task.replan.completed with the suffix size.
func (p *Publisher) ReplanCompleted(ctx context.Context, taskID string, newStepCount int) {
	p.publish(ctx, taskID, models.EventReplanCompleted, map[string]any{
		"new_step_count": newStepCount,
	})
}
