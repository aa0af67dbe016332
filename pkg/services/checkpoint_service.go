package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskweave/taskweave/pkg/events"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// CheckpointResolver is the checkpoint manager surface the service uses.
type CheckpointResolver interface {
	Resolve(ctx context.Context, checkpointID string, resp *models.CheckpointResponse) (*models.Checkpoint, error)
}

// CheckpointService lists pending checkpoints and applies user decisions,
// then resumes the suspended task.
type CheckpointService struct {
	store    store.Store
	resolver CheckpointResolver
	pub      *events.Publisher
	log      *slog.Logger
}

// NewCheckpointService creates a CheckpointService. bus may be nil.
func NewCheckpointService(st store.Store, resolver CheckpointResolver, bus *events.Bus, log *slog.Logger) *CheckpointService {
	if log == nil {
		log = slog.Default()
	}
	return &CheckpointService{
		store:    st,
		resolver: resolver,
		pub:      events.NewPublisher(bus, "checkpoint-service", models.SourceTypeAPI),
		log:      log,
	}
}

// ListPending returns the task's pending checkpoints, ownership-checked.
func (s *CheckpointService) ListPending(ctx context.Context, orgID, taskID string) ([]*models.Checkpoint, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if orgID != "" && task.OrgID != orgID {
		return nil, taskerr.New(taskerr.KindNotFound, "task %s not found", taskID)
	}
	return s.store.ListPendingCheckpoints(ctx, taskID)
}

// Resolve applies the user's decision to the step's pending checkpoint and
// resumes the task: approval completes the gate step (applying modified or
// supplied inputs first), rejection fails it, and the task re-enters the
// planning queue so a worker picks execution back up.
func (s *CheckpointService) Resolve(ctx context.Context, orgID, taskID, stepID string,
	resp *models.CheckpointResponse) (*models.Checkpoint, *models.Task, error) {

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if orgID != "" && task.OrgID != orgID {
		return nil, nil, taskerr.New(taskerr.KindNotFound, "task %s not found", taskID)
	}
	if task.Step(stepID) == nil {
		return nil, nil, taskerr.New(taskerr.KindNotFound,
			"step %s not found in task %s", stepID, taskID)
	}

	cp, err := s.store.GetPendingCheckpoint(ctx, taskID, stepID)
	if err != nil {
		if !taskerr.IsKind(err, taskerr.KindNotFound) {
			return nil, nil, err
		}
		// No pending record: the step's settled output names the decided
		// checkpoint, so a repeated call replays through the resolver's
		// idempotency handling instead of 404ing.
		id := checkpointIDFromStep(task.Step(stepID))
		if id == "" {
			return nil, nil, err
		}
		resolved, rerr := s.resolver.Resolve(ctx, id, resp)
		if rerr != nil {
			return resolved, nil, rerr
		}
		updated, gerr := s.store.GetTask(ctx, taskID)
		return resolved, updated, gerr
	}

	resolved, err := s.resolver.Resolve(ctx, cp.ID, resp)
	if err != nil {
		return resolved, nil, err
	}

	if err := s.resumeStep(ctx, task.ID, stepID, resolved); err != nil {
		return resolved, nil, err
	}

	updated, err := s.requeue(ctx, taskID)
	if err != nil {
		return resolved, nil, err
	}
	s.log.Info("Checkpoint resolved", "task_id", taskID, "step_id", stepID,
		"checkpoint_id", resolved.ID, "decision", string(resolved.Decision))
	return resolved, updated, nil
}

// resumeStep settles the suspended step according to the decision.
func (s *CheckpointService) resumeStep(ctx context.Context, taskID, stepID string, cp *models.Checkpoint) error {
	if cp.Decision.Approved() {
		return s.approveStep(ctx, taskID, stepID, cp)
	}
	return s.rejectStep(ctx, taskID, stepID, cp)
}

// approveStep completes the gate step. Its output carries the decision plus
// any user-supplied payload so downstream steps can reference it; modify
// decisions rewrite the gated step's inputs before it runs.
func (s *CheckpointService) approveStep(ctx context.Context, taskID, stepID string, cp *models.Checkpoint) error {
	output := map[string]any{
		"decision":      string(cp.Decision),
		"checkpoint_id": cp.ID,
	}
	if resp := cp.Response; resp != nil {
		if resp.Inputs != nil {
			output["inputs"] = resp.Inputs
		}
		if resp.SelectedAlternative != "" {
			output["selected_alternative"] = resp.SelectedAlternative
		}
		if resp.Answers != nil {
			output["answers"] = resp.Answers
		}
		if resp.Feedback != "" {
			output["feedback"] = resp.Feedback
		}
	}

	completed := time.Now().UTC()
	err := store.RetryStale(ctx, func() error {
		fresh, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		step := fresh.Step(stepID)
		if step == nil || step.Status.IsTerminal() {
			return nil
		}
		_, err = store.UpdateStepStatus(ctx, s.store, taskID, stepID, store.StepUpdate{
			Status:      models.StepStatusSucceeded,
			Output:      output,
			CompletedAt: &completed,
		})
		return err
	})
	if err != nil {
		return err
	}
	s.pub.StepCompleted(ctx, taskID, stepID, models.StepKindCheckpoint)

	if cp.Type == models.CheckpointTypeModify && cp.Response != nil && cp.Response.ModifiedInputs != nil {
		return s.applyModifiedInputs(ctx, taskID, cp, cp.Response.ModifiedInputs)
	}
	return nil
}

// applyModifiedInputs replaces the gated step's inputs. Gate steps name the
// step they guard in their preview; a checkpoint suspending a non-gate step
// modifies that step directly.
func (s *CheckpointService) applyModifiedInputs(ctx context.Context, taskID string,
	cp *models.Checkpoint, inputs map[string]any) error {

	targetID := cp.StepID
	if v, ok := cp.Preview["gated_step_id"].(string); ok && v != "" {
		targetID = v
	}

	return store.RetryStale(ctx, func() error {
		fresh, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		target := fresh.Step(targetID)
		if target == nil {
			return taskerr.New(taskerr.KindNotFound,
				"gated step %s not found in task %s", targetID, taskID)
		}
		if target.Status.IsTerminal() || target.Status == models.StepStatusRunning {
			return taskerr.New(taskerr.KindInvalidInput,
				"step %s can no longer accept modified inputs", targetID)
		}

		steps := make([]*models.Step, len(fresh.Steps))
		for i, st := range fresh.Steps {
			if st.ID != targetID {
				steps[i] = st
				continue
			}
			mod := st.Clone()
			mod.Inputs = inputs
			steps[i] = mod
		}
		_, err = s.store.UpdateTask(ctx, taskID, fresh.Version, store.UpdateFields{Steps: steps})
		return err
	})
}

// rejectStep fails the gate step so dependency propagation blocks or skips
// its dependents.
func (s *CheckpointService) rejectStep(ctx context.Context, taskID, stepID string, cp *models.Checkpoint) error {
	completed := time.Now().UTC()
	message := "checkpoint rejected by user"
	if cp.Response != nil && cp.Response.Feedback != "" {
		message = "checkpoint rejected: " + cp.Response.Feedback
	}
	err := store.RetryStale(ctx, func() error {
		fresh, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		step := fresh.Step(stepID)
		if step == nil || step.Status.IsTerminal() {
			return nil
		}
		_, err = store.UpdateStepStatus(ctx, s.store, taskID, stepID, store.StepUpdate{
			Status: models.StepStatusFailed,
			Output: map[string]any{
				"decision":      string(cp.Decision),
				"checkpoint_id": cp.ID,
			},
			Error: &models.StepError{
				Kind:    string(taskerr.KindForbidden),
				Message: message,
			},
			CompletedAt: &completed,
		})
		return err
	})
	if err != nil {
		return err
	}
	s.pub.StepFailed(ctx, taskID, stepID, string(taskerr.KindForbidden), 1, false)
	return nil
}

// requeue moves a suspended task back into the planning queue. Tasks still
// holding other pending checkpoints stay suspended.
//
// An approved task re-enters through planning rather than jumping straight
// to running: planning is the status workers claim from, and the next
// Execute sees the persisted steps and resumes them instead of replanning.
// Watchers of task.status events therefore see waiting_approval, planning,
// running on resume.
func (s *CheckpointService) requeue(ctx context.Context, taskID string) (*models.Task, error) {
	pending, err := s.store.ListPendingCheckpoints(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return s.store.GetTask(ctx, taskID)
	}

	planning := models.TaskStatusPlanning
	var updated *models.Task
	err = store.RetryStale(ctx, func() error {
		fresh, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if fresh.Status != models.TaskStatusWaitingApproval {
			updated = fresh
			return nil
		}
		updated, err = s.store.UpdateTask(ctx, taskID, fresh.Version, store.UpdateFields{
			Status: &planning,
		})
		if err == nil {
			s.pub.TaskStatus(ctx, taskID, models.TaskStatusPlanning)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// checkpointIDFromStep recovers the checkpoint id a settled gate step
// recorded in its output.
func checkpointIDFromStep(step *models.Step) string {
	if step == nil || step.Output == nil {
		return ""
	}
	if id, ok := step.Output["checkpoint_id"].(string); ok {
		return id
	}
	return ""
}
